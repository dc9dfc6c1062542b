package chat

import (
	"sync"
	"time"
)

// Debouncer coalesces raw keystroke activity into start/stop typing signals:
// at most one start per idle-to-typing edge and one stop per typing-to-idle
// edge, regardless of how many keystrokes arrive in between.
type Debouncer struct {
	mu     sync.Mutex
	clock  Clock
	quiet  time.Duration
	emit   func(active bool)
	timer  Timer
	active bool
}

func NewDebouncer(clock Clock, quiet time.Duration, emit func(active bool)) *Debouncer {
	return &Debouncer{clock: clock, quiet: quiet, emit: emit}
}

// Keystroke records one unit of typing activity. The first keystroke emits a
// start signal; every keystroke resets the quiet-interval timer.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.quiet, d.expire)
	if !d.active {
		d.active = true
		d.emit(true)
	}
}

// Flush emits an immediate stop if typing is active, e.g. when the message is
// sent before the quiet interval elapses.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.active {
		d.active = false
		d.emit(false)
	}
}

// Stop cancels the outstanding timer without emitting, for session teardown.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}

func (d *Debouncer) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	d.active = false
	d.timer = nil
	d.emit(false)
}
