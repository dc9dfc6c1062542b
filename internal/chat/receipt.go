package chat

import (
	"sync"
	"time"
)

// ReceiptTracker decides when "read up to latest" is flushed to the server.
// Requests for the same conversation inside one flush window coalesce into a
// single emission; unfocusing cancels the pending flush.
type ReceiptTracker struct {
	mu      sync.Mutex
	clock   Clock
	window  time.Duration
	emit    func(conversationID string)
	pending map[string]Timer
}

func NewReceiptTracker(clock Clock, window time.Duration, emit func(conversationID string)) *ReceiptTracker {
	return &ReceiptTracker{
		clock:   clock,
		window:  window,
		emit:    emit,
		pending: make(map[string]Timer),
	}
}

// Request schedules a flush for the conversation unless one is already
// pending.
func (t *ReceiptTracker) Request(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[conversationID]; ok {
		return
	}
	t.pending[conversationID] = t.clock.AfterFunc(t.window, func() {
		t.fire(conversationID)
	})
}

// Cancel drops a not-yet-flushed emission for the conversation.
func (t *ReceiptTracker) Cancel(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[conversationID]; ok {
		timer.Stop()
		delete(t.pending, conversationID)
	}
}

// Close cancels every pending flush.
func (t *ReceiptTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}

func (t *ReceiptTracker) fire(conversationID string) {
	t.mu.Lock()
	if _, ok := t.pending[conversationID]; !ok {
		// cancelled between timer fire and lock acquisition
		t.mu.Unlock()
		return
	}
	delete(t.pending, conversationID)
	t.mu.Unlock()
	t.emit(conversationID)
}
