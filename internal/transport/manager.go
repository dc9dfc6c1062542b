package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trainingdesk/chat-client/internal/metrics"
	"github.com/trainingdesk/chat-client/internal/protocol"
)

var (
	ErrAuthRejected     = errors.New("transport: authentication rejected")
	ErrRetriesExhausted = errors.New("transport: retry budget exhausted")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyStarted   = errors.New("transport: session already started")
	ErrHandshake        = errors.New("transport: handshake failed")
)

const (
	writeWait  = 10 * time.Second
	readWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	TypingRate       rate.Limit
	TypingBurst      int
}

func (c *Config) fill() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.TypingRate == 0 {
		c.TypingRate = 2
	}
	if c.TypingBurst == 0 {
		c.TypingBurst = 4
	}
}

// Manager owns the single logical realtime session: handshake, inbound frame
// decoding, keepalive, and bounded reconnection. Consumers observe lifecycle
// transitions on States and inbound frames on Events.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	states chan State
	events chan protocol.Envelope
	out    chan protocol.Envelope

	mu      sync.Mutex
	status  Status
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.fill()
	return &Manager{
		cfg:     cfg,
		log:     logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		limiter: rate.NewLimiter(cfg.TypingRate, cfg.TypingBurst),
		states:  make(chan State, 32),
		events:  make(chan protocol.Envelope, 64),
		out:     make(chan protocol.Envelope, 64),
	}
}

// States exposes lifecycle transitions. The channel is buffered; a consumer
// that stops reading loses the oldest transitions, never blocks the session.
func (m *Manager) States() <-chan State { return m.states }

// Events exposes decoded-but-untyped inbound frames in transport order.
func (m *Manager) Events() <-chan protocol.Envelope { return m.events }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts the session loop. It returns immediately; progress is
// reported on States. After a terminal Failed state the caller must call
// Connect again to start a new session.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, credential, done)
	return nil
}

// Close tears the session down: the transition to Idle cancels every pending
// reconnect wait and stops the pumps. Blocks until the loop has exited.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Send enqueues an outbound frame. Rejected while the session is not
// connected so stores can surface the failure instead of queueing blindly.
func (m *Manager) Send(env protocol.Envelope) error {
	if m.Status() != StatusConnected {
		return ErrNotConnected
	}
	select {
	case m.out <- env:
		return nil
	default:
		return fmt.Errorf("transport: outbound buffer full")
	}
}

func (m *Manager) run(ctx context.Context, credential string, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffInitial
	bo.MaxInterval = m.cfg.BackoffMax
	bo.MaxElapsedTime = 0

	attempt := 0
	for {
		m.setState(State{Status: StatusConnecting, Attempt: attempt})
		conn, err := m.dial(ctx, credential)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				m.setState(State{Status: StatusFailed, Attempt: attempt, Err: err})
				return
			}
			if ctx.Err() != nil {
				m.setState(State{Status: StatusIdle})
				return
			}
			attempt++
			if attempt >= m.cfg.MaxAttempts {
				m.setState(State{Status: StatusFailed, Attempt: attempt, Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, err)})
				return
			}
			metrics.Reconnects.Inc()
			m.setState(State{Status: StatusReconnecting, Attempt: attempt, Err: err})
			if !m.wait(ctx, bo.NextBackOff()) {
				m.setState(State{Status: StatusIdle})
				return
			}
			continue
		}

		attempt = 0
		bo.Reset()
		m.setState(State{Status: StatusConnected})
		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			m.setState(State{Status: StatusIdle})
			return
		}
		metrics.Reconnects.Inc()
		m.setState(State{Status: StatusReconnecting, Err: err})
		if !m.wait(ctx, bo.NextBackOff()) {
			m.setState(State{Status: StatusIdle})
			return
		}
	}
}

// dial establishes the websocket and runs the authenticate handshake.
func (m *Manager) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", m.cfg.URL, err)
	}

	auth, err := protocol.NewEnvelope(protocol.EventAuthenticate, protocol.Authenticate{Credential: credential})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	switch reply.Event {
	case protocol.EventConnected:
		return conn, nil
	case protocol.EventAuthError:
		payload, _ := protocol.Decode(reply)
		_ = conn.Close()
		if ae, ok := payload.(protocol.AuthError); ok && ae.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ae.Reason)
		}
		return nil, ErrAuthRejected
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected first frame %q", ErrHandshake, reply.Event)
	}
}

// serve runs the read and write pumps until the connection drops or ctx is
// cancelled.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	// unblock the read loop when the session is torn down
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writePump(connCtx, conn)
	}()

	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			cancel()
			<-writerDone
			return fmt.Errorf("transport: read: %w", err)
		}
		if env.Event == protocol.EventNewMessage {
			metrics.MessagesIn.Inc()
		}
		select {
		case m.events <- env:
		case <-connCtx.Done():
			<-writerDone
			return connCtx.Err()
		}
	}
}

func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case env := <-m.out:
			if env.Event == protocol.EventTyping && !m.limiter.Allow() {
				// typing frames are refresh signals; dropping under flood is safe
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				m.log.Warn("write failed", zap.String("event", string(env.Event)), zap.Error(err))
				return
			}
			if env.Event == protocol.EventSendMessage {
				metrics.MessagesOut.Inc()
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setState(st State) {
	m.mu.Lock()
	m.status = st.Status
	m.mu.Unlock()

	metrics.ConnectionState.Set(float64(st.Status))
	if st.Err != nil {
		m.log.Info("connection state", zap.String("status", st.Status.String()), zap.Int("attempt", st.Attempt), zap.Error(st.Err))
	} else {
		m.log.Info("connection state", zap.String("status", st.Status.String()))
	}
	select {
	case m.states <- st:
	default:
		m.log.Warn("state channel full, dropping transition", zap.String("status", st.Status.String()))
	}
}
