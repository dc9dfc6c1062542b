package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/protocol"
	"github.com/trainingdesk/chat-client/internal/transport"
)

// Link is the realtime connection a session consumes. *transport.Manager
// satisfies it.
type Link interface {
	Connect(ctx context.Context, credential string) error
	Close()
	Send(protocol.Envelope) error
	Events() <-chan protocol.Envelope
	States() <-chan transport.State
}

// Backend is the REST collaborator used to bootstrap state before realtime
// events are trusted as authoritative.
type Backend interface {
	FetchOrCreateConversation(ctx context.Context, userID string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchConversation(ctx context.Context, id string) (Conversation, error)
	MessagePage(ctx context.Context, conversationID, beforeID string, limit int) ([]Message, error)
	UnreadCount(ctx context.Context, conversationID string) (int, error)
}

type SessionConfig struct {
	LocalUserID   string
	AckTimeout    time.Duration
	TypingExpiry  time.Duration
	QuietInterval time.Duration
	ReadFlush     time.Duration
	PageSize      int
}

func (c *SessionConfig) fill() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 6 * time.Second
	}
	if c.QuietInterval == 0 {
		c.QuietInterval = 2 * time.Second
	}
	if c.ReadFlush == 0 {
		c.ReadFlush = defaultReadFlush
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
}

func (c SessionConfig) storeConfig() StoreConfig {
	return StoreConfig{
		LocalUserID:  c.LocalUserID,
		AckTimeout:   c.AckTimeout,
		TypingExpiry: c.TypingExpiry,
	}
}

// Widget is the end-user session: one conversation over one connection. Its
// lifetime is bound to login/logout; opening or closing the widget on screen
// only toggles focus, it never re-establishes the connection.
type Widget struct {
	log     *zap.Logger
	link    Link
	backend Backend
	clock   Clock
	cfg     SessionConfig

	store   *Store
	deb     *Debouncer
	tracker *ReceiptTracker
	quit    chan struct{}
	done    chan struct{}

	// OnChange and OnState are observation hooks for the presentation
	// layer; set them before Start.
	OnChange func()
	OnState  func(transport.State)
}

func NewWidget(cfg SessionConfig, link Link, backend Backend, clock Clock, logger *zap.Logger) *Widget {
	cfg.fill()
	return &Widget{
		log:     logger,
		link:    link,
		backend: backend,
		clock:   clock,
		cfg:     cfg,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start bootstraps conversation state over REST, then connects the realtime
// channel and begins consuming its streams.
func (w *Widget) Start(ctx context.Context, credential string) error {
	conv, err := w.backend.FetchOrCreateConversation(ctx, w.cfg.LocalUserID)
	if err != nil {
		return fmt.Errorf("chat: bootstrap conversation: %w", err)
	}
	w.tracker = NewReceiptTracker(w.clock, w.cfg.ReadFlush, func(string) {
		w.store.MarkReadLatest()
	})
	w.store = NewStore(conv, w.cfg.storeConfig(), w.clock, w.tracker, w.link.Send, w.log)
	w.store.SetOnChange(func() {
		if w.OnChange != nil {
			w.OnChange()
		}
	})
	w.deb = NewDebouncer(w.clock, w.cfg.QuietInterval, func(active bool) {
		env, err := protocol.NewEnvelope(protocol.EventTyping, protocol.Typing{
			ConversationID: conv.ID,
			IsTyping:       active,
		})
		if err == nil {
			if err := w.link.Send(env); err != nil {
				w.log.Debug("typing signal dropped", zap.Error(err))
			}
		}
	})

	if n, err := w.backend.UnreadCount(ctx, conv.ID); err == nil {
		w.store.SetUnreadHint(n)
	} else {
		w.log.Warn("unread count fetch failed", zap.Error(err))
	}
	page, err := w.backend.MessagePage(ctx, conv.ID, "", w.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("chat: bootstrap history: %w", err)
	}
	w.store.SeedHistory(page)

	if err := w.link.Connect(ctx, credential); err != nil {
		return err
	}
	go w.dispatch(ctx)
	return nil
}

// Shutdown tears the session down: connection, timers, pending sends.
func (w *Widget) Shutdown() {
	close(w.quit)
	w.link.Close()
	<-w.done
	w.deb.Stop()
	w.tracker.Close()
	w.store.Close()
}

// Send flushes the typing indicator and appends an optimistic message.
func (w *Widget) Send(body string) Message {
	w.deb.Flush()
	return w.store.AppendOutbound(body)
}

// Resend retries a message previously marked failed.
func (w *Widget) Resend(id string) error { return w.store.Resend(id) }

// Keystroke reports local typing activity.
func (w *Widget) Keystroke() { w.deb.Keystroke() }

// Focus marks the conversation open on screen.
func (w *Widget) Focus() { w.store.SetFocused(true) }

// Blur marks it closed; a pending read flush is cancelled.
func (w *Widget) Blur() { w.store.SetFocused(false) }

func (w *Widget) Messages() []Message        { return w.store.Messages() }
func (w *Widget) Conversation() Conversation { return w.store.Conversation() }
func (w *Widget) TypingUsers() []string      { return w.store.TypingUsers() }

func (w *Widget) dispatch(ctx context.Context) {
	defer close(w.done)
	convID := w.store.ConversationID()
	for {
		select {
		case env := <-w.link.Events():
			w.route(convID, env)
		case st := <-w.link.States():
			w.handleState(st)
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Widget) route(convID string, env protocol.Envelope) {
	payload, err := protocol.Decode(env)
	if err != nil {
		w.log.Warn("undecodable frame", zap.String("event", string(env.Event)), zap.Error(err))
		return
	}
	switch p := payload.(type) {
	case protocol.NewMessage:
		if p.ConversationID == convID {
			w.store.AppendInbound(p)
		}
	case protocol.UserTyping:
		if p.ConversationID == convID {
			w.store.UpdateRemoteTyping(p.UserID, p.IsTyping)
		}
	case protocol.MessagesRead:
		if p.ConversationID == convID {
			w.store.MarkRemoteRead()
		}
	}
}

func (w *Widget) handleState(st transport.State) {
	switch st.Status {
	case transport.StatusReconnecting, transport.StatusFailed, transport.StatusIdle:
		w.store.ConnectionLost()
	}
	if w.OnState != nil {
		w.OnState(st)
	}
}

// Console is the admin session: a coordinator of many conversations over the
// shared connection.
type Console struct {
	log     *zap.Logger
	link    Link
	backend Backend
	clock   Clock
	cfg     SessionConfig

	coord *Coordinator

	mu         sync.Mutex
	debouncers map[string]*Debouncer

	quit chan struct{}
	done chan struct{}

	OnChange func()
	OnState  func(transport.State)
}

func NewConsole(cfg SessionConfig, link Link, backend Backend, clock Clock, logger *zap.Logger) *Console {
	cfg.fill()
	c := &Console{
		log:        logger,
		link:       link,
		backend:    backend,
		clock:      clock,
		cfg:        cfg,
		debouncers: make(map[string]*Debouncer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.coord = NewCoordinator(cfg.storeConfig(), cfg.ReadFlush, clock, backend, link.Send, logger)
	c.coord.SetOnChange(func() {
		if c.OnChange != nil {
			c.OnChange()
		}
	})
	return c
}

// Start bootstraps the conversation list over REST, then connects.
func (c *Console) Start(ctx context.Context, credential string) error {
	convs, err := c.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("chat: bootstrap conversation list: %w", err)
	}
	c.coord.Bootstrap(convs)

	if err := c.link.Connect(ctx, credential); err != nil {
		return err
	}
	go c.dispatch(ctx)
	return nil
}

func (c *Console) Shutdown() {
	close(c.quit)
	c.link.Close()
	<-c.done
	c.mu.Lock()
	for _, d := range c.debouncers {
		d.Stop()
	}
	c.mu.Unlock()
	c.coord.Close()
}

// LoadHistory fetches and seeds a message page for one conversation,
// typically when the admin opens it.
func (c *Console) LoadHistory(ctx context.Context, conversationID string) error {
	page, err := c.backend.MessagePage(ctx, conversationID, "", c.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("chat: history %s: %w", conversationID, err)
	}
	c.coord.Store(conversationID).SeedHistory(page)
	return nil
}

// Send flushes the conversation's typing indicator and appends an optimistic
// message carrying the conversation id, so the ack routes back correctly even
// with several conversations in flight.
func (c *Console) Send(conversationID, body string) Message {
	c.debouncer(conversationID).Flush()
	return c.coord.Store(conversationID).AppendOutbound(body)
}

func (c *Console) Resend(conversationID, messageID string) error {
	return c.coord.Store(conversationID).Resend(messageID)
}

func (c *Console) Keystroke(conversationID string) {
	c.debouncer(conversationID).Keystroke()
}

func (c *Console) Focus(conversationID string) {
	c.coord.Store(conversationID).SetFocused(true)
}

func (c *Console) Blur(conversationID string) {
	c.coord.Store(conversationID).SetFocused(false)
}

func (c *Console) Conversations() []Conversation { return c.coord.Conversations() }

func (c *Console) Store(conversationID string) *Store { return c.coord.Store(conversationID) }

func (c *Console) dispatch(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case env := <-c.link.Events():
			c.coord.Route(env)
		case st := <-c.link.States():
			c.handleState(st)
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) handleState(st transport.State) {
	switch st.Status {
	case transport.StatusReconnecting, transport.StatusFailed, transport.StatusIdle:
		c.coord.ConnectionLost()
	}
	if c.OnState != nil {
		c.OnState(st)
	}
}

func (c *Console) debouncer(conversationID string) *Debouncer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.debouncers[conversationID]; ok {
		return d
	}
	d := NewDebouncer(c.clock, c.cfg.QuietInterval, func(active bool) {
		env, err := protocol.NewEnvelope(protocol.EventTyping, protocol.Typing{
			ConversationID: conversationID,
			IsTyping:       active,
		})
		if err == nil {
			if err := c.link.Send(env); err != nil {
				c.log.Debug("typing signal dropped", zap.String("conversation", conversationID), zap.Error(err))
			}
		}
	})
	c.debouncers[conversationID] = d
	return d
}
