package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/protocol"
)

// MetadataFetcher resolves conversation metadata for placeholder stores.
type MetadataFetcher interface {
	FetchConversation(ctx context.Context, id string) (Conversation, error)
}

const metadataTimeout = 10 * time.Second

// Coordinator owns one store per conversation for the admin console: it
// routes inbound events by conversation identifier and presents a
// recency-ordered conversation list over the shared connection.
type Coordinator struct {
	mu       sync.Mutex
	log      *zap.Logger
	clock    Clock
	cfg      StoreConfig
	send     SendFunc
	tracker  *ReceiptTracker
	fetcher  MetadataFetcher
	stores   map[string]*Store
	onChange func()
}

func NewCoordinator(cfg StoreConfig, readFlush time.Duration, clock Clock, fetcher MetadataFetcher, send SendFunc, logger *zap.Logger) *Coordinator {
	if readFlush == 0 {
		readFlush = defaultReadFlush
	}
	c := &Coordinator{
		log:     logger,
		clock:   clock,
		cfg:     cfg,
		send:    send,
		fetcher: fetcher,
		stores:  make(map[string]*Store),
	}
	c.tracker = NewReceiptTracker(clock, readFlush, c.flushReceipt)
	return c
}

const defaultReadFlush = 250 * time.Millisecond

func (c *Coordinator) SetOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Bootstrap seeds the registry from the REST conversation list. Unread
// counters use the server hint until message pages arrive.
func (c *Coordinator) Bootstrap(convs []Conversation) {
	for _, conv := range convs {
		unread := conv.Unread
		st := c.ensure(conv.ID, func() Conversation { return conv })
		st.SetUnreadHint(unread)
	}
	c.notify()
}

// Route dispatches one inbound frame to the store it belongs to. Frames for
// unknown conversations create a placeholder store immediately so the message
// is never lost; metadata is backfilled asynchronously.
func (c *Coordinator) Route(env protocol.Envelope) {
	payload, err := protocol.Decode(env)
	if err != nil {
		c.log.Warn("undecodable frame", zap.String("event", string(env.Event)), zap.Error(err))
		return
	}
	switch p := payload.(type) {
	case protocol.NewMessage:
		c.Store(p.ConversationID).AppendInbound(p)
	case protocol.UserTyping:
		c.Store(p.ConversationID).UpdateRemoteTyping(p.UserID, p.IsTyping)
	case protocol.MessagesRead:
		c.Store(p.ConversationID).MarkRemoteRead()
	case protocol.Unknown:
		c.log.Debug("skipping frame", zap.String("event", string(p.Event)))
	}
}

// Store returns the store for id, creating a placeholder when the
// conversation has never been seen.
func (c *Coordinator) Store(id string) *Store {
	return c.ensure(id, func() Conversation { return Conversation{ID: id} })
}

// Lookup returns the store for id without creating one.
func (c *Coordinator) Lookup(id string) (*Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stores[id]
	return st, ok
}

// Conversations returns the list sorted descending by last-message timestamp,
// ties broken by identifier. Re-derived on every call so any member mutation
// is reflected.
func (c *Coordinator) Conversations() []Conversation {
	c.mu.Lock()
	stores := make([]*Store, 0, len(c.stores))
	for _, st := range c.stores {
		stores = append(stores, st)
	}
	c.mu.Unlock()

	out := make([]Conversation, 0, len(stores))
	for _, st := range stores {
		out = append(out, st.Conversation())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].LastAt.After(out[j].LastAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ConnectionLost fans out to every store so all in-flight sends fail.
func (c *Coordinator) ConnectionLost() {
	for _, st := range c.snapshot() {
		st.ConnectionLost()
	}
}

// Close tears down every store and pending receipt flush.
func (c *Coordinator) Close() {
	c.tracker.Close()
	for _, st := range c.snapshot() {
		st.Close()
	}
}

func (c *Coordinator) ensure(id string, seed func() Conversation) *Store {
	c.mu.Lock()
	if st, ok := c.stores[id]; ok {
		c.mu.Unlock()
		return st
	}
	conv := seed()
	st := NewStore(conv, c.cfg, c.clock, c.tracker, c.send, c.log)
	st.SetOnChange(c.notify)
	c.stores[id] = st
	needMeta := conv.CounterpartName == "" && c.fetcher != nil
	c.mu.Unlock()

	if needMeta {
		go c.backfill(id, st)
	}
	c.notify()
	return st
}

// backfill resolves the counterpart name for a placeholder store. The
// message that created the placeholder is already visible and ordered; only
// the display name changes when this completes.
func (c *Coordinator) backfill(id string, st *Store) {
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	conv, err := c.fetcher.FetchConversation(ctx, id)
	if err != nil {
		c.log.Warn("conversation metadata fetch failed", zap.String("conversation", id), zap.Error(err))
		return
	}
	st.SetCounterpartName(conv.CounterpartName)
}

func (c *Coordinator) flushReceipt(conversationID string) {
	if st, ok := c.Lookup(conversationID); ok {
		st.MarkReadLatest()
	}
}

func (c *Coordinator) snapshot() []*Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Store, 0, len(c.stores))
	for _, st := range c.stores {
		out = append(out, st)
	}
	return out
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
