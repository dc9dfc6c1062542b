package chat

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/metrics"
	"github.com/trainingdesk/chat-client/internal/protocol"
)

var (
	ErrUnknownMessage = errors.New("chat: unknown message")
	ErrNotFailed      = errors.New("chat: message is not in failed state")
)

// SendFunc delivers an outbound frame to the realtime channel.
type SendFunc func(protocol.Envelope) error

type StoreConfig struct {
	LocalUserID  string
	AckTimeout   time.Duration
	TypingExpiry time.Duration
}

// Store holds one conversation: the ordered message log, the unread counter,
// remote typing indicators, and the optimistic sends awaiting server
// acknowledgment. The log is always totally ordered by (created_at, id)
// regardless of the order events arrive in.
type Store struct {
	mu      sync.Mutex
	log     *zap.Logger
	clock   Clock
	cfg     StoreConfig
	send    SendFunc
	tracker *ReceiptTracker

	conv     Conversation
	messages []*Message
	byID     map[string]*Message
	pending  map[string]*pendingSend
	typing   map[string]Timer
	focused  bool
	onChange func()
}

type pendingSend struct {
	tempID string
	timer  Timer
}

func NewStore(conv Conversation, cfg StoreConfig, clock Clock, tracker *ReceiptTracker, send SendFunc, logger *zap.Logger) *Store {
	return &Store{
		log:     logger,
		clock:   clock,
		cfg:     cfg,
		send:    send,
		tracker: tracker,
		conv:    conv,
		byID:    make(map[string]*Message),
		pending: make(map[string]*pendingSend),
		typing:  make(map[string]Timer),
	}
}

// SetOnChange registers a hook invoked after every observable mutation. It is
// called without the store lock held.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SeedHistory inserts a page of server-confirmed messages, typically the
// bootstrap page fetched over REST before realtime events are trusted.
func (s *Store) SeedHistory(msgs []Message) {
	s.mu.Lock()
	for i := range msgs {
		m := msgs[i]
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		m.Status = StatusSent
		s.insertLocked(&m)
	}
	s.refreshLocked()
	s.mu.Unlock()
	s.notify()
}

// AppendInbound applies an inbound new_message event: acknowledgment of one
// of our own optimistic sends (matched by client ref) or a fresh message from
// the counterpart. Re-delivery of an already-stored identifier is a no-op.
func (s *Store) AppendInbound(in protocol.NewMessage) {
	s.mu.Lock()
	if in.ClientRef != "" {
		s.reconcileLocked(in.ClientRef)
	}
	if _, ok := s.byID[in.ID]; ok {
		s.mu.Unlock()
		return
	}
	msg := &Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Body:           in.Body,
		CreatedAt:      in.CreatedAt,
		Status:         StatusSent,
	}
	s.insertLocked(msg)
	s.refreshLocked()
	wantReceipt := s.focused && in.SenderID != s.cfg.LocalUserID
	convID := s.conv.ID
	s.mu.Unlock()

	if wantReceipt {
		s.tracker.Request(convID)
	}
	s.notify()
}

// AppendOutbound inserts an optimistic entry with a temporary identifier and
// sends it. The entry is reconciled in place once the server acknowledges it,
// or marked failed after the ack window or an immediate send error.
func (s *Store) AppendOutbound(body string) Message {
	ref := uuid.NewString()
	now := s.clock.Now()

	s.mu.Lock()
	msg := &Message{
		ID:             "local-" + ref,
		ConversationID: s.conv.ID,
		SenderID:       s.cfg.LocalUserID,
		Body:           body,
		CreatedAt:      now,
		Status:         StatusPending,
		ClientRef:      ref,
	}
	s.insertLocked(msg)
	s.refreshLocked()
	s.pending[ref] = &pendingSend{
		tempID: msg.ID,
		timer:  s.clock.AfterFunc(s.cfg.AckTimeout, func() { s.failPending(ref, errors.New("ack timeout")) }),
	}
	env, err := protocol.NewEnvelope(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: s.conv.ID,
		Body:           body,
		ClientRef:      ref,
	})
	out := *msg
	s.mu.Unlock()
	s.notify()

	if err == nil {
		err = s.send(env)
	}
	if err != nil {
		s.failPending(ref, err)
	}
	return out
}

// Resend re-queues a failed message with a fresh correlation ref and a fresh
// timestamp. Only explicitly failed messages can be resent.
func (s *Store) Resend(id string) error {
	ref := uuid.NewString()
	now := s.clock.Now()

	s.mu.Lock()
	msg, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if msg.Status != StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	s.removeLocked(msg.ID)
	msg.CreatedAt = now
	msg.Status = StatusPending
	msg.ClientRef = ref
	s.insertLocked(msg)
	s.refreshLocked()
	s.pending[ref] = &pendingSend{
		tempID: msg.ID,
		timer:  s.clock.AfterFunc(s.cfg.AckTimeout, func() { s.failPending(ref, errors.New("ack timeout")) }),
	}
	env, err := protocol.NewEnvelope(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: s.conv.ID,
		Body:           msg.Body,
		ClientRef:      ref,
	})
	s.mu.Unlock()
	s.notify()

	if err == nil {
		err = s.send(env)
	}
	if err != nil {
		s.failPending(ref, err)
		return err
	}
	return nil
}

// MarkRead marks counterpart messages up to and including the boundary as
// read, recomputes the unread counter, and emits a mark_as_read receipt.
// A boundary that is already satisfied is a no-op: no second emission.
func (s *Store) MarkRead(uptoID string) bool {
	s.mu.Lock()
	target, ok := s.byID[uptoID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	advanced := false
	for _, m := range s.messages {
		if messageLess(target, m) {
			break
		}
		if !m.Read && m.SenderID != s.cfg.LocalUserID {
			m.Read = true
			advanced = true
		}
	}
	var env protocol.Envelope
	var encErr error
	if advanced {
		s.refreshLocked()
		env, encErr = protocol.NewEnvelope(protocol.EventMarkAsRead, protocol.MarkAsRead{ConversationID: s.conv.ID})
	}
	s.mu.Unlock()

	if !advanced {
		return false
	}
	s.notify()
	metrics.ReadReceipts.Inc()
	if encErr == nil {
		if err := s.send(env); err != nil {
			s.log.Warn("read receipt not delivered", zap.String("conversation", s.ConversationID()), zap.Error(err))
		}
	}
	return true
}

// MarkReadLatest advances the read boundary to the newest message.
func (s *Store) MarkReadLatest() {
	s.mu.Lock()
	var latest string
	if n := len(s.messages); n > 0 {
		latest = s.messages[n-1].ID
	}
	s.mu.Unlock()
	if latest != "" {
		s.MarkRead(latest)
	}
}

// MarkRemoteRead applies an inbound messages_read event: the counterpart has
// seen our confirmed messages.
func (s *Store) MarkRemoteRead() {
	s.mu.Lock()
	changed := false
	for _, m := range s.messages {
		if m.SenderID == s.cfg.LocalUserID && m.Status == StatusSent && !m.Read {
			m.Read = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// SetFocused toggles whether the conversation is open on screen. Focusing
// with unread messages requests a receipt flush; unfocusing cancels any
// pending one.
func (s *Store) SetFocused(focused bool) {
	s.mu.Lock()
	s.focused = focused
	unread := s.conv.Unread
	convID := s.conv.ID
	s.mu.Unlock()

	if focused && unread > 0 {
		s.tracker.Request(convID)
	} else if !focused {
		s.tracker.Cancel(convID)
	}
}

// UpdateRemoteTyping records a user_typing event. An active indicator expires
// on its own if no refresh arrives, so a lost stop event cannot leave a stale
// "typing" display.
func (s *Store) UpdateRemoteTyping(userID string, isTyping bool) {
	if userID == s.cfg.LocalUserID {
		return
	}
	s.mu.Lock()
	if t, ok := s.typing[userID]; ok {
		t.Stop()
		delete(s.typing, userID)
	}
	if isTyping {
		s.typing[userID] = s.clock.AfterFunc(s.cfg.TypingExpiry, func() { s.expireTyping(userID) })
	}
	s.mu.Unlock()
	s.notify()
}

// expireTyping clears a typing indicator whose expiry timer fired without a
// refresh.
func (s *Store) expireTyping(userID string) {
	s.mu.Lock()
	delete(s.typing, userID)
	s.mu.Unlock()
	s.notify()
}

// TypingUsers returns the users currently typing, sorted for determinism.
func (s *Store) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for id := range s.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectionLost marks every in-flight optimistic send as failed. They stay
// visible for explicit manual resend; reconnecting never retries them.
func (s *Store) ConnectionLost() {
	s.mu.Lock()
	changed := false
	for ref, p := range s.pending {
		p.timer.Stop()
		if m, ok := s.byID[p.tempID]; ok {
			m.Status = StatusFailed
			metrics.SendFailures.Inc()
			changed = true
		}
		delete(s.pending, ref)
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Close stops every outstanding timer. Pending sends are marked failed.
func (s *Store) Close() {
	s.ConnectionLost()
	s.mu.Lock()
	for id, t := range s.typing {
		t.Stop()
		delete(s.typing, id)
	}
	s.mu.Unlock()
}

// SetCounterpartName backfills conversation metadata resolved after a
// placeholder store was created.
func (s *Store) SetCounterpartName(name string) {
	s.mu.Lock()
	s.conv.CounterpartName = name
	s.mu.Unlock()
	s.notify()
}

// SetUnreadHint seeds the unread counter from the REST collaborator before
// any messages are in the log. The counter is recomputed from the log on the
// first mutation.
func (s *Store) SetUnreadHint(n int) {
	s.mu.Lock()
	if len(s.messages) == 0 {
		s.conv.Unread = n
	}
	s.mu.Unlock()
	s.notify()
}

// Messages returns a copy of the log in settled order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

func (s *Store) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

func (s *Store) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// reconcileLocked replaces the optimistic entry for ref with nothing; the
// caller inserts the confirmed message right after, so exactly one visible
// entry remains.
func (s *Store) reconcileLocked(ref string) {
	p, ok := s.pending[ref]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(s.pending, ref)
	s.removeLocked(p.tempID)
}

func (s *Store) failPending(ref string, cause error) {
	s.mu.Lock()
	p, ok := s.pending[ref]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(s.pending, ref)
	if m, ok := s.byID[p.tempID]; ok {
		m.Status = StatusFailed
	}
	s.mu.Unlock()

	metrics.SendFailures.Inc()
	s.log.Warn("send failed", zap.String("conversation", s.ConversationID()), zap.Error(cause))
	s.notify()
}

func (s *Store) insertLocked(m *Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return !messageLess(s.messages[i], m)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	s.byID[m.ID] = m
}

func (s *Store) removeLocked(id string) {
	m, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	for i, cur := range s.messages {
		if cur == m {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// refreshLocked re-derives the preview and the unread counter from the log.
// Unread is always recomputed, never incremented, so it cannot drift.
func (s *Store) refreshLocked() {
	if n := len(s.messages); n > 0 {
		last := s.messages[n-1]
		s.conv.LastBody = last.Body
		s.conv.LastAt = last.CreatedAt
	}
	unread := 0
	for _, m := range s.messages {
		if !m.Read && m.SenderID != s.cfg.LocalUserID {
			unread++
		}
	}
	s.conv.Unread = unread
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
