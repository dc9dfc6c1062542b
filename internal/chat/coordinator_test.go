package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/protocol"
)

type fakeFetcher struct {
	names map[string]string
	err   error
}

func (f *fakeFetcher) FetchConversation(_ context.Context, id string) (Conversation, error) {
	if f.err != nil {
		return Conversation{}, f.err
	}
	return Conversation{ID: id, CounterpartName: f.names[id]}, nil
}

func newTestCoordinator(t *testing.T, fetcher MetadataFetcher) (*Coordinator, *fakeClock, *sentRecorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &sentRecorder{}
	cfg := StoreConfig{
		LocalUserID:  localUser,
		AckTimeout:   10 * time.Second,
		TypingExpiry: 6 * time.Second,
	}
	c := NewCoordinator(cfg, 250*time.Millisecond, clock, fetcher, rec.send, zap.NewNop())
	return c, clock, rec
}

func envelope(t *testing.T, event protocol.EventType, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func TestRouteCreatesPlaceholderAndBackfills(t *testing.T) {
	fetcher := &fakeFetcher{names: map[string]string{"c-new": "Franchise West"}}
	c, _, _ := newTestCoordinator(t, fetcher)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	c.Route(envelope(t, protocol.EventNewMessage, protocol.NewMessage{
		ID: "m-1", ConversationID: "c-new", SenderID: remoteUser, Body: "hi", CreatedAt: at,
	}))

	// the message is visible immediately, before metadata resolves
	st, ok := c.Lookup("c-new")
	require.True(t, ok)
	msgs := st.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, 1, st.Conversation().Unread)

	// metadata backfill runs asynchronously and only touches the name
	require.Eventually(t, func() bool {
		return st.Conversation().CounterpartName == "Franchise West"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m-1"}, ids(st.Messages()))
}

func TestRouteOrderSurvivesBackfill(t *testing.T) {
	fetcher := &fakeFetcher{names: map[string]string{"c-new": "North"}}
	c, _, _ := newTestCoordinator(t, fetcher)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// out-of-order delivery into a brand new conversation
	c.Route(envelope(t, protocol.EventNewMessage, protocol.NewMessage{
		ID: "m-2", ConversationID: "c-new", SenderID: remoteUser, Body: "second", CreatedAt: at.Add(time.Second),
	}))
	c.Route(envelope(t, protocol.EventNewMessage, protocol.NewMessage{
		ID: "m-1", ConversationID: "c-new", SenderID: remoteUser, Body: "first", CreatedAt: at,
	}))

	st, _ := c.Lookup("c-new")
	assert.Equal(t, []string{"m-1", "m-2"}, ids(st.Messages()))
	require.Eventually(t, func() bool {
		return st.Conversation().CounterpartName == "North"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m-1", "m-2"}, ids(st.Messages()))
}

func TestConversationListRecencyOrder(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeFetcher{})
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	c.Bootstrap([]Conversation{
		{ID: "c-a", CounterpartName: "A"},
		{ID: "c-b", CounterpartName: "B"},
		{ID: "c-c", CounterpartName: "C"},
	})

	route := func(conv, id string, ts time.Time) {
		c.Route(envelope(t, protocol.EventNewMessage, protocol.NewMessage{
			ID: id, ConversationID: conv, SenderID: remoteUser, Body: "x", CreatedAt: ts,
		}))
	}
	route("c-b", "m-1", at.Add(2*time.Second))
	route("c-a", "m-2", at.Add(time.Second))
	// c-c ties with c-a: identifier breaks the tie
	route("c-c", "m-3", at.Add(time.Second))

	got := c.Conversations()
	require.Len(t, got, 3)
	assert.Equal(t, "c-b", got[0].ID)
	assert.Equal(t, "c-a", got[1].ID)
	assert.Equal(t, "c-c", got[2].ID)

	// a new message re-derives the ordering
	route("c-a", "m-4", at.Add(3*time.Second))
	assert.Equal(t, "c-a", c.Conversations()[0].ID)
}

func TestAcksRouteByConversationAndRef(t *testing.T) {
	c, clock, rec := newTestCoordinator(t, &fakeFetcher{})
	c.Bootstrap([]Conversation{{ID: "c-a", CounterpartName: "A"}, {ID: "c-b", CounterpartName: "B"}})

	c.Store("c-a").AppendOutbound("to a")
	c.Store("c-b").AppendOutbound("to b")

	sends := rec.byEvent(protocol.EventSendMessage)
	require.Len(t, sends, 2)
	var pa, pb protocol.SendMessage
	require.NoError(t, json.Unmarshal(sends[0].Data, &pa))
	require.NoError(t, json.Unmarshal(sends[1].Data, &pb))
	require.Equal(t, "c-a", pa.ConversationID)
	require.Equal(t, "c-b", pb.ConversationID)

	// acks arrive interleaved, in reverse order
	c.Route(envelope(t, protocol.EventNewMessage, protocol.NewMessage{
		ID: "m-b", ConversationID: "c-b", SenderID: localUser, Body: "to b",
		CreatedAt: clock.Now(), ClientRef: pb.ClientRef,
	}))
	c.Route(envelope(t, protocol.EventNewMessage, protocol.NewMessage{
		ID: "m-a", ConversationID: "c-a", SenderID: localUser, Body: "to a",
		CreatedAt: clock.Now(), ClientRef: pa.ClientRef,
	}))

	stA, _ := c.Lookup("c-a")
	stB, _ := c.Lookup("c-b")
	require.Len(t, stA.Messages(), 1)
	require.Len(t, stB.Messages(), 1)
	assert.Equal(t, StatusSent, stA.Messages()[0].Status)
	assert.Equal(t, StatusSent, stB.Messages()[0].Status)
}

func TestRouteTypingAndReadEvents(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeFetcher{})
	c.Bootstrap([]Conversation{{ID: "c-a", CounterpartName: "A"}})

	c.Route(envelope(t, protocol.EventUserTyping, protocol.UserTyping{
		ConversationID: "c-a", UserID: remoteUser, IsTyping: true,
	}))
	st, _ := c.Lookup("c-a")
	assert.Equal(t, []string{remoteUser}, st.TypingUsers())

	st.AppendOutbound("hello")
	c.Route(envelope(t, protocol.EventMessagesRead, protocol.MessagesRead{ConversationID: "c-a"}))
	assert.False(t, st.Messages()[0].Read, "pending entries stay unread until confirmed")
}

func TestUnknownEventSkipped(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeFetcher{})
	c.Route(protocol.Envelope{Event: "presence_update"})
	assert.Empty(t, c.Conversations())
}
