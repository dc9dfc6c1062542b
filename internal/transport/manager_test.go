package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// startServer runs handle for every websocket connection accepted.
func startServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptAuth reads the authenticate frame and confirms the session.
func acceptAuth(t *testing.T, conn *websocket.Conn) protocol.Authenticate {
	t.Helper()
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Errorf("read auth: %v", err)
		return protocol.Authenticate{}
	}
	if env.Event != protocol.EventAuthenticate {
		t.Errorf("first frame = %q, want authenticate", env.Event)
	}
	var auth protocol.Authenticate
	_ = json.Unmarshal(env.Data, &auth)
	reply, _ := protocol.NewEnvelope(protocol.EventConnected, protocol.Connected{UserID: "u-1"})
	_ = conn.WriteJSON(reply)
	return auth
}

func waitStatus(t *testing.T, m *Manager, want Status) State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-m.States():
			if st.Status == want {
				return st
			}
		case <-deadline:
			t.Fatalf("never reached status %v", want)
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		MaxAttempts:    3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func TestConnectHandshakeAndReceive(t *testing.T) {
	gotCred := make(chan string, 1)
	url := startServer(t, func(conn *websocket.Conn) {
		auth := acceptAuth(t, conn)
		gotCred <- auth.Credential
		msg, _ := protocol.NewEnvelope(protocol.EventNewMessage, protocol.NewMessage{
			ID: "m-1", ConversationID: "c1", SenderID: "u-2", Body: "hi", CreatedAt: time.Now().UTC(),
		})
		_ = conn.WriteJSON(msg)
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(url), zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	waitStatus(t, m, StatusConnected)
	assert.Equal(t, "secret-token", <-gotCred)

	select {
	case env := <-m.Events():
		assert.Equal(t, protocol.EventNewMessage, env.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound event")
	}

	m.Close()
	assert.Equal(t, StatusIdle, m.Status())
}

func TestAuthRejectionIsFatal(t *testing.T) {
	var conns atomic.Int32
	url := startServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		var env protocol.Envelope
		_ = conn.ReadJSON(&env)
		reply, _ := protocol.NewEnvelope(protocol.EventAuthError, protocol.AuthError{Reason: "bad token"})
		_ = conn.WriteJSON(reply)
	})

	m := NewManager(testConfig(url), zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "bad"))
	st := waitStatus(t, m, StatusFailed)
	assert.ErrorIs(t, st.Err, ErrAuthRejected)

	// no automatic retry after an auth rejection
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
	assert.Equal(t, StatusFailed, m.Status())
	m.Close()
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	var conns atomic.Int32
	url := startServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		acceptAuth(t, conn)
		if n == 1 {
			return // drop the first session right after the handshake
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(url), zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "token"))
	waitStatus(t, m, StatusConnected)
	waitStatus(t, m, StatusReconnecting)
	waitStatus(t, m, StatusConnected)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	m.Close()
}

func TestRetryBudgetExhausted(t *testing.T) {
	// a server that is already gone: every dial fails
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := NewManager(testConfig(url), zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "token"))
	st := waitStatus(t, m, StatusFailed)
	assert.ErrorIs(t, st.Err, ErrRetriesExhausted)
	assert.Equal(t, 3, st.Attempt)
	m.Close()
}

func TestSendRequiresConnection(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:0"), zap.NewNop())
	env, _ := protocol.NewEnvelope(protocol.EventTyping, protocol.Typing{ConversationID: "c1", IsTyping: true})
	assert.ErrorIs(t, m.Send(env), ErrNotConnected)
}

func TestSendReachesServer(t *testing.T) {
	got := make(chan protocol.Envelope, 1)
	url := startServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err == nil {
			got <- env
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(url), zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "token"))
	waitStatus(t, m, StatusConnected)

	env, err := protocol.NewEnvelope(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: "c1", Body: "hello", ClientRef: "ref-1",
	})
	require.NoError(t, err)
	require.NoError(t, m.Send(env))

	select {
	case received := <-got:
		assert.Equal(t, protocol.EventSendMessage, received.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}
	m.Close()
}

func TestConnectTwiceRejected(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		acceptAuth(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(url), zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "token"))
	assert.ErrorIs(t, m.Connect(context.Background(), "token"), ErrAlreadyStarted)
	m.Close()
}
