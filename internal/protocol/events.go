package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a frame on the realtime channel.
type EventType string

const (
	EventAuthenticate EventType = "authenticate"
	EventConnected    EventType = "connected"
	EventAuthError    EventType = "auth_error"
	EventSendMessage  EventType = "send_message"
	EventNewMessage   EventType = "new_message"
	EventTyping       EventType = "typing"
	EventUserTyping   EventType = "user_typing"
	EventMarkAsRead   EventType = "mark_as_read"
	EventMessagesRead EventType = "messages_read"
)

// Envelope is the JSON frame exchanged over the websocket. Data holds the
// event-specific payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Authenticate struct {
	Credential string `json:"credential"`
}

type Connected struct {
	UserID string `json:"user_id"`
}

type AuthError struct {
	Reason string `json:"reason"`
}

// SendMessage carries an outbound message. ClientRef is a client-assigned
// correlation identifier echoed back on the confirming new_message so acks
// can be routed to the right optimistic entry.
type SendMessage struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	ClientRef      string `json:"client_ref"`
}

type NewMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	ClientRef      string    `json:"client_ref,omitempty"`
}

type Typing struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type UserTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type MarkAsRead struct {
	ConversationID string `json:"conversation_id"`
}

type MessagesRead struct {
	ConversationID string `json:"conversation_id"`
}

// Unknown is returned by Decode for event types this client does not know.
// Consumers skip it; an unrecognized frame is never fatal.
type Unknown struct {
	Event EventType
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event EventType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: b}, nil
}

// Decode returns the typed payload for env.
func Decode(env Envelope) (any, error) {
	switch env.Event {
	case EventConnected:
		return decodeAs[Connected](env)
	case EventAuthError:
		return decodeAs[AuthError](env)
	case EventNewMessage:
		return decodeAs[NewMessage](env)
	case EventUserTyping:
		return decodeAs[UserTyping](env)
	case EventMessagesRead:
		return decodeAs[MessagesRead](env)
	default:
		return Unknown{Event: env.Event}, nil
	}
}

func decodeAs[T any](env Envelope) (T, error) {
	var p T
	if len(env.Data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return p, fmt.Errorf("protocol: decode %s: %w", env.Event, err)
	}
	return p, nil
}
