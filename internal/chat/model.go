package chat

import "time"

// DeliveryStatus is local-only message state; it never crosses the wire.
type DeliveryStatus int

const (
	// StatusSent means the server has confirmed the message.
	StatusSent DeliveryStatus = iota
	// StatusPending means the message is an optimistic entry awaiting ack.
	StatusPending
	// StatusFailed means the ack never arrived; the message stays visible
	// until the user resends it explicitly.
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation log. Once a server identifier is
// assigned the entry is immutable except for the Read flag.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`

	Status    DeliveryStatus `json:"-"`
	ClientRef string         `json:"-"`
}

// Conversation is the list-level view of one thread.
type Conversation struct {
	ID              string    `json:"id"`
	CounterpartName string    `json:"counterpart_name"`
	LastBody        string    `json:"last_body"`
	LastAt          time.Time `json:"last_at"`
	Unread          int       `json:"unread"`
}

// messageLess is the settled total order: ascending (created_at, id), with
// the identifier breaking timestamp ties deterministically.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
