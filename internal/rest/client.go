package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/chat"
)

var ErrStatus = errors.New("rest: unexpected status")

type Config struct {
	BaseURL            string
	Credential         string
	Timeout            time.Duration
	RetryMaxElapsed    time.Duration
	BreakerMaxFailures uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

func (c *Config) fill() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RetryMaxElapsed == 0 {
		c.RetryMaxElapsed = 20 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerInterval == 0 {
		c.BreakerInterval = time.Minute
	}
	if c.BreakerTimeout == 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Client talks to the platform backend: the paginated, idempotent
// collaborators that bootstrap chat state. Calls retry transient failures
// with exponential backoff behind a circuit breaker; 4xx responses are never
// retried.
type Client struct {
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
	cfg  Config
	base *url.URL
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.fill()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("rest: parse base url: %w", err)
	}
	st := gobreaker.Settings{
		Name:     "chat-backend",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		http: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		cb:   gobreaker.NewCircuitBreaker(st),
		log:  logger,
		cfg:  cfg,
		base: base,
	}, nil
}

// FetchOrCreateConversation returns the current user's conversation, creating
// it on first contact.
func (c *Client) FetchOrCreateConversation(ctx context.Context, userID string) (chat.Conversation, error) {
	var dto conversationDTO
	body := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/conversations", nil, body, &dto); err != nil {
		return chat.Conversation{}, err
	}
	return dto.toModel(), nil
}

// ListConversations returns the admin conversation list with unread hints.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var dtos []conversationDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/conversations", nil, nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, len(dtos))
	for i, d := range dtos {
		out[i] = d.toModel()
	}
	return out, nil
}

// FetchConversation resolves metadata for one conversation.
func (c *Client) FetchConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var dto conversationDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/conversations/"+url.PathEscape(id), nil, nil, &dto); err != nil {
		return chat.Conversation{}, err
	}
	return dto.toModel(), nil
}

// MessagePage returns up to limit messages before the given message id, or
// the newest page when beforeID is empty.
func (c *Client) MessagePage(ctx context.Context, conversationID, beforeID string, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var dtos []messageDTO
	path := "/api/v1/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(dtos))
	for i, d := range dtos {
		out[i] = d.toModel()
	}
	return out, nil
}

// UnreadCount returns the server's unread counter for one conversation.
func (c *Client) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	var dto struct {
		Unread int `json:"unread"`
	}
	path := "/api/v1/chat/conversations/" + url.PathEscape(conversationID) + "/unread"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &dto); err != nil {
		return 0, err
	}
	return dto.Unread, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = joinPath(c.base.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	operation := func() error {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(err)
			}
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Credential != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Credential)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		case resp.StatusCode >= 400:
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("rest: decode %s: %w", path, err))
		}
		return nil
	}

	_, err := c.cb.Execute(func() (any, error) {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.cfg.RetryMaxElapsed
		return nil, backoff.Retry(operation, backoff.WithContext(b, ctx))
	})
	return err
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + p
}

type conversationDTO struct {
	ID              string    `json:"id"`
	CounterpartName string    `json:"counterpart_name"`
	LastBody        string    `json:"last_body"`
	LastAt          time.Time `json:"last_at"`
	Unread          int       `json:"unread"`
}

func (d conversationDTO) toModel() chat.Conversation {
	return chat.Conversation{
		ID:              d.ID,
		CounterpartName: d.CounterpartName,
		LastBody:        d.LastBody,
		LastAt:          d.LastAt,
		Unread:          d.Unread,
	}
}

type messageDTO struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

func (d messageDTO) toModel() chat.Message {
	return chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Body:           d.Body,
		CreatedAt:      d.CreatedAt,
		Read:           d.Read,
	}
}
