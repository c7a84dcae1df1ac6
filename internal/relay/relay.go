// Package relay persists chat messages and delivers them to live
// connections.
//
// Delivery happens only after the store accepts the message, so a client
// never sees a message that history cannot return.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/event"
	"github.com/christopherjohns/huddle/internal/message"
)

const (
	// DefaultMaxLength is the maximum message length in characters.
	DefaultMaxLength = 2000

	// DefaultPersistTimeout bounds a single store write.
	DefaultPersistTimeout = 5 * time.Second
)

var (
	ErrEmptyContent = errors.New("message content is required")
	ErrTooLong      = errors.New("message is too long")
	ErrPersist      = errors.New("failed to save message")
)

// Persister creates messages in durable storage.
type Persister interface {
	CreateMessage(ctx context.Context, key channel.Key, senderID, content string) (*message.Message, error)
}

// Router delivers events to live connections.
type Router interface {
	Broadcast(key channel.Key, typ string, payload any)
	SendTo(connIDs []string, typ string, payload any)
}

// Locator finds the live connections of a user.
type Locator interface {
	ConnectionsFor(ctx context.Context, userID string) []string
}

// Request is one message send.
type Request struct {
	Channel    channel.Key
	SenderID   string
	Content    string
	ReceiverID string // direct chats only
}

// Relay is the persist-then-deliver pipeline.
type Relay struct {
	store   Persister
	router  Router
	conns   Locator
	log     *slog.Logger
	timeout time.Duration
	maxLen  int
}

// Option configures a Relay.
type Option func(*Relay)

// WithPersistTimeout bounds each store write.
func WithPersistTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxLength sets the maximum content length in characters.
func WithMaxLength(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxLen = n
		}
	}
}

// New creates a Relay.
func New(store Persister, router Router, conns Locator, logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		store:   store,
		router:  router,
		conns:   conns,
		log:     logger.With("component", "relay"),
		timeout: DefaultPersistTimeout,
		maxLen:  DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate trims content and checks its length.
func (r *Relay) Validate(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > r.maxLen {
		return "", fmt.Errorf("%w: maximum is %d characters", ErrTooLong, r.maxLen)
	}
	return content, nil
}

// Send persists the message and, on success, broadcasts message-received
// to the channel. For direct chats every connection of the receiver also
// gets new-direct-message. On failure nothing is delivered.
//
// The store write is detached from ctx cancellation so that a sender
// disconnecting mid-send does not abort a write already in flight.
func (r *Relay) Send(ctx context.Context, req Request) (*message.Message, error) {
	content, err := r.Validate(req.Content)
	if err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	msg, err := r.store.CreateMessage(writeCtx, req.Channel, req.SenderID, content)
	if err != nil {
		r.log.Error("persist message", "channel", req.Channel.String(), "sender_id", req.SenderID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	r.router.Broadcast(req.Channel, event.TypeMessageReceived, msg)

	if req.Channel.Kind == channel.KindDirect && req.ReceiverID != "" {
		conns := r.conns.ConnectionsFor(writeCtx, req.ReceiverID)
		if len(conns) > 0 {
			r.router.SendTo(conns, event.TypeNewDirectMessage, event.NewDirectMessage{
				ChatID:  req.Channel.ID,
				Message: msg,
			})
		}
	}
	r.log.Debug("message delivered", "channel", req.Channel.String(), "message_id", msg.ID)
	return msg, nil
}
