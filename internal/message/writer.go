package message

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/user"
	"github.com/google/uuid"
)

// UserLookup resolves sender display data.
type UserLookup interface {
	User(ctx context.Context, id string) (user.User, error)
}

// Writer creates messages on top of a Log. It assigns ids, resolves the
// sender and stamps each message strictly after the previous one in the
// same channel.
type Writer struct {
	log   Log
	users UserLookup
	now   func() time.Time

	mu     sync.Mutex
	clocks map[channel.Key]*clock
}

// clock serializes writes to one channel so log order matches timestamp
// order.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

// NewWriter creates a Writer appending to log.
func NewWriter(log Log, users UserLookup) *Writer {
	return &Writer{
		log:   log,
		users: users,
		now:    time.Now,
		clocks: make(map[channel.Key]*clock),
	}
}

// CreateMessage persists a new message from senderID to key.
func (w *Writer) CreateMessage(ctx context.Context, key channel.Key, senderID, content string) (*Message, error) {
	sender, err := w.users.User(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("resolve sender %q: %w", senderID, err)
	}

	clk := w.clock(key)
	clk.mu.Lock()
	defer clk.mu.Unlock()

	createdAt := w.now().UTC().Truncate(time.Microsecond)
	if !createdAt.After(clk.last) {
		createdAt = clk.last.Add(time.Microsecond)
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Content:   content,
		SenderID:  senderID,
		CreatedAt: createdAt,
		Sender:    sender,
	}
	msg.SetChannel(key)

	if err := w.log.Append(ctx, msg); err != nil {
		return nil, err
	}
	clk.last = createdAt
	return msg, nil
}

// Recent returns the latest n messages of a channel.
func (w *Writer) Recent(ctx context.Context, key channel.Key, n int) ([]*Message, error) {
	return w.log.Recent(ctx, key, n)
}

// Before returns up to n messages preceding beforeID.
func (w *Writer) Before(ctx context.Context, key channel.Key, beforeID string, n int) ([]*Message, error) {
	return w.log.Before(ctx, key, beforeID, n)
}

func (w *Writer) clock(key channel.Key) *clock {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.clocks[key]
	if !ok {
		c = &clock{}
		w.clocks[key] = c
	}
	return c
}
