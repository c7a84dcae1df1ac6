package message

import (
	"context"
	"sync"

	"github.com/christopherjohns/huddle/internal/channel"
)

// Log is the interface for message persistence backends. Messages are kept
// per channel in append order.
type Log interface {
	Append(ctx context.Context, msg *Message) error
	Recent(ctx context.Context, key channel.Key, n int) ([]*Message, error)
	Before(ctx context.Context, key channel.Key, beforeID string, n int) ([]*Message, error)
}

// MemoryLog keeps recent messages per channel in memory.
type MemoryLog struct {
	mu       sync.RWMutex
	channels map[channel.Key][]*Message
	maxSize  int
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates a log that retains up to maxSize messages per channel.
func NewMemoryLog(maxSize int) *MemoryLog {
	return &MemoryLog{
		channels: make(map[channel.Key][]*Message),
		maxSize:  maxSize,
	}
}

// Append adds a message to its channel's history.
func (s *MemoryLog) Append(_ context.Context, msg *Message) error {
	key := msg.Channel()
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.channels[key], msg)
	if len(msgs) > s.maxSize {
		msgs = msgs[len(msgs)-s.maxSize:]
	}
	s.channels[key] = msgs
	return nil
}

// Recent returns the last n messages for a channel, oldest first.
func (s *MemoryLog) Recent(_ context.Context, key channel.Key, n int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.channels[key]
	if len(msgs) == 0 || n <= 0 {
		return nil, nil
	}
	start := max(len(msgs)-n, 0)
	result := make([]*Message, len(msgs)-start)
	copy(result, msgs[start:])
	return result, nil
}

// Before returns up to n messages stored immediately before the message
// with the given ID. An empty or unknown ID yields nil.
func (s *MemoryLog) Before(_ context.Context, key channel.Key, beforeID string, n int) ([]*Message, error) {
	if beforeID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return before(s.channels[key], beforeID, n), nil
}

// Count returns the number of stored messages for a channel.
func (s *MemoryLog) Count(key channel.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[key])
}

func before(msgs []*Message, beforeID string, n int) []*Message {
	for i, m := range msgs {
		if m.ID == beforeID {
			start := max(i-n, 0)
			result := make([]*Message, i-start)
			copy(result, msgs[start:i])
			return result
		}
	}
	return nil
}
