package presence

import (
	"context"
	"sort"
	"sync"
)

// Backend stores the set of live connection ids per user. Add reports
// whether the connection is the user's first, Remove whether it was the
// last.
type Backend interface {
	Add(ctx context.Context, userID, connID string) (first bool, err error)
	Remove(ctx context.Context, userID, connID string) (last bool, err error)
	Count(ctx context.Context, userID string) (int, error)
	Conns(ctx context.Context, userID string) ([]string, error)
}

// MemoryBackend keeps presence sets in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: make(map[string]map[string]struct{})}
}

// Add inserts connID and reports whether it is the user's only connection.
func (b *MemoryBackend) Add(_ context.Context, userID, connID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.users[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		b.users[userID] = conns
	}
	conns[connID] = struct{}{}
	return len(conns) == 1, nil
}

// Remove deletes connID and reports whether it was the user's last
// connection. Removing an unknown connection reports false.
func (b *MemoryBackend) Remove(_ context.Context, userID, connID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.users[userID]
	if !ok {
		return false, nil
	}
	if _, ok := conns[connID]; !ok {
		return false, nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(b.users, userID)
		return true, nil
	}
	return false, nil
}

// Count returns how many connections userID has.
func (b *MemoryBackend) Count(_ context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[userID]), nil
}

// Conns returns the user's connection ids in sorted order.
func (b *MemoryBackend) Conns(_ context.Context, userID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.users[userID]))
	for id := range b.users[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
