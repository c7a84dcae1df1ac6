package room

import (
	"context"
	"crypto/rand"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/user"
)

var (
	// ErrNotFound is returned for unknown rooms, room codes and direct chats.
	ErrNotFound = errors.New("channel not found")
	// ErrSelfChat is returned when a direct chat would pair a user with itself.
	ErrSelfChat = errors.New("cannot chat with yourself")
)

// Directory is the durable side of membership: who exists, who belongs to
// which room, and which two users share a direct chat.
type Directory interface {
	User(ctx context.Context, id string) (user.User, error)
	RoomMembers(ctx context.Context, roomID string) ([]user.User, error)
	Participants(ctx context.Context, key channel.Key) ([]string, error)
}

// Room represents a chat room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	members   map[string]struct{}
}

// DirectChat pairs two users.
type DirectChat struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// generateCode returns a 6-character alphanumeric join code.
func generateCode() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// uniqueCode generates a code that doesn't collide with existing rooms.
// Must be called while holding mu.
func (m *Manager) uniqueCode() string {
	for {
		code := generateCode()
		if _, taken := m.codes[code]; !taken {
			return code
		}
	}
}

// Manager is an in-memory Directory. It owns users, rooms and direct
// chats for single-process deployments and tests.
type Manager struct {
	users *user.Directory

	mu      sync.RWMutex
	rooms   map[string]*Room
	codes   map[string]string
	directs map[string]*DirectChat
}

var _ Directory = (*Manager)(nil)

// NewManager creates a new room Manager backed by the given users.
func NewManager(users *user.Directory) *Manager {
	if users == nil {
		users = user.NewDirectory()
	}
	return &Manager{
		users:   users,
		rooms:   make(map[string]*Room),
		codes:   make(map[string]string),
		directs: make(map[string]*DirectChat),
	}
}

// User implements Directory.
func (m *Manager) User(ctx context.Context, id string) (user.User, error) {
	return m.users.User(ctx, id)
}

// RoomMembers returns the durable roster of a room ordered by username.
// Members without a directory entry are listed by id only.
func (m *Manager) RoomMembers(ctx context.Context, roomID string) ([]user.User, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	members := make([]user.User, 0, len(ids))
	for _, id := range ids {
		u, err := m.users.User(ctx, id)
		if err != nil {
			u = user.User{ID: id}
		}
		members = append(members, u)
	}
	slices.SortFunc(members, func(a, b user.User) int {
		if c := strings.Compare(a.Username, b.Username); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return members, nil
}

// Participants returns the user ids durably attached to a channel.
func (m *Manager) Participants(_ context.Context, key channel.Key) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch key.Kind {
	case channel.KindRoom:
		r, ok := m.rooms[key.ID]
		if !ok {
			return nil, ErrNotFound
		}
		ids := make([]string, 0, len(r.members))
		for id := range r.members {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return ids, nil
	case channel.KindDirect:
		d, ok := m.directs[key.ID]
		if !ok {
			return nil, ErrNotFound
		}
		return []string{d.SenderID, d.ReceiverID}, nil
	}
	return nil, ErrNotFound
}
