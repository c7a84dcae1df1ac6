package user

import (
	"context"
	"sync"
)

// Directory keeps known users in memory, keyed by id.
type Directory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewDirectory creates an empty user directory.
func NewDirectory() *Directory {
	return &Directory{
		users: make(map[string]User),
	}
}

// Put adds or replaces a user.
func (d *Directory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// User returns the user with the given id, or ErrNotFound.
func (d *Directory) User(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Count returns the number of users.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
