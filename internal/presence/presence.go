// Package presence tracks which users are online and announces the
// transitions between offline and online.
//
// A user is online while at least one connection is registered for them.
// Registering the first connection and unregistering the last are the only
// transitions; listeners hear about each exactly once.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyAnnounced is returned when a connection that already belongs
// to one user is registered for another.
var ErrAlreadyAnnounced = errors.New("connection already announced as another user")

// Listener is notified of presence transitions. Listeners run while the
// registry lock is held and must not call back into the registry.
type Listener interface {
	StatusChanged(userID string, online bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(userID string, online bool)

// StatusChanged calls f.
func (f ListenerFunc) StatusChanged(userID string, online bool) { f(userID, online) }

// Registry maps connections to users. It is the ConnectionRegistry of the
// engine: every connection id registered here belongs to exactly one user.
type Registry struct {
	backend Backend
	log     *slog.Logger

	mu        sync.Mutex
	conns     map[string]string // connID -> userID, for connections on this instance
	listeners []Listener
}

// NewRegistry creates a registry. Listeners are notified in the order
// given.
func NewRegistry(backend Backend, logger *slog.Logger, listeners ...Listener) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend:   backend,
		log:       logger.With("component", "presence"),
		conns:     make(map[string]string),
		listeners: listeners,
	}
}

// Register binds connID to userID. It reports whether this made the user
// online. Registering the same pair twice is a no-op.
func (r *Registry) Register(ctx context.Context, userID, connID string) (bool, error) {
	if userID == "" || connID == "" {
		return false, errors.New("user and connection ids are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[connID]; ok {
		if existing == userID {
			return false, nil
		}
		return false, ErrAlreadyAnnounced
	}
	first, err := r.backend.Add(ctx, userID, connID)
	if err != nil {
		return false, fmt.Errorf("register %s: %w", connID, err)
	}
	r.conns[connID] = userID
	if first {
		r.log.Debug("user online", "user_id", userID)
		r.notify(userID, true)
	}
	return first, nil
}

// Unregister removes connID. It reports whether this made its user
// offline. Unknown connections are ignored. When the backend fails the
// connection stays registered so the call can be retried.
func (r *Registry) Unregister(ctx context.Context, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return false, nil
	}
	last, err := r.backend.Remove(ctx, userID, connID)
	if err != nil {
		return false, fmt.Errorf("unregister %s: %w", connID, err)
	}
	delete(r.conns, connID)
	if last {
		r.log.Debug("user offline", "user_id", userID)
		r.notify(userID, false)
	}
	return last, nil
}

func (r *Registry) notify(userID string, online bool) {
	for _, l := range r.listeners {
		l.StatusChanged(userID, online)
	}
}

// UserFor returns the user a local connection announced as.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.conns[connID]
	return id, ok
}

// IsOnline reports whether userID has at least one live connection.
// Backend failures are logged and treated as offline.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	n, err := r.backend.Count(ctx, userID)
	if err != nil {
		r.log.Error("count connections", "user_id", userID, "err", err)
		return false
	}
	return n > 0
}

// ConnectionsFor returns the connection ids registered for userID.
func (r *Registry) ConnectionsFor(ctx context.Context, userID string) []string {
	ids, err := r.backend.Conns(ctx, userID)
	if err != nil {
		r.log.Error("list connections", "user_id", userID, "err", err)
		return nil
	}
	return ids
}

// Len returns the number of registered connections on this instance.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
