// Package typing tracks who is typing in which channel.
//
// A typing indicator lasts until the user stops it, the TTL passes
// without a refresh, or the user goes offline. Each start is matched by
// exactly one stop.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/christopherjohns/huddle/internal/channel"
)

// DefaultTTL is how long an indicator survives without a refresh.
const DefaultTTL = 3 * time.Second

// Emitter receives typing events. It is called with the tracker lock held.
type Emitter interface {
	TypingStarted(key channel.Key, userID, username string)
	TypingStopped(key channel.Key, userID string)
}

type entry struct {
	username string
	timer    *time.Timer
}

// Tracker is the set of active typing indicators.
type Tracker struct {
	ttl time.Duration
	out Emitter
	log *slog.Logger

	mu     sync.Mutex
	active map[channel.Key]map[string]*entry
}

// NewTracker creates a tracker. A non-positive ttl uses DefaultTTL.
func NewTracker(out Emitter, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ttl:    ttl,
		out:    out,
		log:    logger.With("component", "typing"),
		active: make(map[channel.Key]map[string]*entry),
	}
}

// Start marks userID as typing in key and (re)arms the expiry timer. The
// started event is emitted on every call, including refreshes.
func (t *Tracker) Start(key channel.Key, userID, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.active[key]
	if users == nil {
		users = make(map[string]*entry)
		t.active[key] = users
	}
	if old := users[userID]; old != nil {
		old.timer.Stop()
	}
	e := &entry{username: username}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(key, userID, e) })
	users[userID] = e
	t.out.TypingStarted(key, userID, username)
}

// Stop ends userID's indicator in key. It reports whether one was active.
func (t *Tracker) Stop(key channel.Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(key, userID)
}

// StopUser ends every indicator held by userID.
func (t *Tracker) StopUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []channel.Key
	for key, users := range t.active {
		if _, ok := users[userID]; ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		t.stopLocked(key, userID)
	}
}

// StatusChanged stops all indicators of a user who went offline.
func (t *Tracker) StatusChanged(userID string, online bool) {
	if !online {
		t.StopUser(userID)
	}
}

func (t *Tracker) stopLocked(key channel.Key, userID string) bool {
	e := t.active[key][userID]
	if e == nil {
		return false
	}
	e.timer.Stop()
	t.remove(key, userID)
	t.out.TypingStopped(key, userID)
	return true
}

func (t *Tracker) expire(key channel.Key, userID string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A refresh or stop replaced this entry after the timer fired.
	if t.active[key][userID] != e {
		return
	}
	t.remove(key, userID)
	t.log.Debug("typing expired", "channel", key.String(), "user_id", userID)
	t.out.TypingStopped(key, userID)
}

func (t *Tracker) remove(key channel.Key, userID string) {
	users := t.active[key]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.active, key)
	}
}

// Typing returns the ids of users typing in key, sorted.
func (t *Tracker) Typing(key channel.Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active[key]))
	for id := range t.active[key] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
