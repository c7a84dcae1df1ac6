package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/event"
)

// Hub routes events to the live connections joined to each channel.
// A connection may join many channels; a channel with no connections
// has no entry.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[channel.Key]map[*Client]struct{}
	conns    *ConnManager
	log      *slog.Logger
}

// NewHub creates a Hub on top of a connection manager.
func NewHub(conns *ConnManager, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[channel.Key]map[*Client]struct{}),
		conns:    conns,
		log:      logger.With("component", "hub"),
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// addClient registers a client and starts its write pump.
func (h *Hub) addClient(c *Client) (context.Context, error) {
	ctx, err := h.conns.Add(c)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return ctx, nil
}

// removeClient leaves every channel, forgets the client and stops its
// write pump. It returns the channels the client had joined.
func (h *Hub) removeClient(c *Client) []channel.Key {
	h.mu.Lock()
	left := make([]channel.Key, 0, len(c.channels))
	for key := range c.channels {
		h.leaveLocked(c, key)
		left = append(left, key)
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.conns.Remove(c)
	return left
}

// Join adds c to key. It reports whether c was newly added; joining
// twice is a no-op and a removed client cannot join.
func (h *Hub) Join(c *Client, key channel.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	if _, ok := c.channels[key]; ok {
		return false
	}
	members := h.channels[key]
	if members == nil {
		members = make(map[*Client]struct{})
		h.channels[key] = members
	}
	members[c] = struct{}{}
	c.channels[key] = struct{}{}
	return true
}

// Leave removes c from key and reports whether it was a member.
func (h *Hub) Leave(c *Client, key channel.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.channels[key]; !ok {
		return false
	}
	h.leaveLocked(c, key)
	return true
}

func (h *Hub) leaveLocked(c *Client, key channel.Key) {
	delete(c.channels, key)
	if members, ok := h.channels[key]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, key)
		}
	}
}

// IsJoined reports whether c is currently joined to key.
func (h *Hub) IsJoined(c *Client, key channel.Key) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.channels[key]
	return ok
}

// Broadcast sends an event to every connection joined to key, including
// the sender's own.
func (h *Hub) Broadcast(key channel.Key, typ string, payload any) {
	h.deliver(typ, payload, func() []*Client {
		return h.membersLocked(key, func(*Client) bool { return true })
	})
}

// BroadcastExcept sends to every connection joined to key except skip.
func (h *Hub) BroadcastExcept(key channel.Key, skip *Client, typ string, payload any) {
	h.deliver(typ, payload, func() []*Client {
		return h.membersLocked(key, func(c *Client) bool { return c != skip })
	})
}

// BroadcastExceptUser sends to every connection joined to key that does
// not belong to userID.
func (h *Hub) BroadcastExceptUser(key channel.Key, userID string, typ string, payload any) {
	h.deliver(typ, payload, func() []*Client {
		return h.membersLocked(key, func(c *Client) bool { return c.UserID() != userID })
	})
}

// BroadcastAll sends to every live connection.
func (h *Hub) BroadcastAll(typ string, payload any) {
	h.deliver(typ, payload, func() []*Client {
		targets := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
		return targets
	})
}

// SendTo sends to the given connection ids. Ids not live on this hub are
// skipped.
func (h *Hub) SendTo(connIDs []string, typ string, payload any) {
	h.deliver(typ, payload, func() []*Client {
		targets := make([]*Client, 0, len(connIDs))
		for _, id := range connIDs {
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
		return targets
	})
}

// Send sends an event to a single client.
func (h *Hub) Send(c *Client, typ string, payload any) bool {
	data, err := event.Encode(typ, payload)
	if err != nil {
		h.log.Error("encode event", "type", typ, "err", err)
		return false
	}
	return h.conns.Send(c, data)
}

// deliver encodes once, snapshots targets under the read lock and sends
// outside it.
func (h *Hub) deliver(typ string, payload any, targets func() []*Client) {
	data, err := event.Encode(typ, payload)
	if err != nil {
		h.log.Error("encode event", "type", typ, "err", err)
		return
	}
	h.mu.RLock()
	clients := targets()
	h.mu.RUnlock()

	for _, c := range clients {
		h.conns.Send(c, data)
	}
}

func (h *Hub) membersLocked(key channel.Key, keep func(*Client) bool) []*Client {
	members := h.channels[key]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if keep(c) {
			targets = append(targets, c)
		}
	}
	return targets
}

// TypingStarted emits user-typing to the channel, except to the typing
// user's own connections.
func (h *Hub) TypingStarted(key channel.Key, userID, username string) {
	h.BroadcastExceptUser(key, userID, event.TypeUserTyping, event.UserTyping{
		UserID:   userID,
		Username: username,
		Target:   key.String(),
	})
}

// TypingStopped emits user-stopped-typing the same way.
func (h *Hub) TypingStopped(key channel.Key, userID string) {
	h.BroadcastExceptUser(key, userID, event.TypeUserStoppedTyping, event.UserStoppedTyping{
		UserID: userID,
		Target: key.String(),
	})
}

// ClientCount returns the number of connections joined to key.
func (h *Hub) ClientCount(key channel.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[key])
}

// Members returns the ids of connections joined to key, sorted.
func (h *Hub) Members(key channel.Key) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.channels[key]))
	for c := range h.channels[key] {
		ids = append(ids, c.id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of clients on the hub.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelCount returns the number of channels with at least one client.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}
