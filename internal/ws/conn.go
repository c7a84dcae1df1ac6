package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 64

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	ErrShuttingDown = errors.New("server shutting down")
	ErrAtCapacity   = errors.New("server at capacity")
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager owns the lifecycle of every socket: per-client buffered
// send queues and write pumps, the connection cap, idle reaping and
// shutdown. The send channel is never closed; a removed client's pump
// exits on its context instead, so late sends are dropped safely.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc
	log      *slog.Logger

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.log = l
	}
}

// NewConnManager creates a new connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.log = cm.log.With("component", "ws")
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned
// context is cancelled when the client is removed or the manager
// shuts down. When the manager is closed or full the socket is closed
// and an error returned.
func (cm *ConnManager) Add(c *Client) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, ErrShuttingDown.Error())
		return nil, ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, ErrAtCapacity.Error())
		return nil, ErrAtCapacity
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	go cm.writePump(ctx, c)
	return ctx, nil
}

// Remove stops a client's write pump. Removing twice is a no-op.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Send queues a frame for delivery. Returns false if the client's buffer
// is full (slow consumer) or the client has been removed.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	cm.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-entry.ctx.Done():
		return false
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		cm.log.Warn("send buffer full, dropping frame", "conn_id", c.id, "user_id", c.UserID())
		return false
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	ConnID      string        `json:"conn_id"`
	UserID      string        `json:"user_id,omitempty"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastActive  time.Time     `json:"last_active"`
	Idle        time.Duration `json:"idle"`
}

// Clients returns metadata for all active connections.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for c, entry := range cm.clients {
		result = append(result, ConnInfo{
			ConnID:      c.id,
			UserID:      c.UserID(),
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			Idle:        now.Sub(entry.lastActive),
		})
	}
	return result
}

// Shutdown closes all connections with StatusGoingAway and refuses new
// ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}
	for c, entry := range clients {
		entry.cancel()
		c.conn.Close(websocket.StatusGoingAway, ErrShuttingDown.Error())
	}
	cm.log.Info("connections closed", "count", len(clients))
}

func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
// The read loop of each reaped client then runs the usual disconnect.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	stale := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		entry.cancel()
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		cm.log.Info("reaped idle connection", "conn_id", c.id, "user_id", c.UserID())
	}
}

// writePump drains the client's send channel until ctx is cancelled.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.log.Debug("write failed", "conn_id", c.id, "err", err)
				return
			}
		}
	}
}
