package ws

import (
	"sync"
	"sync/atomic"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

type identity struct {
	userID   string
	username string
}

// Client represents a connected WebSocket. It has no user until the
// connection announces one.
type Client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	token string // presented on upgrade, used when announce carries none

	ident atomic.Pointer[identity]

	// mu serializes register, join and typing against disconnect.
	mu     sync.Mutex
	closed bool
	typing map[channel.Key]struct{} // channels this connection started typing in

	// channels is guarded by Hub.mu.
	channels map[channel.Key]struct{}
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		typing:   make(map[channel.Key]struct{}),
		channels: make(map[channel.Key]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the announced user, or "" before announce-online.
func (c *Client) UserID() string {
	if id := c.ident.Load(); id != nil {
		return id.userID
	}
	return ""
}

// Username returns the announced user's display name.
func (c *Client) Username() string {
	if id := c.ident.Load(); id != nil {
		return id.username
	}
	return ""
}

func (c *Client) setIdentity(userID, username string) {
	c.ident.Store(&identity{userID: userID, username: username})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
