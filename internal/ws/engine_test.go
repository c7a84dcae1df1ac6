package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/event"
	"github.com/christopherjohns/huddle/internal/message"
	"github.com/christopherjohns/huddle/internal/presence"
	"github.com/christopherjohns/huddle/internal/relay"
	"github.com/christopherjohns/huddle/internal/room"
	"github.com/christopherjohns/huddle/internal/typing"
	"nhooyr.io/websocket"
)

const testFixtures = `
users:
  - {id: u1, username: alice, email: alice@example.com}
  - {id: u2, username: bob}
  - {id: u3, username: carol}
rooms:
  - {id: general, name: General, creator_id: u1, members: [u2]}
direct_chats:
  - {id: dm1, sender_id: u1, receiver_id: u2}
`

type engineConfig struct {
	typingTTL time.Duration
	persister relay.Persister
	dir       room.Directory
	backend   presence.Backend
	opts      []HandlerOption
}

type engine struct {
	hub      *Hub
	registry *presence.Registry
	tracker  *typing.Tracker
	rooms    *room.Manager
	server   *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, cfg engineConfig) *engine {
	t.Helper()
	logger := quietLogger()

	rooms := room.NewManager(nil)
	if err := rooms.Seed(strings.NewReader(testFixtures)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if cfg.typingTTL == 0 {
		cfg.typingTTL = 100 * time.Millisecond
	}
	if cfg.persister == nil {
		cfg.persister = message.NewWriter(message.NewMemoryLog(100), rooms)
	}

	hub := NewHub(NewConnManager(WithLogger(logger)), logger)
	tracker := typing.NewTracker(hub, cfg.typingTTL, logger)
	if cfg.backend == nil {
		cfg.backend = presence.NewMemoryBackend()
	}
	registry := presence.NewRegistry(cfg.backend, logger, tracker, presence.NewBroadcaster(hub, logger))
	rl := relay.New(cfg.persister, hub, registry, logger)
	var dir room.Directory = rooms
	if cfg.dir != nil {
		dir = cfg.dir
	}
	h := NewHandler(hub, registry, tracker, rl, dir, logger, cfg.opts...)

	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		hub.ConnMgr().Shutdown()
		ts.Close()
	})
	return &engine{hub: hub, registry: registry, tracker: tracker, rooms: rooms, server: ts}
}

// testConn reads frames in the background so tests can wait for a
// specific event without cancelling a read on the socket.
type testConn struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan event.Envelope
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func (e *engine) dial(t *testing.T) *testConn {
	t.Helper()
	return e.dialPath(t, "")
}

func (e *engine) dialPath(t *testing.T, suffix string) *testConn {
	t.Helper()
	conn := dialWS(t, e.server.URL+suffix)
	tc := &testConn{t: t, conn: conn, frames: make(chan event.Envelope, 64)}
	go func() {
		defer close(tc.frames)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var env event.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			tc.frames <- env
		}
	}()
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return tc
}

func (c *testConn) send(typ string, payload any) {
	c.t.Helper()
	data, err := event.Encode(typ, payload)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	c.sendRaw(data)
}

func (c *testConn) sendRaw(data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write error: %v", err)
	}
}

func (c *testConn) close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// expect skips frames until one of type typ arrives and decodes its
// payload into dst.
func (c *testConn) expect(typ string, dst any) {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if env.Type != typ {
				continue
			}
			if dst != nil {
				if err := json.Unmarshal(env.Payload, dst); err != nil {
					c.t.Fatalf("unmarshal %s: %v", typ, err)
				}
			}
			return
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectNone fails if a frame of type typ arrives within d.
func (c *testConn) expectNone(typ string, d time.Duration) {
	c.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return
			}
			if env.Type == typ {
				c.t.Fatalf("unexpected %s: %s", typ, env.Payload)
			}
		case <-timeout:
			return
		}
	}
}

func (c *testConn) expectError(contains string) event.Error {
	c.t.Helper()
	var e event.Error
	c.expect(event.TypeError, &e)
	if !strings.Contains(e.Message, contains) {
		c.t.Fatalf("expected error containing %q, got %q", contains, e.Message)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// announce binds c to userID and waits until the registry has it.
func (e *engine) announce(t *testing.T, c *testConn, userID string) {
	t.Helper()
	before := e.registry.Len()
	c.send(event.TypeAnnounceOnline, event.AnnounceOnline{UserID: userID})
	waitFor(t, userID+" to register", func() bool { return e.registry.Len() == before+1 })
}

func (e *engine) joinRoom(t *testing.T, c *testConn, roomID string) event.RoomMembers {
	t.Helper()
	c.send(event.TypeJoinRoom, event.JoinRoom{RoomID: roomID})
	var members event.RoomMembers
	c.expect(event.TypeRoomMembers, &members)
	return members
}

func (e *engine) joinDirect(t *testing.T, c *testConn, chatID string) {
	t.Helper()
	key := channel.Direct(chatID)
	before := e.hub.ClientCount(key)
	c.send(event.TypeJoinDirectChat, event.JoinDirectChat{ChatID: chatID})
	waitFor(t, "join "+chatID, func() bool { return e.hub.ClientCount(key) == before+1 })
}
