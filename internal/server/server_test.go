package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/christopherjohns/huddle/internal/auth"
	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/config"
	"github.com/christopherjohns/huddle/internal/event"
	"github.com/christopherjohns/huddle/internal/message"
	"github.com/christopherjohns/huddle/internal/storage/sqlite"
	"github.com/christopherjohns/huddle/internal/ws"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

const fixtures = `
users:
  - {id: u1, username: alice, email: alice@example.com}
  - {id: u2, username: bob}
rooms:
  - {id: general, name: General, creator_id: u1, members: [u2]}
direct_chats:
  - {id: dm1, sender_id: u1, receiver_id: u2}
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixtures), 0o600); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	return config.Config{
		ListenAddr:       ":0",
		FixturesPath:     path,
		TypingTTL:        3 * time.Second,
		PersistTimeout:   5 * time.Second,
		MaxMessageLength: 2000,
		HistoryLimit:     50,
		MessageLogSize:   100,
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.hub.ConnMgr().Shutdown() })
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func getWithToken(t *testing.T, srv *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func newAuthServer(t *testing.T, secret string) *Server {
	t.Helper()
	cfg := testConfig(t)
	cfg.JWTSecret = secret
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.hub.ConnMgr().Shutdown() })
	return srv
}

func issue(t *testing.T, secret, userID string) string {
	t.Helper()
	token, err := auth.NewVerifier(secret).Issue(userID, "", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestChannelEndpointsRequireParticipant(t *testing.T) {
	const secret = "s3cret"
	srv := newAuthServer(t, secret)
	member := issue(t, secret, "u1")
	outsider := issue(t, secret, "u3")
	forged := issue(t, "other-secret", "u1")

	cases := []struct {
		path  string
		token string
		want  int
	}{
		{"/api/messages?channel=chat:dm1", "", http.StatusUnauthorized},
		{"/api/messages?channel=chat:dm1", forged, http.StatusUnauthorized},
		{"/api/messages?channel=chat:dm1", outsider, http.StatusForbidden},
		{"/api/messages?channel=chat:dm1", member, http.StatusOK},
		{"/api/messages?channel=room:general", outsider, http.StatusForbidden},
		{"/api/rooms/general/members", "", http.StatusUnauthorized},
		{"/api/rooms/general/members", outsider, http.StatusForbidden},
		{"/api/rooms/general/members", member, http.StatusOK},
		{"/api/rooms/nowhere/members", member, http.StatusNotFound},
		{"/api/connections", "", http.StatusUnauthorized},
		{"/api/connections", outsider, http.StatusOK},
	}
	for _, tc := range cases {
		if w := getWithToken(t, srv, tc.path, tc.token); w.Code != tc.want {
			t.Errorf("%s (token %t): expected %d, got %d", tc.path, tc.token != "", tc.want, w.Code)
		}
	}
}

func TestChannelEndpointsAcceptCookieToken(t *testing.T) {
	const secret = "s3cret"
	srv := newAuthServer(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/general/members", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: issue(t, secret, "u2")})
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with session cookie, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := get(t, srv, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := get(t, srv, "/api/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body statsResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Connections.Active != 0 || body.Announced != 0 {
		t.Errorf("expected an idle server, got %+v", body)
	}
}

func TestRoomMembersEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := get(t, srv, "/api/rooms/general/members")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var members []event.Member
	if err := json.NewDecoder(w.Body).Decode(&members); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(members) != 2 || members[0].Username != "alice" || members[0].IsOnline {
		t.Errorf("unexpected members: %+v", members)
	}

	if w := get(t, srv, "/api/rooms/nowhere/members"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown room, got %d", w.Code)
	}
}

func TestMessagesEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := map[string]int{
		"/api/messages":                              http.StatusBadRequest,
		"/api/messages?channel=general":              http.StatusBadRequest,
		"/api/messages?channel=room:general&limit=x": http.StatusBadRequest,
		"/api/messages?channel=room:nowhere":         http.StatusNotFound,
		"/api/messages?channel=chat:dm1":             http.StatusOK,
	}
	for path, want := range cases {
		if w := get(t, srv, path); w.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, w.Code)
		}
	}
}

// sendOverWebSocket announces as u1 and posts content to general, then
// waits for the loop-back.
func sendOverWebSocket(t *testing.T, srv *Server, content string) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	write := func(typ string, payload any) {
		data, _ := event.Encode(typ, payload)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}
	write(event.TypeAnnounceOnline, event.AnnounceOnline{UserID: "u1"})
	write(event.TypeJoinRoom, event.JoinRoom{RoomID: "general"})
	write(event.TypeSendRoomMessage, event.SendRoomMessage{RoomID: "general", Content: content})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env event.Envelope
		json.Unmarshal(data, &env)
		if env.Type == event.TypeError {
			t.Fatalf("unexpected error: %s", env.Payload)
		}
		if env.Type == event.TypeMessageReceived {
			return
		}
	}
}

func readHistory(t *testing.T, srv *Server, query string) []message.Message {
	t.Helper()
	w := get(t, srv, "/api/messages?"+query)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var msgs []message.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return msgs
}

func TestMessagesEndpointReturnsSentMessages(t *testing.T) {
	srv := newTestServer(t)
	sendOverWebSocket(t, srv, "hello")
	sendOverWebSocket(t, srv, "again")

	msgs := readHistory(t, srv, "channel=room:general")
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "again" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	older := readHistory(t, srv, "channel=room:general&before="+msgs[1].ID)
	if len(older) != 1 || older[0].ID != msgs[0].ID {
		t.Errorf("unexpected page: %+v", older)
	}
	if got := readHistory(t, srv, "channel=room:general&limit=1"); len(got) != 1 || got[0].Content != "again" {
		t.Errorf("expected the newest message, got %+v", got)
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	srv := newTestServer(t, WithRedis(rdb))
	sendOverWebSocket(t, srv, "stored in redis")

	if !mr.Exists("messages:room:general") {
		t.Error("expected message list in redis")
	}
	msgs := readHistory(t, srv, "channel=room:general")
	if len(msgs) != 1 || msgs[0].Content != "stored in redis" {
		t.Errorf("unexpected history: %+v", msgs)
	}
}

func TestSQLiteBackend(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "huddle.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	srv := newTestServer(t, WithSQLite(store))
	if w := get(t, srv, "/api/rooms/general/members"); w.Code != http.StatusOK {
		t.Fatalf("expected seeded room, got %d", w.Code)
	}
	sendOverWebSocket(t, srv, "stored in sqlite")

	msgs, err := store.Recent(context.Background(), channel.Room("general"), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender.Username != "alice" {
		t.Errorf("unexpected stored messages: %+v", msgs)
	}
}

func TestShutdownWaitsForDisconnectCleanup(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	data, _ := event.Encode(event.TypeAnnounceOnline, event.AnnounceOnline{UserID: "u1"})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.registry.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.registry.Len() != 1 {
		t.Fatal("connection never announced")
	}

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.registry.Len() != 0 {
		t.Errorf("expected cleanup before shutdown returned, %d connections left", srv.registry.Len())
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	data, _ := event.Encode(event.TypeAnnounceOnline, event.AnnounceOnline{UserID: "u2"})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	announced := func() bool {
		infos := srv.hub.ConnMgr().Clients()
		return len(infos) == 1 && infos[0].UserID != ""
	}
	deadline := time.Now().Add(2 * time.Second)
	for !announced() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w := get(t, srv, "/api/connections")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var infos []ws.ConnInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(infos) != 1 || infos[0].UserID != "u2" {
		t.Errorf("expected one connection for u2, got %+v", infos)
	}
}
