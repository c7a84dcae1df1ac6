// Package server wires the chat engine together and serves it over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/christopherjohns/huddle/internal/auth"
	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/config"
	"github.com/christopherjohns/huddle/internal/message"
	"github.com/christopherjohns/huddle/internal/presence"
	"github.com/christopherjohns/huddle/internal/ratelimit"
	"github.com/christopherjohns/huddle/internal/relay"
	"github.com/christopherjohns/huddle/internal/room"
	"github.com/christopherjohns/huddle/internal/storage/sqlite"
	"github.com/christopherjohns/huddle/internal/typing"
	"github.com/christopherjohns/huddle/internal/ws"
	"github.com/redis/go-redis/v9"
)

// maxHistoryLimit caps the limit query parameter of the history endpoint.
const maxHistoryLimit = 200

// History reads persisted messages.
type History interface {
	Recent(ctx context.Context, key channel.Key, n int) ([]*message.Message, error)
	Before(ctx context.Context, key channel.Key, beforeID string, n int) ([]*message.Message, error)
}

// Server is the main HTTP server.
type Server struct {
	cfg  config.Config
	log  *slog.Logger
	mux  *http.ServeMux
	http *http.Server

	rdb   *redis.Client
	store *sqlite.Store

	dir      room.Directory
	history  History
	hub      *ws.Hub
	registry *presence.Registry
	tracker  *typing.Tracker
	relay    *relay.Relay
	handler  *ws.Handler
	verifier *auth.Verifier
}

// Option configures a Server.
type Option func(*Server)

// WithRedis keeps presence and the message log in Redis.
func WithRedis(rdb *redis.Client) Option {
	return func(s *Server) { s.rdb = rdb }
}

// WithSQLite uses a SQLite store as directory, persister and history.
func WithSQLite(store *sqlite.Store) Option {
	return func(s *Server) { s.store = store }
}

// New builds a Server from cfg. Without a SQLite store the directory is
// an in-memory room manager seeded from FIXTURES_PATH.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: logger.With("component", "server"),
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	persister, err := s.buildStorage()
	if err != nil {
		return nil, err
	}

	var backend presence.Backend = presence.NewMemoryBackend()
	if s.rdb != nil {
		backend = presence.NewRedisBackend(s.rdb)
	}

	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout),
		ws.WithLogger(logger),
	)
	s.hub = ws.NewHub(conns, logger)
	s.tracker = typing.NewTracker(s.hub, cfg.TypingTTL, logger)
	s.registry = presence.NewRegistry(backend, logger, s.tracker, presence.NewBroadcaster(s.hub, logger))
	s.relay = relay.New(persister, s.hub, s.registry, logger,
		relay.WithPersistTimeout(cfg.PersistTimeout),
		relay.WithMaxLength(cfg.MaxMessageLength),
	)

	handlerOpts := []ws.HandlerOption{
		ws.WithUpgradeLimiter(ratelimit.New(cfg.UpgradesPerMinute, time.Minute)),
		ws.WithSendLimiter(ratelimit.New(cfg.SendRate, cfg.SendWindow)),
		ws.WithOriginPatterns(cfg.AllowedOrigins...),
	}
	if cfg.JWTSecret != "" {
		s.verifier = auth.NewVerifier(cfg.JWTSecret)
		handlerOpts = append(handlerOpts, ws.WithVerifier(s.verifier))
	}
	s.handler = ws.NewHandler(s.hub, s.registry, s.tracker, s.relay, s.dir, logger, handlerOpts...)

	s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// buildStorage picks the directory, persister and history backends.
func (s *Server) buildStorage() (relay.Persister, error) {
	if s.store != nil {
		if s.cfg.FixturesPath != "" {
			fx, err := room.ReadFixtures(s.cfg.FixturesPath)
			if err != nil {
				return nil, err
			}
			if err := s.store.Seed(context.Background(), fx); err != nil {
				return nil, fmt.Errorf("seed store: %w", err)
			}
		}
		s.dir = s.store
		s.history = s.store
		return s.store, nil
	}

	rooms := room.NewManager(nil)
	if s.cfg.FixturesPath != "" {
		if err := rooms.LoadFixtures(s.cfg.FixturesPath); err != nil {
			return nil, err
		}
	}
	var log message.Log = message.NewMemoryLog(s.cfg.MessageLogSize)
	if s.rdb != nil {
		log = message.NewRedisLog(s.rdb, s.cfg.MessageLogSize)
	}
	writer := message.NewWriter(log, rooms)
	s.dir = rooms
	s.history = writer
	return writer, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until it stops. A graceful
// shutdown is not an error.
func (s *Server) Run() error {
	s.log.Info("listening", "addr", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every WebSocket, waits for their cleanup, then stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.ConnMgr().Shutdown()
	if err := s.handler.Wait(ctx); err != nil {
		s.log.Warn("connections still closing", "err", err)
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /ws", s.handler)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
	s.mux.HandleFunc("GET /api/rooms/{id}/members", s.handleRoomMembers)
	s.mux.HandleFunc("GET /api/messages", s.handleMessages)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Connections ws.ConnStats `json:"connections"`
	Announced   int          `json:"announced"`
	Channels    int          `json:"channels"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Connections: s.hub.ConnMgr().Stats(),
		Announced:   s.registry.Len(),
		Channels:    s.hub.ChannelCount(),
	})
}

// handleConnections lists live sockets and the user each one announced.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.hub.ConnMgr().Clients())
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !s.authorizeChannel(w, r, channel.Room(roomID)) {
		return
	}
	members, err := s.registry.Roster(r.Context(), s.dir, roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := channel.Parse(q.Get("channel"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel must be room:<id> or chat:<id>"})
		return
	}
	limit := s.cfg.HistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if !s.authorizeChannel(w, r, key) {
		return
	}

	var msgs []*message.Message
	if before := q.Get("before"); before != "" {
		msgs, err = s.history.Before(r.Context(), key, before, limit)
	} else {
		msgs, err = s.history.Recent(r.Context(), key, limit)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// caller returns the user id of the request's token. Without a verifier
// every request is let through anonymously.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.verifier == nil {
		return "", true
	}
	userID, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// authorizeChannel writes an error response and reports false unless the
// caller is a durable participant of key.
func (s *Server) authorizeChannel(w http.ResponseWriter, r *http.Request, key channel.Key) bool {
	userID, ok := s.caller(w, r)
	if !ok {
		return false
	}
	ids, err := s.dir.Participants(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return false
	}
	if s.verifier != nil && !slices.Contains(ids, userID) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not a member of this channel"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, room.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.log.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
