package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/christopherjohns/huddle/internal/auth"
	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/event"
	"github.com/christopherjohns/huddle/internal/presence"
	"github.com/christopherjohns/huddle/internal/ratelimit"
	"github.com/christopherjohns/huddle/internal/relay"
	"github.com/christopherjohns/huddle/internal/room"
	"github.com/christopherjohns/huddle/internal/typing"
	"github.com/christopherjohns/huddle/internal/user"
	"nhooyr.io/websocket"
)

const (
	// inboxSize is how many frames may wait behind the one being handled.
	inboxSize = 32

	// cleanupTimeout bounds the registry update on disconnect, retries
	// included.
	cleanupTimeout = 5 * time.Second
)

var (
	errNotAnnounced  = errors.New("announce-online is required first")
	errNotMember     = errors.New("not a member of this channel")
	errNotJoined     = errors.New("join the channel first")
	errUserMismatch  = errors.New("user id does not match the announced user")
	errWrongReceiver = errors.New("receiver is not part of this chat")
	errRateLimited   = errors.New("sending too fast, slow down")
	errInternal      = errors.New("internal error")
)

// clientErrors are reported to the client by their own message. Anything
// else is reported as errInternal.
var clientErrors = []error{
	relay.ErrPersist,
	relay.ErrEmptyContent,
	room.ErrNotFound,
	user.ErrNotFound,
	presence.ErrAlreadyAnnounced,
	auth.ErrMissingToken,
	auth.ErrInvalidToken,
	errNotAnnounced,
	errNotMember,
	errNotJoined,
	errUserMismatch,
	errWrongReceiver,
	errRateLimited,
}

// Handler upgrades HTTP requests to WebSockets and dispatches each
// client frame to the engine.
//
// Every connection gets one reader and one processor goroutine. Frames are
// handled in the order they arrive; a slow store write holds up only the
// connection that issued it.
type Handler struct {
	hub      *Hub
	registry *presence.Registry
	tracker  *typing.Tracker
	relay    *relay.Relay
	dir      room.Directory
	log      *slog.Logger

	verifier *auth.Verifier
	upgrades *ratelimit.Limiter
	sends    *ratelimit.Limiter
	origins  []string

	active sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithVerifier requires a valid token on announce-online.
func WithVerifier(v *auth.Verifier) HandlerOption {
	return func(h *Handler) { h.verifier = v }
}

// WithUpgradeLimiter limits upgrades per client IP.
func WithUpgradeLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.upgrades = l }
}

// WithSendLimiter limits message sends per user.
func WithSendLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.sends = l }
}

// WithOriginPatterns restricts cross-origin upgrades. Without patterns
// every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.origins = patterns }
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, registry *presence.Registry, tracker *typing.Tracker, rl *relay.Relay, dir room.Directory, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		hub:      hub,
		registry: registry,
		tracker:  tracker,
		relay:    rl,
		dir:      dir,
		log:      logger.With("component", "ws"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection and runs it until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !h.upgrades.Allow(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: len(h.origins) == 0,
	})
	if err != nil {
		h.log.Warn("accept failed", "ip", ip, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	h.active.Add(1)
	defer h.active.Done()

	client := newClient(conn)
	client.token = auth.TokenFromRequest(r)

	connCtx, err := h.hub.addClient(client)
	if err != nil {
		h.log.Warn("connection rejected", "ip", ip, "err", err)
		return
	}
	h.log.Info("connected", "conn_id", client.id, "ip", ip)

	inbox := make(chan []byte, inboxSize)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		h.process(connCtx, client, inbox)
	}()

	h.readLoop(connCtx, client, inbox)
	h.disconnect(client)
	close(inbox)
	<-processed
}

// Wait blocks until every connection has finished its disconnect cleanup
// or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop feeds frames to the processor until the socket fails or the
// connection manager cancels ctx.
func (h *Handler) readLoop(ctx context.Context, c *Client, inbox chan<- []byte) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			h.log.Debug("read ended", "conn_id", c.id, "err", err)
			return
		}
		h.hub.ConnMgr().TouchActivity(c)

		select {
		case inbox <- data:
		case <-ctx.Done():
			return
		}
	}
}

// process handles frames one at a time. Frames still queued when the
// connection closes are dropped.
func (h *Handler) process(ctx context.Context, c *Client, inbox <-chan []byte) {
	for data := range inbox {
		if c.isClosed() {
			continue
		}
		h.dispatch(ctx, c, data)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *Client, data []byte) {
	env, err := event.Decode(data)
	if err != nil {
		h.sendError(c, "", err)
		return
	}
	if env.Type != event.TypeAnnounceOnline && c.UserID() == "" {
		h.sendError(c, env.Type, errNotAnnounced)
		return
	}

	switch env.Type {
	case event.TypeAnnounceOnline:
		err = h.handleAnnounce(ctx, c, env)
	case event.TypeJoinRoom:
		err = h.handleJoinRoom(ctx, c, env)
	case event.TypeJoinDirectChat:
		err = h.handleJoinDirect(ctx, c, env)
	case event.TypeLeaveChannel:
		err = h.handleLeave(c, env)
	case event.TypeSendRoomMessage:
		err = h.handleSendRoom(ctx, c, env)
	case event.TypeSendDirectMessage:
		err = h.handleSendDirect(ctx, c, env)
	case event.TypeTypingStart:
		err = h.handleTyping(c, env, true)
	case event.TypeTypingStop:
		err = h.handleTyping(c, env, false)
	default:
		err = fmt.Errorf("%w: unknown event type %q", event.ErrMalformed, env.Type)
	}
	if err != nil {
		h.sendError(c, env.Type, err)
	}
}

func (h *Handler) handleAnnounce(ctx context.Context, c *Client, env event.Envelope) error {
	var p event.AnnounceOnline
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}

	userID := p.UserID
	if h.verifier != nil {
		token := p.Token
		if token == "" {
			token = c.token
		}
		sub, err := h.verifier.Verify(token)
		if err != nil {
			return err
		}
		if userID != "" && userID != sub {
			return errUserMismatch
		}
		userID = sub
	} else if userID == "" {
		return fmt.Errorf("%w: user_id is required", event.ErrMalformed)
	}

	u, err := h.dir.User(ctx, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, err := h.registry.Register(ctx, userID, c.id); err != nil {
		return err
	}
	c.setIdentity(u.ID, u.Username)
	h.log.Info("announced", "conn_id", c.id, "user_id", u.ID)
	return nil
}

func (h *Handler) handleJoinRoom(ctx context.Context, c *Client, env event.Envelope) error {
	var p event.JoinRoom
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}
	userID, err := h.actingUser(c, p.UserID)
	if err != nil {
		return err
	}
	key := channel.Room(p.RoomID)
	if _, err := h.authorize(ctx, key, userID); err != nil {
		return err
	}

	joined, ok := h.join(c, key)
	if !ok {
		return nil
	}
	members, err := h.registry.Roster(ctx, h.dir, p.RoomID)
	if err != nil {
		return err
	}
	h.hub.Send(c, event.TypeRoomMembers, event.RoomMembers{RoomID: p.RoomID, Members: members})
	if joined {
		h.hub.BroadcastExcept(key, c, event.TypeRoomMemberJoined, event.RoomMemberJoined{UserID: userID, RoomID: p.RoomID})
	}
	return nil
}

func (h *Handler) handleJoinDirect(ctx context.Context, c *Client, env event.Envelope) error {
	var p event.JoinDirectChat
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}
	userID, err := h.actingUser(c, p.UserID)
	if err != nil {
		return err
	}
	key := channel.Direct(p.ChatID)
	if _, err := h.authorize(ctx, key, userID); err != nil {
		return err
	}
	h.join(c, key)
	return nil
}

// join adds c to key unless the connection already closed. ok is false
// when it did.
func (h *Handler) join(c *Client, key channel.Key) (joined, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	return h.hub.Join(c, key), true
}

func (h *Handler) handleLeave(c *Client, env event.Envelope) error {
	var p event.LeaveChannel
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}
	key, err := channel.FromIDs(p.RoomID, p.ChatID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	h.hub.Leave(c, key)
	if _, ok := c.typing[key]; ok {
		delete(c.typing, key)
		h.tracker.Stop(key, c.UserID())
	}
	return nil
}

func (h *Handler) handleSendRoom(ctx context.Context, c *Client, env event.Envelope) error {
	var p event.SendRoomMessage
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}
	userID, err := h.actingUser(c, p.SenderID)
	if err != nil {
		return err
	}
	key := channel.Room(p.RoomID)
	if _, err := h.authorize(ctx, key, userID); err != nil {
		return err
	}
	if !h.sends.Allow(userID) {
		return errRateLimited
	}
	_, err = h.relay.Send(ctx, relay.Request{Channel: key, SenderID: userID, Content: p.Content})
	return err
}

func (h *Handler) handleSendDirect(ctx context.Context, c *Client, env event.Envelope) error {
	var p event.SendDirectMessage
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}
	userID, err := h.actingUser(c, p.SenderID)
	if err != nil {
		return err
	}
	key := channel.Direct(p.ChatID)
	participants, err := h.authorize(ctx, key, userID)
	if err != nil {
		return err
	}
	receiver := peerOf(participants, userID)
	if p.ReceiverID != "" && p.ReceiverID != receiver {
		return errWrongReceiver
	}
	if !h.sends.Allow(userID) {
		return errRateLimited
	}
	_, err = h.relay.Send(ctx, relay.Request{Channel: key, SenderID: userID, ReceiverID: receiver, Content: p.Content})
	return err
}

func (h *Handler) handleTyping(c *Client, env event.Envelope, start bool) error {
	var p event.Typing
	if err := event.DecodePayload(env, &p); err != nil {
		return err
	}
	userID, err := h.actingUser(c, p.UserID)
	if err != nil {
		return err
	}
	key, err := channel.FromIDs(p.RoomID, p.ChatID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if !start {
		delete(c.typing, key)
		h.tracker.Stop(key, userID)
		return nil
	}
	if !h.hub.IsJoined(c, key) {
		return errNotJoined
	}
	c.typing[key] = struct{}{}
	h.tracker.Start(key, userID, c.Username())
	return nil
}

// disconnect tears down a connection exactly once: it leaves every
// channel, stops typing this connection started, then unregisters, which
// reports offline when it was the user's last connection.
func (h *Handler) disconnect(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	typingIn := make([]channel.Key, 0, len(c.typing))
	for key := range c.typing {
		typingIn = append(typingIn, key)
	}
	c.typing = nil
	c.mu.Unlock()

	h.hub.removeClient(c)

	userID := c.UserID()
	for _, key := range typingIn {
		h.tracker.Stop(key, userID)
	}

	offline, err := h.unregister(c.id)
	if err != nil {
		h.log.Error("unregister", "conn_id", c.id, "user_id", userID, "err", err)
	}
	if offline {
		h.sends.Forget(userID)
	}
	h.log.Info("disconnected", "conn_id", c.id, "user_id", userID, "offline", offline)
}

// unregister retries the registry update with backoff until it succeeds
// or cleanupTimeout passes.
func (h *Handler) unregister(connID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	delay := 50 * time.Millisecond
	for {
		offline, err := h.registry.Unregister(ctx, connID)
		if err == nil {
			return offline, nil
		}
		h.log.Warn("unregister failed, retrying", "conn_id", connID, "err", err)
		select {
		case <-ctx.Done():
			return false, err
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Second)
	}
}

// actingUser checks a user id carried in a payload against the announced
// identity. An empty claimed id means the announced user.
func (h *Handler) actingUser(c *Client, claimed string) (string, error) {
	userID := c.UserID()
	if claimed != "" && claimed != userID {
		return "", errUserMismatch
	}
	return userID, nil
}

// authorize checks that key exists and userID is one of its durable
// participants.
func (h *Handler) authorize(ctx context.Context, key channel.Key, userID string) ([]string, error) {
	participants, err := h.dir.Participants(ctx, key)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(participants, userID) {
		return nil, errNotMember
	}
	return participants, nil
}

func peerOf(participants []string, userID string) string {
	for _, id := range participants {
		if id != userID {
			return id
		}
	}
	return ""
}

// sendError queues an error event for the client whose request failed.
func (h *Handler) sendError(c *Client, eventType string, err error) {
	msg := clientMessage(err)
	if msg == errInternal.Error() {
		h.log.Error("request failed", "conn_id", c.id, "event", eventType, "err", err)
	} else {
		h.log.Debug("request failed", "conn_id", c.id, "event", eventType, "err", err)
	}
	h.hub.Send(c, event.TypeError, event.Error{Message: msg, Event: eventType})
}

// clientMessage returns the text of err that may be shown to a client.
// Frame and length errors keep their detail; causes from stores and
// tokens are dropped.
func clientMessage(err error) string {
	if errors.Is(err, event.ErrMalformed) || errors.Is(err, relay.ErrTooLong) {
		return err.Error()
	}
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return errInternal.Error()
}
