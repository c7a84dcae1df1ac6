// Package sqlite provides a SQLite-backed directory and message store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/message"
	"github.com/christopherjohns/huddle/internal/room"
	"github.com/christopherjohns/huddle/internal/user"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id       TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    email    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS rooms (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    code       TEXT NOT NULL UNIQUE,
    creator_id TEXT NOT NULL REFERENCES users(id),
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_members (
    room_id   TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    user_id   TEXT NOT NULL REFERENCES users(id),
    joined_at INTEGER NOT NULL,
    PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS direct_chats (
    id          TEXT PRIMARY KEY,
    sender_id   TEXT NOT NULL REFERENCES users(id),
    receiver_id TEXT NOT NULL REFERENCES users(id),
    created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    channel_key TEXT NOT NULL,
    sender_id   TEXT NOT NULL REFERENCES users(id),
    content     TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_channel_seq ON messages (channel_key, seq);
`

// Store persists users, rooms, direct chats and messages in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ room.Directory = (*Store)(nil)

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Open opens a SQLite store and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutUser inserts or updates a user.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, username, email) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, email = excluded.email`,
		u.ID, u.Username, u.Email)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// PutRoom creates a room with its creator and the given members.
func (s *Store) PutRoom(ctx context.Context, r room.Room, members ...string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, code, creator_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Code, r.CreatorID, toMicros(createdAt)); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	for _, id := range append([]string{r.CreatorID}, members...) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
			r.ID, id, toMicros(createdAt)); err != nil {
			return fmt.Errorf("insert room member %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// PutDirectChat creates a direct chat.
func (s *Store) PutDirectChat(ctx context.Context, d room.DirectChat) error {
	if d.SenderID == d.ReceiverID {
		return room.ErrSelfChat
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO direct_chats (id, sender_id, receiver_id, created_at) VALUES (?, ?, ?, ?)`,
		d.ID, d.SenderID, d.ReceiverID, toMicros(createdAt))
	if err != nil {
		return fmt.Errorf("insert direct chat: %w", err)
	}
	return nil
}

// User returns a user by id.
func (s *Store) User(ctx context.Context, id string) (user.User, error) {
	var u user.User
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, username, email FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// RoomMembers returns the durable roster of a room ordered by username.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]user.User, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT u.id, u.username, u.email
		   FROM room_members m JOIN users u ON u.id = m.user_id
		  WHERE m.room_id = ?
		  ORDER BY u.username, u.id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query room members: %w", err)
	}
	defer rows.Close()

	var members []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		members = append(members, u)
	}
	return members, rows.Err()
}

// Participants returns the user ids durably attached to a channel.
func (s *Store) Participants(ctx context.Context, key channel.Key) ([]string, error) {
	switch key.Kind {
	case channel.KindRoom:
		if err := s.roomExists(ctx, key.ID); err != nil {
			return nil, err
		}
		rows, err := s.sqlDB.QueryContext(ctx,
			`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id`, key.ID)
		if err != nil {
			return nil, fmt.Errorf("query participants: %w", err)
		}
		defer rows.Close()
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan participant: %w", err)
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	case channel.KindDirect:
		var a, b string
		err := s.sqlDB.QueryRowContext(ctx,
			`SELECT sender_id, receiver_id FROM direct_chats WHERE id = ?`, key.ID).Scan(&a, &b)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, room.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get direct chat: %w", err)
		}
		return []string{a, b}, nil
	}
	return nil, room.ErrNotFound
}

func (s *Store) roomExists(ctx context.Context, roomID string) error {
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return room.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	return nil
}

// CreateMessage persists a message and returns it with the sender resolved.
// The timestamp is strictly greater than any earlier message in the channel.
func (s *Store) CreateMessage(ctx context.Context, key channel.Key, senderID, content string) (*message.Message, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var sender user.User
	err = tx.QueryRowContext(ctx,
		`SELECT id, username, email FROM users WHERE id = ?`, senderID).Scan(&sender.ID, &sender.Username, &sender.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve sender %q: %w", senderID, user.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve sender %q: %w", senderID, err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE channel_key = ?`, key.String()).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last timestamp: %w", err)
	}
	createdAt := toMicros(s.now())
	if last.Valid && createdAt <= last.Int64 {
		createdAt = last.Int64 + 1
	}

	msg := &message.Message{
		ID:        uuid.NewString(),
		Content:   content,
		SenderID:  senderID,
		CreatedAt: fromMicros(createdAt),
		Sender:    sender,
	}
	msg.SetChannel(key)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, channel_key, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, key.String(), senderID, content, createdAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// Recent returns the latest n messages of a channel, oldest first.
func (s *Store) Recent(ctx context.Context, key channel.Key, n int) ([]*message.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, key,
		`SELECT * FROM (
		   SELECT m.seq, m.id, m.sender_id, m.content, m.created_at, u.username, u.email
		     FROM messages m JOIN users u ON u.id = m.sender_id
		    WHERE m.channel_key = ?
		    ORDER BY m.seq DESC LIMIT ?
		 ) ORDER BY seq`, key.String(), n)
}

// Before returns up to n messages stored immediately before beforeID.
func (s *Store) Before(ctx context.Context, key channel.Key, beforeID string, n int) ([]*message.Message, error) {
	if beforeID == "" || n <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, key,
		`SELECT * FROM (
		   SELECT m.seq, m.id, m.sender_id, m.content, m.created_at, u.username, u.email
		     FROM messages m JOIN users u ON u.id = m.sender_id
		    WHERE m.channel_key = ?
		      AND m.seq < (SELECT seq FROM messages WHERE id = ? AND channel_key = ?)
		    ORDER BY m.seq DESC LIMIT ?
		 ) ORDER BY seq`, key.String(), beforeID, key.String(), n)
}

func (s *Store) queryMessages(ctx context.Context, key channel.Key, query string, args ...any) ([]*message.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		var (
			seq       int64
			createdAt int64
			m         message.Message
		)
		if err := rows.Scan(&seq, &m.ID, &m.SenderID, &m.Content, &createdAt, &m.Sender.Username, &m.Sender.Email); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender.ID = m.SenderID
		m.CreatedAt = fromMicros(createdAt)
		m.SetChannel(key)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
