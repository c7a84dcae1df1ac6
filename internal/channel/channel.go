// Package channel defines the key used to address rooms and direct chats.
package channel

import (
	"errors"
	"strings"
)

// Kind distinguishes rooms from direct chats. Routing and membership
// checks differ between the two.
type Kind string

const (
	KindRoom   Kind = "room"
	KindDirect Kind = "direct"
)

// ErrInvalidKey is returned when a key string cannot be parsed.
var ErrInvalidKey = errors.New("invalid channel key")

// Key identifies a channel. Room and chat ids live in separate
// namespaces, so the kind is always part of the key.
type Key struct {
	Kind Kind
	ID   string
}

// Room returns the key for a room.
func Room(id string) Key { return Key{Kind: KindRoom, ID: id} }

// Direct returns the key for a direct chat.
func Direct(id string) Key { return Key{Kind: KindDirect, ID: id} }

// String returns the target form used on the wire, "room:<id>" or "chat:<id>".
func (k Key) String() string {
	switch k.Kind {
	case KindRoom:
		return "room:" + k.ID
	case KindDirect:
		return "chat:" + k.ID
	}
	return string(k.Kind) + ":" + k.ID
}

// Valid reports whether the key has a known kind and a non-empty id.
func (k Key) Valid() bool {
	return (k.Kind == KindRoom || k.Kind == KindDirect) && k.ID != ""
}

// Parse reads a key from its string form.
func Parse(s string) (Key, error) {
	prefix, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, ErrInvalidKey
	}
	switch prefix {
	case "room":
		return Room(id), nil
	case "chat":
		return Direct(id), nil
	}
	return Key{}, ErrInvalidKey
}

// FromIDs builds a key from a payload carrying either a room id or a chat
// id. Exactly one of them must be set.
func FromIDs(roomID, chatID string) (Key, error) {
	switch {
	case roomID != "" && chatID == "":
		return Room(roomID), nil
	case chatID != "" && roomID == "":
		return Direct(chatID), nil
	}
	return Key{}, ErrInvalidKey
}
