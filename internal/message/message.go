package message

import (
	"time"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/user"
)

// Message is a persisted chat message. Exactly one of RoomID and ChatID is
// set, matching ChannelType.
type Message struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	SenderID    string       `json:"sender_id"`
	RoomID      string       `json:"room_id,omitempty"`
	ChatID      string       `json:"chat_id,omitempty"`
	ChannelType channel.Kind `json:"channel_type"`
	CreatedAt   time.Time    `json:"created_at"`
	Sender      user.User    `json:"sender"`
}

// Channel returns the key of the channel the message was sent to.
func (m *Message) Channel() channel.Key {
	if m.ChannelType == channel.KindDirect {
		return channel.Direct(m.ChatID)
	}
	return channel.Room(m.RoomID)
}

// SetChannel fills RoomID, ChatID and ChannelType from key.
func (m *Message) SetChannel(key channel.Key) {
	m.ChannelType = key.Kind
	m.RoomID, m.ChatID = "", ""
	if key.Kind == channel.KindDirect {
		m.ChatID = key.ID
	} else {
		m.RoomID = key.ID
	}
}
