package event

import (
	"errors"

	"github.com/christopherjohns/huddle/internal/message"
)

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return errors.New(fields[i] + " is required")
		}
	}
	return nil
}

// AnnounceOnline binds a connection to a user. Both fields may be empty
// when the token was presented on upgrade.
type AnnounceOnline struct {
	UserID string `json:"user_id,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (p *AnnounceOnline) Validate() error { return nil }

// JoinRoom asks to join a room channel.
type JoinRoom struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func (p *JoinRoom) Validate() error { return required("room_id", p.RoomID) }

// JoinDirectChat asks to join a direct chat channel.
type JoinDirectChat struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

func (p *JoinDirectChat) Validate() error { return required("chat_id", p.ChatID) }

// LeaveChannel leaves a room or chat. Exactly one id is set.
type LeaveChannel struct {
	RoomID string `json:"room_id,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

func (p *LeaveChannel) Validate() error { return exactlyOne(p.RoomID, p.ChatID) }

// SendRoomMessage posts to a room.
type SendRoomMessage struct {
	RoomID   string `json:"room_id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

func (p *SendRoomMessage) Validate() error {
	return required("room_id", p.RoomID, "content", p.Content)
}

// SendDirectMessage posts to a direct chat.
type SendDirectMessage struct {
	ChatID     string `json:"chat_id"`
	Content    string `json:"content"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

func (p *SendDirectMessage) Validate() error {
	return required("chat_id", p.ChatID, "content", p.Content)
}

// Typing starts or stops a typing indicator in a room or chat.
type Typing struct {
	RoomID   string `json:"room_id,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

func (p *Typing) Validate() error { return exactlyOne(p.RoomID, p.ChatID) }

func exactlyOne(roomID, chatID string) error {
	if (roomID == "") == (chatID == "") {
		return errors.New("exactly one of room_id and chat_id is required")
	}
	return nil
}

// Member is a durable room member with live presence.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	IsOnline bool   `json:"is_online"`
}

// RoomMembers answers a join-room with the full roster.
type RoomMembers struct {
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
}

// RoomMemberJoined tells other members someone joined.
type RoomMemberJoined struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// NewDirectMessage notifies a receiver of a direct message whether or not
// the chat is open on that connection.
type NewDirectMessage struct {
	ChatID  string           `json:"chat_id"`
	Message *message.Message `json:"message"`
}

// UserTyping reports that a user started typing in target.
type UserTyping struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Target   string `json:"target"`
}

// UserStoppedTyping reports that a user stopped typing in target.
type UserStoppedTyping struct {
	UserID string `json:"user_id"`
	Target string `json:"target"`
}

// Status is a presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// UserStatus announces a presence transition.
type UserStatus struct {
	UserID string `json:"user_id"`
	Status Status `json:"status"`
}

// Error is sent to the connection whose request failed.
type Error struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
