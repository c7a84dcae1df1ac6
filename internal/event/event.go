// Package event defines the frames exchanged with websocket clients.
//
// Every frame is an envelope {"type": ..., "payload": {...}}. Client frames
// are validated at the boundary so that malformed input turns into an
// error event instead of reaching the engine.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Client → server.
const (
	TypeAnnounceOnline    = "announce-online"
	TypeJoinRoom          = "join-room"
	TypeJoinDirectChat    = "join-direct-chat"
	TypeLeaveChannel      = "leave-channel"
	TypeSendRoomMessage   = "send-room-message"
	TypeSendDirectMessage = "send-direct-message"
	TypeTypingStart       = "typing-start"
	TypeTypingStop        = "typing-stop"
)

// Server → client.
const (
	TypeMessageReceived   = "message-received"
	TypeNewDirectMessage  = "new-direct-message"
	TypeRoomMemberJoined  = "room-member-joined"
	TypeRoomMembers       = "room-members"
	TypeUserTyping        = "user-typing"
	TypeUserStoppedTyping = "user-stopped-typing"
	TypeUserStatusChanged = "user-status-changed"
	TypeError             = "error"
)

// ErrMalformed wraps every boundary validation failure.
var ErrMalformed = errors.New("malformed event")

// Envelope is the JSON structure sent over the websocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals payload into an envelope of the given type.
func Encode(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env, err := json.Marshal(Envelope{Type: typ, Payload: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return env, nil
}

// Decode validates a raw frame and splits it into type and payload. A
// missing payload decodes as an empty object.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("%w: frame must be an object", ErrMalformed)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	env := Envelope{Type: typ.Str, Payload: json.RawMessage("{}")}
	if payload := root.Get("payload"); payload.Exists() {
		if !payload.IsObject() {
			return Envelope{}, fmt.Errorf("%w: payload must be an object", ErrMalformed)
		}
		env.Payload = json.RawMessage(payload.Raw)
	}
	return env, nil
}

// Validator is implemented by client payloads with required fields.
type Validator interface {
	Validate() error
}

// DecodePayload unmarshals the envelope payload into dst and validates it.
func DecodePayload(env Envelope, dst Validator) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: invalid %s payload", ErrMalformed, env.Type)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
