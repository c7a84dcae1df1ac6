package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/christopherjohns/huddle/internal/room"
)

// Seed writes fixtures into the store. Rooms and chats that already exist
// are left alone so seeding on every start is safe.
func (s *Store) Seed(ctx context.Context, fx room.Fixtures) error {
	for _, u := range fx.Users {
		if err := s.PutUser(ctx, u); err != nil {
			return err
		}
	}
	for _, fr := range fx.Rooms {
		err := s.roomExists(ctx, fr.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, room.ErrNotFound) {
			return err
		}
		code := fr.Code
		if code == "" {
			code = fr.ID
		}
		r := room.Room{ID: fr.ID, Name: fr.Name, Code: strings.ToUpper(code), CreatorID: fr.CreatorID}
		if err := s.PutRoom(ctx, r, fr.Members...); err != nil {
			return fmt.Errorf("seed room %q: %w", fr.ID, err)
		}
	}
	for _, fd := range fx.DirectChats {
		_, err := s.Participants(ctx, channel.Direct(fd.ID))
		if err == nil {
			continue
		}
		if !errors.Is(err, room.ErrNotFound) {
			return err
		}
		d := room.DirectChat{ID: fd.ID, SenderID: fd.SenderID, ReceiverID: fd.ReceiverID}
		if err := s.PutDirectChat(ctx, d); err != nil {
			return fmt.Errorf("seed direct chat %q: %w", fd.ID, err)
		}
	}
	return nil
}
