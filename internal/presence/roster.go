package presence

import (
	"context"

	"github.com/christopherjohns/huddle/internal/event"
	"github.com/christopherjohns/huddle/internal/user"
)

// MemberLister lists the durable members of a room.
type MemberLister interface {
	RoomMembers(ctx context.Context, roomID string) ([]user.User, error)
}

// Roster returns the members of roomID with their live presence.
func (r *Registry) Roster(ctx context.Context, dir MemberLister, roomID string) ([]event.Member, error) {
	users, err := dir.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]event.Member, 0, len(users))
	for _, u := range users {
		members = append(members, event.Member{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			IsOnline: r.IsOnline(ctx, u.ID),
		})
	}
	return members, nil
}
