package presence

import (
	"log/slog"

	"github.com/christopherjohns/huddle/internal/event"
)

// Fanout sends an event to every live connection.
type Fanout interface {
	BroadcastAll(typ string, payload any)
}

// Broadcaster turns presence transitions into user-status-changed events.
type Broadcaster struct {
	out Fanout
	log *slog.Logger
}

// NewBroadcaster creates a Broadcaster that publishes through out.
func NewBroadcaster(out Fanout, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{out: out, log: logger.With("component", "presence")}
}

// StatusChanged sends user-status-changed to every connection.
func (b *Broadcaster) StatusChanged(userID string, online bool) {
	status := event.StatusOffline
	if online {
		status = event.StatusOnline
	}
	b.log.Info("status changed", "user_id", userID, "status", status)
	b.out.BroadcastAll(event.TypeUserStatusChanged, event.UserStatus{UserID: userID, Status: status})
}
