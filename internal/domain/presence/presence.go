package presence

import (
	"time"

	"github.com/google/uuid"
)

// Presence statuses derived from the connection registry. A user is offline
// if and only if their active connection count is zero.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusTyping  = "typing"
	StatusOffline = "offline"
)

// Snapshot is a point-in-time view of one user's presence.
type Snapshot struct {
	UserID            uuid.UUID  `json:"userId"`
	Status            string     `json:"status"`
	LastSeen          time.Time  `json:"lastSeen"`
	ActiveConnections int        `json:"activeConnections"`
	TypingIn          *uuid.UUID `json:"typingIn,omitempty"`
}
