package conversation

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Conversation types
const (
	TypeDirect    = "DIRECT"
	TypeGroup     = "GROUP"
	TypeBroadcast = "BROADCAST"
)

// Participant roles
const (
	RoleMember = "MEMBER"
	RoleAdmin  = "ADMIN"
)

// Conversation represents the conversations table
type Conversation struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Type        string
	DirectKey   sql.NullString // tenant-scoped unordered pair key, unique for DIRECT
	Name        sql.NullString
	Description sql.NullString
	AvatarURL   sql.NullString
	CreatedBy   uuid.NullUUID
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Denormalized last-message summary. A cache, recomputable from messages.
	LastMessageID       uuid.NullUUID
	LastMessageSenderID uuid.NullUUID
	LastMessagePreview  sql.NullString
	LastMessageType     sql.NullString
	LastMessageAt       sql.NullTime
	LastActivityAt      time.Time

	// Relationships
	Participants []Participant
}

// Participant represents the participants table. Mute/pin/archive and the
// unread hint are per-user overlays and never affect other participants.
type Participant struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Role           string
	JoinedAt       time.Time
	AddedBy        uuid.NullUUID
	Muted          bool
	PinnedAt       sql.NullTime
	Archived       bool
	UnreadCount    int
}

func (Conversation) TableName() string {
	return "conversations"
}

func (Participant) TableName() string {
	return "participants"
}

// DirectKey builds the tenant-scoped unordered pair key used to enforce
// direct-conversation idempotency at the store level.
func DirectKeyFor(tenantID, userA, userB uuid.UUID) string {
	lo, hi := userA.String(), userB.String()
	if hi < lo {
		lo, hi = hi, lo
	}
	return tenantID.String() + ":" + lo + ":" + hi
}

// ParticipantIDs returns the user ids of all participants.
func (c *Conversation) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID may mutate conversation metadata.
func (c *Conversation) IsAdmin(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID && p.Role == RoleAdmin {
			return true
		}
	}
	return false
}
