package repository

import (
	"context"
	"time"

	"aquachat/internal/domain/conversation"
	"aquachat/internal/domain/message"
	"aquachat/internal/domain/user"

	"github.com/google/uuid"
)

// ConversationRepository persists and queries conversations. Every lookup is
// tenant-scoped and participant-checked; a conversation the caller does not
// belong to behaves as not found.
type ConversationRepository interface {
	// Create persists c. For DIRECT conversations creation is idempotent on
	// the unordered participant pair: if a conversation for the pair already
	// exists in the tenant, c is replaced with the existing row and
	// (false, nil) is returned. Returns (true, nil) when a row was created.
	Create(ctx context.Context, c *conversation.Conversation) (bool, error)

	GetForUser(ctx context.Context, id, userID, tenantID uuid.UUID) (conversation.Conversation, error)
	ListForUser(ctx context.Context, userID, tenantID uuid.UUID, includeArchived bool) ([]conversation.Conversation, error)
	IDsForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error)

	// ContactIDs returns the distinct users sharing at least one conversation
	// with userID. Used for presence fan-out on connect/disconnect.
	ContactIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error)

	SetMuted(ctx context.Context, id, userID uuid.UUID, muted bool) error
	SetPinned(ctx context.Context, id, userID uuid.UUID, pinned bool) error
	SetArchived(ctx context.Context, id, userID uuid.UUID, archived bool) error
}

// MessageRepository persists messages and receipts for the messaging service.
type MessageRepository interface {
	// Append durably writes m (and its mentions) and, in the same
	// transaction, refreshes the parent conversation's last-message summary,
	// bumps last_activity and increments the recipients' unread hints.
	Append(ctx context.Context, m *message.Message, mentions []uuid.UUID) error

	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)

	// List returns a page strictly ordered oldest to newest, excluding
	// messages deleted for everyone and messages the caller hid for
	// themselves. A zero before time means "latest page".
	List(ctx context.Context, conversationID, callerID uuid.UUID, before time.Time, limit int) ([]message.Message, error)

	Edit(ctx context.Context, id, requesterID uuid.UUID, content string) (message.Message, error)
	DeleteForEveryone(ctx context.Context, id, requesterID uuid.UUID) error
	DeleteForMe(ctx context.Context, id, userID uuid.UUID) error

	// UpsertReceipt is monotonic: DELIVERED never overwrites READ.
	UpsertReceipt(ctx context.Context, messageID, userID uuid.UUID, status string) error

	// MarkConversationRead marks every message not authored by userID as read
	// in one logical operation and resets the unread hint. Returns the ids of
	// messages whose receipt changed; idempotent calls return an empty slice.
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error)

	// UnreadCount recomputes the authoritative unread count, clamped at zero.
	UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int64, error)
}

// UserRepository is the narrow read-only view of the account system used to
// capture sender_info snapshots at send time.
type UserRepository interface {
	GetDisplay(ctx context.Context, id uuid.UUID) (user.User, error)
}
