package repository

import (
	"context"
	"errors"
	"time"

	"aquachat/internal/domain/conversation"
	chaterrors "aquachat/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &PostgresConversationRepository{db: db}
}

func (r *PostgresConversationRepository) Create(ctx context.Context, c *conversation.Conversation) (bool, error) {
	if c.Type != conversation.TypeDirect {
		if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	if len(c.Participants) != 2 {
		return false, chaterrors.ErrInvalidInput
	}
	key := conversation.DirectKeyFor(c.TenantID, c.Participants[0].UserID, c.Participants[1].UserID)
	c.DirectKey.String = key
	c.DirectKey.Valid = true

	// Fast path: an existing direct conversation for the pair wins.
	if existing, err := r.getByDirectKey(ctx, c.TenantID, key); err == nil {
		*c = existing
		return false, nil
	} else if !errors.Is(err, chaterrors.ErrNotFound) {
		return false, err
	}

	// The unique index on (tenant_id, direct_key) makes the check-then-insert
	// safe against concurrent creators; the loser re-reads the winner's row.
	err := r.db.WithContext(ctx).Create(c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, gerr := r.getByDirectKey(ctx, c.TenantID, key)
			if gerr != nil {
				return false, gerr
			}
			*c = existing
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *PostgresConversationRepository) getByDirectKey(ctx context.Context, tenantID uuid.UUID, key string) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("tenant_id = ? AND direct_key = ?", tenantID, key).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.Conversation{}, chaterrors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) GetForUser(ctx context.Context, id, userID, tenantID uuid.UUID) (conversation.Conversation, error) {
	var c conversation.Conversation

	// Membership is part of the lookup so non-participants cannot
	// distinguish "absent" from "not yours".
	subQuery := r.db.Model(&conversation.Participant{}).
		Select("conversation_id").
		Where("conversation_id = ? AND user_id = ?", id, userID)

	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id IN (?) AND tenant_id = ?", subQuery, tenantID).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.Conversation{}, chaterrors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

// listScope builds the membership filter and the pinned-first ordering. The
// pinned CASE and the activity sort share one ORDER BY expression: gorm merges
// a later Order call into the clause in a way that drops the expression.
func (r *PostgresConversationRepository) listScope(userID, tenantID uuid.UUID, includeArchived bool) *gorm.DB {
	subQuery := r.db.Model(&conversation.Participant{}).
		Select("conversation_id").
		Where("user_id = ?", userID)
	if !includeArchived {
		subQuery = subQuery.Where("archived = false")
	}

	pinned := r.db.Model(&conversation.Participant{}).
		Select("conversation_id").
		Where("user_id = ? AND pinned_at IS NOT NULL", userID)

	return r.db.Model(&conversation.Conversation{}).
		Where("id IN (?) AND tenant_id = ?", subQuery, tenantID).
		Order(clause.OrderBy{
			Expression: gorm.Expr(
				"CASE WHEN conversations.id IN (?) THEN 0 ELSE 1 END, last_activity_at DESC", pinned),
		})
}

func (r *PostgresConversationRepository) ListForUser(ctx context.Context, userID, tenantID uuid.UUID, includeArchived bool) ([]conversation.Conversation, error) {
	var conversations []conversation.Conversation

	err := r.listScope(userID, tenantID, includeArchived).
		WithContext(ctx).
		Preload("Participants").
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *PostgresConversationRepository) IDsForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&conversation.Conversation{}).
		Select("conversations.id").
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.user_id = ? AND conversations.tenant_id = ?", userID, tenantID).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresConversationRepository) ContactIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID

	own := r.db.Model(&conversation.Participant{}).
		Select("conversation_id").
		Where("user_id = ?", userID)

	err := r.db.WithContext(ctx).
		Model(&conversation.Participant{}).
		Distinct("participants.user_id").
		Joins("JOIN conversations ON conversations.id = participants.conversation_id").
		Where("participants.conversation_id IN (?) AND participants.user_id <> ? AND conversations.tenant_id = ?",
			own, userID, tenantID).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresConversationRepository) SetMuted(ctx context.Context, id, userID uuid.UUID, muted bool) error {
	return r.updateParticipant(ctx, id, userID, map[string]interface{}{"muted": muted})
}

func (r *PostgresConversationRepository) SetPinned(ctx context.Context, id, userID uuid.UUID, pinned bool) error {
	var pinnedAt interface{}
	if pinned {
		pinnedAt = time.Now()
	}
	return r.updateParticipant(ctx, id, userID, map[string]interface{}{"pinned_at": pinnedAt})
}

func (r *PostgresConversationRepository) SetArchived(ctx context.Context, id, userID uuid.UUID, archived bool) error {
	return r.updateParticipant(ctx, id, userID, map[string]interface{}{"archived": archived})
}

func (r *PostgresConversationRepository) updateParticipant(ctx context.Context, id, userID uuid.UUID, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&conversation.Participant{}).
		Where("conversation_id = ? AND user_id = ?", id, userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return chaterrors.ErrNotFound
	}
	return nil
}
