package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aquachat/internal/domain/conversation"
	"aquachat/internal/domain/message"
	chaterrors "aquachat/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const lastMessagePreviewLen = 100

type PostgresMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) Append(ctx context.Context, m *message.Message, mentions []uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return chaterrors.ErrAlreadyExists
			}
			return err
		}

		for _, userID := range mentions {
			mention := message.MessageMention{MessageID: m.ID, UserID: userID}
			if err := tx.Create(&mention).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
		}

		// The conversation summary update rides the same transaction so a
		// successful message write is never visible without it.
		updates := map[string]interface{}{
			"last_message_id":        m.ID,
			"last_message_sender_id": m.SenderID,
			"last_message_type":      m.Type,
			"last_message_at":        m.CreatedAt,
			"last_activity_at":       m.CreatedAt,
			"updated_at":             m.CreatedAt,
		}
		if m.Content.Valid {
			updates["last_message_preview"] = message.Preview(m.Content.String, lastMessagePreviewLen)
		} else {
			updates["last_message_preview"] = nil
		}
		res := tx.Model(&conversation.Conversation{}).
			Where("id = ?", m.ConversationID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return chaterrors.ErrNotFound
		}

		return tx.Model(&conversation.Participant{}).
			Where("conversation_id = ? AND user_id <> ?", m.ConversationID, m.SenderID).
			UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
	})
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	var m message.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, chaterrors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepository) List(ctx context.Context, conversationID, callerID uuid.UUID, before time.Time, limit int) ([]message.Message, error) {
	var messages []message.Message

	hidden := r.db.Model(&message.MessageHide{}).
		Select("message_id").
		Where("user_id = ?", callerID)

	q := r.db.WithContext(ctx).
		Where("conversation_id = ? AND deleted_at IS NULL AND id NOT IN (?)", conversationID, hidden)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}

	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Query order is newest-first for the limit; the page itself is returned
	// oldest to newest.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *PostgresMessageRepository) Edit(ctx context.Context, id, requesterID uuid.UUID, content string) (message.Message, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("id = ? AND sender_id = ? AND deleted_at IS NULL", id, requesterID).
		Updates(map[string]interface{}{
			"content":   content,
			"edited_at": now,
		})
	if res.Error != nil {
		return message.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		// Either absent, already deleted, or not the sender.
		if _, err := r.GetByID(ctx, id); err != nil {
			return message.Message{}, err
		}
		return message.Message{}, chaterrors.ErrPermissionDenied
	}
	return r.GetByID(ctx, id)
}

func (r *PostgresMessageRepository) DeleteForEveryone(ctx context.Context, id, requesterID uuid.UUID) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("id = ? AND sender_id = ? AND deleted_at IS NULL", id, requesterID).
		Updates(map[string]interface{}{
			"content":    nil,
			"deleted_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return chaterrors.ErrPermissionDenied
	}
	return nil
}

func (r *PostgresMessageRepository) DeleteForMe(ctx context.Context, id, userID uuid.UUID) error {
	hide := message.MessageHide{MessageID: id, UserID: userID, HiddenAt: time.Now()}
	err := r.db.WithContext(ctx).Create(&hide).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	return nil
}

func (r *PostgresMessageRepository) UpsertReceipt(ctx context.Context, messageID, userID uuid.UUID, status string) error {
	if message.ReceiptRank(status) == 0 {
		return chaterrors.ErrInvalidInput
	}
	now := time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		receipt := message.MessageReceipt{
			MessageID: messageID,
			UserID:    userID,
			Status:    status,
			UpdatedAt: now,
		}
		if status == message.ReceiptRead {
			receipt.ReadAt = sql.NullTime{Time: now, Valid: true}
		} else {
			receipt.DeliveredAt = sql.NullTime{Time: now, Valid: true}
		}

		err := tx.Create(&receipt).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}

		// Rank guard: DELIVERED must not clobber an existing READ.
		updates := map[string]interface{}{
			"status":     status,
			"updated_at": now,
		}
		if status == message.ReceiptRead {
			updates["read_at"] = now
		} else {
			updates["delivered_at"] = now
		}
		return tx.Model(&message.MessageReceipt{}).
			Where("message_id = ? AND user_id = ? AND status <> ?", messageID, userID, message.ReceiptRead).
			Updates(updates).Error
	})
}

func (r *PostgresMessageRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	var affected []uuid.UUID

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		read := tx.Model(&message.MessageReceipt{}).
			Select("message_id").
			Where("user_id = ? AND status = ?", userID, message.ReceiptRead)

		var ids []uuid.UUID
		err := tx.Model(&message.Message{}).
			Select("id").
			Where("conversation_id = ? AND sender_id <> ? AND deleted_at IS NULL AND id NOT IN (?)",
				conversationID, userID, read).
			Scan(&ids).Error
		if err != nil {
			return err
		}

		now := time.Now()
		for _, id := range ids {
			receipt := message.MessageReceipt{
				MessageID: id,
				UserID:    userID,
				Status:    message.ReceiptRead,
				ReadAt:    sql.NullTime{Time: now, Valid: true},
				UpdatedAt: now,
			}
			if err := tx.Create(&receipt).Error; err != nil {
				if !errors.Is(err, gorm.ErrDuplicatedKey) {
					return err
				}
				err = tx.Model(&message.MessageReceipt{}).
					Where("message_id = ? AND user_id = ? AND status <> ?", id, userID, message.ReceiptRead).
					Updates(map[string]interface{}{
						"status":     message.ReceiptRead,
						"read_at":    now,
						"updated_at": now,
					}).Error
				if err != nil {
					return err
				}
			}
		}

		if err := tx.Model(&conversation.Participant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			UpdateColumn("unread_count", 0).Error; err != nil {
			return err
		}

		affected = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func (r *PostgresMessageRepository) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	read := r.db.Model(&message.MessageReceipt{}).
		Select("message_id").
		Where("user_id = ? AND status = ?", userID, message.ReceiptRead)

	hidden := r.db.Model(&message.MessageHide{}).
		Select("message_id").
		Where("user_id = ?", userID)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND deleted_at IS NULL AND id NOT IN (?) AND id NOT IN (?)",
			conversationID, userID, read, hidden).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}
