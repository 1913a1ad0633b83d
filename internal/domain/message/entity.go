package message

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Message types
const (
	TypeText         = "TEXT"
	TypeImage        = "IMAGE"
	TypeFile         = "FILE"
	TypeAudio        = "AUDIO"
	TypeVideo        = "VIDEO"
	TypeLocation     = "LOCATION"
	TypeNotification = "NOTIFICATION"
	TypeSystem       = "SYSTEM"
)

// Receipt statuses. READ outranks DELIVERED and is never regressed.
const (
	ReceiptDelivered = "DELIVERED"
	ReceiptRead      = "READ"
)

// Message represents the messages table
type Message struct {
	ID                 uuid.UUID
	ConversationID     uuid.UUID
	SenderID           uuid.UUID
	Type               string
	Content            sql.NullString // cleared on delete-for-everyone
	ReplyToMsgID       uuid.NullUUID
	IsForwarded        bool
	ForwardedFromMsgID uuid.NullUUID
	MediaKey           sql.NullString
	MediaThumbnailKey  sql.NullString
	MentionCount       int

	// Sender snapshot captured at send time. May go stale with profile edits.
	SenderDisplayName sql.NullString
	SenderAvatarURL   sql.NullString

	CreatedAt time.Time
	EditedAt  sql.NullTime
	DeletedAt sql.NullTime
}

// MessageReceipt represents message_receipts, one row per (message, user)
type MessageReceipt struct {
	MessageID   uuid.UUID
	UserID      uuid.UUID
	Status      string
	DeliveredAt sql.NullTime
	ReadAt      sql.NullTime
	UpdatedAt   time.Time
}

// MessageMention represents message_mentions
type MessageMention struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
}

// MessageHide represents message_hides: per-user "delete for me" entries
type MessageHide struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	HiddenAt  time.Time
}

func (Message) TableName() string {
	return "messages"
}

func (MessageReceipt) TableName() string {
	return "message_receipts"
}

func (MessageMention) TableName() string {
	return "message_mentions"
}

func (MessageHide) TableName() string {
	return "message_hides"
}

// ValidType reports whether t is a known message type.
func ValidType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeAudio, TypeVideo, TypeLocation, TypeNotification, TypeSystem:
		return true
	}
	return false
}

// ReceiptRank orders receipt statuses for monotonic upserts.
func ReceiptRank(status string) int {
	switch status {
	case ReceiptRead:
		return 2
	case ReceiptDelivered:
		return 1
	}
	return 0
}

// Preview truncates content for the conversation's last-message summary. The
// limit counts runes, so a multi-byte character is never split.
func Preview(content string, max int) string {
	count := 0
	for i := range content {
		if count == max {
			return content[:i]
		}
		count++
	}
	return content
}
