package httpdto

import (
	"time"

	"aquachat/internal/domain/message"
)

type MessageResponse struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversationId"`
	SenderID          string     `json:"senderId"`
	SenderDisplayName string     `json:"senderDisplayName,omitempty"`
	SenderAvatarURL   string     `json:"senderAvatarUrl,omitempty"`
	Type              string     `json:"type"`
	Content           string     `json:"content,omitempty"`
	ReplyTo           string     `json:"replyTo,omitempty"`
	IsForwarded       bool       `json:"isForwarded,omitempty"`
	MediaRef          string     `json:"mediaRef,omitempty"`
	MediaThumbnailRef string     `json:"mediaThumbnailRef,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	EditedAt          *time.Time `json:"editedAt,omitempty"`
	DeletedAt         *time.Time `json:"deletedAt,omitempty"`
}

func FromMessage(m message.Message) MessageResponse {
	resp := MessageResponse{
		ID:                m.ID.String(),
		ConversationID:    m.ConversationID.String(),
		SenderID:          m.SenderID.String(),
		SenderDisplayName: m.SenderDisplayName.String,
		SenderAvatarURL:   m.SenderAvatarURL.String,
		Type:              m.Type,
		Content:           m.Content.String,
		IsForwarded:       m.IsForwarded,
		MediaRef:          m.MediaKey.String,
		MediaThumbnailRef: m.MediaThumbnailKey.String,
		CreatedAt:         m.CreatedAt,
	}
	if m.ReplyToMsgID.Valid {
		resp.ReplyTo = m.ReplyToMsgID.UUID.String()
	}
	if m.EditedAt.Valid {
		at := m.EditedAt.Time
		resp.EditedAt = &at
	}
	if m.DeletedAt.Valid {
		at := m.DeletedAt.Time
		resp.DeletedAt = &at
	}
	return resp
}

func FromMessages(msgs []message.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}
