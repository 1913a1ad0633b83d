package httpdto

import (
	"time"

	"aquachat/internal/domain/conversation"
	"aquachat/internal/services"
)

type ParticipantResponse struct {
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

type ConversationResponse struct {
	ID                 string                `json:"id"`
	Type               string                `json:"type"`
	Name               string                `json:"name,omitempty"`
	Description        string                `json:"description,omitempty"`
	AvatarURL          string                `json:"avatarUrl,omitempty"`
	Participants       []ParticipantResponse `json:"participants"`
	LastMessagePreview string                `json:"lastMessagePreview,omitempty"`
	LastMessageType    string                `json:"lastMessageType,omitempty"`
	LastMessageAt      *time.Time            `json:"lastMessageAt,omitempty"`
	LastActivityAt     time.Time             `json:"lastActivityAt"`
	UnreadCount        int64                 `json:"unreadCount"`
	Muted              bool                  `json:"muted"`
	Pinned             bool                  `json:"pinned"`
	Archived           bool                  `json:"archived"`
	CreatedAt          time.Time             `json:"createdAt"`
}

func FromConversationSummary(s services.ConversationSummary) ConversationResponse {
	resp := ConversationResponse{
		ID:             s.Conversation.ID.String(),
		Type:           s.Conversation.Type,
		Name:           s.Conversation.Name.String,
		Description:    s.Conversation.Description.String,
		AvatarURL:      s.Conversation.AvatarURL.String,
		LastActivityAt: s.Conversation.LastActivityAt,
		UnreadCount:    s.UnreadCount,
		Muted:          s.Muted,
		Pinned:         s.Pinned,
		Archived:       s.Archived,
		CreatedAt:      s.Conversation.CreatedAt,
		Participants:   participantResponses(s.Conversation.Participants),
	}
	if s.Conversation.LastMessagePreview.Valid {
		resp.LastMessagePreview = s.Conversation.LastMessagePreview.String
	}
	if s.Conversation.LastMessageType.Valid {
		resp.LastMessageType = s.Conversation.LastMessageType.String
	}
	if s.Conversation.LastMessageAt.Valid {
		at := s.Conversation.LastMessageAt.Time
		resp.LastMessageAt = &at
	}
	return resp
}

func participantResponses(parts []conversation.Participant) []ParticipantResponse {
	out := make([]ParticipantResponse, 0, len(parts))
	for _, p := range parts {
		out = append(out, ParticipantResponse{
			UserID:   p.UserID.String(),
			Role:     p.Role,
			JoinedAt: p.JoinedAt,
		})
	}
	return out
}
