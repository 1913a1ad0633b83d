package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aquachat/internal/domain/conversation"
	"aquachat/internal/domain/message"
	"aquachat/internal/events"
	"aquachat/internal/repository"
	chaterrors "aquachat/pkg/errors"
	"aquachat/pkg/logger"

	"github.com/google/uuid"
)

// Emitter is the fan-out surface the messaging service drives. Implemented
// by ws.Emitter.
type Emitter interface {
	ToConnection(connID string, event string, payload map[string]interface{}) bool
	ToUser(userID uuid.UUID, event string, payload map[string]interface{}) int
	ToRoom(room string, event string, payload map[string]interface{}, excludeConnID string) int
	Broadcast(event string, payload map[string]interface{}) int
}

// PresenceSource answers "how many live connections does this user have".
// Implemented by ws.Registry.
type PresenceSource interface {
	OnlineCount(userID uuid.UUID) int
}

// MediaResolver presigns download URLs for opaque media references.
type MediaResolver interface {
	DownloadURL(ctx context.Context, key string) (string, error)
}

// MessagingService orchestrates conversation and message flows. It is the
// only component that calls both the store and the emitter, and it always
// completes the durable write before any event leaves the process.
type MessagingService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	directory     UserDirectory
	emitter       Emitter
	online        PresenceSource
	media         MediaResolver
	logger        *logger.Logger
}

func NewMessagingService(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	directory UserDirectory,
	emitter Emitter,
	online PresenceSource,
	media MediaResolver,
	l *logger.Logger,
) *MessagingService {
	return &MessagingService{
		conversations: conversations,
		messages:      messages,
		directory:     directory,
		emitter:       emitter,
		online:        online,
		media:         media,
		logger:        l,
	}
}

type SendMessageInput struct {
	SenderID           uuid.UUID
	TenantID           uuid.UUID
	ConversationID     uuid.UUID
	Content            string
	Type               string
	MediaRef           string
	MediaThumbnailRef  string
	ReplyTo            *uuid.UUID
	Mentions           []uuid.UUID
	TempID             string
	OriginConnectionID string
}

func (s *MessagingService) SendMessage(ctx context.Context, in SendMessageInput) (*message.Message, error) {
	if in.Content == "" && in.MediaRef == "" {
		return nil, chaterrors.ErrInvalidInput
	}
	if in.Type == "" {
		in.Type = message.TypeText
	}
	if !message.ValidType(in.Type) {
		return nil, chaterrors.ErrInvalidInput
	}

	conv, err := s.conversations.GetForUser(ctx, in.ConversationID, in.SenderID, in.TenantID)
	if err != nil {
		return nil, err
	}

	m := s.buildMessage(ctx, in)
	if err := s.messages.Append(ctx, &m, in.Mentions); err != nil {
		return nil, err
	}

	s.fanOutNewMessage(ctx, &conv, &m, in.Mentions, in.TempID, in.OriginConnectionID)
	return &m, nil
}

func (s *MessagingService) buildMessage(ctx context.Context, in SendMessageInput) message.Message {
	m := message.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		MentionCount:   len(in.Mentions),
		CreatedAt:      time.Now(),
	}
	if in.Content != "" {
		m.Content = sql.NullString{String: in.Content, Valid: true}
	}
	if in.MediaRef != "" {
		m.MediaKey = sql.NullString{String: in.MediaRef, Valid: true}
	}
	if in.MediaThumbnailRef != "" {
		m.MediaThumbnailKey = sql.NullString{String: in.MediaThumbnailRef, Valid: true}
	}
	if in.ReplyTo != nil {
		m.ReplyToMsgID = uuid.NullUUID{UUID: *in.ReplyTo, Valid: true}
	}

	// The sender snapshot is a rendering convenience; a failed lookup is not
	// a reason to fail the send.
	if s.directory != nil {
		if u, err := s.directory.GetDisplay(ctx, in.SenderID); err == nil {
			m.SenderDisplayName = sql.NullString{String: u.DisplayName, Valid: true}
			m.SenderAvatarURL = u.AvatarURL
		}
	}
	return m
}

// fanOutNewMessage runs strictly after the durable write: echo to the
// originating device, broadcast to the conversation room, then delivery
// receipts for recipients who are online right now.
func (s *MessagingService) fanOutNewMessage(ctx context.Context, conv *conversation.Conversation, m *message.Message, mentions []uuid.UUID, tempID, originConnID string) {
	payload := s.messagePayload(ctx, m, mentions)
	room := events.ConversationRoom(m.ConversationID)

	if originConnID != "" {
		sent := clonePayload(payload)
		if tempID != "" {
			sent["tempId"] = tempID
		}
		s.emitter.ToConnection(originConnID, events.EventMessageSent, sent)
	}

	s.emitter.ToRoom(room, events.EventMessageNew, payload, originConnID)

	for _, p := range conv.Participants {
		if p.UserID == m.SenderID {
			continue
		}
		if s.online.OnlineCount(p.UserID) == 0 {
			// Offline recipients get no receipt at send time; a durable
			// offline-delivery queue is a hook, not implemented here.
			continue
		}
		if err := s.messages.UpsertReceipt(ctx, m.ID, p.UserID, message.ReceiptDelivered); err != nil {
			if s.logger != nil {
				s.logger.Errorf("delivered receipt upsert failed msg=%s user=%s: %v", m.ID, p.UserID, err)
			}
			continue
		}
		s.emitter.ToUser(m.SenderID, events.EventMessageDelivered, map[string]interface{}{
			"messageId":      m.ID.String(),
			"conversationId": m.ConversationID.String(),
			"userId":         p.UserID.String(),
		})
	}
}

func (s *MessagingService) MarkConversationRead(ctx context.Context, conversationID, readerID, tenantID uuid.UUID) error {
	conv, err := s.conversations.GetForUser(ctx, conversationID, readerID, tenantID)
	if err != nil {
		return err
	}

	changed, err := s.messages.MarkConversationRead(ctx, conversationID, readerID)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	ids := make([]string, 0, len(changed))
	for _, id := range changed {
		ids = append(ids, id.String())
	}
	payload := map[string]interface{}{
		"conversationId": conversationID.String(),
		"userId":         readerID.String(),
		"messageIds":     ids,
		"messageId":      ids[len(ids)-1],
	}
	for _, p := range conv.Participants {
		if p.UserID == readerID {
			continue
		}
		s.emitter.ToUser(p.UserID, events.EventMessageRead, payload)
	}
	return nil
}

func (s *MessagingService) MarkMessageRead(ctx context.Context, messageID, readerID, tenantID uuid.UUID) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	conv, err := s.conversations.GetForUser(ctx, m.ConversationID, readerID, tenantID)
	if err != nil {
		return err
	}
	if m.SenderID == readerID {
		return nil
	}

	if err := s.messages.UpsertReceipt(ctx, messageID, readerID, message.ReceiptRead); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"messageId":      messageID.String(),
		"conversationId": m.ConversationID.String(),
		"userId":         readerID.String(),
	}
	for _, p := range conv.Participants {
		if p.UserID == readerID {
			continue
		}
		s.emitter.ToUser(p.UserID, events.EventMessageRead, payload)
	}
	return nil
}

func (s *MessagingService) MarkDelivered(ctx context.Context, messageID, userID, tenantID uuid.UUID) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.conversations.GetForUser(ctx, m.ConversationID, userID, tenantID); err != nil {
		return err
	}
	if m.SenderID == userID {
		return nil
	}

	if err := s.messages.UpsertReceipt(ctx, messageID, userID, message.ReceiptDelivered); err != nil {
		return err
	}

	s.emitter.ToUser(m.SenderID, events.EventMessageDelivered, map[string]interface{}{
		"messageId":      messageID.String(),
		"conversationId": m.ConversationID.String(),
		"userId":         userID.String(),
	})
	return nil
}

func (s *MessagingService) EditMessage(ctx context.Context, messageID, requesterID, tenantID uuid.UUID, content string) error {
	if content == "" {
		return chaterrors.ErrInvalidInput
	}
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.conversations.GetForUser(ctx, m.ConversationID, requesterID, tenantID); err != nil {
		return err
	}

	edited, err := s.messages.Edit(ctx, messageID, requesterID, content)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"messageId":      messageID.String(),
		"conversationId": m.ConversationID.String(),
		"content":        content,
	}
	if edited.EditedAt.Valid {
		payload["editedAt"] = edited.EditedAt.Time.UTC().Format(time.RFC3339)
	}
	s.emitter.ToRoom(events.ConversationRoom(m.ConversationID), events.EventMessageEdited, payload, "")
	return nil
}

func (s *MessagingService) DeleteMessage(ctx context.Context, messageID, requesterID, tenantID uuid.UUID, forEveryone bool) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.conversations.GetForUser(ctx, m.ConversationID, requesterID, tenantID); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"messageId":      messageID.String(),
		"conversationId": m.ConversationID.String(),
		"forEveryone":    forEveryone,
	}

	if forEveryone {
		if err := s.messages.DeleteForEveryone(ctx, messageID, requesterID); err != nil {
			return err
		}
		s.emitter.ToRoom(events.ConversationRoom(m.ConversationID), events.EventMessageDeleted, payload, "")
		return nil
	}

	if err := s.messages.DeleteForMe(ctx, messageID, requesterID); err != nil {
		return err
	}
	// Delete-for-me stays between the requester's own devices.
	s.emitter.ToUser(requesterID, events.EventMessageDeleted, payload)
	return nil
}

type ForwardMessageInput struct {
	ForwarderID        uuid.UUID
	TenantID           uuid.UUID
	SourceMessageID    uuid.UUID
	TargetConversation uuid.UUID
	TempID             string
	OriginConnectionID string
}

func (s *MessagingService) ForwardMessage(ctx context.Context, in ForwardMessageInput) (*message.Message, error) {
	src, err := s.messages.GetByID(ctx, in.SourceMessageID)
	if err != nil {
		return nil, err
	}
	if src.DeletedAt.Valid {
		return nil, chaterrors.ErrNotFound
	}
	// The forwarder must be able to see the source and belong to the target.
	if _, err := s.conversations.GetForUser(ctx, src.ConversationID, in.ForwarderID, in.TenantID); err != nil {
		return nil, err
	}
	target, err := s.conversations.GetForUser(ctx, in.TargetConversation, in.ForwarderID, in.TenantID)
	if err != nil {
		return nil, err
	}

	// Content is copied at forward time, not linked live.
	m := message.Message{
		ID:                 uuid.New(),
		ConversationID:     in.TargetConversation,
		SenderID:           in.ForwarderID,
		Type:               src.Type,
		Content:            src.Content,
		MediaKey:           src.MediaKey,
		MediaThumbnailKey:  src.MediaThumbnailKey,
		IsForwarded:        true,
		ForwardedFromMsgID: uuid.NullUUID{UUID: src.ID, Valid: true},
		CreatedAt:          time.Now(),
	}
	if s.directory != nil {
		if u, derr := s.directory.GetDisplay(ctx, in.ForwarderID); derr == nil {
			m.SenderDisplayName = sql.NullString{String: u.DisplayName, Valid: true}
			m.SenderAvatarURL = u.AvatarURL
		}
	}

	if err := s.messages.Append(ctx, &m, nil); err != nil {
		return nil, err
	}

	s.fanOutNewMessage(ctx, &target, &m, nil, in.TempID, in.OriginConnectionID)
	return &m, nil
}

// AuthorizeMembership confirms the caller participates in the conversation,
// with the usual collapse of "absent" and "not yours" into ErrNotFound.
func (s *MessagingService) AuthorizeMembership(ctx context.Context, conversationID, userID, tenantID uuid.UUID) error {
	_, err := s.conversations.GetForUser(ctx, conversationID, userID, tenantID)
	return err
}

type CreateConversationInput struct {
	CreatorID    uuid.UUID
	TenantID     uuid.UUID
	Type         string
	Participants []uuid.UUID
	Name         string
	Description  string
	AvatarRef    string
}

func (s *MessagingService) CreateConversation(ctx context.Context, in CreateConversationInput) (*conversation.Conversation, bool, error) {
	switch in.Type {
	case conversation.TypeDirect, conversation.TypeGroup, conversation.TypeBroadcast:
	default:
		return nil, false, chaterrors.ErrInvalidInput
	}

	members := dedupeWith(in.Participants, in.CreatorID)
	if in.Type == conversation.TypeDirect && len(members) != 2 {
		return nil, false, chaterrors.ErrInvalidInput
	}
	if len(members) < 2 {
		return nil, false, chaterrors.ErrInvalidInput
	}

	now := time.Now()
	conv := conversation.Conversation{
		ID:             uuid.New(),
		TenantID:       in.TenantID,
		Type:           in.Type,
		CreatedBy:      uuid.NullUUID{UUID: in.CreatorID, Valid: true},
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if in.Name != "" {
		conv.Name = sql.NullString{String: in.Name, Valid: true}
	}
	if in.Description != "" {
		conv.Description = sql.NullString{String: in.Description, Valid: true}
	}
	if in.AvatarRef != "" {
		conv.AvatarURL = sql.NullString{String: in.AvatarRef, Valid: true}
	}
	for _, userID := range members {
		role := conversation.RoleMember
		if userID == in.CreatorID && in.Type != conversation.TypeDirect {
			role = conversation.RoleAdmin
		}
		conv.Participants = append(conv.Participants, conversation.Participant{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           role,
			JoinedAt:       now,
			AddedBy:        uuid.NullUUID{UUID: in.CreatorID, Valid: true},
		})
	}

	created, err := s.conversations.Create(ctx, &conv)
	if err != nil {
		return nil, false, err
	}

	payload := s.conversationPayload(&conv)
	if created {
		for _, p := range conv.Participants {
			s.emitter.ToUser(p.UserID, events.EventConversationCreated, payload)
		}
	} else {
		// Dedup hit on an existing direct pair: the requester still needs the
		// winning conversation id; nobody else hears a duplicate announcement.
		s.emitter.ToUser(in.CreatorID, events.EventConversationCreated, payload)
	}
	return &conv, created, nil
}

// ConversationSummary is one row of the conversation list: the conversation,
// the caller's overlay flags and the authoritative unread count.
type ConversationSummary struct {
	Conversation conversation.Conversation
	UnreadCount  int64
	Muted        bool
	Pinned       bool
	Archived     bool
}

func (s *MessagingService) ListConversations(ctx context.Context, userID, tenantID uuid.UUID, includeArchived bool) ([]ConversationSummary, error) {
	convs, err := s.conversations.ListForUser(ctx, userID, tenantID, includeArchived)
	if err != nil {
		return nil, err
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := ConversationSummary{Conversation: conv}
		for _, p := range conv.Participants {
			if p.UserID == userID {
				summary.Muted = p.Muted
				summary.Pinned = p.PinnedAt.Valid
				summary.Archived = p.Archived
				break
			}
		}
		count, err := s.messages.UnreadCount(ctx, conv.ID, userID)
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = count
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *MessagingService) ListMessages(ctx context.Context, conversationID, callerID, tenantID uuid.UUID, before time.Time, limit int) ([]message.Message, error) {
	if _, err := s.conversations.GetForUser(ctx, conversationID, callerID, tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.messages.List(ctx, conversationID, callerID, before, limit)
}

func (s *MessagingService) MuteConversation(ctx context.Context, conversationID, userID, tenantID uuid.UUID, on bool) error {
	return s.setOverlay(ctx, conversationID, userID, tenantID, "muted", on, s.conversations.SetMuted)
}

func (s *MessagingService) PinConversation(ctx context.Context, conversationID, userID, tenantID uuid.UUID, on bool) error {
	return s.setOverlay(ctx, conversationID, userID, tenantID, "pinned", on, s.conversations.SetPinned)
}

func (s *MessagingService) ArchiveConversation(ctx context.Context, conversationID, userID, tenantID uuid.UUID, on bool) error {
	return s.setOverlay(ctx, conversationID, userID, tenantID, "archived", on, s.conversations.SetArchived)
}

func (s *MessagingService) setOverlay(ctx context.Context, conversationID, userID, tenantID uuid.UUID, flag string, on bool, apply func(context.Context, uuid.UUID, uuid.UUID, bool) error) error {
	if _, err := s.conversations.GetForUser(ctx, conversationID, userID, tenantID); err != nil {
		return err
	}
	if err := apply(ctx, conversationID, userID, on); err != nil {
		return err
	}
	// Overlay flags are per-user; only the requester's devices hear about it.
	s.emitter.ToUser(userID, events.EventConversationUpdated, map[string]interface{}{
		"conversationId": conversationID.String(),
		flag:             on,
	})
	return nil
}

// ContactIDs exposes the contact graph for presence fan-out.
func (s *MessagingService) ContactIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	return s.conversations.ContactIDs(ctx, userID, tenantID)
}

// ConversationIDs lists the conversations the user participates in, used to
// auto-join rooms at connect time.
func (s *MessagingService) ConversationIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	return s.conversations.IDsForUser(ctx, userID, tenantID)
}

func (s *MessagingService) messagePayload(ctx context.Context, m *message.Message, mentions []uuid.UUID) map[string]interface{} {
	payload := map[string]interface{}{
		"messageId":      m.ID.String(),
		"conversationId": m.ConversationID.String(),
		"senderId":       m.SenderID.String(),
		"type":           m.Type,
		"createdAt":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Content.Valid {
		payload["content"] = m.Content.String
	}
	if m.ReplyToMsgID.Valid {
		payload["replyTo"] = m.ReplyToMsgID.UUID.String()
	}
	if m.IsForwarded && m.ForwardedFromMsgID.Valid {
		payload["forwardedFrom"] = m.ForwardedFromMsgID.UUID.String()
	}
	if len(mentions) > 0 {
		ids := make([]string, 0, len(mentions))
		for _, id := range mentions {
			ids = append(ids, id.String())
		}
		payload["mentions"] = ids
	}

	sender := map[string]interface{}{"userId": m.SenderID.String()}
	if m.SenderDisplayName.Valid {
		sender["displayName"] = m.SenderDisplayName.String
	}
	if m.SenderAvatarURL.Valid {
		sender["avatarUrl"] = m.SenderAvatarURL.String
	}
	payload["sender"] = sender

	if m.MediaKey.Valid {
		payload["mediaRef"] = m.MediaKey.String
		if s.media != nil {
			if url, err := s.media.DownloadURL(ctx, m.MediaKey.String); err == nil {
				payload["mediaUrl"] = url
			} else if s.logger != nil {
				s.logger.Warnf("presign failed for %s: %v", m.MediaKey.String, err)
			}
		}
	}
	if m.MediaThumbnailKey.Valid {
		payload["mediaThumbnailRef"] = m.MediaThumbnailKey.String
		if s.media != nil {
			if url, err := s.media.DownloadURL(ctx, m.MediaThumbnailKey.String); err == nil {
				payload["mediaThumbnailUrl"] = url
			}
		}
	}
	return payload
}

func (s *MessagingService) conversationPayload(conv *conversation.Conversation) map[string]interface{} {
	participants := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		participants = append(participants, p.UserID.String())
	}
	payload := map[string]interface{}{
		"conversationId": conv.ID.String(),
		"type":           conv.Type,
		"participants":   participants,
		"createdAt":      conv.CreatedAt.UTC().Format(time.RFC3339),
	}
	if conv.Name.Valid {
		payload["name"] = conv.Name.String
	}
	if conv.CreatedBy.Valid {
		payload["createdBy"] = conv.CreatedBy.UUID.String()
	}
	return payload
}

func clonePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func dedupeWith(ids []uuid.UUID, include uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{include: {}}
	out := []uuid.UUID{include}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IsNotFound reports whether err should surface as "not found or access
// denied" to the protocol layer.
func IsNotFound(err error) bool {
	return errors.Is(err, chaterrors.ErrNotFound)
}
