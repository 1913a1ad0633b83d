package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aquachat/internal/domain/conversation"
	"aquachat/internal/domain/message"
	"aquachat/internal/domain/presence"
	"aquachat/internal/events"
	aquaredis "aquachat/internal/redis"
	"aquachat/internal/services"
	"aquachat/internal/storage"
	chaterrors "aquachat/pkg/errors"
	"aquachat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ChatService is the slice of the messaging service the protocol handler
// drives. Implemented by *services.MessagingService.
type ChatService interface {
	SendMessage(ctx context.Context, in services.SendMessageInput) (*message.Message, error)
	ForwardMessage(ctx context.Context, in services.ForwardMessageInput) (*message.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID, tenantID uuid.UUID) error
	MarkMessageRead(ctx context.Context, messageID, readerID, tenantID uuid.UUID) error
	MarkDelivered(ctx context.Context, messageID, userID, tenantID uuid.UUID) error
	EditMessage(ctx context.Context, messageID, requesterID, tenantID uuid.UUID, content string) error
	DeleteMessage(ctx context.Context, messageID, requesterID, tenantID uuid.UUID, forEveryone bool) error
	CreateConversation(ctx context.Context, in services.CreateConversationInput) (*conversation.Conversation, bool, error)
	AuthorizeMembership(ctx context.Context, conversationID, userID, tenantID uuid.UUID) error
	MuteConversation(ctx context.Context, conversationID, userID, tenantID uuid.UUID, on bool) error
	PinConversation(ctx context.Context, conversationID, userID, tenantID uuid.UUID, on bool) error
	ArchiveConversation(ctx context.Context, conversationID, userID, tenantID uuid.UUID, on bool) error
	ContactIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error)
	ConversationIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error)
}

// MediaSigner presigns upload URLs for the media:presign hook.
type MediaSigner interface {
	UploadURL(ctx context.Context, key, contentType string) (string, error)
}

var _ MediaSigner = (*storage.MediaStore)(nil)

type Handler struct {
	identity services.IdentityAdapter
	chat     ChatService
	registry *Registry
	emitter  *Emitter
	presence *aquaredis.PresenceStore
	media    MediaSigner
	logger   *logger.Logger
}

func NewHandler(
	identity services.IdentityAdapter,
	chat ChatService,
	registry *Registry,
	emitter *Emitter,
	presenceStore *aquaredis.PresenceStore,
	media MediaSigner,
	l *logger.Logger,
) *Handler {
	h := &Handler{
		identity: identity,
		chat:     chat,
		registry: registry,
		emitter:  emitter,
		presence: presenceStore,
		media:    media,
		logger:   l,
	}
	registry.OnReap(h.reapDisconnect)
	return h
}

// Connect upgrades the HTTP request and runs the connection's read loop. An
// invalid credential produces one error event and a close; the connection
// never reaches the authenticated state.
func (h *Handler) Connect(c *gin.Context) {
	token := c.Query("token")
	ident, authErr := h.identity.Verify(token)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	if authErr != nil {
		frame, _ := json.Marshal(map[string]interface{}{
			metaEvent: events.EventError,
			"code":    events.CodeUnauthorized,
			"message": "invalid or missing credential",
		})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.Close()
		return
	}

	device := DeviceMeta{
		DeviceID:  c.Query("deviceId"),
		Platform:  c.Query("platform"),
		UserAgent: c.Request.UserAgent(),
	}
	client := NewClient(conn, ident.UserID, ident.TenantID, device, h.logger)

	h.connect(c.Request.Context(), client)
	go client.WritePump()
	client.ReadPump(
		func(raw []byte) { h.dispatch(client, raw) },
		func() { h.disconnect(client) },
	)
}

// connect registers the client and joins its personal room, tenant room and
// one room per conversation it participates in.
func (h *Handler) connect(ctx context.Context, client *Client) {
	first := h.registry.Register(client)

	h.registry.Join(client.ID, events.UserRoom(client.UserID))
	h.registry.Join(client.ID, events.TenantRoom(client.TenantID))

	ids, err := h.chat.ConversationIDs(ctx, client.UserID, client.TenantID)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("conversation room join failed user=%s: %v", client.UserID, err)
		}
	} else {
		for _, id := range ids {
			h.registry.Join(client.ID, events.ConversationRoom(id))
		}
	}

	if h.logger != nil {
		h.logger.Infof("client connected user=%s conn=%s", client.UserID, client.ID)
	}
	if first {
		h.broadcastPresence(ctx, client, presence.StatusOnline, time.Time{})
	}
}

func (h *Handler) disconnect(client *Client) {
	ctx := context.Background()
	typingIn := h.registry.Snapshot(client.UserID).TypingIn
	_, last := h.registry.Unregister(client.ID)

	if h.logger != nil {
		h.logger.Infof("client disconnected user=%s conn=%s", client.UserID, client.ID)
	}
	if last {
		h.goOffline(ctx, client, typingIn)
	}
}

// reapDisconnect runs when the emitter removed a connection after a failed
// delivery. The read pump's later disconnect sees an unknown connection id and
// no-ops, so the offline transition happens exactly once.
func (h *Handler) reapDisconnect(client *Client, last bool, typingIn *uuid.UUID) {
	if last {
		h.goOffline(context.Background(), client, typingIn)
	}
}

func (h *Handler) goOffline(ctx context.Context, client *Client, typingIn *uuid.UUID) {
	lastSeen := time.Now()
	if h.presence != nil {
		if err := h.presence.StampLastSeen(ctx, client.UserID, lastSeen); err != nil && h.logger != nil {
			h.logger.Warnf("last_seen stamp failed user=%s: %v", client.UserID, err)
		}
		if typingIn != nil {
			_ = h.presence.ClearTyping(ctx, *typingIn, client.UserID)
		}
	}
	h.broadcastPresence(ctx, client, presence.StatusOffline, lastSeen)
}

// broadcastPresence notifies the user's contacts, never the whole process.
func (h *Handler) broadcastPresence(ctx context.Context, client *Client, status string, lastSeen time.Time) {
	contacts, err := h.chat.ContactIDs(ctx, client.UserID, client.TenantID)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("contact lookup failed user=%s: %v", client.UserID, err)
		}
		return
	}

	payload := map[string]interface{}{
		"userId": client.UserID.String(),
		"status": status,
	}
	if !lastSeen.IsZero() {
		payload["lastSeen"] = lastSeen.UTC().Format(time.RFC3339)
	}
	for _, contact := range contacts {
		h.emitter.ToUser(contact, events.EventPresenceUpdate, payload)
	}
}

// inboundFrame is the wire envelope for client events.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sendPayload struct {
	ConversationID    string   `json:"conversationId"`
	Content           string   `json:"content"`
	Type              string   `json:"type"`
	MediaRef          string   `json:"mediaRef"`
	MediaThumbnailRef string   `json:"mediaThumbnailRef"`
	ReplyTo           string   `json:"replyTo"`
	Mentions          []string `json:"mentions"`
	TempID            string   `json:"tempId"`
}

type readPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type deliveredPayload struct {
	MessageID string `json:"messageId"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       *bool  `json:"isTyping"`
}

type editPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type deletePayload struct {
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
}

type forwardPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
}

type createConversationPayload struct {
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AvatarRef    string   `json:"avatarRef"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type overlayPayload struct {
	ConversationID string `json:"conversationId"`
	On             *bool  `json:"on"`
}

type presignPayload struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// dispatch routes one inbound frame. Every failure becomes exactly one error
// event back to the originating connection; nothing escapes to the transport.
func (h *Handler) dispatch(client *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			if h.logger != nil {
				h.logger.Errorf("panic handling frame user=%s conn=%s: %v", client.UserID, client.ID, r)
			}
			h.sendError(client, events.CodeServiceUnavailable, "internal error", "")
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		h.sendError(client, events.CodeInvalidData, "malformed event", "")
		return
	}

	ctx := context.Background()
	switch frame.Event {
	case events.InboundSend:
		h.handleSend(ctx, client, frame.Data)
	case events.InboundRead:
		h.handleRead(ctx, client, frame.Data)
	case events.InboundDelivered:
		h.handleDelivered(ctx, client, frame.Data)
	case events.InboundTyping:
		h.handleTyping(ctx, client, frame.Data)
	case events.InboundEdit:
		h.handleEdit(ctx, client, frame.Data)
	case events.InboundDelete:
		h.handleDelete(ctx, client, frame.Data)
	case events.InboundForward:
		h.handleForward(ctx, client, frame.Data)
	case events.InboundConversationCreate:
		h.handleConversationCreate(ctx, client, frame.Data)
	case events.InboundConversationJoin:
		h.handleRoom(ctx, client, frame.Data, true)
	case events.InboundConversationLeave:
		h.handleRoom(ctx, client, frame.Data, false)
	case events.InboundConversationMute:
		h.handleOverlay(ctx, client, frame.Data, "muted", h.chat.MuteConversation)
	case events.InboundConversationPin:
		h.handleOverlay(ctx, client, frame.Data, "pinned", h.chat.PinConversation)
	case events.InboundConversationArchive:
		h.handleOverlay(ctx, client, frame.Data, "archived", h.chat.ArchiveConversation)
	case events.InboundMediaPresign:
		h.handlePresign(ctx, client, frame.Data)
	case events.InboundPing:
		h.emitter.ToConnection(client.ID, events.EventPong, map[string]interface{}{})
	default:
		h.sendError(client, events.CodeInvalidData, "unknown event: "+frame.Event, "")
	}
}

func (h *Handler) handleSend(ctx context.Context, client *Client, data json.RawMessage) {
	var p sendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed send payload", "")
		return
	}
	convID, ok := parseID(p.ConversationID)
	if !ok || (p.Content == "" && p.MediaRef == "") {
		h.sendError(client, events.CodeInvalidData, "conversationId and content or mediaRef are required", p.TempID)
		return
	}

	in := services.SendMessageInput{
		SenderID:           client.UserID,
		TenantID:           client.TenantID,
		ConversationID:     convID,
		Content:            p.Content,
		Type:               p.Type,
		MediaRef:           p.MediaRef,
		MediaThumbnailRef:  p.MediaThumbnailRef,
		TempID:             p.TempID,
		OriginConnectionID: client.ID,
	}
	if replyTo, ok := parseID(p.ReplyTo); ok {
		in.ReplyTo = &replyTo
	}
	for _, raw := range p.Mentions {
		if id, ok := parseID(raw); ok {
			in.Mentions = append(in.Mentions, id)
		}
	}

	if _, err := h.chat.SendMessage(ctx, in); err != nil {
		h.serviceError(client, err, events.CodeSendFailed, p.TempID)
	}
}

func (h *Handler) handleRead(ctx context.Context, client *Client, data json.RawMessage) {
	var p readPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed read payload", "")
		return
	}

	if msgID, ok := parseID(p.MessageID); ok {
		if err := h.chat.MarkMessageRead(ctx, msgID, client.UserID, client.TenantID); err != nil {
			h.serviceError(client, err, events.CodeServiceUnavailable, "")
		}
		return
	}
	if convID, ok := parseID(p.ConversationID); ok {
		if err := h.chat.MarkConversationRead(ctx, convID, client.UserID, client.TenantID); err != nil {
			h.serviceError(client, err, events.CodeServiceUnavailable, "")
		}
		return
	}
	h.sendError(client, events.CodeInvalidData, "conversationId or messageId is required", "")
}

func (h *Handler) handleDelivered(ctx context.Context, client *Client, data json.RawMessage) {
	var p deliveredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed delivered payload", "")
		return
	}
	msgID, ok := parseID(p.MessageID)
	if !ok {
		h.sendError(client, events.CodeInvalidData, "messageId is required", "")
		return
	}
	if err := h.chat.MarkDelivered(ctx, msgID, client.UserID, client.TenantID); err != nil {
		h.serviceError(client, err, events.CodeServiceUnavailable, "")
	}
}

func (h *Handler) handleTyping(ctx context.Context, client *Client, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed typing payload", "")
		return
	}
	convID, ok := parseID(p.ConversationID)
	if !ok || p.IsTyping == nil {
		h.sendError(client, events.CodeInvalidData, "conversationId and isTyping are required", "")
		return
	}

	if err := h.chat.AuthorizeMembership(ctx, convID, client.UserID, client.TenantID); err != nil {
		h.serviceError(client, err, events.CodeServiceUnavailable, "")
		return
	}

	isTyping := *p.IsTyping
	h.registry.SetTyping(client.UserID, convID, isTyping)
	if h.presence != nil {
		if err := h.presence.TrackTyping(ctx, convID, client.UserID, isTyping); err != nil && h.logger != nil {
			h.logger.Warnf("typing track failed user=%s: %v", client.UserID, err)
		}
	}

	event := events.EventTypingStart
	if !isTyping {
		event = events.EventTypingStop
	}
	h.emitter.ToRoom(events.ConversationRoom(convID), event, map[string]interface{}{
		"conversationId": convID.String(),
		"userId":         client.UserID.String(),
		"isTyping":       isTyping,
	}, client.ID)
}

func (h *Handler) handleEdit(ctx context.Context, client *Client, data json.RawMessage) {
	var p editPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed edit payload", "")
		return
	}
	msgID, ok := parseID(p.MessageID)
	if !ok || p.Content == "" {
		h.sendError(client, events.CodeInvalidData, "messageId and content are required", "")
		return
	}
	if err := h.chat.EditMessage(ctx, msgID, client.UserID, client.TenantID, p.Content); err != nil {
		h.serviceError(client, err, events.CodeEditFailed, "")
	}
}

func (h *Handler) handleDelete(ctx context.Context, client *Client, data json.RawMessage) {
	var p deletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed delete payload", "")
		return
	}
	msgID, ok := parseID(p.MessageID)
	if !ok {
		h.sendError(client, events.CodeInvalidData, "messageId is required", "")
		return
	}
	if err := h.chat.DeleteMessage(ctx, msgID, client.UserID, client.TenantID, p.ForEveryone); err != nil {
		h.serviceError(client, err, events.CodeDeleteFailed, "")
	}
}

func (h *Handler) handleForward(ctx context.Context, client *Client, data json.RawMessage) {
	var p forwardPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed forward payload", "")
		return
	}
	msgID, okMsg := parseID(p.MessageID)
	convID, okConv := parseID(p.ConversationID)
	if !okMsg || !okConv {
		h.sendError(client, events.CodeInvalidData, "messageId and conversationId are required", p.TempID)
		return
	}

	_, err := h.chat.ForwardMessage(ctx, services.ForwardMessageInput{
		ForwarderID:        client.UserID,
		TenantID:           client.TenantID,
		SourceMessageID:    msgID,
		TargetConversation: convID,
		TempID:             p.TempID,
		OriginConnectionID: client.ID,
	})
	if err != nil {
		h.serviceError(client, err, events.CodeSendFailed, p.TempID)
	}
}

func (h *Handler) handleConversationCreate(ctx context.Context, client *Client, data json.RawMessage) {
	var p createConversationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed conversation payload", "")
		return
	}
	if p.Type == "" || len(p.Participants) == 0 {
		h.sendError(client, events.CodeInvalidData, "type and participants are required", "")
		return
	}

	in := services.CreateConversationInput{
		CreatorID:   client.UserID,
		TenantID:    client.TenantID,
		Type:        p.Type,
		Name:        p.Name,
		Description: p.Description,
		AvatarRef:   p.AvatarRef,
	}
	for _, raw := range p.Participants {
		id, ok := parseID(raw)
		if !ok {
			h.sendError(client, events.CodeInvalidData, "invalid participant id: "+raw, "")
			return
		}
		in.Participants = append(in.Participants, id)
	}

	conv, _, err := h.chat.CreateConversation(ctx, in)
	if err != nil {
		h.serviceError(client, err, events.CodeCreateFailed, "")
		return
	}

	// Every participant who is connected right now joins the new room,
	// the creator's own devices included.
	room := events.ConversationRoom(conv.ID)
	for _, p := range conv.Participants {
		for _, conn := range h.registry.ConnectionsFor(p.UserID) {
			h.registry.Join(conn.ID, room)
		}
	}
}

func (h *Handler) handleRoom(ctx context.Context, client *Client, data json.RawMessage, join bool) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed payload", "")
		return
	}
	convID, ok := parseID(p.ConversationID)
	if !ok {
		h.sendError(client, events.CodeInvalidData, "conversationId is required", "")
		return
	}

	room := events.ConversationRoom(convID)
	if !join {
		h.registry.Leave(client.ID, room)
		return
	}

	// Membership check keeps non-participants out of the fan-out group.
	if err := h.chat.AuthorizeMembership(ctx, convID, client.UserID, client.TenantID); err != nil {
		h.serviceError(client, err, events.CodeServiceUnavailable, "")
		return
	}
	h.registry.Join(client.ID, room)
}

func (h *Handler) handleOverlay(ctx context.Context, client *Client, data json.RawMessage, flag string, apply func(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, bool) error) {
	var p overlayPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed payload", "")
		return
	}
	convID, ok := parseID(p.ConversationID)
	if !ok || p.On == nil {
		h.sendError(client, events.CodeInvalidData, "conversationId and on are required", "")
		return
	}
	if err := apply(ctx, convID, client.UserID, client.TenantID, *p.On); err != nil {
		h.serviceError(client, err, events.CodeServiceUnavailable, "")
		return
	}
	if h.logger != nil {
		h.logger.Infof("conversation %s %s=%t user=%s", convID, flag, *p.On, client.UserID)
	}
}

func (h *Handler) handlePresign(ctx context.Context, client *Client, data json.RawMessage) {
	if h.media == nil {
		h.sendError(client, events.CodeServiceUnavailable, "media storage not configured", "")
		return
	}
	var p presignPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(client, events.CodeInvalidData, "malformed presign payload", "")
		return
	}
	if p.Key == "" {
		h.sendError(client, events.CodeInvalidData, "key is required", "")
		return
	}

	url, err := h.media.UploadURL(ctx, p.Key, p.ContentType)
	if err != nil {
		h.sendError(client, events.CodeServiceUnavailable, "presign failed", "")
		return
	}
	h.emitter.ToConnection(client.ID, events.EventMediaPresigned, map[string]interface{}{
		"key":       p.Key,
		"uploadUrl": url,
	})
}

// serviceError converts a service failure into the single wire error code the
// client sees. Store details never cross the transport.
func (h *Handler) serviceError(client *Client, err error, fallback, tempID string) {
	code := fallback
	msg := "operation failed"
	switch {
	case errors.Is(err, chaterrors.ErrNotFound):
		code = events.CodeNotFound
		msg = "conversation or message not found"
	case errors.Is(err, chaterrors.ErrInvalidInput):
		code = events.CodeInvalidData
		msg = "invalid data"
	case errors.Is(err, chaterrors.ErrUnauthorized):
		code = events.CodeUnauthorized
		msg = "unauthorized"
	case errors.Is(err, chaterrors.ErrServiceUnavailable):
		code = events.CodeServiceUnavailable
		msg = "service unavailable"
	}
	if h.logger != nil {
		h.logger.Warnf("request rejected user=%s conn=%s code=%s: %v", client.UserID, client.ID, code, err)
	}
	h.sendError(client, code, msg, tempID)
}

func (h *Handler) sendError(client *Client, code, msg, tempID string) {
	payload := map[string]interface{}{
		"code":    code,
		"message": msg,
	}
	if tempID != "" {
		payload["tempId"] = tempID
	}
	h.emitter.ToConnection(client.ID, events.EventError, payload)
}

func parseID(raw string) (uuid.UUID, bool) {
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
