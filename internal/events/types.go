package events

import "github.com/google/uuid"

// Inbound protocol events (client -> server)
const (
	InboundSend                = "send"
	InboundRead                = "read"
	InboundDelivered           = "delivered"
	InboundTyping              = "typing"
	InboundEdit                = "edit"
	InboundDelete              = "delete"
	InboundForward             = "forward"
	InboundConversationCreate  = "conversation:create"
	InboundConversationJoin    = "conversation:join"
	InboundConversationLeave   = "conversation:leave"
	InboundConversationMute    = "conversation:mute"
	InboundConversationPin     = "conversation:pin"
	InboundConversationArchive = "conversation:archive"
	InboundMediaPresign        = "media:presign"
	InboundPing                = "ping"
)

// Outbound protocol events (server -> client)
const (
	EventMessageSent         = "message:sent"
	EventMessageNew          = "message:new"
	EventMessageDelivered    = "message:delivered"
	EventMessageRead         = "message:read"
	EventMessageEdited       = "message:edited"
	EventMessageDeleted      = "message:deleted"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventPresenceUpdate      = "presence:update"
	EventConversationCreated = "conversation:created"
	EventConversationUpdated = "conversation:updated"
	EventMediaPresigned      = "media:presigned"
	EventError               = "error"
	EventPong                = "pong"
)

// Error codes carried by the "error" event
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidData        = "INVALID_DATA"
	CodeNotFound           = "NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeSendFailed         = "SEND_FAILED"
	CodeEditFailed         = "EDIT_FAILED"
	CodeDeleteFailed       = "DELETE_FAILED"
	CodeCreateFailed       = "CREATE_FAILED"
)

// Room name prefixes. One room per user, one per tenant, one per conversation.
const (
	RoomPrefixUser         = "user:"
	RoomPrefixTenant       = "tenant:"
	RoomPrefixConversation = "conv:"
)

func UserRoom(userID uuid.UUID) string {
	return RoomPrefixUser + userID.String()
}

func TenantRoom(tenantID uuid.UUID) string {
	return RoomPrefixTenant + tenantID.String()
}

func ConversationRoom(conversationID uuid.UUID) string {
	return RoomPrefixConversation + conversationID.String()
}
