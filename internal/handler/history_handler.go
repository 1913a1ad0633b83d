// Package handler provides HTTP handlers for API endpoints.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"aquachat/internal/domain/message"
	"aquachat/internal/middleware"
	"aquachat/internal/services"
	"aquachat/internal/transport/httpdto"
	chaterrors "aquachat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HistoryService is the read-side slice of the messaging service used by the
// REST endpoints. Writes go over the socket.
type HistoryService interface {
	ListConversations(ctx context.Context, userID, tenantID uuid.UUID, includeArchived bool) ([]services.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID, callerID, tenantID uuid.UUID, before time.Time, limit int) ([]message.Message, error)
}

// HistoryHandler serves conversation and message history over HTTP.
type HistoryHandler struct {
	service HistoryService
}

func NewHistoryHandler(service HistoryService) *HistoryHandler {
	return &HistoryHandler{service: service}
}

// ListConversations returns the caller's conversation list, pinned first,
// then by last activity. Archived rows are included with ?archived=true.
func (h *HistoryHandler) ListConversations(c *gin.Context) {
	userID, tenantID, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	includeArchived := c.Query("archived") == "true"
	summaries, err := h.service.ListConversations(c.Request.Context(), userID, tenantID, includeArchived)
	if err != nil {
		writeHistoryError(c, err)
		return
	}

	out := make([]httpdto.ConversationResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, httpdto.FromConversationSummary(s))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

// ListMessages pages a conversation's history, oldest first within the page.
// ?before=<RFC3339> moves the window back; ?limit caps the page size.
func (h *HistoryHandler) ListMessages(c *gin.Context) {
	userID, tenantID, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid conversation id", "INVALID_REQUEST"))
		return
	}

	before := time.Time{}
	if raw := c.Query("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid before timestamp", "INVALID_REQUEST"))
			return
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.service.ListMessages(c.Request.Context(), conversationID, userID, tenantID, before, limit)
	if err != nil {
		writeHistoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromMessages(msgs)))
}

func callerIdentity(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	rawUser, okUser := c.Get(middleware.CtxUserID)
	rawTenant, okTenant := c.Get(middleware.CtxTenantID)
	if !okUser || !okTenant {
		return uuid.Nil, uuid.Nil, false
	}
	userID, okUser := rawUser.(uuid.UUID)
	tenantID, okTenant := rawTenant.(uuid.UUID)
	return userID, tenantID, okUser && okTenant
}

func writeHistoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chaterrors.ErrNotFound):
		c.JSON(http.StatusNotFound, httpdto.NewErrorResponse("not found", "NOT_FOUND"))
	case errors.Is(err, chaterrors.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
	default:
		c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse("internal error", "INTERNAL_ERROR"))
	}
}
