package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// ChatHandler serves chat sessions, messages, and the SSE message stream.
type ChatHandler struct {
	store    *chat.Store
	pipeline *chat.Pipeline
	streams  *chat.StreamManager
}

// NewChatHandler creates a chat handler.
func NewChatHandler(store *chat.Store, pipeline *chat.Pipeline, streams *chat.StreamManager) *ChatHandler {
	return &ChatHandler{store: store, pipeline: pipeline, streams: streams}
}

type createSessionRequest struct {
	Mode     string         `json:"mode" binding:"required"`
	Kind     string         `json:"kind"` // session (default) or agent
	Metadata domain.JSONMap `json:"metadata"`
}

// CreateSession handles POST /api/v1/chat/sessions.
func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefix := domain.PrefixSession
	if req.Kind == "agent" {
		prefix = domain.PrefixAgent
	}
	session, err := h.store.CreateSession(c.Request.Context(), prefix, req.Mode, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListSessions handles GET /api/v1/chat/sessions.
func (h *ChatHandler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := domain.PersistStatus(c.DefaultQuery("status", string(domain.SessionActive)))

	sessions, err := h.store.ListSessions(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /api/v1/chat/sessions/:id.
func (h *ChatHandler) GetSession(c *gin.Context) {
	session, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /api/v1/chat/sessions/:id (soft).
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.store.SoftDeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RestoreSession handles POST /api/v1/chat/sessions/:id/restore.
func (h *ChatHandler) RestoreSession(c *gin.Context) {
	if err := h.store.RestoreSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PurgeSession handles DELETE /api/v1/chat/sessions/:id/purge: permanent
// removal plus retrieval ref release.
func (h *ChatHandler) PurgeSession(c *gin.Context) {
	if err := h.store.PurgeSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages handles GET /api/v1/chat/sessions/:id/messages, each message
// carrying its ordered blocks.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.store.ListMessages(ctx, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	type messageWithBlocks struct {
		domain.ChatMessage
		Blocks []domain.MessageBlock `json:"blocks"`
	}
	out := make([]messageWithBlocks, 0, len(messages))
	for i := range messages {
		blocks, err := h.store.ListBlocks(ctx, messages[i].ID)
		if err != nil {
			respondError(c, err)
			return
		}
		out = append(out, messageWithBlocks{ChatMessage: messages[i], Blocks: blocks})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage handles POST /api/v1/chat/sessions/:id/messages. The response
// is an SSE stream of pipeline events; the final event is done or cancelled.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := c.Param("id")

	emitter := chat.NewChannelEmitter(sessionID, 256)
	ctx := c.Request.Context()

	// Tracked so graceful shutdown can drain in-flight exchanges.
	errCh := make(chan error, 1)
	h.streams.Track(func() {
		defer emitter.Close()
		_, err := h.pipeline.SendMessage(ctx, sessionID, req.Content, emitter)
		errCh <- err
	})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	for event := range emitter.Events() {
		c.SSEvent(event.Type, event)
		c.Writer.Flush()
	}

	if err := <-errCh; err != nil {
		// Events already carried the user-facing error; log the cause.
		logger.CtxWarn(ctx, "Chat pipeline finished with error: %v", err)
	}
}

// CancelStream handles POST /api/v1/chat/sessions/:id/cancel.
func (h *ChatHandler) CancelStream(c *gin.Context) {
	cancelled := h.streams.CancelStream(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
