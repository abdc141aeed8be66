package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/session/runtime"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/stream"
	"github.com/bhandras/delight/workerd/internal/worker"
	"github.com/bhandras/delight/workerd/pkg/types"
)

type SessionHandler struct {
	store    *store.Store
	workers  *worker.Pool
	runtime  *runtime.Manager
	registry *stream.Registry
}

func NewSessionHandler(st *store.Store, workers *worker.Pool, rt *runtime.Manager, registry *stream.Registry) *SessionHandler {
	return &SessionHandler{
		store:    st,
		workers:  workers,
		runtime:  rt,
		registry: registry,
	}
}

// CreateSession handles POST /sessions. The body is optional.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req types.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid request"})
		return
	}

	sess, err := h.store.CreateSession(c.Request.Context(), req.Metadata)
	if err != nil {
		writeError(c, err, "Failed to create session")
		return
	}
	logger.Infof("[api] session created sid=%s", sess.ID)
	c.JSON(http.StatusCreated, sess)
}

// ListSessions handles GET /sessions.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err, "Failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// GetSession handles GET /sessions/:id.
func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Session not found"})
			return
		}
		writeError(c, err, "Failed to get session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListMessages handles GET /sessions/:id/messages.
func (h *SessionHandler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Session not found"})
			return
		}
		writeError(c, err, "Failed to get session messages")
		return
	}

	messages, err := h.store.ListMessages(ctx, id)
	if err != nil {
		writeError(c, err, "Failed to get session messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

// CreateMessage handles POST /sessions/:id/messages. The message is stored
// and processed in the background; progress reaches the session stream.
func (h *SessionHandler) CreateMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req types.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid request"})
		return
	}
	role, err := store.ParseRole(req.Role)
	if err != nil {
		writeError(c, err, "Invalid role")
		return
	}

	sess, err := h.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Session not found"})
			return
		}
		writeError(c, err, "Failed to create message")
		return
	}
	if sess.Status == store.SessionTerminated {
		c.JSON(http.StatusConflict, types.ErrorResponse{Error: "Session is terminated"})
		return
	}

	msg, err := h.runtime.SubmitMessage(ctx, id, string(role), req.Content, req.Metadata)
	if err != nil {
		logger.Warnf("[api] submit sid=%s: %v", id, err)
		if errors.Is(err, store.ErrNotFound) {
			// Terminated after the check above.
			c.JSON(http.StatusConflict, types.ErrorResponse{Error: "Session is terminated"})
			return
		}
		writeError(c, err, "Failed to create message")
		return
	}

	c.JSON(http.StatusCreated, store.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      store.Role(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	})
}

// TerminateSession handles DELETE /sessions/:id. The worker is cleaned up,
// listeners get a final status and are disconnected.
func (h *SessionHandler) TerminateSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sess, err := h.store.GetSession(ctx, id)
	if err != nil || sess.Status == store.SessionTerminated {
		if err == nil || errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Session not found"})
			return
		}
		writeError(c, err, "Failed to terminate session")
		return
	}

	// The row goes first: a submission racing this request either spawned
	// its worker already or is refused by the store and drops it.
	if err := h.store.TerminateSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Session not found"})
			return
		}
		writeError(c, err, "Failed to terminate session")
		return
	}
	if _, err := h.workers.Terminate(ctx, id); err != nil {
		logger.Warnf("[api] worker cleanup sid=%s: %v", id, err)
	}

	h.registry.BroadcastStatus(id, "terminated", "Session terminated")
	closed := h.registry.DisconnectAll(id)
	logger.Infof("[api] session terminated sid=%s listeners=%d", id, closed)
	c.Status(http.StatusNoContent)
}

// WorkersHealth handles GET /sessions/workers/health.
func (h *SessionHandler) WorkersHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.workers.HealthSnapshot())
}
