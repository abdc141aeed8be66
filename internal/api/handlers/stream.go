package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/stream"
	"github.com/bhandras/delight/workerd/pkg/types"
)

// StreamHandler attaches WebSocket listeners to a session's update stream.
type StreamHandler struct {
	store          *store.Store
	registry       *stream.Registry
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

// NewStreamHandler creates a stream handler. allowedOrigins restricts the
// Origin header of upgrade requests; "*" or an empty list allows any origin.
func NewStreamHandler(st *store.Store, registry *stream.Registry, allowedOrigins []string, maxMessageSize int64) *StreamHandler {
	return &StreamHandler{
		store:          st,
		registry:       registry,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}

// Stream handles GET /ws/sessions/:id/stream.
func (h *StreamHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Session not found"})
			return
		}
		writeError(c, err, "Failed to open stream")
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		logger.Warnf("[stream] upgrade sid=%s: %v", id, err)
		return
	}

	conn := stream.NewConn(ws, h.maxMessageSize)
	if err := h.registry.Register(id, conn); err != nil {
		logger.Warnf("[stream] register sid=%s: %v", id, err)
		_ = conn.Close()
		return
	}
	defer func() {
		h.registry.Unregister(id, conn)
		_ = conn.Close()
	}()
	logger.Infof("[stream] listener attached sid=%s listeners=%d", id, h.registry.ListenerCount(id))

	if err := conn.ReadLoop(ctx, id); err != nil {
		logger.Debugf("[stream] read loop sid=%s: %v", id, err)
	}
	logger.Infof("[stream] listener detached sid=%s", id)
}
