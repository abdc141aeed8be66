package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bhandras/delight/workerd/internal/display"
	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/stream"
	"github.com/bhandras/delight/workerd/internal/update"
	"github.com/bhandras/delight/workerd/internal/worker"
	"github.com/bhandras/delight/workerd/pkg/types"
)

type DisplayHandler struct {
	workers        *worker.Pool
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

func NewDisplayHandler(workers *worker.Pool, allowedOrigins []string, maxMessageSize int64) *DisplayHandler {
	return &DisplayHandler{
		workers:        workers,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// DisplayInfo is the connection info of a session's display.
type DisplayInfo struct {
	SessionID string         `json:"sessionId"`
	WorkerID  string         `json:"workerId"`
	VNCPort   int            `json:"vncPort"`
	VNCURL    string         `json:"vncUrl"`
	Display   string         `json:"display"`
	Health    display.Health `json:"health"`
}

// DisplayInfoMessage is the first frame of a display stream.
type DisplayInfoMessage struct {
	Type    update.MessageType `json:"type"`
	VNCPort int                `json:"vncPort"`
	VNCURL  string             `json:"vncUrl"`
	Message string             `json:"message"`
}

// Info handles GET /vnc/:id/info.
func (h *DisplayHandler) Info(c *gin.Context) {
	id := c.Param("id")

	w, ok := h.workers.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "Worker not found for session"})
		return
	}
	d := w.Display()
	if d == nil {
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{Error: "Display not available for this session"})
		return
	}

	c.JSON(http.StatusOK, DisplayInfo{
		SessionID: id,
		WorkerID:  w.ID(),
		VNCPort:   d.Port(),
		VNCURL:    d.URL(),
		Display:   d.Display(),
		Health:    d.Health(c.Request.Context()),
	})
}

// Stream handles GET /vnc/:id/stream. The socket announces where the
// session's VNC server listens and then only answers pings; RFB traffic is
// not proxied. Sessions without a display are closed with a policy
// violation.
func (h *DisplayHandler) Stream(c *gin.Context) {
	id := c.Param("id")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[display] upgrade sid=%s: %v", id, err)
		return
	}
	conn := stream.NewConn(ws, h.maxMessageSize)
	defer func() { _ = conn.Close() }()

	var d display.Handle
	if w, ok := h.workers.Get(id); ok {
		d = w.Display()
	}
	if d == nil {
		_ = conn.CloseWith(websocket.ClosePolicyViolation, "Display not available")
		return
	}

	data, err := json.Marshal(DisplayInfoMessage{
		Type:    update.MsgDisplayInfo,
		VNCPort: d.Port(),
		VNCURL:  d.URL(),
		Message: "VNC server is running. Use a VNC client to connect.",
	})
	if err != nil {
		logger.Errorf("[display] marshal info sid=%s: %v", id, err)
		return
	}
	if err := conn.Send(data); err != nil {
		logger.Debugf("[display] send info sid=%s: %v", id, err)
		return
	}
	logger.Infof("[display] stream attached sid=%s port=%d", id, d.Port())

	if err := conn.ReadLoop(c.Request.Context(), id); err != nil {
		logger.Debugf("[display] read loop sid=%s: %v", id, err)
	}
	logger.Infof("[display] stream closed sid=%s", id)
}
