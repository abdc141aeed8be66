package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/update"
)

const (
	// writeWait bounds a single frame write to a listener.
	writeWait = 10 * time.Second
	// closeWait bounds the close handshake frame.
	closeWait = time.Second
)

var errConnClosed = errors.New("connection closed")

// Conn adapts a gorilla websocket connection to Listener. Writes are
// serialized; gorilla allows at most one concurrent writer.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps ws. maxMessageSize caps inbound frames; zero leaves gorilla's
// default.
func NewConn(ws *websocket.Conn, maxMessageSize int64) *Conn {
	if maxMessageSize > 0 {
		ws.SetReadLimit(maxMessageSize)
	}
	return &Conn{ws: ws}
}

// Send implements Listener.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements Listener. It sends a normal-closure frame on a best-effort
// basis and is safe to call repeatedly.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection with the given close code and reason. Only
// the first close of a connection sends a frame.
func (c *Conn) CloseWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// isPing reports whether an inbound frame is a liveness probe: either the raw
// text "ping" or a JSON object with type "ping".
func isPing(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == string(update.MsgPing) {
		return true
	}
	var in update.InboundMessage
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return false
	}
	return in.Type == update.MsgPing
}

// ReadLoop consumes inbound frames until the peer disconnects or ctx is
// done. Pings are answered with a pong; anything else is logged and ignored.
func (c *Conn) ReadLoop(ctx context.Context, sessionID string) error {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	pong, err := json.Marshal(update.Pong())
	if err != nil {
		return err
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if isPing(data) {
			if err := c.Send(pong); err != nil {
				return err
			}
			continue
		}
		logger.Debugf("[stream] ignoring inbound frame sid=%s bytes=%d", sessionID, len(data))
	}
}
