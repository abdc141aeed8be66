package update

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" discriminator of every message written to a
// listener.
type MessageType string

const (
	MsgUpdate    MessageType = "update"
	MsgConnected MessageType = "connected"
	MsgStatus    MessageType = "status"
	MsgError     MessageType = "error"
	MsgPong      MessageType = "pong"
	MsgPing      MessageType = "ping"

	MsgDisplayInfo MessageType = "vnc_info"
)

// UpdateMessage is the wire form of an Update.
type UpdateMessage struct {
	Type       MessageType    `json:"type"`
	UpdateKind Kind           `json:"updateKind"`
	Content    string         `json:"content"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

// ConnectedMessage greets a listener once per registration.
type ConnectedMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp string      `json:"timestamp"`
}

type StatusMessage struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Error     string      `json:"error"`
	Timestamp string      `json:"timestamp"`
}

type PongMessage struct {
	Type MessageType `json:"type"`
}

// InboundMessage is the envelope of listener-originated frames. Only the
// type is inspected.
type InboundMessage struct {
	Type MessageType `json:"type"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Wire converts u into its listener representation.
func (u Update) Wire() UpdateMessage {
	return UpdateMessage{
		Type:       MsgUpdate,
		UpdateKind: u.kind,
		Content:    u.content,
		Timestamp:  formatTime(u.timestamp),
		Metadata:   u.Metadata(),
	}
}

// MarshalJSON encodes u in its wire form.
func (u Update) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Wire())
}

func Connected(sessionID string, now time.Time) ConnectedMessage {
	return ConnectedMessage{Type: MsgConnected, SessionID: sessionID, Timestamp: formatTime(now)}
}

func Status(status, message string, now time.Time) StatusMessage {
	return StatusMessage{Type: MsgStatus, Status: status, Message: message, Timestamp: formatTime(now)}
}

func ErrorMsg(message string, now time.Time) ErrorMessage {
	return ErrorMessage{Type: MsgError, Error: message, Timestamp: formatTime(now)}
}

func Pong() PongMessage {
	return PongMessage{Type: MsgPong}
}
