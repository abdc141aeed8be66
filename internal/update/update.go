// Package update defines the progress increments a worker produces and the
// JSON messages listeners receive.
package update

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an Update.
type Kind int

const (
	Thinking Kind = iota
	ToolUse
	ToolResult
	Screenshot
	Error
	Complete
)

var kindNames = map[Kind]string{
	Thinking:   "thinking",
	ToolUse:    "tool_use",
	ToolResult: "tool_result",
	Screenshot: "screenshot",
	Error:      "error",
	Complete:   "complete",
}

var kindFromName = map[string]Kind{
	"thinking":    Thinking,
	"tool_use":    ToolUse,
	"tool_result": ToolResult,
	"screenshot":  Screenshot,
	"error":       Error,
	"complete":    Complete,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := kindFromName[s]
	if !ok {
		return fmt.Errorf("unknown update kind %q", s)
	}
	*k = v
	return nil
}

// Update is one increment of worker progress. It is immutable once built;
// Metadata returns a copy.
type Update struct {
	kind      Kind
	content   string
	timestamp time.Time
	metadata  map[string]any
}

// New builds an Update stamped with the current UTC time.
func New(kind Kind, content string, metadata map[string]any) Update {
	return NewAt(kind, content, time.Now().UTC(), metadata)
}

// NewAt builds an Update with an explicit timestamp.
func NewAt(kind Kind, content string, ts time.Time, metadata map[string]any) Update {
	return Update{
		kind:      kind,
		content:   content,
		timestamp: ts,
		metadata:  cloneMetadata(metadata),
	}
}

func (u Update) Kind() Kind           { return u.kind }
func (u Update) Content() string      { return u.content }
func (u Update) Timestamp() time.Time { return u.timestamp }

// Metadata returns a shallow copy of the update's metadata.
func (u Update) Metadata() map[string]any {
	return cloneMetadata(u.metadata)
}

// Meta looks up a single metadata key.
func (u Update) Meta(key string) (any, bool) {
	v, ok := u.metadata[key]
	return v, ok
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
