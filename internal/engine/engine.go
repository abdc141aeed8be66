// Package engine defines the contract between a worker and the delegate
// engine that actually reasons and runs tools for a submission.
//
// A single Process call yields two independently-filled channels: Content,
// carrying the engine's own output blocks, and ToolResults, carrying the
// outcome of each tool invocation. Closing Content is the end-of-stream
// marker for the submission. Either channel may deliver a fatal error.
package engine

import (
	"context"
	"errors"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("engine closed")

// BlockType identifies the kind of content block produced by an engine.
type BlockType string

const (
	// BlockText is free assistant text.
	BlockText BlockType = "text"
	// BlockThinking is an extended-reasoning annotation.
	BlockThinking BlockType = "thinking"
	// BlockToolUse is a tool invocation request.
	BlockToolUse BlockType = "tool_use"
)

// Block is one content block emitted on the primary channel.
type Block struct {
	// Type selects which of the remaining fields are meaningful.
	Type BlockType
	// Text is set for BlockText.
	Text string
	// Thinking is set for BlockThinking.
	Thinking string
	// ToolID identifies a tool invocation; results carry the same id.
	ToolID string
	// ToolName is set for BlockToolUse.
	ToolName string
	// ToolInput holds the tool arguments for BlockToolUse.
	ToolInput map[string]any
}

// Content is a single event on the primary channel. A non-nil Err is fatal
// for the submission.
type Content struct {
	Block Block
	Err   error
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	// Output is the tool's textual output, if any.
	Output string
	// Error is the tool's error text, if the tool failed.
	Error string
	// Base64Image is a screenshot captured by the tool, if any.
	Base64Image string
}

// ToolOutput is a single event on the tool-result channel. A non-nil Err is
// fatal for the submission.
type ToolOutput struct {
	ToolID string
	Result ToolResult
	Err    error
}

// Stream is the pair of channels produced by one Process call.
type Stream struct {
	// Content is closed by the engine once the submission completed normally.
	Content <-chan Content
	// ToolResults may stay open after Content closes; consumers must not
	// wait on it past the end marker.
	ToolResults <-chan ToolOutput
}

// Engine processes one input at a time for a single session and keeps the
// conversational state between inputs.
type Engine interface {
	// Process starts handling input. Cancelling ctx aborts the submission;
	// the engine then closes Content (possibly after a final error event).
	Process(ctx context.Context, input string) (*Stream, error)
	// Reset clears the conversation history.
	Reset()
	// Close releases all resources held by the engine.
	Close(ctx context.Context) error
}

// Factory acquires an Engine handle for a session. A Factory error is fatal
// to worker initialization.
type Factory func(ctx context.Context, sessionID string) (Engine, error)
