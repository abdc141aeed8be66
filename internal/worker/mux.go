package worker

import (
	"context"
	"fmt"

	"github.com/bhandras/delight/workerd/internal/engine"
	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/update"
)

const (
	// maxResultText is the rune limit for tool output and error text.
	maxResultText = 200
	// completedMessage is the content of the final Complete update.
	completedMessage = "Agent processing completed"
)

// multiplexer merges the two channels of one engine submission into a single
// ordered sequence of updates.
//
// When both channels have something ready, primary content wins, so a tool
// invocation is always forwarded before a result that was already waiting.
// Once Content is closed, results that are already buffered are drained and
// a single Complete update ends the sequence.
type multiplexer struct {
	sessionID string
	emit      func(update.Update)
}

func newMultiplexer(sessionID string, emit func(update.Update)) *multiplexer {
	return &multiplexer{sessionID: sessionID, emit: emit}
}

// run consumes s until the end marker or a fatal error. Every returned error
// wraps ErrSubmission.
func (m *multiplexer) run(ctx context.Context, s *engine.Stream) error {
	content := s.Content
	results := s.ToolResults

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrSubmission, err)
		}

		// Content first when both are ready.
		select {
		case c, ok := <-content:
			done, err := m.onContent(ctx, c, ok, results)
			if done || err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case c, ok := <-content:
			done, err := m.onContent(ctx, c, ok, results)
			if done || err != nil {
				return err
			}
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if err := m.onResult(r); err != nil {
				return err
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrSubmission, ctx.Err())
		}
	}
}

func (m *multiplexer) onContent(ctx context.Context, c engine.Content, ok bool, results <-chan engine.ToolOutput) (bool, error) {
	if !ok {
		// An engine closes Content when aborted too; that is not a completion.
		if err := ctx.Err(); err != nil {
			return true, fmt.Errorf("%w: %w", ErrSubmission, err)
		}
		if err := m.drain(results); err != nil {
			return true, err
		}
		m.emit(m.newUpdate(update.Complete, completedMessage, map[string]any{"completed": true}))
		return true, nil
	}
	if c.Err != nil {
		return true, fmt.Errorf("%w: %w", ErrSubmission, c.Err)
	}
	if u, ok := m.translateBlock(c.Block); ok {
		m.emit(u)
	}
	return false, nil
}

// drain forwards results that are already buffered without waiting for
// more.
func (m *multiplexer) drain(results <-chan engine.ToolOutput) error {
	if results == nil {
		return nil
	}
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return nil
			}
			if err := m.onResult(r); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (m *multiplexer) onResult(r engine.ToolOutput) error {
	if r.Err != nil {
		return fmt.Errorf("%w: tool %s: %w", ErrSubmission, r.ToolID, r.Err)
	}
	m.emit(m.translateResult(r))
	return nil
}

func (m *multiplexer) newUpdate(kind update.Kind, content string, meta map[string]any) update.Update {
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta["sessionId"] = m.sessionID
	return update.New(kind, content, meta)
}

func (m *multiplexer) translateBlock(b engine.Block) (update.Update, bool) {
	switch b.Type {
	case engine.BlockText:
		return m.newUpdate(update.Thinking, b.Text, nil), true
	case engine.BlockThinking:
		return m.newUpdate(update.Thinking, b.Thinking, map[string]any{"isThinking": true}), true
	case engine.BlockToolUse:
		name := b.ToolName
		if name == "" {
			name = "unknown"
		}
		input := b.ToolInput
		if input == nil {
			input = map[string]any{}
		}
		return m.newUpdate(update.ToolUse, "Using tool: "+name, map[string]any{
			"toolName":  name,
			"toolInput": input,
			"toolId":    b.ToolID,
		}), true
	default:
		logger.Debugf("[mux] skipping block sid=%s type=%q", m.sessionID, b.Type)
		return update.Update{}, false
	}
}

func (m *multiplexer) translateResult(r engine.ToolOutput) update.Update {
	meta := map[string]any{"toolId": r.ToolID}
	var content string
	switch {
	case r.Result.Error != "":
		msg := truncate(r.Result.Error, maxResultText)
		content = "Tool error: " + msg
		meta["error"] = msg
	case r.Result.Output != "":
		content = "Tool output: " + truncate(r.Result.Output, maxResultText)
		meta["hasOutput"] = true
	}
	if r.Result.Base64Image != "" {
		meta["hasScreenshot"] = true
		content += " (Screenshot captured)"
	}
	return m.newUpdate(update.ToolResult, content, meta)
}

// truncate cuts s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
