// Package fakeengine provides an in-memory implementation of engine.Engine.
//
// It answers from a small keyword table (arithmetic, directory listing,
// weather) so the whole submission path can be exercised without a real
// model or display.
package fakeengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bhandras/delight/workerd/internal/engine"
)

const (
	// defaultStepDelay spaces out emitted blocks so listeners observe progress.
	defaultStepDelay = 50 * time.Millisecond
	// fakeScreenshot stands in for a base64 PNG captured by a tool.
	fakeScreenshot = "iVBORw0KGgo="
)

// Option configures an Engine.
type Option func(*Engine)

// WithStepDelay sets the pause between emitted blocks. Zero disables it.
func WithStepDelay(d time.Duration) Option {
	return func(e *Engine) { e.stepDelay = d }
}

// Engine implements engine.Engine using pure in-memory behavior.
type Engine struct {
	sessionID string
	stepDelay time.Duration

	mu      sync.Mutex
	history []string
	closed  bool
}

// New returns a fake engine bound to sessionID.
func New(sessionID string, opts ...Option) *Engine {
	e := &Engine{sessionID: sessionID, stepDelay: defaultStepDelay}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Factory adapts New to engine.Factory.
func Factory(opts ...Option) engine.Factory {
	return func(ctx context.Context, sessionID string) (engine.Engine, error) {
		_ = ctx
		return New(sessionID, opts...), nil
	}
}

// History returns the inputs processed since the last Reset.
func (e *Engine) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

// Reset implements engine.Engine.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// Close implements engine.Engine.
func (e *Engine) Close(ctx context.Context) error {
	_ = ctx
	e.mu.Lock()
	e.closed = true
	e.history = nil
	e.mu.Unlock()
	return nil
}

// Process implements engine.Engine.
func (e *Engine) Process(ctx context.Context, input string) (*engine.Stream, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, engine.ErrClosed
	}
	e.history = append(e.history, input)
	e.mu.Unlock()

	content := make(chan engine.Content, 8)
	results := make(chan engine.ToolOutput, 8)
	go e.run(ctx, input, content, results)

	return &engine.Stream{Content: content, ToolResults: results}, nil
}

func (e *Engine) run(ctx context.Context, input string, content chan<- engine.Content, results chan<- engine.ToolOutput) {
	defer close(content)

	emit := func(b engine.Block) bool {
		if !e.pause(ctx) {
			return false
		}
		select {
		case content <- engine.Content{Block: b}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	result := func(id string, r engine.ToolResult) bool {
		if !e.pause(ctx) {
			return false
		}
		select {
		case results <- engine.ToolOutput{ToolID: id, Result: r}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(engine.Block{Type: engine.BlockThinking, Thinking: "Analyzing your request..."}) {
		return
	}

	if call, ok := pickTool(input); ok {
		id := "toolu_" + uuid.NewString()
		if !emit(engine.Block{Type: engine.BlockToolUse, ToolID: id, ToolName: call.name, ToolInput: call.input}) {
			return
		}
		if !result(id, call.result) {
			return
		}
	}

	emit(engine.Block{Type: engine.BlockText, Text: respond(input)})
}

func (e *Engine) pause(ctx context.Context) bool {
	if e.stepDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(e.stepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type toolCall struct {
	name   string
	input  map[string]any
	result engine.ToolResult
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func pickTool(input string) (toolCall, bool) {
	lower := strings.ToLower(input)
	switch {
	case containsAny(lower, "calculate", "math", "+", "-", "*", "/"):
		return toolCall{
			name:   "calculator",
			input:  map[string]any{"expression": input},
			result: engine.ToolResult{Output: "Calculation completed successfully"},
		}, true
	case containsAny(lower, "file", "list", "directory", "ls"):
		return toolCall{
			name:   "bash",
			input:  map[string]any{"command": "ls -la"},
			result: engine.ToolResult{Output: "Found 15 files in directory"},
		}, true
	case containsAny(lower, "weather", "temperature"):
		return toolCall{
			name:   "web_search",
			input:  map[string]any{"query": input},
			result: engine.ToolResult{Output: "Retrieved weather data successfully", Base64Image: fakeScreenshot},
		}, true
	}
	return toolCall{}, false
}

func respond(input string) string {
	lower := strings.ToLower(input)
	switch {
	case containsAny(lower, "2+2", "2 + 2"):
		return "The answer is 4. I calculated this using basic arithmetic."
	case strings.Contains(lower, "25") && strings.Contains(lower, "4") && containsAny(lower, "*", "times", "multiply"):
		return "25 times 4 equals 100."
	case containsAny(lower, "+", "-", "*", "/", "calculate"):
		return "I've performed the calculation and the result is ready."
	case strings.Contains(lower, "weather"):
		if strings.Contains(lower, "dubai") {
			return "The weather in Dubai is currently sunny with a temperature of 28°C (82°F)."
		}
		return "The current conditions show clear skies with moderate temperatures."
	case containsAny(lower, "file", "list", "directory", "ls"):
		return "Here are the files in the current directory:\n- README.md\n- go.mod\n- internal/\n\nTotal: 15 files and 5 directories."
	case containsAny(lower, "hello", "hi", "hey"):
		return "Hello! I can help with calculations, file operations and web searches."
	}
	return fmt.Sprintf("I've processed your request about '%s'. The task has been completed successfully.", input)
}
