package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhandras/delight/workerd/internal/display"
	"github.com/bhandras/delight/workerd/internal/engine"
	"github.com/bhandras/delight/workerd/internal/update"
)

// script drives one submission of a scriptEngine. The engine closes content
// once the script returns.
type script func(ctx context.Context, input string, content chan<- engine.Content, results chan<- engine.ToolOutput)

type scriptEngine struct {
	script     script
	processErr error
	closeErr   error

	closes atomic.Int32
	resets atomic.Int32
}

func (e *scriptEngine) Process(ctx context.Context, input string) (*engine.Stream, error) {
	if e.processErr != nil {
		return nil, e.processErr
	}
	content := make(chan engine.Content, 16)
	results := make(chan engine.ToolOutput, 16)
	go func() {
		defer close(content)
		if e.script != nil {
			e.script(ctx, input, content, results)
		}
	}()
	return &engine.Stream{Content: content, ToolResults: results}, nil
}

func (e *scriptEngine) Reset() { e.resets.Add(1) }

func (e *scriptEngine) Close(ctx context.Context) error {
	e.closes.Add(1)
	return e.closeErr
}

func textScript(text string) script {
	return func(ctx context.Context, input string, content chan<- engine.Content, results chan<- engine.ToolOutput) {
		content <- engine.Content{Block: engine.Block{Type: engine.BlockText, Text: text}}
	}
}

// blockingScript waits until ctx is done, signalling started first.
func blockingScript(started chan<- struct{}) script {
	return func(ctx context.Context, input string, content chan<- engine.Content, results chan<- engine.ToolOutput) {
		close(started)
		<-ctx.Done()
	}
}

// engineFactory hands out engines and counts acquisitions.
type engineFactory struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	fail    map[string]error
	engines map[string]*scriptEngine
	newEng  func(sessionID string) *scriptEngine
}

func newEngineFactory() *engineFactory {
	return &engineFactory{
		fail:    make(map[string]error),
		engines: make(map[string]*scriptEngine),
		newEng: func(string) *scriptEngine {
			return &scriptEngine{script: textScript("ok")}
		},
	}
}

func (f *engineFactory) Factory() engine.Factory {
	return func(ctx context.Context, sessionID string) (engine.Engine, error) {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		if err := f.fail[sessionID]; err != nil {
			return nil, err
		}
		e := f.newEng(sessionID)
		f.engines[sessionID] = e
		return e, nil
	}
}

func (f *engineFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *engineFactory) Engine(sessionID string) *scriptEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[sessionID]
}

type recordingEmitter struct {
	mu      sync.Mutex
	updates map[string][]update.Update
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{updates: make(map[string][]update.Update)}
}

func (r *recordingEmitter) Broadcast(sessionID string, u update.Update) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[sessionID] = append(r.updates[sessionID], u)
	return 1
}

func (r *recordingEmitter) For(sessionID string) []update.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update.Update(nil), r.updates[sessionID]...)
}

type fakeDisplay struct {
	port    int
	stopErr error
	stops   atomic.Int32
}

func (d *fakeDisplay) Port() int       { return d.port }
func (d *fakeDisplay) Display() string { return ":1" }
func (d *fakeDisplay) URL() string     { return "vnc://localhost" }
func (d *fakeDisplay) Health(ctx context.Context) display.Health {
	return display.Health{IsRunning: true, VNCPort: d.port}
}
func (d *fakeDisplay) Stop(ctx context.Context) error {
	d.stops.Add(1)
	return d.stopErr
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	next     int
	launched []*fakeDisplay
}

func (l *fakeLauncher) Launch(ctx context.Context, sessionID string) (display.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.next++
	d := &fakeDisplay{port: 5900 + l.next}
	l.launched = append(l.launched, d)
	return d, nil
}

var errBoom = errors.New("boom")

func kinds(updates []update.Update) []update.Kind {
	out := make([]update.Kind, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.Kind())
	}
	return out
}

func countKind(updates []update.Update, k update.Kind) int {
	n := 0
	for _, u := range updates {
		if u.Kind() == k {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
