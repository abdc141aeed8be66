// Package runtime runs message submissions against session workers in the
// background and persists their outcome.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/store"
)

var (
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrMessageTooLarge = errors.New("message content too large")
	ErrShuttingDown    = errors.New("runtime shutting down")
)

// cleanupTimeout bounds worker cleanup once Shutdown stopped waiting for
// submissions.
const cleanupTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	// MaxMessageSize caps message content in bytes. Zero disables the cap.
	MaxMessageSize int
}

// Manager owns background submissions. Every submission runs in its own
// goroutine and is tracked so Shutdown can wait for or cancel it.
type Manager struct {
	store    Store
	workers  Workers
	notifier Notifier
	opts     Options

	// ctx is the parent of every submission; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]int
	wg       sync.WaitGroup
}

// NewManager creates a submission manager.
func NewManager(store Store, workers Workers, notifier Notifier, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		workers:  workers,
		notifier: notifier,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]int),
	}
}

func (m *Manager) validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if m.opts.MaxMessageSize > 0 && len(content) > m.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(content), m.opts.MaxMessageSize)
	}
	return nil
}

// SubmitMessage claims the session's worker, persists the message and
// starts processing it in the background. An empty role means "user".
//
// Spawn failures (capacity, initialization) and a busy worker are returned
// synchronously and store nothing. A session that the store no longer
// considers live gets its freshly spawned worker terminated and an error
// wrapping store.ErrNotFound. Everything that happens during processing
// reaches the session's listeners instead.
func (m *Manager) SubmitMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) (StoredMessage, error) {
	if err := m.validate(content); err != nil {
		return StoredMessage{}, err
	}
	if m.isClosed() {
		return StoredMessage{}, ErrShuttingDown
	}

	w, err := m.workers.SpawnOrGet(ctx, sessionID)
	if err != nil {
		return StoredMessage{}, err
	}
	if err := m.store.SetSessionWorker(ctx, sessionID, w.ID(), w.DisplayPort()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.dropWorker(ctx, sessionID)
			return StoredMessage{}, err
		}
		logger.Warnf("[runtime] record worker sid=%s: %v", sessionID, err)
	}
	if err := w.Acquire(); err != nil {
		return StoredMessage{}, err
	}

	if role == "" {
		role = "user"
	}
	msg, err := m.store.CreateMessage(ctx, sessionID, role, content, metadata)
	if err != nil {
		w.Release()
		return StoredMessage{}, fmt.Errorf("persist message: %w", err)
	}

	if !m.start(submission{sessionID: sessionID, content: content, worker: w}) {
		w.Release()
		return StoredMessage{}, ErrShuttingDown
	}
	logger.Infof("[runtime] message accepted sid=%s msg=%s worker=%s", sessionID, msg.ID, w.ID())
	return msg, nil
}

// dropWorker removes a worker that was spawned for a session which ended
// concurrently.
func (m *Manager) dropWorker(ctx context.Context, sessionID string) {
	logger.Infof("[runtime] session gone, terminating worker sid=%s", sessionID)
	if _, err := m.workers.Terminate(context.WithoutCancel(ctx), sessionID); err != nil {
		logger.Warnf("[runtime] terminate worker sid=%s: %v", sessionID, err)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) start(s submission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	m.inflight[s.sessionID]++
	go func() {
		defer m.finish(s.sessionID)
		m.process(s)
	}()
	return true
}

func (m *Manager) finish(sessionID string) {
	m.mu.Lock()
	m.inflight[sessionID]--
	if m.inflight[sessionID] <= 0 {
		delete(m.inflight, sessionID)
	}
	m.mu.Unlock()
	m.wg.Done()
}

// InFlight reports the number of running submissions for sessionID.
func (m *Manager) InFlight(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[sessionID]
}

// Shutdown stops accepting submissions and waits for running ones until ctx
// is done, at which point they are cancelled. All workers are then cleaned
// up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("[runtime] cancelling running submissions: %v", ctx.Err())
		m.cancel()
		<-done
	}
	m.cancel()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	return m.workers.ShutdownAll(cleanupCtx)
}
