// Package stream fans session updates out to attached listeners.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/update"
)

// ErrDelivery marks a listener that could not receive a message.
var ErrDelivery = errors.New("listener delivery failed")

// Listener is an attached endpoint that receives serialized messages.
//
// Implementations must be comparable (typically pointers); the registry uses
// them as set members.
type Listener interface {
	Send(data []byte) error
	Close() error
}

// Registry maps session ids to their attached listeners.
//
// It never buffers: a message broadcast while a session has no listeners is
// dropped, and a listener registered later does not see it.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]map[Listener]struct{}

	now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[string]map[Listener]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register sends l the connection greeting and then attaches it to
// sessionID, so the greeting is always the first message l receives. If the
// greeting cannot be delivered l is not attached and an error wrapping
// ErrDelivery is returned.
func (r *Registry) Register(sessionID string, l Listener) error {
	data, err := json.Marshal(update.Connected(sessionID, r.now()))
	if err != nil {
		return err
	}
	if err := l.Send(data); err != nil {
		return fmt.Errorf("greet listener for session %s: %w: %v", sessionID, ErrDelivery, err)
	}

	r.mu.Lock()
	set, ok := r.listeners[sessionID]
	if !ok {
		set = make(map[Listener]struct{})
		r.listeners[sessionID] = set
	}
	set[l] = struct{}{}
	n := len(set)
	r.mu.Unlock()

	logger.Debugf("[stream] listener registered sid=%s listeners=%d", sessionID, n)
	return nil
}

// Unregister detaches l from sessionID. The session entry is dropped once its
// last listener is gone.
func (r *Registry) Unregister(sessionID string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sessionID, l)
}

func (r *Registry) removeLocked(sessionID string, l Listener) {
	set, ok := r.listeners[sessionID]
	if !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(r.listeners, sessionID)
	}
}

func (r *Registry) snapshot(sessionID string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.listeners[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// deliver sends data to every listener of sessionID and prunes the ones that
// fail. It returns the number of successful deliveries.
func (r *Registry) deliver(sessionID string, data []byte) int {
	targets := r.snapshot(sessionID)
	if len(targets) == 0 {
		return 0
	}

	var failed []Listener
	for _, l := range targets {
		if err := l.Send(data); err != nil {
			logger.Warnf("[stream] dropping listener sid=%s: %v", sessionID, fmt.Errorf("%w: %v", ErrDelivery, err))
			failed = append(failed, l)
		}
	}
	if len(failed) > 0 {
		r.mu.Lock()
		for _, l := range failed {
			r.removeLocked(sessionID, l)
		}
		r.mu.Unlock()
		for _, l := range failed {
			_ = l.Close()
		}
	}
	return len(targets) - len(failed)
}

func (r *Registry) deliverJSON(sessionID string, msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("[stream] marshal failed sid=%s: %v", sessionID, err)
		return 0
	}
	return r.deliver(sessionID, data)
}

// Broadcast delivers u to every listener currently attached to sessionID and
// returns how many received it.
func (r *Registry) Broadcast(sessionID string, u update.Update) int {
	n := r.deliverJSON(sessionID, u.Wire())
	logger.Tracef("[stream] broadcast sid=%s kind=%s delivered=%d", sessionID, u.Kind(), n)
	return n
}

// BroadcastStatus announces a status change as a Thinking update.
func (r *Registry) BroadcastStatus(sessionID, status, message string) int {
	return r.Broadcast(sessionID, update.NewAt(update.Thinking, message, r.now(), map[string]any{
		"sessionId": sessionID,
		"status":    status,
	}))
}

// BroadcastError announces a failure as an Error update.
func (r *Registry) BroadcastError(sessionID, message string) int {
	return r.Broadcast(sessionID, update.NewAt(update.Error, message, r.now(), map[string]any{
		"sessionId": sessionID,
		"error":     true,
	}))
}

// SendStatus delivers a bare status message (type "status").
func (r *Registry) SendStatus(sessionID, status, message string) int {
	return r.deliverJSON(sessionID, update.Status(status, message, r.now()))
}

// SendError delivers a bare error message (type "error").
func (r *Registry) SendError(sessionID, message string) int {
	return r.deliverJSON(sessionID, update.ErrorMsg(message, r.now()))
}

// DisconnectAll closes every listener of sessionID and drops the entry.
func (r *Registry) DisconnectAll(sessionID string) int {
	r.mu.Lock()
	set := r.listeners[sessionID]
	delete(r.listeners, sessionID)
	r.mu.Unlock()

	for l := range set {
		if err := l.Close(); err != nil {
			logger.Debugf("[stream] close listener sid=%s: %v", sessionID, err)
		}
	}
	if len(set) > 0 {
		logger.Infof("[stream] disconnected sid=%s listeners=%d", sessionID, len(set))
	}
	return len(set)
}

func (r *Registry) ListenerCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[sessionID])
}

func (r *Registry) TotalListeners() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.listeners {
		total += len(set)
	}
	return total
}

// SessionCount is the number of sessions with at least one listener.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
