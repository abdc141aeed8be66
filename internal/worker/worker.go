// Package worker runs one engine-backed worker per session under a bounded
// pool.
//
// A Worker owns its engine handle and, optionally, a display. Workers are
// created and destroyed only by a Pool; callers interact with them through
// Submit, or Acquire followed by Run when the claim must precede other work.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/bhandras/delight/workerd/internal/display"
	"github.com/bhandras/delight/workerd/internal/engine"
	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/update"
)

// Emitter receives every update a worker produces, as it is produced.
type Emitter interface {
	Broadcast(sessionID string, u update.Update) int
}

// Worker drives one engine for one session.
type Worker struct {
	id        string
	sessionID string
	createdAt time.Time

	engines  engine.Factory
	displays display.Launcher
	emitter  Emitter

	// lifetime is cancelled by Cleanup and aborts any in-flight submission.
	lifetime context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	status      Status
	eng         engine.Engine
	disp        display.Handle
	cleaning    bool
	cleanupDone chan struct{}
}

func newWorker(sessionID string, engines engine.Factory, displays display.Launcher, emitter Emitter) *Worker {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:          uuid.NewString(),
		sessionID:   sessionID,
		createdAt:   time.Now().UTC(),
		engines:     engines,
		displays:    displays,
		emitter:     emitter,
		lifetime:    lifetime,
		cancel:      cancel,
		status:      StatusInitializing,
		cleanupDone: make(chan struct{}),
	}
}

func (w *Worker) ID() string           { return w.id }
func (w *Worker) SessionID() string    { return w.sessionID }
func (w *Worker) CreatedAt() time.Time { return w.createdAt }

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Display returns the worker's display, or nil when it runs without one.
func (w *Worker) Display() display.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disp
}

// DisplayPort returns the VNC port of the worker's display, if any.
func (w *Worker) DisplayPort() *int {
	d := w.Display()
	if d == nil {
		return nil
	}
	port := d.Port()
	return &port
}

func (w *Worker) setStatusLocked(to Status) error {
	if !canTransition(w.status, to) {
		return fmt.Errorf("illegal worker transition %s -> %s", w.status, to)
	}
	logger.Tracef("[worker] sid=%s %s -> %s", w.sessionID, w.status, to)
	w.status = to
	return nil
}

// initialize acquires the display (best effort) and the engine (required).
func (w *Worker) initialize(ctx context.Context) error {
	var disp display.Handle
	if w.displays != nil {
		d, err := w.displays.Launch(ctx, w.sessionID)
		if err != nil {
			logger.Warnf("[worker] display unavailable, continuing without sid=%s: %v", w.sessionID, err)
		} else {
			disp = d
		}
	}

	eng, err := w.engines(ctx, w.sessionID)
	if err != nil {
		if disp != nil {
			if stopErr := disp.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				logger.Warnf("[worker] stop display after failed init sid=%s: %v", w.sessionID, stopErr)
			}
		}
		w.mu.Lock()
		_ = w.setStatusLocked(StatusFailed)
		w.mu.Unlock()
		w.cancel()
		return fmt.Errorf("session %s: %w: %w", w.sessionID, ErrInitialization, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.eng = eng
	w.disp = disp
	_ = w.setStatusLocked(StatusReady)
	logger.Infof("[worker] ready sid=%s worker=%s display=%t", w.sessionID, w.id, disp != nil)
	return nil
}

// Submit claims the worker and runs one input through the engine. Every
// produced update is passed to the emitter as it is produced and the full
// sequence is returned.
//
// Submit fails only with ErrNotReady. Engine failures become one Error
// update, after which the worker is ready again. If the worker is cleaned
// up mid-submission the submission is aborted and the worker stays down.
func (w *Worker) Submit(ctx context.Context, input string) ([]update.Update, error) {
	if err := w.Acquire(); err != nil {
		return nil, err
	}
	return w.Run(ctx, input)
}

// Acquire claims a ready worker for one submission by moving it to
// processing. The claim is consumed by Run or handed back with Release.
func (w *Worker) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusReady {
		return fmt.Errorf("%w: worker %s is %s", ErrNotReady, w.id, w.status)
	}
	return w.setStatusLocked(StatusProcessing)
}

// Release hands back a claim that will not be run.
func (w *Worker) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusProcessing && w.lifetime.Err() == nil {
		_ = w.setStatusLocked(StatusReady)
	}
}

// Run processes input on a worker claimed with Acquire. It returns
// ErrNotReady when the worker holds no claim, including after Cleanup took
// it down.
func (w *Worker) Run(ctx context.Context, input string) ([]update.Update, error) {
	w.mu.Lock()
	if w.status != StatusProcessing || w.lifetime.Err() != nil {
		st := w.status
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: worker %s is %s", ErrNotReady, w.id, st)
	}
	eng := w.eng
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.lifetime, cancel)
	defer stop()

	var produced []update.Update
	emit := func(u update.Update) {
		produced = append(produced, u)
		if w.emitter != nil {
			w.emitter.Broadcast(w.sessionID, u)
		}
	}

	started := time.Now()
	err := w.process(ctx, eng, input, emit)
	if err != nil {
		logger.Warnf("[worker] submission failed sid=%s: %v", w.sessionID, err)
		emit(update.New(update.Error, "Agent error: "+rootCause(err).Error(), map[string]any{
			"sessionId": w.sessionID,
			"error":     err.Error(),
		}))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lifetime.Err() != nil {
		// Cleanup owns the status from here on.
		return produced, nil
	}
	if err != nil {
		_ = w.setStatusLocked(StatusError)
	}
	_ = w.setStatusLocked(StatusReady)
	logger.Debugf("[worker] submission done sid=%s updates=%d took=%s", w.sessionID, len(produced), time.Since(started))
	return produced, nil
}

func (w *Worker) process(ctx context.Context, eng engine.Engine, input string, emit func(update.Update)) error {
	s, err := eng.Process(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	return newMultiplexer(w.sessionID, emit).run(ctx, s)
}

// rootCause strips the ErrSubmission prefix so listeners see the engine's
// own message.
func rootCause(err error) error {
	type multi interface{ Unwrap() []error }
	if m, ok := err.(multi); ok {
		errs := m.Unwrap()
		if len(errs) > 0 {
			return errs[len(errs)-1]
		}
	}
	return err
}

// Cleanup releases the engine and display and moves the worker to
// terminated. It may be called from any state and more than once; later
// calls wait for the first to finish.
func (w *Worker) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	if w.cleaning {
		done := w.cleanupDone
		w.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.cleaning = true
	failed := w.status == StatusFailed
	if !failed {
		if err := w.setStatusLocked(StatusTerminating); err != nil {
			logger.Warnf("[worker] sid=%s: %v", w.sessionID, err)
		}
	}
	eng, disp := w.eng, w.disp
	w.eng, w.disp = nil, nil
	w.mu.Unlock()
	defer close(w.cleanupDone)

	w.cancel()

	var errs error
	if eng != nil {
		if err := eng.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if disp != nil {
		if err := disp.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop display: %w", err))
		}
	}

	if !failed {
		w.mu.Lock()
		_ = w.setStatusLocked(StatusTerminated)
		w.mu.Unlock()
	}

	if errs != nil {
		return fmt.Errorf("session %s: %w: %w", w.sessionID, ErrCleanup, errs)
	}
	logger.Infof("[worker] terminated sid=%s worker=%s", w.sessionID, w.id)
	return nil
}
