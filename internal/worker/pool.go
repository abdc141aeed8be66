package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/bhandras/delight/workerd/internal/display"
	"github.com/bhandras/delight/workerd/internal/engine"
	"github.com/bhandras/delight/workerd/internal/logger"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxWorkers bounds live plus initializing workers.
	MaxWorkers int
	// Engines acquires the engine of every new worker.
	Engines engine.Factory
	// Displays is optional; nil runs workers without a display.
	Displays display.Launcher
	// Emitter receives the updates of every worker.
	Emitter Emitter
}

// Pool owns all workers and keeps at most one per session.
type Pool struct {
	cfg PoolConfig

	mu      sync.RWMutex
	workers map[string]*Worker
	// pending counts initializations that hold a capacity reservation.
	pending int
	closed  bool

	spawns singleflight.Group
}

// NewPool returns an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:     cfg,
		workers: make(map[string]*Worker),
	}
}

// SpawnOrGet returns the worker of sessionID, creating and initializing one
// if none exists. Concurrent calls for the same session share a single
// initialization. A worker whose initialization fails is never tracked.
func (p *Pool) SpawnOrGet(ctx context.Context, sessionID string) (*Worker, error) {
	if w, ok := p.Get(sessionID); ok {
		return w, nil
	}
	v, err, _ := p.spawns.Do(sessionID, func() (any, error) {
		return p.spawn(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Worker), nil
}

func (p *Pool) spawn(ctx context.Context, sessionID string) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if w, ok := p.workers[sessionID]; ok {
		p.mu.Unlock()
		return w, nil
	}
	if len(p.workers)+p.pending >= p.cfg.MaxWorkers {
		live, pending := len(p.workers), p.pending
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d live, %d starting, max %d", ErrCapacityExceeded, live, pending, p.cfg.MaxWorkers)
	}
	p.pending++
	p.mu.Unlock()

	w := newWorker(sessionID, p.cfg.Engines, p.cfg.Displays, p.cfg.Emitter)
	err := w.initialize(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		logger.Errorf("[pool] spawn failed sid=%s: %v", sessionID, err)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		if cerr := w.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warnf("[pool] discard worker sid=%s: %v", sessionID, cerr)
		}
		return nil, ErrPoolClosed
	}
	p.workers[sessionID] = w
	total := len(p.workers)
	p.mu.Unlock()

	logger.Infof("[pool] spawned sid=%s worker=%s total=%d max=%d", sessionID, w.ID(), total, p.cfg.MaxWorkers)
	return w, nil
}

// Get looks up the worker of sessionID without creating one.
func (p *Pool) Get(sessionID string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[sessionID]
	return w, ok
}

// Len is the number of tracked workers.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// MaxWorkers is the configured capacity.
func (p *Pool) MaxWorkers() int {
	return p.cfg.MaxWorkers
}

// Terminate cleans up and removes the worker of sessionID. It reports false
// when the session has no worker. A cleanup failure is returned, wrapped in
// ErrCleanup, but the worker is removed regardless.
func (p *Pool) Terminate(ctx context.Context, sessionID string) (bool, error) {
	w, ok := p.Get(sessionID)
	if !ok {
		return false, nil
	}

	err := w.Cleanup(ctx)

	p.mu.Lock()
	if cur, ok := p.workers[sessionID]; ok && cur == w {
		delete(p.workers, sessionID)
	}
	total := len(p.workers)
	p.mu.Unlock()

	if err != nil {
		logger.Warnf("[pool] terminate sid=%s: %v", sessionID, err)
		return true, err
	}
	logger.Infof("[pool] terminated sid=%s total=%d", sessionID, total)
	return true, nil
}

// WorkerHealth is the health entry of one worker.
type WorkerHealth struct {
	WorkerID    string    `json:"workerId"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	DisplayPort *int      `json:"displayPort"`
}

// Health is a point-in-time view of the pool.
type Health struct {
	TotalWorkers int                     `json:"totalWorkers"`
	MaxWorkers   int                     `json:"maxWorkers"`
	Workers      map[string]WorkerHealth `json:"workers"`
}

// HealthSnapshot copies the worker set under the lock and reads each worker
// afterwards.
func (p *Pool) HealthSnapshot() Health {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	h := Health{
		TotalWorkers: len(workers),
		MaxWorkers:   p.cfg.MaxWorkers,
		Workers:      make(map[string]WorkerHealth, len(workers)),
	}
	for _, w := range workers {
		h.Workers[w.SessionID()] = WorkerHealth{
			WorkerID:    w.ID(),
			Status:      w.Status(),
			CreatedAt:   w.CreatedAt(),
			DisplayPort: w.DisplayPort(),
		}
	}
	return h
}

// ShutdownAll cleans up every worker concurrently, then clears and closes
// the pool. Every cleanup is attempted; failures are combined.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	logger.Infof("[pool] shutting down workers=%d", len(workers))

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errAll error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Cleanup(ctx); err != nil {
				errMu.Lock()
				errAll = multierr.Append(errAll, err)
				errMu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	p.mu.Lock()
	clear(p.workers)
	p.mu.Unlock()

	if errAll != nil {
		logger.Warnf("[pool] shutdown finished with errors: %v", errAll)
	}
	return errAll
}
