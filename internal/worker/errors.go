package worker

import "errors"

var (
	// ErrCapacityExceeded is returned by SpawnOrGet when the pool is full.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")
	// ErrInitialization is returned when a worker's engine could not be
	// acquired. The worker never enters the pool.
	ErrInitialization = errors.New("worker initialization failed")
	// ErrNotReady is returned by Submit when the worker is not idle.
	ErrNotReady = errors.New("worker not ready")
	// ErrSubmission marks a failed submission. It is surfaced to listeners
	// as an Error update and never returned from Submit.
	ErrSubmission = errors.New("submission failed")
	// ErrCleanup wraps failures while releasing worker resources.
	ErrCleanup = errors.New("worker cleanup failed")
	// ErrPoolClosed is returned by SpawnOrGet after ShutdownAll.
	ErrPoolClosed = errors.New("worker pool closed")
)
