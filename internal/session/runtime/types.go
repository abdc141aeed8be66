package runtime

import (
	"context"
	"time"

	"github.com/bhandras/delight/workerd/internal/worker"
)

// Notifier delivers submission status to a session's listeners.
type Notifier interface {
	SendStatus(sessionID, status, message string) int
	SendError(sessionID, message string) int
}

// Workers is the part of the worker pool the runtime drives.
type Workers interface {
	SpawnOrGet(ctx context.Context, sessionID string) (*worker.Worker, error)
	Terminate(ctx context.Context, sessionID string) (bool, error)
	ShutdownAll(ctx context.Context) error
}

// Store abstracts persistence for the runtime.
type Store interface {
	CreateMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) (StoredMessage, error)
	MarkSessionProcessing(ctx context.Context, sessionID string) error
	MarkSessionActive(ctx context.Context, sessionID string) error
	SetSessionWorker(ctx context.Context, sessionID, workerID string, vncPort *int) error
}

// StoredMessage is a minimal view of a persisted session message.
type StoredMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// submission is a message on a worker already claimed with Acquire.
type submission struct {
	sessionID string
	content   string
	worker    *worker.Worker
}
