package storage

import (
	"context"
	"errors"
)

// ErrQueueRunNotFound is returned when deleting an unknown queue run.
var ErrQueueRunNotFound = errors.New("queue run not found")

// Storage defines the persistence interface for transaction queue history.
type Storage interface {
	// Queue run lifecycle
	CreateQueueRun(ctx context.Context, run *QueueRun) error
	FinishQueueRun(ctx context.Context, run *QueueRun) error
	UpsertStepLog(ctx context.Context, step *StepLog) error

	// History queries
	GetQueueRun(ctx context.Context, id string) (*QueueRun, error)
	ListQueueRuns(ctx context.Context, limit, offset int) (*PaginatedQueueRuns, error)
	DeleteQueueRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
