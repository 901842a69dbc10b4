package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/dexsync/internal/txqueue"
)

// DefaultRecorderBuffer is the number of pending writes a Recorder holds
// before it starts dropping them.
const DefaultRecorderBuffer = 256

// Recorder persists executor events. Writes are applied in order by a
// single background goroutine so observers never block on the database.
type Recorder struct {
	store  Storage
	logger *slog.Logger
	now    func() time.Time

	writes chan func(ctx context.Context) error
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ txqueue.Observer = (*Recorder)(nil)

// NewRecorder starts a Recorder writing to store.
func NewRecorder(store Storage, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
		writes: make(chan func(ctx context.Context) error, DefaultRecorderBuffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for write := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := write(ctx); err != nil {
			r.logger.Warn("failed to record queue history", slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (r *Recorder) enqueue(write func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- write:
	default:
		r.logger.Warn("history buffer full, dropping write")
	}
}

// QueueStarted implements txqueue.Observer.
func (r *Recorder) QueueStarted(snap txqueue.Snapshot) {
	run := QueueRunFromSnapshot(snap)
	r.enqueue(func(ctx context.Context) error {
		return r.store.CreateQueueRun(ctx, run)
	})
}

// StepChanged implements txqueue.Observer.
func (r *Recorder) StepChanged(queueID string, step txqueue.StepSnapshot) {
	log := StepLogFromSnapshot(queueID, step, r.now())
	r.enqueue(func(ctx context.Context) error {
		return r.store.UpsertStepLog(ctx, log)
	})
}

// QueueFinished implements txqueue.Observer.
func (r *Recorder) QueueFinished(snap txqueue.Snapshot) {
	run := QueueRunFromSnapshot(snap)
	now := r.now()
	r.enqueue(func(ctx context.Context) error {
		if err := r.store.FinishQueueRun(ctx, run); err != nil {
			return err
		}
		// Steps that never started have no log yet.
		for i := range run.Steps {
			run.Steps[i].UpdatedAt = now
			if err := r.store.UpsertStepLog(ctx, &run.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes pending writes and stops the Recorder. It does not close
// the underlying store.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.writes)
	r.mu.Unlock()
	r.wg.Wait()
}
