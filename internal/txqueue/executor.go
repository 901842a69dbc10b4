package txqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/dexsync/internal/freshness"
)

// Invalidator refreshes cached reads after a write is mined.
type Invalidator interface {
	Invalidate(ctx context.Context, queries []freshness.QueryID)
}

// Observer is notified of queue progress. Calls are made without holding
// queue locks, so an observer may call Snapshot.
type Observer interface {
	QueueStarted(snap Snapshot)
	StepChanged(queueID string, step StepSnapshot)
	QueueFinished(snap Snapshot)
}

// Config for creating an Executor.
type Config struct {
	Invalidator Invalidator
	Observers   []Observer
	Now         func() time.Time
	NewID       func() string // Queue ID generator (default: uuid.NewString)
	Logger      *slog.Logger
}

// Executor drives queues. At most one MethodCall is in flight across all
// queues of an executor, and a new queue replaces the current one.
type Executor struct {
	invalidator Invalidator
	observers   []Observer
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger

	// slot serializes MethodCall invocations.
	slot chan struct{}

	mu      sync.Mutex
	current *Queue
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates a new Executor.
func NewExecutor(cfg Config) *Executor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		invalidator: cfg.Invalidator,
		observers:   cfg.Observers,
		now:         now,
		newID:       newID,
		logger:      logger,
		slot:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetSteps replaces the current queue with steps and starts processing
// step 0. Invalid steps are rejected and leave the current queue running.
func (e *Executor) SetSteps(steps []Step) (*Queue, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	q := newQueue(e.newID(), steps, e.now())
	if err := e.Start(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Run flattens plan and starts it like SetSteps.
func (e *Executor) Run(plan *Plan) (*Queue, error) {
	steps, err := plan.Steps()
	if err != nil {
		return nil, err
	}
	return e.SetSteps(steps)
}

// Start makes q the current queue and begins processing it. The previous
// queue is cancelled; its submitted transactions are still watched.
func (e *Executor) Start(q *Queue) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if err := q.start(e.ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	prev := e.current
	e.current = q
	e.wg.Add(1)
	e.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	e.logger.Info("queue started", slog.String("queue", q.id), slog.Int("steps", q.Len()))
	snap := q.Snapshot()
	for _, o := range e.observers {
		o.QueueStarted(snap)
	}

	go e.run(q)
	return nil
}

// Current returns the most recently started queue, or nil.
func (e *Executor) Current() *Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Close cancels every queue and confirmation watcher and waits for them.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Executor) run(q *Queue) {
	defer e.wg.Done()

	var stepErr *StepError
	for i := range q.steps {
		if stepErr = e.process(q, i); stepErr != nil {
			break
		}
	}
	q.finish(stepErr, e.now())

	logger := e.logger.With(slog.String("queue", q.id))
	switch {
	case stepErr == nil:
		logger.Info("queue complete")
	case stepErr.Kind == KindCancelled:
		logger.Info("queue cancelled", slog.Int("step", stepErr.Index))
	default:
		logger.Warn("queue failed",
			slog.Int("step", stepErr.Index),
			slog.String("title", stepErr.Title),
			slog.String("kind", stepErr.Kind.String()),
			slog.String("error", stepErr.Err.Error()),
		)
	}
	if stepErr != nil {
		e.stepChanged(q, stepErr.Index)
	}

	snap := q.Snapshot()
	for _, o := range e.observers {
		o.QueueFinished(snap)
	}

	q.watchers.Wait()
	close(q.settled)
}

// process submits step i. A non-nil result stops the queue.
func (e *Executor) process(q *Queue, i int) *StepError {
	step := q.steps[i]
	q.setActive(i)
	fail := func(kind ErrorKind, err error) *StepError {
		return &StepError{Index: i, Title: step.Title, Kind: kind, Err: err}
	}

	if err := e.waitDependencies(q, step.WaitForResponseOf); err != nil {
		if q.ctx.Err() != nil {
			return fail(KindCancelled, q.ctx.Err())
		}
		return fail(KindDependencyFailed, err)
	}

	select {
	case e.slot <- struct{}{}:
	case <-q.ctx.Done():
		return fail(KindCancelled, q.ctx.Err())
	}
	if err := q.ctx.Err(); err != nil {
		<-e.slot
		return fail(KindCancelled, err)
	}

	q.setStatus(i, StepSubmitting)
	e.stepChanged(q, i)

	ptx, err := step.MethodCall(q.ctx)
	<-e.slot

	if err == nil && ptx == nil {
		err = errors.New("method call returned no pending transaction")
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrUserRejected):
			return fail(KindUserRejected, err)
		case q.ctx.Err() != nil:
			return fail(KindCancelled, err)
		default:
			return fail(KindSubmissionFailure, err)
		}
	}

	q.submitted(i, ptx, e.now())
	e.stepChanged(q, i)

	q.watchers.Add(1)
	e.wg.Add(1)
	go e.watch(q, i, ptx)
	return nil
}

// waitDependencies blocks until every dependency is confirmed. It fails
// as soon as one of them reverted or could not be confirmed.
func (e *Executor) waitDependencies(q *Queue, deps []int) error {
	if len(deps) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(q.ctx)
	for _, d := range deps {
		g.Go(func() error {
			if err := q.waitConfirmed(ctx, d); err != nil {
				return fmt.Errorf("step %d: %w", d, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// watch waits for the confirmation of step i once and invalidates the
// step's queries on success. It outlives queue cancellation.
func (e *Executor) watch(q *Queue, i int, ptx PendingTx) {
	defer e.wg.Done()
	defer q.watchers.Done()

	step := q.steps[i]
	receipt, err := ptx.Wait(e.ctx)
	if err == nil && receipt != nil && receipt.Status == ReceiptStatusFailed {
		err = fmt.Errorf("%w: %s", ErrTxReverted, receipt.TxHash.Hex())
	}
	if err != nil && receipt == nil && errors.Is(err, ErrTxReverted) {
		receipt = &Receipt{Status: ReceiptStatusFailed}
	}

	if err == nil && len(step.ReloadQueriesAfterMined) > 0 && e.invalidator != nil {
		e.invalidator.Invalidate(e.ctx, step.ReloadQueriesAfterMined)
	}
	q.confirm(i, receipt, err, e.now())

	if err != nil {
		e.logger.Warn("transaction not confirmed",
			slog.String("queue", q.id),
			slog.Int("step", i),
			slog.String("title", step.Title),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Debug("transaction confirmed", slog.String("queue", q.id), slog.Int("step", i))
	}
	e.stepChanged(q, i)
}

func (e *Executor) stepChanged(q *Queue, i int) {
	if len(e.observers) == 0 {
		return
	}
	snap := q.stepSnapshot(i)
	for _, o := range e.observers {
		o.StepChanged(q.id, snap)
	}
}
