// Package session wires the field cache and the transaction orchestrator
// of one provider session. A Session is created once and handed to the
// transports; it holds no global state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/chain"
	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/invalidator"
	"github.com/gateway-fm/dexsync/internal/resolver"
	"github.com/gateway-fm/dexsync/internal/storage"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

var (
	// ErrInvalidRequest is returned for malformed field or step requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrReadOnly is returned by SetSteps when no signer is configured.
	ErrReadOnly = errors.New("session has no signer")
	// ErrNoHistory is returned by history queries when no store is configured.
	ErrNoHistory = errors.New("history is not enabled")
	// ErrNoQueue is returned when no queue was started yet.
	ErrNoQueue = errors.New("no queue")
)

// StatsSource provides latency statistics, typically *metrics.Metrics.
type StatsSource interface {
	Stats() types.Stats
}

// Metrics is what the session reports cache and orchestration events to.
type Metrics interface {
	freshness.Observer
	txqueue.Observer
	invalidator.Observer
	StatsSource
}

// Config for creating a Session.
type Config struct {
	Catalog   resolver.Catalog
	Submitter chain.Submitter // nil makes the session read-only
	Store     storage.Storage // nil disables history

	AllowDuplicateFetches bool
	MaxConcurrentFetches  int
	FetchTimeout          time.Duration

	Metrics    Metrics
	Observers  []txqueue.Observer
	Refetchers []invalidator.Refetcher
	Now        func() time.Time
	Logger     *slog.Logger
}

// Session owns the registry, resolver, invalidator and executor.
type Session struct {
	registry    *freshness.Registry
	resolver    *resolver.Resolver
	invalidator *invalidator.Invalidator
	executor    *txqueue.Executor
	recorder    *storage.Recorder

	submitter chain.Submitter
	store     storage.Storage
	stats     StatsSource
	logger    *slog.Logger
}

// New creates a Session.
func New(cfg Config) (*Session, error) {
	if len(cfg.Catalog) == 0 {
		return nil, errors.New("session: catalog is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		fetchObserver freshness.Observer
		invObserver   invalidator.Observer
		stats         StatsSource
	)
	observers := append([]txqueue.Observer(nil), cfg.Observers...)
	if cfg.Metrics != nil {
		fetchObserver = cfg.Metrics
		invObserver = cfg.Metrics
		stats = cfg.Metrics
		observers = append(observers, cfg.Metrics)
	}

	var recorder *storage.Recorder
	if cfg.Store != nil {
		recorder = storage.NewRecorder(cfg.Store, logger.With(slog.String("component", "history")))
		observers = append(observers, recorder)
	}

	registry := freshness.New(freshness.Config{
		AllowDuplicateFetches: cfg.AllowDuplicateFetches,
		MaxConcurrentFetches:  cfg.MaxConcurrentFetches,
		FetchTimeout:          cfg.FetchTimeout,
		Now:                   cfg.Now,
		Observer:              fetchObserver,
		Logger:                logger.With(slog.String("component", "freshness")),
	})

	inv := invalidator.New(invalidator.Config{
		Registry: registry,
		Observer: invObserver,
		Logger:   logger.With(slog.String("component", "invalidator")),
	})
	for _, r := range cfg.Refetchers {
		inv.AddRefetcher(r)
	}

	executor := txqueue.NewExecutor(txqueue.Config{
		Invalidator: inv,
		Observers:   observers,
		Now:         cfg.Now,
		Logger:      logger.With(slog.String("component", "executor")),
	})

	return &Session{
		registry:    registry,
		resolver:    resolver.New(registry, cfg.Catalog),
		invalidator: inv,
		executor:    executor,
		recorder:    recorder,
		submitter:   cfg.Submitter,
		store:       cfg.Store,
		stats:       stats,
		logger:      logger,
	}, nil
}

// Fields returns the names of the readable fields.
func (s *Session) Fields() []string {
	return s.resolver.Fields()
}

func fieldPath(req types.FieldRequest) (resolver.FieldPath, error) {
	contract, err := parseAddress("contract", req.Contract)
	if err != nil {
		return resolver.FieldPath{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var account common.Address
	if req.Account != "" {
		if account, err = parseAddress("account", req.Account); err != nil {
			return resolver.FieldPath{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return resolver.FieldPath{
		Contract: contract,
		Field:    req.Field,
		Account:  account,
		Args:     req.Args,
	}, nil
}

// ReadField returns the cached value of a field, scheduling a background
// refresh when it is stale. It never waits for the network.
func (s *Session) ReadField(req types.FieldRequest) (resolver.Result, error) {
	path, err := fieldPath(req)
	if err != nil {
		return resolver.Result{}, err
	}
	return s.resolver.Resolve(path)
}

// RefreshField schedules a refetch of a field regardless of its TTL.
func (s *Session) RefreshField(req types.FieldRequest) error {
	path, err := fieldPath(req)
	if err != nil {
		return err
	}
	return s.resolver.Refresh(path)
}

// WatchField subscribes to value changes of a field and returns its
// current value, scheduling a refresh when it is stale. Updates delivered
// on the channel may repeat the returned version. The cancel func must be
// called to release the subscription.
func (s *Session) WatchField(req types.FieldRequest) (resolver.Result, <-chan freshness.Update, func(), error) {
	path, err := fieldPath(req)
	if err != nil {
		return resolver.Result{}, nil, nil, err
	}
	cell, err := s.resolver.Cell(path)
	if err != nil {
		return resolver.Result{}, nil, nil, err
	}
	// Subscribe before reading so an update landing in between is not lost.
	ch, cancel := cell.Subscribe()
	res, err := s.resolver.Resolve(path)
	if err != nil {
		cancel()
		return resolver.Result{}, nil, nil, err
	}
	return res, ch, cancel, nil
}

// SetSteps replaces the current queue with reqs and starts it.
func (s *Session) SetSteps(reqs []types.StepRequest) (txqueue.Snapshot, error) {
	if s.submitter == nil {
		return txqueue.Snapshot{}, ErrReadOnly
	}
	plan, err := buildPlan(s.submitter, reqs)
	if err != nil {
		return txqueue.Snapshot{}, err
	}
	q, err := s.executor.Run(plan)
	if err != nil {
		return txqueue.Snapshot{}, err
	}
	return q.Snapshot(), nil
}

// Queue returns the current queue.
func (s *Session) Queue() (txqueue.Snapshot, error) {
	q := s.executor.Current()
	if q == nil {
		return txqueue.Snapshot{}, ErrNoQueue
	}
	return q.Snapshot(), nil
}

// CancelQueue cancels the current queue and waits until it stopped or ctx
// is done. Transactions it already sent keep being watched so their
// queries are still refreshed once mined.
func (s *Session) CancelQueue(ctx context.Context) (txqueue.Snapshot, error) {
	q := s.executor.Current()
	if q == nil {
		return txqueue.Snapshot{}, ErrNoQueue
	}
	q.Cancel()
	select {
	case <-q.Done():
	case <-ctx.Done():
	}
	return q.Snapshot(), nil
}

// Invalidate refreshes queries as if a write feeding them was mined.
func (s *Session) Invalidate(ctx context.Context, queries []freshness.QueryID) {
	s.invalidator.Invalidate(ctx, queries)
}

// History returns a page of past queues, newest first.
func (s *Session) History(ctx context.Context, limit, offset int) (*storage.PaginatedQueueRuns, error) {
	if s.store == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListQueueRuns(ctx, limit, offset)
}

// HistoryDetail returns one past queue with its steps, or nil if unknown.
func (s *Session) HistoryDetail(ctx context.Context, id string) (*storage.QueueRun, error) {
	if s.store == nil {
		return nil, ErrNoHistory
	}
	return s.store.GetQueueRun(ctx, id)
}

// DeleteHistory removes a finished queue from history.
func (s *Session) DeleteHistory(ctx context.Context, id string) error {
	if s.store == nil {
		return ErrNoHistory
	}
	if q := s.executor.Current(); q != nil && q.ID() == id && !q.State().Terminal() {
		return fmt.Errorf("%w: queue %s is still running", ErrInvalidRequest, id)
	}
	return s.store.DeleteQueueRun(ctx, id)
}

// Stats returns cache size and latency statistics.
func (s *Session) Stats() types.Stats {
	var st types.Stats
	if s.stats != nil {
		st = s.stats.Stats()
	}
	st.CachedFields = s.registry.Len()
	return st
}

// Close cancels every background fetch, queue and confirmation watcher
// and flushes history. It does not close the store.
func (s *Session) Close() {
	s.executor.Close()
	s.registry.Close()
	if s.recorder != nil {
		s.recorder.Close()
	}
	s.logger.Info("session closed")
}
