// Package freshness provides a per-field cache of on-chain reads.
//
// Every field is registered once with a fetch function and a TTL. Reads are
// served from the cache immediately; when the cached value is older than its
// TTL a background fetch is scheduled (stale-while-revalidate). Reads never
// wait for the network.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

// ErrNotRegistered is returned when reading a key that was never registered.
var ErrNotRegistered = errors.New("freshness: key not registered")

// Key identifies one cached (contract, field) pair. Account scopes per-holder
// fields such as balances; it is the zero address for global fields.
type Key struct {
	Contract common.Address
	Field    string
	Account  common.Address
}

// String renders the key as contract/field[@account].
func (k Key) String() string {
	s := k.Contract.Hex() + "/" + k.Field
	if k.Account != (common.Address{}) {
		s += "@" + k.Account.Hex()
	}
	return s
}

// Name returns the field name without its call arguments, e.g. allowance
// for allowance(0xabc...).
func (k Key) Name() string {
	if i := strings.IndexByte(k.Field, '('); i >= 0 {
		return k.Field[:i]
	}
	return k.Field
}

// QueryID names a query of the surrounding query layer.
type QueryID string

// FetchContext carries what a fetch needs to perform its read.
type FetchContext struct {
	Contract common.Address
	Account  common.Address
}

// FetchFunc performs an on-chain read. Its result replaces the cell value.
type FetchFunc func(ctx context.Context, fc FetchContext) (any, error)

// Spec describes a field at registration time.
type Spec struct {
	Fetch   FetchFunc
	TTL     time.Duration
	Default any
	// Queries lists the query-layer queries this field feeds.
	Queries []QueryID
}

// Observer receives cache events.
type Observer interface {
	ReadServed(field string, stale bool)
	FetchStarted(field string)
	FetchFinished(field string, elapsed time.Duration, err error)
	FetchSkipped(field string)
}

type nopObserver struct{}

func (nopObserver) ReadServed(string, bool) {}
func (nopObserver) FetchStarted(string) {}
func (nopObserver) FetchFinished(string, time.Duration, error) {}
func (nopObserver) FetchSkipped(string) {}

// Config for creating a Registry.
type Config struct {
	// AllowDuplicateFetches disables in-flight coalescing. Two reads in the
	// same stale window may then both trigger a fetch before either resolves.
	AllowDuplicateFetches bool

	MaxConcurrentFetches int           // Background fetch slots (default: 64)
	FetchTimeout         time.Duration // Per-fetch timeout (default: 10s)

	Now      func() time.Time
	Observer Observer
	Logger   *slog.Logger
}

// Registry holds the cache entries of one provider session.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	queries map[QueryID]map[Key]struct{}

	coalesce     bool
	group        singleflight.Group
	slots        chan struct{}
	fetchTimeout time.Duration

	// Lifetime of background fetches; cancelled by Close.
	ctx      context.Context
	cancel   context.CancelFunc
	lifeMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	now      func() time.Time
	observer Observer
	logger   *slog.Logger
}

// New creates a new Registry.
func New(cfg Config) *Registry {
	maxFetches := cfg.MaxConcurrentFetches
	if maxFetches <= 0 {
		maxFetches = 64
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries:      make(map[Key]*entry),
		queries:      make(map[QueryID]map[Key]struct{}),
		coalesce:     !cfg.AllowDuplicateFetches,
		slots:        make(chan struct{}, maxFetches),
		fetchTimeout: timeout,
		ctx:          ctx,
		cancel:       cancel,
		now:          now,
		observer:     observer,
		logger:       logger,
	}
}

// Register creates the entry for key if it does not exist yet and reports
// whether it did. Registering an existing key keeps its value, timestamp,
// fetch function and TTL; only new query bindings are added.
func (r *Registry) Register(key Key, spec Spec) (bool, error) {
	if spec.Fetch == nil {
		return false, fmt.Errorf("register %s: fetch function is required", key)
	}
	if spec.TTL <= 0 {
		return false, fmt.Errorf("register %s: ttl must be positive", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, q := range spec.Queries {
		keys, ok := r.queries[q]
		if !ok {
			keys = make(map[Key]struct{})
			r.queries[q] = keys
		}
		keys[key] = struct{}{}
	}

	if _, ok := r.entries[key]; ok {
		return false, nil
	}
	r.entries[key] = newEntry(key, spec)
	return true, nil
}

// Read returns the cached value for key without blocking. If the value is
// older than the entry's TTL a background fetch is scheduled with fc.
func (r *Registry) Read(key Key, fc FetchContext) (any, error) {
	snap, err := r.ReadSnapshot(key, fc)
	if err != nil {
		return nil, err
	}
	return snap.Value, nil
}

// ReadSnapshot is Read returning the entry state as seen by the read.
func (r *Registry) ReadSnapshot(key Key, fc FetchContext) (EntrySnapshot, error) {
	e := r.lookup(key)
	if e == nil {
		return EntrySnapshot{}, ErrNotRegistered
	}

	snap := e.snapshot(r.now())
	e.mu.Lock()
	e.remember(fc)
	e.mu.Unlock()

	r.observer.ReadServed(key.Name(), snap.Stale)
	if snap.Stale {
		r.schedule(e, fc, false)
	}
	return snap, nil
}

// ForceRefresh schedules a fetch for key regardless of its TTL.
func (r *Registry) ForceRefresh(key Key, fc FetchContext) error {
	e := r.lookup(key)
	if e == nil {
		return ErrNotRegistered
	}
	e.mu.Lock()
	e.remember(fc)
	e.mu.Unlock()

	r.schedule(e, fc, true)
	return nil
}

// Invalidate marks key stale so the next read fetches regardless of TTL.
// If the entry has been read before, a refresh is scheduled right away with
// the last seen fetch context. Fetches already in flight when Invalidate is
// called still deliver their value but no longer count as fresh.
func (r *Registry) Invalidate(key Key) error {
	e := r.lookup(key)
	if e == nil {
		return ErrNotRegistered
	}

	e.mu.Lock()
	e.gen++
	e.lastFetchedAt = time.Time{}
	fc, ok := e.lastCtx, e.hasCtx
	e.mu.Unlock()

	if ok {
		r.schedule(e, fc, true)
	}
	return nil
}

// KeysForQuery returns every key bound to query q.
func (r *Registry) KeysForQuery(q QueryID) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.queries[q]))
	for k := range r.queries[q] {
		keys = append(keys, k)
	}
	return keys
}

// Cell returns the observable value of key, or nil if key is unknown.
func (r *Registry) Cell(key Key) *Cell {
	e := r.lookup(key)
	if e == nil {
		return nil
	}
	return e.cell
}

// Snapshot returns diagnostic state of key.
func (r *Registry) Snapshot(key Key) (EntrySnapshot, error) {
	e := r.lookup(key)
	if e == nil {
		return EntrySnapshot{}, ErrNotRegistered
	}
	return e.snapshot(r.now()), nil
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// WaitIdle blocks until all background fetches scheduled so far finished.
func (r *Registry) WaitIdle() {
	r.inflight.Wait()
}

// Close cancels all background fetches and waits for them to return.
// Values produced after Close are discarded.
func (r *Registry) Close() {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		return
	}
	r.closed = true
	r.cancel()
	r.lifeMu.Unlock()

	r.inflight.Wait()
}

func (r *Registry) lookup(key Key) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

// schedule starts a background fetch for e. It never blocks: when all fetch
// slots are taken the fetch is dropped and the next stale read retries.
// A dropped forced fetch marks the entry stale so that retry happens.
func (r *Registry) schedule(e *entry, fc FetchContext, forced bool) {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		return
	}
	select {
	case r.slots <- struct{}{}:
	default:
		r.lifeMu.Unlock()
		if forced {
			e.mu.Lock()
			e.gen++
			e.lastFetchedAt = time.Time{}
			e.mu.Unlock()
		}
		r.observer.FetchSkipped(e.key.Name())
		r.logger.Debug("fetch skipped, all slots busy", slog.String("key", e.key.String()))
		return
	}
	r.inflight.Add(1)
	r.lifeMu.Unlock()

	go func() {
		defer r.inflight.Done()
		defer func() { <-r.slots }()

		// Forced fetches never join an in-flight fetch: that one may have
		// started before the state they are meant to observe.
		if !r.coalesce || forced {
			r.fetch(e, fc)
			return
		}
		r.group.Do(e.key.String(), func() (any, error) {
			// A fetch for this key may have completed while we were queued.
			if !e.isStale(r.now()) {
				return nil, nil
			}
			r.fetch(e, fc)
			return nil, nil
		})
	}()
}

func (r *Registry) fetch(e *entry, fc FetchContext) {
	started := r.now()
	wallStart := time.Now()

	e.mu.Lock()
	gen := e.gen
	e.inFlight++
	e.fetches++
	e.mu.Unlock()

	r.observer.FetchStarted(e.key.Name())

	ctx, cancel := context.WithTimeout(r.ctx, r.fetchTimeout)
	value, err := e.fetch(ctx, fc)
	cancel()

	completed := r.now()
	elapsed := time.Since(wallStart)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--

	if r.ctx.Err() != nil {
		// Session closed; nobody is interested in this result anymore.
		return
	}

	r.observer.FetchFinished(e.key.Name(), elapsed, err)

	if err != nil {
		e.failures++
		e.lastErr = err.Error()
		r.logger.Warn("background fetch failed, keeping cached value",
			slog.String("key", e.key.String()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}

	// An older fetch finishing after a newer one must not roll the value back.
	if started.Before(e.appliedAt) {
		return
	}
	e.appliedAt = started
	e.lastErr = ""
	if gen == e.gen {
		e.lastFetchedAt = completed
	}
	e.cell.set(value, completed)
}
