// Package invalidator refreshes cached reads once a write is mined.
package invalidator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gateway-fm/dexsync/internal/freshness"
)

// Refetcher is a query layer that can refetch a named query.
type Refetcher interface {
	Refetch(ctx context.Context, q freshness.QueryID) error
}

// Registry is the part of freshness.Registry the invalidator uses.
type Registry interface {
	KeysForQuery(q freshness.QueryID) []freshness.Key
	Invalidate(key freshness.Key) error
}

var _ Registry = (*freshness.Registry)(nil)

// Observer is notified of every invalidated query.
type Observer interface {
	QueryInvalidated(q freshness.QueryID, keys int)
}

// Config for creating an Invalidator.
type Config struct {
	Registry Registry
	Observer Observer
	Logger   *slog.Logger
}

// Invalidator marks every cache entry feeding a query stale and asks the
// registered refetchers to refetch it.
type Invalidator struct {
	registry Registry
	observer Observer
	logger   *slog.Logger

	mu         sync.RWMutex
	refetchers []Refetcher
}

// New creates a new Invalidator.
func New(cfg Config) *Invalidator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		registry: cfg.Registry,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// AddRefetcher registers a query layer.
func (inv *Invalidator) AddRefetcher(r Refetcher) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.refetchers = append(inv.refetchers, r)
}

// Invalidate refreshes every query in queries. Errors are logged and do
// not stop the remaining queries.
func (inv *Invalidator) Invalidate(ctx context.Context, queries []freshness.QueryID) {
	inv.mu.RLock()
	refetchers := append([]Refetcher(nil), inv.refetchers...)
	inv.mu.RUnlock()

	for _, q := range queries {
		keys := 0
		if inv.registry != nil {
			for _, key := range inv.registry.KeysForQuery(q) {
				if err := inv.registry.Invalidate(key); err != nil && !errors.Is(err, freshness.ErrNotRegistered) {
					inv.logger.Warn("invalidate entry failed",
						slog.String("query", string(q)),
						slog.String("key", key.String()),
						slog.String("error", err.Error()),
					)
					continue
				}
				keys++
			}
		}

		for _, r := range refetchers {
			if err := r.Refetch(ctx, q); err != nil {
				inv.logger.Warn("refetch failed",
					slog.String("query", string(q)),
					slog.String("error", err.Error()),
				)
			}
		}

		inv.logger.Debug("query invalidated", slog.String("query", string(q)), slog.Int("keys", keys))
		if inv.observer != nil {
			inv.observer.QueryInvalidated(q, keys)
		}
	}
}
