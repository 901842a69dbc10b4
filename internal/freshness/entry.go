package freshness

import (
	"sync"
	"time"
)

// entry is one cached field.
type entry struct {
	key   Key
	fetch FetchFunc
	ttl   time.Duration
	cell  *Cell

	mu sync.Mutex
	// lastFetchedAt is the completion time of the last successful fetch that
	// is still considered fresh. Zero means stale.
	lastFetchedAt time.Time
	// appliedAt is the start time of the fetch whose value the cell holds.
	appliedAt time.Time
	// gen is bumped by Invalidate so in-flight fetches cannot mark the
	// entry fresh again.
	gen uint64

	lastCtx FetchContext
	hasCtx  bool

	fetches  uint64
	failures uint64
	inFlight int
	lastErr  string
}

func newEntry(key Key, spec Spec) *entry {
	return &entry{
		key:   key,
		fetch: spec.Fetch,
		ttl:   spec.TTL,
		cell:  newCell(spec.Default),
	}
}

// staleAt reports whether the entry needs a fetch at now. Called with mu held.
func (e *entry) staleAt(now time.Time) bool {
	if e.lastFetchedAt.IsZero() {
		return true
	}
	return now.Sub(e.lastFetchedAt) >= e.ttl
}

func (e *entry) isStale(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.staleAt(now)
}

// remember stores the context of the latest read. Called with mu held.
func (e *entry) remember(fc FetchContext) {
	e.lastCtx = fc
	e.hasCtx = true
}

// EntrySnapshot is a point-in-time view of an entry.
type EntrySnapshot struct {
	Key           string        `json:"key"`
	Value         any           `json:"value"`
	Version       uint64        `json:"version"`
	LastFetchedAt time.Time     `json:"lastFetchedAt"`
	TTL           time.Duration `json:"ttl"`
	Stale         bool          `json:"stale"`
	Fetches       uint64        `json:"fetches"`
	Failures      uint64        `json:"failures"`
	InFlight      int           `json:"inFlight"`
	LastError     string        `json:"lastError,omitempty"`
}

func (e *entry) snapshot(now time.Time) EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntrySnapshot{
		Key:           e.key.String(),
		Value:         e.cell.Value(),
		Version:       e.cell.Version(),
		LastFetchedAt: e.lastFetchedAt,
		TTL:           e.ttl,
		Stale:         e.staleAt(now),
		Fetches:       e.fetches,
		Failures:      e.failures,
		InFlight:      e.inFlight,
		LastError:     e.lastErr,
	}
}
