package metrics

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/dexsync/pkg/types"
)

// DefaultWindowSize is the number of recent samples a LatencyWindow keeps.
const DefaultWindowSize = 1024

// LatencyWindow keeps the most recent latency samples for percentile
// reporting. Count, min, max and avg cover every sample ever added; the
// percentiles and buckets cover the window only.
type LatencyWindow struct {
	mu sync.Mutex

	samples []float64 // ms, ring
	next    int
	full    bool

	count int64
	sum   float64
	min   float64
	max   float64

	bounds []time.Duration
}

// NewLatencyWindow creates a window of size samples, bucketed by bounds.
func NewLatencyWindow(size int, bounds ...time.Duration) *LatencyWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &LatencyWindow{
		samples: make([]float64, size),
		min:     math.MaxFloat64,
		bounds:  bounds,
	}
}

// Observe records one latency.
func (w *LatencyWindow) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}

	w.count++
	w.sum += ms
	w.min = min(w.min, ms)
	w.max = max(w.max, ms)
}

// Stats returns the current statistics, or nil when nothing was observed.
func (w *LatencyWindow) Stats() *types.LatencyStats {
	w.mu.Lock()
	if w.count == 0 {
		w.mu.Unlock()
		return nil
	}
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := slices.Clone(w.samples[:n])
	stats := &types.LatencyStats{
		Count: int(w.count),
		Min:   w.min,
		Max:   w.max,
		Avg:   w.sum / float64(w.count),
	}
	w.mu.Unlock()

	slices.Sort(sorted)
	stats.P50 = percentile(sorted, 0.50)
	stats.P90 = percentile(sorted, 0.90)
	stats.P99 = percentile(sorted, 0.99)
	stats.Buckets = w.bucketize(sorted)
	return stats
}

func (w *LatencyWindow) bucketize(sorted []float64) []types.LatencyBucket {
	if len(w.bounds) == 0 {
		return nil
	}
	buckets := make([]types.LatencyBucket, len(w.bounds)+1)
	lower := time.Duration(0)
	for i, b := range w.bounds {
		buckets[i].Label = fmt.Sprintf("%s-%s", lower, b)
		lower = b
	}
	buckets[len(w.bounds)].Label = fmt.Sprintf("%s+", lower)

	for _, ms := range sorted {
		i := 0
		for i < len(w.bounds) && ms >= float64(w.bounds[i])/float64(time.Millisecond) {
			i++
		}
		buckets[i].Count++
	}
	return buckets
}

// percentile interpolates the p-th percentile of sorted.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Reset drops every sample.
func (w *LatencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = 0
	w.full = false
	w.count = 0
	w.sum = 0
	w.min = math.MaxFloat64
	w.max = 0
}
