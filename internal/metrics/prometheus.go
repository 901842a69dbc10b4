// Package metrics exports cache and orchestration metrics to Prometheus and
// keeps short latency windows for the stats API.
package metrics

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

// Metrics implements the observer interfaces of the cache, the executor,
// the invalidator and the chain package.
type Metrics struct {
	// Cache
	CacheReads         *prometheus.CounterVec
	CacheFetches       *prometheus.CounterVec
	CacheSkipped       *prometheus.CounterVec
	CacheFetchTime     *prometheus.HistogramVec
	FetchesInFlight    prometheus.Gauge
	QueryInvalidations *prometheus.CounterVec
	KeysInvalidated    prometheus.Counter

	// Orchestration
	QueuesTotal    *prometheus.CounterVec
	QueuesRunning  prometheus.Gauge
	StepsTotal     *prometheus.CounterVec
	StepErrors     *prometheus.CounterVec
	QueueDuration  prometheus.Histogram
	ConfirmLatency prometheus.Histogram

	// Chain
	TxTotal    *prometheus.CounterVec
	PendingTxs prometheus.Gauge
	RPCLatency *prometheus.HistogramVec

	tracker  *TxTracker
	confirms *LatencyWindow
	fetches  *LatencyWindow
}

// New creates and registers all metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		CacheReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_cache_reads_total",
				Help: "Cache reads by field and freshness",
			},
			[]string{"field", "result"},
		),

		CacheFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_cache_fetches_total",
				Help: "Background fetches by field and status",
			},
			[]string{"field", "status"},
		),

		CacheSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_cache_fetches_skipped_total",
				Help: "Background fetches dropped because all fetch slots were busy",
			},
			[]string{"field"},
		),

		CacheFetchTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dexsync_cache_fetch_seconds",
				Help:    "Background fetch duration by field",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"field"},
		),

		FetchesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dexsync_cache_fetches_in_flight",
				Help: "Background fetches currently running",
			},
		),

		QueryInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_query_invalidations_total",
				Help: "Post-commit query invalidations",
			},
			[]string{"query"},
		),

		KeysInvalidated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dexsync_cache_keys_invalidated_total",
				Help: "Cache keys marked stale by post-commit invalidation",
			},
		),

		QueuesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_queues_total",
				Help: "Finished transaction queues by final state",
			},
			[]string{"state"},
		),

		QueuesRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dexsync_queues_running",
				Help: "Transaction queues currently running",
			},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_steps_total",
				Help: "Step status transitions",
			},
			[]string{"status"},
		),

		StepErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_step_errors_total",
				Help: "Queue failures by error kind",
			},
			[]string{"kind"},
		),

		QueueDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dexsync_queue_duration_seconds",
				Help:    "Time from queue start until its last submission or failure",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),

		ConfirmLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dexsync_confirmation_latency_seconds",
				Help:    "Time from sending a transaction until its receipt was seen",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_transactions_total",
				Help: "Transactions by status",
			},
			[]string{"status"},
		),

		PendingTxs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dexsync_pending_transactions",
				Help: "Sent transactions awaiting a receipt",
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dexsync_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		tracker:  NewTxTracker(DefaultMaxTrackedTxs),
		confirms: NewLatencyWindow(DefaultWindowSize, time.Second, 5*time.Second, 15*time.Second),
		fetches:  NewLatencyWindow(DefaultWindowSize, 50*time.Millisecond, 250*time.Millisecond, time.Second),
	}
}

var (
	_ freshness.Observer = (*Metrics)(nil)
	_ txqueue.Observer   = (*Metrics)(nil)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ReadServed implements freshness.Observer.
func (m *Metrics) ReadServed(field string, stale bool) {
	result := "fresh"
	if stale {
		result = "stale"
	}
	m.CacheReads.WithLabelValues(field, result).Inc()
}

// FetchStarted implements freshness.Observer.
func (m *Metrics) FetchStarted(field string) {
	m.FetchesInFlight.Inc()
}

// FetchFinished implements freshness.Observer.
func (m *Metrics) FetchFinished(field string, elapsed time.Duration, err error) {
	m.FetchesInFlight.Dec()
	m.CacheFetches.WithLabelValues(field, status(err)).Inc()
	m.CacheFetchTime.WithLabelValues(field).Observe(elapsed.Seconds())
	if err == nil {
		m.fetches.Observe(elapsed)
	}
}

// FetchSkipped implements freshness.Observer.
func (m *Metrics) FetchSkipped(field string) {
	m.CacheSkipped.WithLabelValues(field).Inc()
}

// QueryInvalidated implements invalidator.Observer.
func (m *Metrics) QueryInvalidated(q freshness.QueryID, keys int) {
	m.QueryInvalidations.WithLabelValues(string(q)).Inc()
	m.KeysInvalidated.Add(float64(keys))
}

// QueueStarted implements txqueue.Observer.
func (m *Metrics) QueueStarted(snap txqueue.Snapshot) {
	m.QueuesRunning.Inc()
}

// StepChanged implements txqueue.Observer.
func (m *Metrics) StepChanged(queueID string, step txqueue.StepSnapshot) {
	m.StepsTotal.WithLabelValues(step.Status.String()).Inc()
}

// QueueFinished implements txqueue.Observer.
func (m *Metrics) QueueFinished(snap txqueue.Snapshot) {
	m.QueuesRunning.Dec()
	m.QueuesTotal.WithLabelValues(snap.State.String()).Inc()
	if snap.ErrorKind != "" {
		m.StepErrors.WithLabelValues(snap.ErrorKind).Inc()
	}
	if !snap.FinishedAt.IsZero() {
		m.QueueDuration.Observe(snap.FinishedAt.Sub(snap.CreatedAt).Seconds())
	}
}

// knownRPCMethods bounds the method label to prevent cardinality explosion.
var knownRPCMethods = map[string]bool{
	"eth_call":                  true,
	"eth_estimateGas":           true,
	"eth_sendRawTransaction":    true,
	"eth_getTransactionReceipt": true,
	"eth_getTransactionCount":   true,
	"eth_getBalance":            true,
	"eth_blockNumber":           true,
	"eth_gasPrice":              true,
	"eth_getBlockByNumber":      true,
	"eth_chainId":               true,
}

// RPCCall implements chain.RPCObserver.
func (m *Metrics) RPCCall(method string, elapsed time.Duration, err error) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	m.RPCLatency.WithLabelValues(method, status(err)).Observe(elapsed.Seconds())
}

// TxSent implements chain.TxObserver.
func (m *Metrics) TxSent(hash common.Hash, at time.Time) {
	m.TxTotal.WithLabelValues("sent").Inc()
	m.tracker.Add(hash, at)
	m.PendingTxs.Set(float64(m.tracker.Len()))
}

// TxMined implements chain.TxObserver.
func (m *Metrics) TxMined(hash common.Hash, receiptStatus uint64, at time.Time) {
	if receiptStatus == txqueue.ReceiptStatusSuccessful {
		m.TxTotal.WithLabelValues("confirmed").Inc()
	} else {
		m.TxTotal.WithLabelValues("reverted").Inc()
	}
	if sentAt, ok := m.tracker.Take(hash); ok {
		latency := at.Sub(sentAt)
		m.ConfirmLatency.Observe(latency.Seconds())
		m.confirms.Observe(latency)
	}
	m.PendingTxs.Set(float64(m.tracker.Len()))
}

// Stats returns the latency windows and pending transaction count.
func (m *Metrics) Stats() types.Stats {
	return types.Stats{
		PendingTxs:    m.tracker.Len(),
		Confirmations: m.confirms.Stats(),
		Fetches:       m.fetches.Stats(),
	}
}
