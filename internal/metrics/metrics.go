// Package metrics exposes Prometheus instrumentation for the accounting
// core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts mutations, sync activity, and integrity events.
type LedgerMetrics struct {
	mutations      *prometheus.CounterVec
	mutationErrors *prometheus.CounterVec
	resets         *prometheus.CounterVec
	syncPushes     *prometheus.CounterVec
	syncRetries    prometheus.Counter
	pendingQueue   prometheus.Gauge
	integrityFails *prometheus.CounterVec
	driftRepairs   prometheus.Counter
	guardRejects   *prometheus.CounterVec
	balanceTotal   prometheus.Gauge
}

var (
	instance *LedgerMetrics
	once     sync.Once
)

// Get returns the process-wide ledger metrics, registering them on first
// use.
func Get() *LedgerMetrics {
	once.Do(func() {
		instance = newLedgerMetrics()
		instance.register()
	})
	return instance
}

func newLedgerMetrics() *LedgerMetrics {
	return &LedgerMetrics{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "ledger",
				Name:      "mutations_total",
				Help:      "Committed ledger mutations partitioned by kind and source.",
			},
			[]string{"kind", "source"},
		),
		mutationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "ledger",
				Name:      "mutation_errors_total",
				Help:      "Rejected mutations partitioned by error type.",
			},
			[]string{"type"},
		),
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "ledger",
				Name:      "resets_total",
				Help:      "Applied daily and monthly resets.",
			},
			[]string{"cycle"},
		),
		syncPushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "sync",
				Name:      "pushes_total",
				Help:      "Usage delta pushes partitioned by result.",
			},
			[]string{"result"},
		),
		syncRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "sync",
				Name:      "retries_total",
				Help:      "Backoff retries of failed pushes.",
			},
		),
		pendingQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tokencore",
				Subsystem: "sync",
				Name:      "pending_queue_depth",
				Help:      "Usage deltas waiting for a successful push.",
			},
		),
		integrityFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "integrity",
				Name:      "failures_total",
				Help:      "Snapshot verification failures partitioned by type.",
			},
			[]string{"type"},
		),
		driftRepairs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "integrity",
				Name:      "drift_repairs_total",
				Help:      "Automatic balance drift repairs.",
			},
		),
		guardRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokencore",
				Subsystem: "guard",
				Name:      "rejections_total",
				Help:      "Earn attempts rejected by the abuse guard.",
			},
			[]string{"reason"},
		),
		balanceTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tokencore",
				Subsystem: "ledger",
				Name:      "balance_total",
				Help:      "Current spendable token total.",
			},
		),
	}
}

func (m *LedgerMetrics) register() {
	prometheus.MustRegister(
		m.mutations,
		m.mutationErrors,
		m.resets,
		m.syncPushes,
		m.syncRetries,
		m.pendingQueue,
		m.integrityFails,
		m.driftRepairs,
		m.guardRejects,
		m.balanceTotal,
	)
}

func (m *LedgerMetrics) RecordMutation(kind, source string) {
	m.mutations.WithLabelValues(kind, source).Inc()
}

func (m *LedgerMetrics) RecordMutationError(errorType string) {
	m.mutationErrors.WithLabelValues(errorType).Inc()
}

func (m *LedgerMetrics) RecordReset(cycle string) {
	m.resets.WithLabelValues(cycle).Inc()
}

func (m *LedgerMetrics) RecordSyncPush(result string) {
	m.syncPushes.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) RecordSyncRetry() {
	m.syncRetries.Inc()
}

func (m *LedgerMetrics) SetPendingQueueDepth(n int) {
	m.pendingQueue.Set(float64(n))
}

func (m *LedgerMetrics) RecordIntegrityFailure(failureType string) {
	m.integrityFails.WithLabelValues(failureType).Inc()
}

func (m *LedgerMetrics) RecordDriftRepair() {
	m.driftRepairs.Inc()
}

func (m *LedgerMetrics) RecordGuardRejection(reason string) {
	m.guardRejects.WithLabelValues(reason).Inc()
}

func (m *LedgerMetrics) SetBalanceTotal(total uint64) {
	m.balanceTotal.Set(float64(total))
}
