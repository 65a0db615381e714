package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics exposes counters for the contended paths: optimistic retries,
// claim races, lock waits and progress reporting.
type Metrics struct {
	registry *prometheus.Registry

	LedgerOperations *prometheus.CounterVec
	CASRetries       *prometheus.CounterVec
	ClaimOutcomes    *prometheus.CounterVec
	ProgressReports  *prometheus.CounterVec
	LockWaitSeconds  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rowledger_ledger_operations_total",
			Help: "Ledger operations by op and outcome.",
		}, []string{"op", "outcome"}),
		CASRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rowledger_cas_retries_total",
			Help: "Conditional-write conflicts that triggered a retry.",
		}, []string{"resource"}),
		ClaimOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rowledger_claim_outcomes_total",
			Help: "Job claim attempts by outcome.",
		}, []string{"outcome"}),
		ProgressReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rowledger_progress_reports_total",
			Help: "Progress reports by result.",
		}, []string{"result"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rowledger_lock_wait_seconds",
			Help:    "Time spent waiting on named mutex acquisition.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.LedgerOperations,
		m.CASRetries,
		m.ClaimOutcomes,
		m.ProgressReports,
		m.LockWaitSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) IncLedgerOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncCASRetry(resource string) {
	if m == nil {
		return
	}
	m.CASRetries.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncClaimOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ClaimOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncProgressReport(result string) {
	if m == nil {
		return
	}
	m.ProgressReports.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(seconds)
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
