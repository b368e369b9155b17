package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the business counters exported on /metrics. A nil *Metrics is a
// valid no-op so tests can build a Service without a registry.
type Metrics struct {
	LockAcquisitions  *prometheus.CounterVec
	LockReleases      *prometheus.CounterVec
	LocksReclaimed    prometheus.Counter
	StageTransitions  *prometheus.CounterVec
	SettledAmount     *prometheus.CounterVec
	HoldAmount        *prometheus.CounterVec
	ConsistencyErrors *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_lock_acquisitions_total",
			Help: "Lock acquisition attempts by request kind, department and result",
		}, []string{"kind", "department", "result"}),
		LockReleases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_lock_releases_total",
			Help: "Lock releases by request kind, department and reason",
		}, []string{"kind", "department", "reason"}),
		LocksReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cashflow_locks_reclaimed_total",
			Help: "Expired leases reset by the sweeper",
		}),
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_stage_transitions_total",
			Help: "Lifecycle stage transitions",
		}, []string{"kind", "from", "to"}),
		SettledAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_settled_amount_total",
			Help: "Money settled against withdrawals",
		}, []string{"source"}),
		HoldAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_hold_amount_total",
			Help: "Money reserved or released on withdrawal holds",
		}, []string{"direction"}),
		ConsistencyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_consistency_errors_total",
			Help: "Operations halted by a balance consistency violation",
		}, []string{"flow"}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cashflow_job_duration_seconds",
			Help:    "Duration of scheduled jobs",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) lockAttempt(kind, department, result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(kind, department, result).Inc()
}

func (m *Metrics) lockReleased(kind, department, reason string) {
	if m == nil {
		return
	}
	m.LockReleases.WithLabelValues(kind, department, reason).Inc()
}

func (m *Metrics) reclaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.LocksReclaimed.Add(float64(n))
}

func (m *Metrics) transition(kind, from, to string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(kind, from, to).Inc()
}

func (m *Metrics) settled(source string, amount float64) {
	if m == nil {
		return
	}
	m.SettledAmount.WithLabelValues(source).Add(amount)
}

func (m *Metrics) hold(direction string, amount float64) {
	if m == nil {
		return
	}
	m.HoldAmount.WithLabelValues(direction).Add(amount)
}

func (m *Metrics) consistency(flow string) {
	if m == nil {
		return
	}
	m.ConsistencyErrors.WithLabelValues(flow).Inc()
}

func (m *Metrics) jobTimer(job string) *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.SweepDuration.WithLabelValues(job))
}
