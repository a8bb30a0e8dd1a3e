package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"weaver/internal/errors"
)

// Metrics exposes Prometheus collectors reporting runtime, scheduler
// and breaker activity. It satisfies runtime.Observer and
// scheduler.Observer; BreakerHook plugs into the breaker manager.
type Metrics struct {
	executionsStarted *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge
	taskDuration      *prometheus.HistogramVec
	taskFailures      *prometheus.CounterVec
	taskRetries       *prometheus.CounterVec
	tasksActive       prometheus.Gauge
	queueDepth        *prometheus.GaugeVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	schedulerFires  *prometheus.CounterVec
	schedulerSkips  *prometheus.CounterVec
	schedulerLeader prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered
// with the global Prometheus registry. The collectors are created only
// once so multiple orchestrator instances in one process never trip a
// duplicate registration panic.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the provided
// registerer. Tests pass a fresh registry; passing one that already
// holds these collectors reuses them, and any other registration error
// panics, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		executionsStarted: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "executions_started_total",
				Help:      "Executions picked up by the runtime, by trigger origin.",
			},
			[]string{"origin"},
		)),
		executionDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "execution_duration_seconds",
				Help:      "Wall time from execution start to its terminal status.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"status"},
		)),
		executionsActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "executions_active",
				Help:      "Executions currently running on this node.",
			},
		)),
		taskDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "task_duration_seconds",
				Help:      "Task wall time across all attempts, by agent and terminal status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent", "status"},
		)),
		taskFailures: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "task_failures_total",
				Help:      "Tasks that ended failed, by agent and error kind.",
			},
			[]string{"agent", "kind"},
		)),
		taskRetries: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "task_retries_total",
				Help:      "Attempts beyond the first, by agent.",
			},
			[]string{"agent"},
		)),
		tasksActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "tasks_active",
				Help:      "Tasks currently dispatched to agents on this node.",
			},
		)),
		queueDepth: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "weaver",
				Subsystem: "runtime",
				Name:      "queue_depth",
				Help:      "Executions waiting in the submission queue, by priority band.",
			},
			[]string{"priority"},
		)),
		breakerState: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "weaver",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit state per (agentType, action) key: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"key"},
		)),
		breakerTransitions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weaver",
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Breaker state changes, by key and resulting state.",
			},
			[]string{"key", "state"},
		)),
		schedulerFires: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weaver",
				Subsystem: "scheduler",
				Name:      "fires_total",
				Help:      "Cron slots turned into executions, by workflow.",
			},
			[]string{"workflow"},
		)),
		schedulerSkips: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weaver",
				Subsystem: "scheduler",
				Name:      "skips_total",
				Help:      "Cron slots not fired, by workflow and reason.",
			},
			[]string{"workflow", "reason"},
		)),
		schedulerLeader: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weaver",
				Subsystem: "scheduler",
				Name:      "leader",
				Help:      "1 while this node holds the scheduler lease.",
			},
		)),
	}
}

// register adds the collector to the registry, reusing the existing
// collector of the same shape instead of failing on re-registration.
func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ExecutionStarted implements runtime.Observer.
func (m *Metrics) ExecutionStarted(origin string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(origin).Inc()
	m.executionsActive.Inc()
}

// ExecutionFinished implements runtime.Observer.
func (m *Metrics) ExecutionFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
	m.executionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// TaskStarted implements runtime.Observer.
func (m *Metrics) TaskStarted(agentType string) {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished implements runtime.Observer. kind is empty unless the
// task failed; retries counts attempts beyond the first.
func (m *Metrics) TaskFinished(agentType, status, kind string, retries int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.taskDuration.WithLabelValues(agentType, status).Observe(elapsed.Seconds())
	if kind != "" {
		m.taskFailures.WithLabelValues(agentType, kind).Inc()
	}
	if retries > 0 {
		m.taskRetries.WithLabelValues(agentType).Add(float64(retries))
	}
}

// QueueDepth implements runtime.Observer.
func (m *Metrics) QueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// Fired implements scheduler.Observer.
func (m *Metrics) Fired(workflowID string) {
	if m == nil {
		return
	}
	m.schedulerFires.WithLabelValues(workflowID).Inc()
}

// Skipped implements scheduler.Observer.
func (m *Metrics) Skipped(workflowID, reason string, slots int64) {
	if m == nil {
		return
	}
	m.schedulerSkips.WithLabelValues(workflowID, reason).Add(float64(slots))
}

// Leadership implements scheduler.Observer.
func (m *Metrics) Leadership(leading bool) {
	if m == nil {
		return
	}
	if leading {
		m.schedulerLeader.Set(1)
	} else {
		m.schedulerLeader.Set(0)
	}
}

// BreakerHook returns the state-change callback for the breaker
// manager, or nil when metrics are disabled.
func (m *Metrics) BreakerHook() func(key string, from, to errors.CircuitState) {
	if m == nil {
		return nil
	}
	return func(key string, from, to errors.CircuitState) {
		m.breakerState.WithLabelValues(key).Set(float64(to))
		m.breakerTransitions.WithLabelValues(key, to.String()).Inc()
	}
}
