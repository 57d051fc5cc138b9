// Package metrics provides Prometheus instrumentation for stageflow components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace is the metric namespace used when none is configured.
const DefaultNamespace = "stageflow"

// Registry holds all metric instances for stageflow components.
type Registry struct {
	// Pipeline Run Metrics
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	StagesExecuted *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	StagesInFlight prometheus.Gauge

	// Execution Cache Metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge

	// Optimization Rule Metrics
	RulesApplied    *prometheus.CounterVec
	RuleSuccessRate *prometheus.GaugeVec

	// Runner Metrics
	RunnerScheduled    *prometheus.CounterVec
	RunnerRunsInFlight prometheus.Gauge
	RunnerQueueDepth   prometheus.Gauge
}

// DefaultRegistry is the default metrics registry used by stageflow components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus
// registerer and the default namespace.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return newRegistry(reg, DefaultNamespace, nil)
}

// FromConfig creates a metrics registry from a Config. It returns nil when
// metrics are disabled; components treat a nil registry as "do not record".
func FromConfig(cfg Config) *Registry {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return newRegistry(reg, namespace, cfg.Labels)
}

func newRegistry(reg prometheus.Registerer, namespace string, labels prometheus.Labels) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		// Pipeline Run Metrics
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "scheduler",
				Name:        "runs_total",
				Help:        "Total number of pipeline runs",
				ConstLabels: labels,
			},
			[]string{"strategy", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "scheduler",
				Name:        "run_duration_seconds",
				Help:        "Wall-clock duration of pipeline runs",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"strategy"},
		),

		StagesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "scheduler",
				Name:        "stages_executed_total",
				Help:        "Total number of stage executions",
				ConstLabels: labels,
			},
			[]string{"status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "scheduler",
				Name:        "stage_duration_seconds",
				Help:        "Time spent executing individual stages",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"stage"},
		),

		StagesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "scheduler",
				Name:        "stages_inflight",
				Help:        "Number of stages currently executing",
				ConstLabels: labels,
			},
		),

		// Execution Cache Metrics
		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "hits_total",
				Help:        "Total number of cache hits",
				ConstLabels: labels,
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "misses_total",
				Help:        "Total number of cache misses",
				ConstLabels: labels,
			},
		),

		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "evictions_total",
				Help:        "Total number of cache evictions",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "entries",
				Help:        "Current number of cache entries",
				ConstLabels: labels,
			},
		),

		// Optimization Rule Metrics
		RulesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "rules",
				Name:        "applied_total",
				Help:        "Total number of optimization rule applications",
				ConstLabels: labels,
			},
			[]string{"rule", "status"},
		),

		RuleSuccessRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "rules",
				Name:        "success_rate",
				Help:        "Rolling success rate per optimization rule",
				ConstLabels: labels,
			},
			[]string{"rule"},
		),

		// Runner Metrics
		RunnerScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "runner",
				Name:        "scheduled_total",
				Help:        "Total number of runs scheduled",
				ConstLabels: labels,
			},
			[]string{"trigger"},
		),

		RunnerRunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "runner",
				Name:        "runs_inflight",
				Help:        "Number of pipeline runs currently executing",
				ConstLabels: labels,
			},
		),

		RunnerQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "runner",
				Name:        "queue_depth",
				Help:        "Number of runs waiting in the runner queue",
				ConstLabels: labels,
			},
		),
	}
}
