package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseDuration tracks how long each phase attempt took
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bootwatch_phase_duration_seconds",
			Help:    "Phase attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase", "status"},
	)

	// PhaseAttempts counts phase starts
	PhaseAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_phase_attempts_total",
			Help: "Total number of phase attempts",
		},
		[]string{"phase"},
	)

	// PhaseOutcomes counts terminal phase states
	PhaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_phase_outcomes_total",
			Help: "Total number of terminal phase outcomes",
		},
		[]string{"phase", "status"},
	)

	// Rollbacks counts rollback attempts per phase
	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_rollbacks_total",
			Help: "Total number of phase rollbacks",
		},
		[]string{"phase", "result"},
	)

	// RunMode is 0 for full, 1 for limited and 2 for recovery
	RunMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bootwatch_run_mode",
			Help: "Aggregate mode of the latest boot run (0=full, 1=limited, 2=recovery)",
		},
	)

	// RunsTotal counts boot runs by final mode
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_runs_total",
			Help: "Total number of boot runs",
		},
		[]string{"mode"},
	)

	// ErrorsRecorded counts classified errors
	ErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_errors_total",
			Help: "Total number of classified startup errors",
		},
		[]string{"category", "severity"},
	)

	// ErrorsEscalated counts escalated error keys
	ErrorsEscalated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_errors_escalated_total",
			Help: "Total number of escalated error keys",
		},
		[]string{"category"},
	)

	// ResourceLoads counts resource load results
	ResourceLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_resource_loads_total",
			Help: "Total number of resource loads",
		},
		[]string{"priority", "result"},
	)

	// ResourceLatency tracks resource load latency
	ResourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bootwatch_resource_latency_seconds",
			Help:    "Resource load latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	// NetworkQuality is 0 for fast up to 3 for offline
	NetworkQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bootwatch_network_quality",
			Help: "Current network quality tier (0=fast, 3=offline)",
		},
	)

	// ComponentHealth is 1 healthy, 2 degraded, 3 unhealthy, 0 unknown
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bootwatch_component_health",
			Help: "Component health (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"component"},
	)

	// TriggersFired counts fired recovery triggers
	TriggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_triggers_fired_total",
			Help: "Total number of fired recovery triggers",
		},
		[]string{"trigger", "action"},
	)

	// RecoveryActions counts executed recovery actions
	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootwatch_recovery_actions_total",
			Help: "Total number of executed recovery actions",
		},
		[]string{"action", "result"},
	)

	// HistoryPruned counts pruned run records
	HistoryPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bootwatch_history_pruned_total",
			Help: "Total number of pruned run history records",
		},
	)

	// DBConnectionPoolUsage tracks history database pool usage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bootwatch_db_connection_pool_usage_percent",
			Help: "History database connection pool usage percentage",
		},
	)
)
