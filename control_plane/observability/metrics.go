// Package observability exposes the process's Prometheus metrics. Grounded
// on control_plane/observability/metrics.go; names and label sets are
// rebased from reconciliation-task vocabulary onto job/agent/queue/dispatch
// vocabulary, and metrics tied to removed features (idempotency locks,
// versioned-write enforcement, degraded-mode) are dropped.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued jobs per priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Current number of jobs in each priority queue",
	}, []string{"priority"})

	// QueueOldestJobAge tracks how long the oldest job in a queue has waited.
	QueueOldestJobAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_oldest_job_age_seconds",
		Help: "Age of the oldest job in a priority queue",
	}, []string{"tenant", "priority"})

	// SchedulerDecisions tracks scheduling outcomes by kind.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"}) // decision/reason: dispatch/claimed, attach_group/build_affinity, skip/no_capable_agent

	// SchedulerTickDuration tracks the wall time of one scheduler tick.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerRejections tracks job submissions rejected by admission control.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_rejections_total",
		Help: "Job submissions rejected by the admission circuit breaker",
	}, []string{"reason"})

	// AdmissionCircuitState tracks the low-priority admission circuit state.
	AdmissionCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_admission_circuit_state",
		Help: "Admission circuit breaker state (1 on the current state's label, 0 on the others)",
	}, []string{"state"})

	// GroupCount tracks the number of live build-affinity groups.
	GroupCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_build_groups_active",
		Help: "Number of live build-affinity groups held by the scheduler",
	})

	// ClaimConflicts tracks claim() calls that lost the race.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_claim_conflicts_total",
		Help: "Total number of claim attempts rejected because the job was no longer claimable",
	})

	// JobRetries tracks retry-driven re-enqueues.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_job_retries_total",
		Help: "Total number of jobs transitioned to retrying",
	})

	// JobCompletions tracks terminal completions by outcome.
	JobCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_job_completions_total",
		Help: "Total number of jobs reaching a terminal state",
	}, []string{"outcome"}) // completed, failed

	// ReconciliationActions tracks jobs reverted by the reconciliation sweep.
	ReconciliationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reconciliation_actions_total",
		Help: "Jobs reverted to pending by the reconciliation sweep",
	}, []string{"reason"}) // dead_agent, runtime_exceeded

	// ConnectedAgents tracks the number of currently live agents.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_connected_agents",
		Help: "Current number of agents considered live",
	})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeaderStatus tracks current leader status of this process.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_leader_status",
		Help: "Current leader status of this process (1 = leader, 0 = follower)",
	})

	// EventPublishFailures tracks failed best-effort event publishes.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"topic"})

	// APIRateLimited tracks requests rejected by the admission rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// StoreLatency tracks store operation roundtrip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_store_roundtrip_latency_seconds",
		Help:    "Store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"op"})
)
