// Package metrics declares the Prometheus metrics exported by the
// scheduler core: fair-share ratios, scheduling/preemption counters,
// outbox/inbox lag, and revival counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fair-share tree metrics
	PoolFairShareRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_pool_fair_share_ratio",
			Help: "Fair-share ratio of the pool within its parent tree",
		},
		[]string{"tree", "pool"},
	)

	PoolUsageRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_pool_usage_ratio",
			Help: "Dominant resource usage ratio of the pool",
		},
		[]string{"tree", "pool"},
	)

	PoolSatisfactionRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_pool_satisfaction_ratio",
			Help: "usageRatio / fairShareRatio for the pool",
		},
		[]string{"tree", "pool"},
	)

	FairShareUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_fair_share_update_duration_seconds",
			Help:    "Time taken by one fair-share update pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job scheduling metrics
	JobsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_scheduled_total",
			Help: "Total number of jobs started on a node heartbeat",
		},
		[]string{"tree"},
	)

	JobsPreemptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_preempted_total",
			Help: "Total number of jobs killed by the preemption pass",
		},
		[]string{"tree", "reason"},
	)

	ScheduleJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_schedule_job_duration_seconds",
			Help:    "Time taken to schedule one job at a heartbeat",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_heartbeat_duration_seconds",
			Help:    "Time taken to process one node heartbeat, per shard",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	// Node shard metrics
	ShardActiveJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_shard_active_jobs",
			Help: "Number of jobs currently tracked by a node shard",
		},
		[]string{"shard"},
	)

	ShardNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_shard_nodes_total",
			Help: "Number of nodes owned by a node shard",
		},
		[]string{"shard"},
	)

	ShardScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_shard_jobs_scheduled_total",
			Help: "Total number of jobs started by a node shard across all heartbeats",
		},
		[]string{"shard"},
	)

	ShardFailedToScheduleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_shard_failed_to_schedule_total",
			Help: "Total number of heartbeats a node shard processed without starting a job",
		},
		[]string{"shard"},
	)

	// Agent protocol metrics
	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_outbox_depth",
			Help: "Number of unacked messages in an outbox",
		},
		[]string{"stream"},
	)

	OutboxAckLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_outbox_ack_lag",
			Help: "Difference between the outbox's highest sequence and the last ack",
		},
		[]string{"stream"},
	)

	StaleIncarnationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_stale_incarnation_rejections_total",
			Help: "Total number of RPCs rejected for carrying a stale incarnation id",
		},
		[]string{"stream"},
	)

	// Operation lifecycle / revival metrics
	OperationsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_operations_by_state",
			Help: "Number of operations currently in each lifecycle state",
		},
		[]string{"state"},
	)

	OperationsRevivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_operations_revived_total",
			Help: "Total number of operations that completed the revival protocol",
		},
	)

	MasterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_master_retries_total",
			Help: "Total number of retried master RPCs, by call site",
		},
		[]string{"call"},
	)

	SnapshotLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_snapshot_load_duration_seconds",
			Help:    "Time taken to load one cluster snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotLoadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_snapshot_load_failures_total",
			Help: "Total number of snapshot loads that failed and restored the previous snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PoolFairShareRatio,
		PoolUsageRatio,
		PoolSatisfactionRatio,
		FairShareUpdateDuration,
		JobsScheduledTotal,
		JobsPreemptedTotal,
		ScheduleJobDuration,
		HeartbeatDuration,
		ShardActiveJobs,
		ShardNodesTotal,
		ShardScheduledTotal,
		ShardFailedToScheduleTotal,
		OutboxDepth,
		OutboxAckLag,
		StaleIncarnationRejectionsTotal,
		OperationsByState,
		OperationsRevivedTotal,
		MasterRetriesTotal,
		SnapshotLoadDuration,
		SnapshotLoadFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
