package fairshare

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/types"
)

// RequestJobFunc asks the controller agent owning an operation for
// one schedulable job, bounded by ctx's deadline (spec's
// ScheduleJobsTimeout). It stands in for the outbox round-trip
// described in spec §4.6; pkg/shard supplies the real implementation.
type RequestJobFunc func(ctx context.Context, operationID types.OperationID, node *types.ExecNode, limits resource.Vector) (*types.Job, bool)

// ScheduleOnHeartbeat runs the job-scheduling pass for one node
// heartbeat (spec §4.4.2): repeatedly walk the tree picking the
// least-satisfied eligible operation, ask its controller for a job,
// and start it, until the node has no usable free resources or
// overallTimeout elapses.
func ScheduleOnHeartbeat(
	ctx context.Context,
	t *Tree,
	node *types.ExecNode,
	free resource.Vector,
	request RequestJobFunc,
	perRequestTimeout time.Duration,
	overallTimeout time.Duration,
) []*types.Job {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HeartbeatDuration, t.Name)

	deadline := time.Now().Add(overallTimeout)
	var started []*types.Job

	for {
		if time.Now().After(deadline) {
			break
		}
		if free.IsZero() {
			break
		}

		leaf := preschedule(t.totalLimits, t.root, node, free)
		if leaf == nil {
			break
		}

		reqCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
		jobTimer := metrics.NewTimer()
		job, ok := request(reqCtx, leaf.operationID, node, free)
		jobTimer.ObserveDuration(metrics.ScheduleJobDuration)
		cancel()

		if !ok || job == nil {
			leaf.deactivated = true
			log.WithComponent("fairshare").Debug().
				Str("tree", t.Name).
				Str("operation_id", string(leaf.operationID)).
				Str("node_id", string(node.ID)).
				Msg("controller declined schedule-job request, deactivating operation for this heartbeat")
			continue
		}

		free = resource.Max(free.Sub(job.Demand), resource.Zero())
		leaf.resourceUsage = leaf.resourceUsage.Add(job.Demand)
		leaf.resourceDemand = resource.Max(leaf.resourceDemand.Sub(job.Demand), resource.Zero())
		started = append(started, job)
		metrics.JobsScheduledTotal.WithLabelValues(t.Name).Inc()
	}

	return started
}

// preschedule descends from e, at each pool picking the eligible
// child with the minimum satisfactionRatio, and returns the
// operation leaf reached, or nil if no leaf under e is currently
// eligible. totalLimits is the tree's ratio denominator, needed to
// check maxShareRatio.
func preschedule(totalLimits resource.Vector, e *element, node *types.ExecNode, free resource.Vector) *element {
	if e.isOperation() {
		if eligible(totalLimits, e, node, free) {
			return e
		}
		return nil
	}

	candidates := lo.Filter(e.children, func(child *element, _ int) bool {
		return eligibleSubtree(totalLimits, child, node, free)
	})
	for len(candidates) > 0 {
		best := lo.MinBy(candidates, func(a, b *element) bool {
			return a.satisfactionRatio < b.satisfactionRatio
		})
		if leaf := preschedule(totalLimits, best, node, free); leaf != nil {
			return leaf
		}
		candidates = lo.Without(candidates, best)
	}
	return nil
}

// eligibleSubtree reports whether child (a pool or operation leaf)
// could possibly contribute a job: it has pending demand, hasn't
// already reached its maxShareRatio cap and, for operation leaves,
// isn't deactivated for this heartbeat.
func eligibleSubtree(totalLimits resource.Vector, e *element, node *types.ExecNode, free resource.Vector) bool {
	if e.resourceDemand.IsZero() {
		return false
	}
	if overMaxShareRatio(totalLimits, e) {
		return false
	}
	if e.isOperation() {
		return eligible(totalLimits, e, node, free)
	}
	return true
}

// eligible reports whether operation leaf e can be scheduled on node
// given free resources: it has pending demand, passes the node's tag
// filter, isn't deactivated this heartbeat, and wouldn't exceed its
// maxShareRatio or resource limits.
func eligible(totalLimits resource.Vector, e *element, node *types.ExecNode, free resource.Vector) bool {
	if e.deactivated {
		return false
	}
	if e.resourceDemand.IsZero() {
		return false
	}
	if !node.CanSchedule(e.tagFilter) {
		return false
	}
	if !e.resourceLimits.IsZero() && resource.Dominates(e.resourceUsage, e.resourceLimits) {
		return false
	}
	if overMaxShareRatio(totalLimits, e) {
		return false
	}
	return true
}

// overMaxShareRatio reports whether e's current usage, expressed as a
// ratio of the tree's total resource limits, has already reached its
// configured maxShareRatio cap (spec §4.4.2: "would not exceed
// maxShareRatio ... if given the job"). A zero totalLimits (no exec
// nodes registered yet) makes the ratio undefined, so the cap is
// skipped rather than treated as already exceeded.
func overMaxShareRatio(totalLimits resource.Vector, e *element) bool {
	if e.maxShareRatio <= 0 || totalLimits.IsZero() {
		return false
	}
	return resource.DominantRatio(e.resourceUsage, totalLimits) >= e.maxShareRatio
}
