package fairshare

import (
	"sort"

	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/types"
)

// PreemptionTolerance configures the preemption pass: a job is
// preemptable if its owning operation's usageRatio exceeds
// fairShareRatio*Normal (or *Aggressive for operations flagged as
// starving).
type PreemptionTolerance struct {
	Normal     float64
	Aggressive float64
}

// PreemptableJob pairs a running job with the operation whose
// over-share makes it a preemption candidate.
type PreemptableJob struct {
	Job         *types.Job
	OperationID types.OperationID
}

// IdentifyPreemptable scans runningJobs and returns those belonging
// to an operation currently over its fair share by more than the
// configured tolerance, oldest-first (spec's kill order). starving
// names operations that should use the aggressive tolerance tier
// instead of the normal one.
func IdentifyPreemptable(t *Tree, runningJobs []*types.Job, tolerance PreemptionTolerance, starving map[types.OperationID]bool) []PreemptableJob {
	var candidates []PreemptableJob

	for _, job := range runningJobs {
		leaf, ok := t.operations[job.OperationID]
		if !ok {
			continue
		}
		if job.Preemptability == types.PreemptNone {
			continue
		}

		limit := tolerance.Normal
		if starving[job.OperationID] {
			limit = tolerance.Aggressive
		}
		if leaf.satisfactionRatio <= limit+Epsilon && !overHardLimit(leaf) {
			continue
		}

		candidates = append(candidates, PreemptableJob{Job: job, OperationID: job.OperationID})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Job.StartTime.Before(candidates[j].Job.StartTime)
	})

	return candidates
}

// overHardLimit reports whether a leaf's usage exceeds its hard
// resource limit, independent of fair-share tolerance — such jobs
// are always preemption candidates (spec §4.4.3: "restore any
// operation or pool whose usage exceeds its hard resource-limit").
func overHardLimit(e *element) bool {
	if e.resourceLimits.IsZero() {
		return false
	}
	return resource.Dominates(e.resourceUsage, e.resourceLimits)
}

// SelectForPreemption walks candidates oldest-first, accumulating a
// discount until it dominates needed, and returns the jobs to kill.
// A job is never selected to free room for another job of the same
// operation (spec invariant).
func SelectForPreemption(candidates []PreemptableJob, needed resource.Vector, protectOperation types.OperationID) ([]*types.Job, resource.Vector) {
	discount := resource.Zero()
	var toKill []*types.Job

	for _, c := range candidates {
		if resource.Dominates(discount, needed) {
			break
		}
		if c.OperationID == protectOperation {
			continue
		}
		toKill = append(toKill, c.Job)
		discount = discount.Add(c.Job.Demand)
	}

	return toKill, discount
}

// RecordPreemption increments the preempted-jobs counter for tree t,
// tagged with reason (e.g. "fair_share" or "resource_limit").
func RecordPreemption(t *Tree, reason string, count int) {
	metrics.JobsPreemptedTotal.WithLabelValues(t.Name, reason).Add(float64(count))
}
