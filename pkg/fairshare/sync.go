package fairshare

import (
	"time"

	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/types"
)

// accumulateRunningStats folds one running job's dominant-resource
// consumption into a pool's RunningJobStatistics (spec's dominant
// resource share reporting, carried over from the original's
// TRunningJobStatistics).
func accumulateRunningStats(stats *types.RunningJobStatistics, job *types.Job) {
	elapsed := time.Since(job.StartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	cpuSeconds := job.Demand.CPU * elapsed
	gpuSeconds := float64(job.Demand.GPU) * elapsed

	stats.TotalCPUSeconds += cpuSeconds
	stats.TotalGPUSeconds += gpuSeconds
	if job.Preemptability != types.PreemptNone {
		stats.PreemptableCPUSeconds += cpuSeconds
		stats.PreemptableGPUSeconds += gpuSeconds
	}
}

func addRunningStats(a, b types.RunningJobStatistics) types.RunningJobStatistics {
	return types.RunningJobStatistics{
		TotalCPUSeconds:       a.TotalCPUSeconds + b.TotalCPUSeconds,
		PreemptableCPUSeconds: a.PreemptableCPUSeconds + b.PreemptableCPUSeconds,
		TotalGPUSeconds:       a.TotalGPUSeconds + b.TotalGPUSeconds,
		PreemptableGPUSeconds: a.PreemptableGPUSeconds + b.PreemptableGPUSeconds,
	}
}

// SyncPoolDynamics writes the tree's post-Update() dynamic attributes
// (including RunningJobStatistics) back into snap's Pool entities, so
// the orchid read tree (pkg/api) can report them without reaching
// into the fair-share tree's unexported element type directly.
func (t *Tree) SyncPoolDynamics(snap *snapshot.Snapshot) {
	for poolID, el := range t.pools {
		pool, ok := snap.Pools[poolID]
		if !ok {
			continue
		}
		pool.Dynamic = types.PoolDynamicAttributes{
			ResourceDemand:          el.resourceDemand,
			ResourceUsage:           el.resourceUsage,
			PossibleUsage:           el.possibleUsage,
			FairShareRatio:          el.fairShareRatio,
			GuaranteedResourceRatio: el.guaranteedResourceRatio,
			AdjustedMinShareRatio:   el.adjustedMinShareRatio,
			SatisfactionRatio:       el.satisfactionRatio,
			DemandRatio:             el.demandRatio,
			BestAllocationRatio:     el.bestAllocationRatio,
			RunningJobStatistics:    poolRunningStats(el),
		}
	}
}

// poolRunningStats sums a pool subtree's running-job statistics,
// including every descendant operation leaf's contribution.
func poolRunningStats(e *element) types.RunningJobStatistics {
	if e.isOperation() {
		return e.runningStats
	}
	total := types.RunningJobStatistics{}
	for _, child := range e.children {
		total = addRunningStats(total, poolRunningStats(child))
	}
	return total
}
