package fairshare

import (
	"sort"

	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/types"
)

// Update runs one fair-share update pass over the tree (spec §4.4.1):
// reset, postorder aggregate demand/usage, then preorder apportion
// fair-share ratio down from the root and compute every node's
// satisfaction ratio.
func (t *Tree) Update() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FairShareUpdateDuration)

	resetDynamic(t.root)
	aggregate(t.root)

	t.root.fairShareRatio = 1.0
	t.root.guaranteedResourceRatio = 1.0
	apportion(t.root, t.totalLimits)

	computeSatisfaction(t.root, t.totalLimits)

	for poolID, pool := range t.pools {
		metrics.PoolFairShareRatio.WithLabelValues(t.Name, string(poolID)).Set(pool.fairShareRatio)
		metrics.PoolUsageRatio.WithLabelValues(t.Name, string(poolID)).
			Set(resource.DominantRatio(pool.resourceUsage, t.totalLimits))
		metrics.PoolSatisfactionRatio.WithLabelValues(t.Name, string(poolID)).Set(pool.satisfactionRatio)
	}

	log.WithComponent("fairshare").Debug().
		Str("tree", t.Name).
		Float64("root_usage_ratio", resource.DominantRatio(t.root.resourceUsage, t.totalLimits)).
		Int("pool_count", len(t.pools)).
		Int("operation_count", len(t.operations)).
		Msg("fair-share update pass complete")
}

// resetDynamic zeroes every allocated attribute and, on pools, the
// demand-derived totals that aggregate re-sums, leaving static
// configuration (weight, min-share, mode, ...) intact. Operation
// leaves keep the demand/usage/possibleUsage they already carry.
func resetDynamic(e *element) {
	if !e.isOperation() {
		e.resourceDemand = resource.Zero()
		e.resourceUsage = resource.Zero()
		e.possibleUsage = resource.Zero()
	}
	e.fairShareRatio = 0
	e.guaranteedResourceRatio = 0
	e.adjustedMinShareRatio = 0
	e.satisfactionRatio = 0
	e.demandRatio = 0
	e.bestAllocationRatio = 0

	if e.isOperation() {
		return
	}
	for _, child := range e.children {
		resetDynamic(child)
	}
}

// aggregate recomputes demand/usage/possibleUsage bottom-up.
// Operation leaves already carry their own totals from Build (as
// adjusted since by ScheduleOnHeartbeat or DischargeUsage); pools sum
// their children's.
func aggregate(e *element) {
	if e.isOperation() {
		return
	}
	e.resourceDemand = resource.Zero()
	e.resourceUsage = resource.Zero()
	e.possibleUsage = resource.Zero()
	for _, child := range e.children {
		aggregate(child)
		e.resourceDemand = e.resourceDemand.Add(child.resourceDemand)
		e.resourceUsage = e.resourceUsage.Add(child.resourceUsage)
		e.possibleUsage = e.possibleUsage.Add(child.possibleUsage)
	}
}

// apportion distributes e's fairShareRatio among its children,
// respecting scheduling mode, then recurses.
func apportion(e *element, totalLimits resource.Vector) {
	if e.isOperation() || len(e.children) == 0 {
		return
	}

	if e.mode == types.ModeFIFO {
		apportionFIFO(e, totalLimits)
	} else {
		apportionWaterFill(e, totalLimits)
	}

	for _, child := range e.children {
		apportion(child, totalLimits)
	}
}

// apportionFIFO gives the lexicographically first unsatisfied child
// (ordered by start-time, then weight descending, then pending-job
// count ascending — the spec's fifoSortParameters) the parent's
// entire remaining share until its demand is met, then moves to the
// next child. Ties broken by stable insertion order.
func apportionFIFO(e *element, totalLimits resource.Vector) {
	ordered := make([]*element, len(e.children))
	copy(ordered, e.children)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.startTime.Equal(b.startTime) {
			return a.startTime.Before(b.startTime)
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return a.pendingJobCount < b.pendingJobCount
	})

	remaining := e.fairShareRatio
	for _, child := range ordered {
		if remaining <= 0 {
			child.fairShareRatio = 0
			continue
		}
		demandRatio := resource.DominantRatio(child.resourceDemand, totalLimits)
		share := demandRatio
		if share > remaining {
			share = remaining
		}
		child.fairShareRatio = share
		remaining -= share
	}
}

// apportionWaterFill runs the round-based water-filling algorithm:
// sort by demandRatio/weight ascending, then repeatedly give every
// under-satisfied child its weight-proportional slice of what's left
// up to its demand, removing satisfied children and redistributing
// the remainder.
func apportionWaterFill(e *element, totalLimits resource.Vector) {
	type candidate struct {
		el          *element
		demandRatio float64
		satisfied   bool
		allocated   float64
	}

	candidates := make([]*candidate, len(e.children))
	totalWeight := 0.0
	for i, child := range e.children {
		dr := resource.DominantRatio(child.resourceDemand, totalLimits)
		candidates[i] = &candidate{el: child, demandRatio: dr}
		totalWeight += child.weight
	}

	remaining := e.fairShareRatio

	for {
		active := make([]*candidate, 0, len(candidates))
		activeWeight := 0.0
		for _, c := range candidates {
			if !c.satisfied {
				active = append(active, c)
				activeWeight += c.el.weight
			}
		}
		if len(active) == 0 || remaining <= 0 || activeWeight == 0 {
			break
		}

		sort.SliceStable(active, func(i, j int) bool {
			ri := active[i].demandRatio / active[i].el.weight
			rj := active[j].demandRatio / active[j].el.weight
			return ri < rj
		})

		// Slices are computed against this round's starting remaining
		// and activeWeight so every active child's slice is
		// proportional to its weight among its peers, not skewed by
		// the order child slices happen to be processed in.
		roundRemaining := remaining
		consumed := 0.0
		progressed := false
		for _, c := range active {
			slice := roundRemaining * (c.el.weight / activeWeight)
			need := c.demandRatio - c.allocated
			if need <= slice {
				if need > 0 {
					c.allocated += need
					consumed += need
					progressed = true
				}
				c.satisfied = true
			} else if slice > 0 {
				c.allocated += slice
				consumed += slice
				progressed = true
			}
		}
		remaining -= consumed
		if !progressed {
			break
		}
	}

	for _, c := range candidates {
		c.el.fairShareRatio = c.allocated
	}
}

// computeSatisfaction sets satisfactionRatio = usageRatio /
// max(fairShareRatio, epsilon) at every node.
func computeSatisfaction(e *element, totalLimits resource.Vector) {
	usageRatio := resource.DominantRatio(e.resourceUsage, totalLimits)
	e.demandRatio = resource.DominantRatio(e.resourceDemand, totalLimits)
	denom := e.fairShareRatio
	if denom < Epsilon {
		denom = Epsilon
	}
	e.satisfactionRatio = usageRatio / denom

	if e.isOperation() {
		return
	}
	for _, child := range e.children {
		computeSatisfaction(child, totalLimits)
	}
}
