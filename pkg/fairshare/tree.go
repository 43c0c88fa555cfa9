// Package fairshare implements the fair-share hierarchical
// scheduling tree (spec §4.4): pools and operations form a tree with
// static, demand-derived and allocated attribute sets; an update
// pass apportions fair-share top-down by water-filling or FIFO order,
// a job-scheduling pass walks the tree on every node heartbeat, and a
// preemption pass reclaims resources from over-share operations.
package fairshare

import (
	"fmt"
	"time"

	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
	"github.com/clusterforge/scheduler/pkg/types"
)

// kind distinguishes an internal pool node from an operation leaf.
type kind int

const (
	kindPool kind = iota
	kindOperation
)

// element is a single node in the fair-share tree: either a pool
// (kindPool) or the leaf standing in for one operation's pool
// assignment (kindOperation). Both kinds carry the same three
// attribute groups the update pass maintains (spec §4.4).
type element struct {
	kind     kind
	id       string
	parent   *element
	children []*element

	// Static.
	weight        float64
	minShare      resource.Vector
	maxShareRatio float64
	mode          types.SchedulingMode

	// FIFO ordering keys, meaningful for operation leaves under a
	// FIFO-mode parent.
	startTime       time.Time
	pendingJobCount int

	tagFilter tagfilter.Filter

	resourceLimits resource.Vector

	// Demand-derived. Operation leaves get these from Build; pools'
	// are reset and re-summed on every update pass.
	resourceDemand resource.Vector
	resourceUsage  resource.Vector
	possibleUsage  resource.Vector
	runningStats   types.RunningJobStatistics

	// Allocated (output of the update pass).
	fairShareRatio          float64
	guaranteedResourceRatio float64
	adjustedMinShareRatio   float64
	satisfactionRatio       float64
	demandRatio             float64
	bestAllocationRatio     float64

	// deactivated marks an operation leaf that failed to produce a
	// schedulable job on the current heartbeat; the scheduling walk
	// skips it for the remainder of that heartbeat only.
	deactivated bool

	operationID types.OperationID
	poolID      types.PoolID
}

func (e *element) isOperation() bool { return e.kind == kindOperation }

// Tree is one fair-share hierarchy: a named root pool plus every
// descendant pool and operation leaf reachable from it in the
// snapshot it was built from.
type Tree struct {
	Name string

	root *element

	pools      map[types.PoolID]*element
	operations map[types.OperationID]*element

	// totalLimits is the resource envelope fair-share ratios are
	// expressed against: normally the sum of every exec node's
	// limits in the cluster.
	totalLimits resource.Vector

	filters *tagfilter.Directory
}

// Epsilon is the minimum fair-share ratio used as a satisfactionRatio
// denominator, avoiding a divide-by-zero for a pool with no share yet.
const Epsilon = 1e-9

// Build constructs a Tree named treeName, rooted at rootPool, from
// snap. Operations attach as leaves wherever their PoolAssignment for
// treeName names a pool within this tree; operations assigned to
// other trees, or to no tree at all, are not included.
func Build(treeName string, rootPool types.PoolID, snap *snapshot.Snapshot, totalLimits resource.Vector) (*Tree, error) {
	root, ok := snap.Pools[rootPool]
	if !ok {
		return nil, fmt.Errorf("fairshare: root pool %q not found in snapshot", rootPool)
	}

	t := &Tree{
		Name:        treeName,
		pools:       make(map[types.PoolID]*element),
		operations:  make(map[types.OperationID]*element),
		totalLimits: totalLimits,
		filters:     tagfilter.NewDirectory(),
	}

	t.root = t.buildPool(root, nil, snap)

	for _, op := range snap.Operations {
		assign, ok := op.PoolByTree(treeName)
		if !ok {
			continue
		}
		poolEl, ok := t.pools[assign.Pool]
		if !ok {
			continue // pool not reachable from this tree's root; skip
		}

		leaf := &element{
			kind:           kindOperation,
			id:             string(op.ID),
			parent:         poolEl,
			weight:         assign.Params.Weight,
			minShare:       assign.Params.MinShare,
			maxShareRatio:  assign.Params.MaxShareRatio,
			resourceLimits: assign.Params.ResourceLimits,
			tagFilter:      t.filters.Acquire(assign.Params.SchedulingTag),
			startTime:      op.CreatedAt,
			operationID:    op.ID,
		}
		if leaf.maxShareRatio == 0 {
			leaf.maxShareRatio = 1
		}

		for _, jobID := range snap.OperationToJobs[op.ID] {
			job := snap.Jobs[jobID]
			switch job.State {
			case types.JobWaiting:
				leaf.resourceDemand = leaf.resourceDemand.Add(job.Demand)
				leaf.pendingJobCount++
			case types.JobRunning:
				leaf.resourceUsage = leaf.resourceUsage.Add(job.Demand)
				accumulateRunningStats(&leaf.runningStats, job)
			}
		}
		leaf.resourceDemand = leaf.resourceDemand.Add(leaf.resourceUsage)
		leaf.possibleUsage = leaf.resourceDemand

		poolEl.children = append(poolEl.children, leaf)
		t.operations[op.ID] = leaf
	}

	return t, nil
}

func (t *Tree) buildPool(p *types.Pool, parent *element, snap *snapshot.Snapshot) *element {
	el := &element{
		kind:          kindPool,
		id:            string(p.ID),
		parent:        parent,
		weight:        p.Weight,
		minShare:      p.MinShare,
		maxShareRatio: p.MaxShareRatio,
		mode:          p.Mode,
		poolID:        p.ID,
	}
	if el.maxShareRatio == 0 {
		el.maxShareRatio = 1
	}
	if el.weight == 0 {
		el.weight = 1
	}
	t.pools[p.ID] = el

	for _, childID := range p.Children {
		childPool, ok := snap.Pools[childID]
		if !ok {
			continue // dangling child reference; snapshot load already warned
		}
		el.children = append(el.children, t.buildPool(childPool, el, snap))
	}
	return el
}

// hasOperation reports whether this tree has a leaf for opID.
func (t *Tree) hasOperation(opID types.OperationID) bool {
	_, ok := t.operations[opID]
	return ok
}

// ResetDeactivation clears the "deactivated for this heartbeat" flag
// on every operation leaf; callers invoke this once per node
// heartbeat, before running the scheduling pass.
func (t *Tree) ResetDeactivation() {
	for _, leaf := range t.operations {
		leaf.deactivated = false
	}
}

// DischargeUsage subtracts demand from opID's leaf usage, keeping the
// tree's in-memory bookkeeping consistent for the remainder of the
// current heartbeat after a running job belonging to opID is
// preempted. The scheduler's next control tick rebuilds the whole tree
// from a fresh snapshot regardless, so this is a best-effort local
// correction, not a source of truth.
func (t *Tree) DischargeUsage(opID types.OperationID, demand resource.Vector) {
	leaf, ok := t.operations[opID]
	if !ok {
		return
	}
	leaf.resourceUsage = resource.Max(leaf.resourceUsage.Sub(demand), resource.Zero())
}

// StarvingOperations returns the set of operations with unmet demand
// running under their fair share (satisfactionRatio < 1), the
// "aggressive" preemption tier in spec §4.4.3.
func (t *Tree) StarvingOperations() map[types.OperationID]bool {
	starving := make(map[types.OperationID]bool)
	for opID, leaf := range t.operations {
		if !leaf.resourceDemand.IsZero() && leaf.satisfactionRatio < 1 {
			starving[opID] = true
		}
	}
	return starving
}
