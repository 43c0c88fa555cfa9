// Package types defines the scheduler core's data model: exec
// nodes, operations, pools, jobs and accounts, and the enums that
// drive their lifecycles. These are the entities a cluster snapshot
// (pkg/snapshot) loads and the fair-share tree (pkg/fairshare)
// schedules over.
package types

import (
	"time"

	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
)

// NodeID, OperationID, JobID, PoolID and AccountID are distinct
// string id types so call sites can't accidentally pass one kind of
// id where another is expected.
type (
	NodeID      string
	OperationID string
	JobID       string
	PoolID      string
	AccountID   string
	AgentID     string
)

// ExecNode is an immutable-per-heartbeat snapshot of a worker node:
// its address, tag set, resource limits/usage and disk inventory.
// Identity persists across disconnects; a new heartbeat replaces the
// mutable fields but keeps the same NodeID.
type ExecNode struct {
	ID      NodeID
	Address string
	Zone    string
	Tags    map[string]struct{}

	Limits resource.Vector
	Usage  resource.Vector

	DiskInventory map[string]DiskMedium

	// IOWeight is the node's disk I/O weight, carried over from the
	// original scheduler's node descriptor. The job-scheduling pass
	// does not read it; satisfaction-ratio ties resolve by the tree's
	// child order.
	IOWeight float64

	LastHeartbeat time.Time
	Online        bool
}

// DiskMedium describes one disk medium's total and used capacity on
// a node (e.g. "ssd", "hdd").
type DiskMedium struct {
	Name  string
	Total int64
	Used  int64
}

// Free returns the node's unused resources: limits minus usage,
// floored at zero on every dimension.
func (n ExecNode) Free() resource.Vector {
	return resource.Max(n.Limits.Sub(n.Usage), resource.Zero())
}

// CanSchedule reports whether the node's tags satisfy f.
func (n ExecNode) CanSchedule(f tagfilter.Filter) bool {
	return f.CanSchedule(n.Tags)
}

// OperationState is a state in the operation lifecycle machine
// (spec §4.3). Terminal states are Completed, Failed and Aborted.
type OperationState string

const (
	OpStarting      OperationState = "Starting"
	OpInitializing  OperationState = "Initializing"
	OpPreparing     OperationState = "Preparing"
	OpPending       OperationState = "Pending"
	OpMaterializing OperationState = "Materializing"
	OpReviving      OperationState = "Reviving"
	OpRunning       OperationState = "Running"
	OpCompleting    OperationState = "Completing"
	OpFailing       OperationState = "Failing"
	OpAborting      OperationState = "Aborting"
	OpCompleted     OperationState = "Completed"
	OpFailed        OperationState = "Failed"
	OpAborted       OperationState = "Aborted"
)

// Terminal reports whether s is one of the three terminal states.
func (s OperationState) Terminal() bool {
	switch s {
	case OpCompleted, OpFailed, OpAborted:
		return true
	default:
		return false
	}
}

// SchedulingMode selects how a pool apportions fair-share among its
// children: water-filling by weight, or strict FIFO order.
type SchedulingMode string

const (
	ModeFairShare SchedulingMode = "FairShare"
	ModeFIFO      SchedulingMode = "FIFO"
)

// RuntimeParameters are the per-tree knobs an operation carries in
// addition to its pool assignment: weight, share bounds and resource
// limits. An operation has one set of these per tree it belongs to.
type RuntimeParameters struct {
	Weight          float64
	MinShare        resource.Vector
	MaxShareRatio   float64
	ResourceLimits  resource.Vector
	SchedulingTag   tagfilter.Filter
}

// PoolAssignment is the pool an operation is attached to within one
// fair-share tree, along with that tree's runtime parameters for it.
type PoolAssignment struct {
	Tree   string
	Pool   PoolID
	Params RuntimeParameters
}

// Operation is a user-submitted unit of work composed of many jobs.
// Spec is opaque to the scheduler core; only the fields the core
// needs to schedule and revive the operation are modeled here.
type Operation struct {
	ID    OperationID
	Type  string
	Owner string

	State OperationState

	// Account is the billing account this operation's job
	// consumption is charged to; usage propagates to Account's
	// ancestors as well (spec §3).
	Account AccountID

	Assignments []PoolAssignment

	ControllerAgent AgentID // weak reference; may be reassigned
	ControllerEpoch uint64  // bumped on every (re-)entry to Reviving

	Alerts map[string]string

	Suspended bool

	CreatedAt time.Time
}

// PoolByTree returns the pool assignment for the named tree, if any.
func (o Operation) PoolByTree(tree string) (PoolAssignment, bool) {
	for _, a := range o.Assignments {
		if a.Tree == tree {
			return a, true
		}
	}
	return PoolAssignment{}, false
}

// Pool is a node in the fair-share tree. Operations are leaves;
// internal pools group operations and other pools.
type Pool struct {
	ID       PoolID
	Parent   PoolID // empty for the tree root
	Children []PoolID

	Weight               float64
	MinShare             resource.Vector
	MaxShareRatio        float64
	MaxOperationCount    int
	MaxRunningOperations int
	Mode                 SchedulingMode

	Ephemeral bool

	Dynamic PoolDynamicAttributes
}

// PoolDynamicAttributes are the per-pass numbers the fair-share
// update and scheduling passes recompute; see spec §4.4.
type PoolDynamicAttributes struct {
	ResourceDemand resource.Vector
	ResourceUsage  resource.Vector
	PossibleUsage  resource.Vector

	FairShareRatio          float64
	GuaranteedResourceRatio float64
	AdjustedMinShareRatio   float64
	SatisfactionRatio       float64
	DemandRatio             float64
	BestAllocationRatio     float64

	// RunningJobStatistics reports dominant-resource-seconds consumed
	// by this pool's running jobs, split by whether they are
	// preemptable (see SPEC_FULL.md's supplemented features). The
	// orchid response does not include it.
	RunningJobStatistics RunningJobStatistics
}

// RunningJobStatistics accumulates CPU-seconds and GPU-seconds for a
// pool's currently running jobs, split into the total and the
// preemptable-only subset.
type RunningJobStatistics struct {
	TotalCPUSeconds        float64
	PreemptableCPUSeconds  float64
	TotalGPUSeconds        float64
	PreemptableGPUSeconds  float64
}

// JobState is the lifecycle state of a single job within an
// operation.
type JobState string

const (
	JobWaiting    JobState = "Waiting"
	JobRunning    JobState = "Running"
	JobCompleting JobState = "Completing"
	JobCompleted  JobState = "Completed"
	JobFailed     JobState = "Failed"
	JobAborted    JobState = "Aborted"
)

// Preemptability controls how eagerly a job may be preempted to
// make room for another job.
type Preemptability string

const (
	PreemptAggressive Preemptability = "aggressive"
	PreemptNormal     Preemptability = "normal"
	PreemptNone       Preemptability = "none"
)

// Job is a single schedulable unit dispatched onto a node on behalf
// of an operation.
type Job struct {
	ID          JobID
	OperationID OperationID
	NodeID      NodeID // empty when Waiting and unassigned

	Demand resource.Vector
	State  JobState

	StartTime      time.Time
	Preemptability Preemptability

	// AntiaffinityGroups names the antiaffinity groups this job
	// belongs to; the snapshot's antiaffinity-vacancy table tracks,
	// per node, how many running jobs of each group already occupy
	// it. The scheduling pass does not consult that table.
	AntiaffinityGroups []string
}

// Account is a resource-quota holder forming a hierarchy orthogonal
// to pools; a job's consumption is charged to an account and its
// ancestors in addition to its pool chain.
type Account struct {
	ID       AccountID
	Parent   AccountID // empty for the root account
	Children []AccountID

	ResourceLimits resource.Vector
	ResourceUsage  resource.Vector
}
