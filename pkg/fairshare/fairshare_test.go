package fairshare

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/types"
)

func buildSnapshot(pools []*types.Pool, ops []*types.Operation, jobs []*types.Job) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		Pools:           make(map[types.PoolID]*types.Pool),
		Operations:      make(map[types.OperationID]*types.Operation),
		Jobs:            make(map[types.JobID]*types.Job),
		OperationToJobs: make(map[types.OperationID][]types.JobID),
	}
	for _, p := range pools {
		snap.Pools[p.ID] = p
	}
	for _, o := range ops {
		snap.Operations[o.ID] = o
	}
	for _, j := range jobs {
		snap.Jobs[j.ID] = j
		snap.OperationToJobs[j.OperationID] = append(snap.OperationToJobs[j.OperationID], j.ID)
	}
	return snap
}

func waitingJob(id, op string, cpu float64) *types.Job {
	return &types.Job{ID: types.JobID(id), OperationID: types.OperationID(op), State: types.JobWaiting, Demand: resource.Vector{CPU: cpu}}
}

// Two equal-weight operations under a FairShare pool with equal
// demand split the pool's share equally.
func TestEqualSplit(t *testing.T) {
	pools := []*types.Pool{
		{ID: "root", Mode: types.ModeFairShare, Weight: 1, MaxShareRatio: 1},
	}
	ops := []*types.Operation{
		{ID: "op-a", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
		{ID: "op-b", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
	}
	jobs := []*types.Job{
		waitingJob("j1", "op-a", 10),
		waitingJob("j2", "op-b", 10),
	}
	snap := buildSnapshot(pools, ops, jobs)

	tree, err := Build("default", "root", snap, resource.Vector{CPU: 20})
	require.NoError(t, err)
	tree.Update()

	a := tree.operations["op-a"]
	b := tree.operations["op-b"]
	assert.InDelta(t, 0.5, a.fairShareRatio, 1e-9)
	assert.InDelta(t, 0.5, b.fairShareRatio, 1e-9)
}

// A 3x-weighted operation gets a 3x larger slice when both are
// demand-unconstrained (demand exceeds what their weight entitles).
func TestWeightedSplit(t *testing.T) {
	pools := []*types.Pool{
		{ID: "root", Mode: types.ModeFairShare, Weight: 1, MaxShareRatio: 1},
	}
	ops := []*types.Operation{
		{ID: "heavy", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 3}}}},
		{ID: "light", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
	}
	jobs := []*types.Job{
		waitingJob("j1", "heavy", 1000),
		waitingJob("j2", "light", 1000),
	}
	snap := buildSnapshot(pools, ops, jobs)

	tree, err := Build("default", "root", snap, resource.Vector{CPU: 100})
	require.NoError(t, err)
	tree.Update()

	heavy := tree.operations["heavy"]
	light := tree.operations["light"]
	assert.InDelta(t, 0.75, heavy.fairShareRatio, 1e-6)
	assert.InDelta(t, 0.25, light.fairShareRatio, 1e-6)
}

// In a FIFO pool, the earliest-submitted operation gets the entire
// share until its demand is satisfied.
func TestFIFOPool(t *testing.T) {
	pools := []*types.Pool{
		{ID: "root", Mode: types.ModeFIFO, Weight: 1, MaxShareRatio: 1},
	}
	early := time.Now().Add(-time.Hour)
	late := time.Now()
	ops := []*types.Operation{
		{ID: "first", CreatedAt: early, Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
		{ID: "second", CreatedAt: late, Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
	}
	jobs := []*types.Job{
		waitingJob("j1", "first", 5),
		waitingJob("j2", "second", 5),
	}
	snap := buildSnapshot(pools, ops, jobs)

	tree, err := Build("default", "root", snap, resource.Vector{CPU: 10})
	require.NoError(t, err)
	tree.Update()

	first := tree.operations["first"]
	second := tree.operations["second"]
	assert.InDelta(t, 0.5, first.fairShareRatio, 1e-9) // its own demand ratio, capped there
	assert.InDelta(t, 0.5, second.fairShareRatio, 1e-9)
}

func TestScheduleOnHeartbeatPicksLeastSatisfiedOperation(t *testing.T) {
	pools := []*types.Pool{{ID: "root", Mode: types.ModeFairShare, Weight: 1, MaxShareRatio: 1}}
	ops := []*types.Operation{
		{ID: "starved", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
		{ID: "satisfied", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
	}
	jobs := []*types.Job{
		waitingJob("j1", "starved", 1),
		waitingJob("j2", "satisfied", 1),
		{ID: "running", OperationID: "satisfied", State: types.JobRunning, Demand: resource.Vector{CPU: 8}},
	}
	snap := buildSnapshot(pools, ops, jobs)
	tree, err := Build("default", "root", snap, resource.Vector{CPU: 10})
	require.NoError(t, err)
	tree.Update()

	node := &types.ExecNode{ID: "node-1", Tags: map[string]struct{}{}}

	var requested types.OperationID
	request := func(ctx context.Context, opID types.OperationID, n *types.ExecNode, limits resource.Vector) (*types.Job, bool) {
		requested = opID
		return &types.Job{ID: "new-job", OperationID: opID, Demand: resource.Vector{CPU: 1}}, true
	}

	started := ScheduleOnHeartbeat(context.Background(), tree, node, resource.Vector{CPU: 1}, request, time.Second, time.Second)
	require.Len(t, started, 1)
	assert.Equal(t, types.OperationID("starved"), requested)
}

func TestIdentifyPreemptableExcludesProtectedAndUnderShare(t *testing.T) {
	pools := []*types.Pool{{ID: "root", Mode: types.ModeFairShare, Weight: 1, MaxShareRatio: 1}}
	ops := []*types.Operation{
		{ID: "over", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
		{ID: "under", Assignments: []types.PoolAssignment{{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1}}}},
	}
	oldJob := &types.Job{ID: "old", OperationID: "over", State: types.JobRunning, StartTime: time.Now().Add(-time.Hour), Demand: resource.Vector{CPU: 9}}
	jobs := []*types.Job{oldJob, {ID: "small", OperationID: "under", State: types.JobRunning, Demand: resource.Vector{CPU: 1}}}
	snap := buildSnapshot(pools, ops, jobs)
	tree, err := Build("default", "root", snap, resource.Vector{CPU: 10})
	require.NoError(t, err)

	// Drive the scenario directly rather than through Update(): "over"
	// is using more than twice its allotted fair share, "under" is within its
	// share and must not be offered up for preemption.
	tree.operations["over"].fairShareRatio = 0.4
	tree.operations["over"].satisfactionRatio = 0.9 / 0.4
	tree.operations["under"].fairShareRatio = 0.6
	tree.operations["under"].satisfactionRatio = 0.1 / 0.6

	candidates := IdentifyPreemptable(tree, jobs, PreemptionTolerance{Normal: 1.0, Aggressive: 2.0}, nil)
	var ids []types.JobID
	for _, c := range candidates {
		ids = append(ids, c.Job.ID)
	}
	assert.Contains(t, ids, types.JobID("old"))
	assert.NotContains(t, ids, types.JobID("small"))

	toKill, discount := SelectForPreemption(candidates, resource.Vector{CPU: 5}, "")
	assert.NotEmpty(t, toKill)
	assert.True(t, resource.Dominates(discount, resource.Vector{CPU: 5}))

	// Protecting the same operation that needs the room excludes its own jobs.
	toKillProtected, _ := SelectForPreemption(candidates, resource.Vector{CPU: 5}, "over")
	assert.Empty(t, toKillProtected)
}
