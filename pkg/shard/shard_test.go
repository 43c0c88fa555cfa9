package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/scheduler/pkg/agentproto"
	"github.com/clusterforge/scheduler/pkg/fairshare"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/strategy"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
	"github.com/clusterforge/scheduler/pkg/types"
)

func TestIndexIsDeterministicAndBounded(t *testing.T) {
	const count = 8
	a := Index("node-1", count)
	b := Index("node-1", count)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, count)
}

func TestIndexSpreadsAcrossShards(t *testing.T) {
	const count = 4
	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		id := types.NodeID("node-" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
		seen[Index(id, count)] = true
	}
	assert.Greater(t, len(seen), 1, "expected node ids to land on more than one shard")
}

func testStrategy(t *testing.T) *strategy.Strategy {
	t.Helper()
	snap := &snapshot.Snapshot{
		Pools: map[types.PoolID]*types.Pool{
			"root": {ID: "root", Weight: 1, MaxShareRatio: 1},
		},
		Operations: map[types.OperationID]*types.Operation{
			"op-1": {
				ID:    "op-1",
				State: types.OpRunning,
				Assignments: []types.PoolAssignment{
					{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1, MaxShareRatio: 1}},
				},
			},
		},
		Jobs: map[types.JobID]*types.Job{
			"job-0": {ID: "job-0", OperationID: "op-1", State: types.JobWaiting, Demand: resource.Vector{CPU: 1}},
		},
		OperationToJobs: map[types.OperationID][]types.JobID{"op-1": {"job-0"}},
	}

	s := strategy.New([]strategy.TreeSpec{
		{Name: "default", RootPool: "root", NodeFilter: tagfilter.Empty},
	})
	require.NoError(t, s.Rebuild(snap, resource.Vector{CPU: 10}))
	return s
}

func TestHandleHeartbeatRefusesNodeWithNoMatchingTree(t *testing.T) {
	strat := strategy.New([]strategy.TreeSpec{
		{Name: "gpu", RootPool: "gpu-root", NodeFilter: tagfilter.MustParse("gpu")},
	})

	sh := New(0)
	sh.Start()
	defer sh.Stop()

	node := &types.ExecNode{ID: "n1", Limits: resource.Vector{CPU: 4}}
	req := HeartbeatRequest{Node: node}

	_, _, err := sh.HandleHeartbeat(context.Background(), req, strat, nil, time.Second, time.Second, PreemptionConfig{})
	assert.Error(t, err)
}

func TestHandleHeartbeatSchedulesJobFromController(t *testing.T) {
	strat := testStrategy(t)

	sh := New(0)
	sh.Start()
	defer sh.Stop()

	node := &types.ExecNode{ID: "n1", Limits: resource.Vector{CPU: 4}}
	req := HeartbeatRequest{Node: node}

	var calls int
	request := func(ctx context.Context, opID types.OperationID, n *types.ExecNode, limits resource.Vector) (*types.Job, bool) {
		calls++
		if calls > 1 {
			return nil, false
		}
		return &types.Job{ID: "job-1", OperationID: opID, Demand: resource.Vector{CPU: 1}}, true
	}

	resp, events, err := sh.HandleHeartbeat(context.Background(), req, strat, request, time.Second, time.Second, PreemptionConfig{})
	require.NoError(t, err)
	assert.Empty(t, events)
	require.Len(t, resp.StartJob, 1)
	assert.Equal(t, types.JobID("job-1"), resp.StartJob[0].ID)
	assert.Equal(t, types.JobRunning, resp.StartJob[0].State)
	assert.Equal(t, node.ID, resp.StartJob[0].NodeID)
	assert.False(t, resp.StartJob[0].StartTime.IsZero())
}

func TestHandleHeartbeatReconcilesUnknownAndTerminalJobs(t *testing.T) {
	strat := testStrategy(t)

	sh := New(0)
	sh.Start()
	defer sh.Stop()

	require.NoError(t, sh.RegisterJob(context.Background(), &types.Job{
		ID:          "known-1",
		OperationID: "op-1",
		State:       types.JobRunning,
	}))

	node := &types.ExecNode{ID: "n1", Limits: resource.Vector{CPU: 0}}
	req := HeartbeatRequest{
		Node: node,
		JobStates: []JobStateReport{
			{JobID: "unknown-1", State: types.JobRunning},
			{JobID: "known-1", State: types.JobCompleted},
		},
	}

	resp, events, err := sh.HandleHeartbeat(context.Background(), req, strat, nil, time.Second, time.Second, PreemptionConfig{})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"unknown-1"}, resp.AbortJob)
	require.Len(t, events, 1)
	assert.Equal(t, types.JobID("known-1"), events[0].JobID)
	assert.Equal(t, agentproto.JobEventRelease, events[0].Kind)

	jobs, err := sh.Jobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestHandleHeartbeatPreemptsOverShareJobForStarvingOperation(t *testing.T) {
	snap := &snapshot.Snapshot{
		Pools: map[types.PoolID]*types.Pool{
			"root": {ID: "root", Weight: 1, MaxShareRatio: 1},
		},
		Operations: map[types.OperationID]*types.Operation{
			"over": {
				ID:    "over",
				State: types.OpRunning,
				Assignments: []types.PoolAssignment{
					{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1, MaxShareRatio: 1}},
				},
			},
			"starved": {
				ID:    "starved",
				State: types.OpRunning,
				Assignments: []types.PoolAssignment{
					{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1, MaxShareRatio: 1}},
				},
			},
		},
		Jobs: map[types.JobID]*types.Job{
			"over-1":          {ID: "over-1", OperationID: "over", NodeID: "n1", State: types.JobRunning, Demand: resource.Vector{CPU: 4}},
			"starved-pending": {ID: "starved-pending", OperationID: "starved", State: types.JobWaiting, Demand: resource.Vector{CPU: 2}},
		},
		OperationToJobs: map[types.OperationID][]types.JobID{
			"over":    {"over-1"},
			"starved": {"starved-pending"},
		},
	}

	strat := strategy.New([]strategy.TreeSpec{
		{Name: "default", RootPool: "root", NodeFilter: tagfilter.Empty},
	})
	require.NoError(t, strat.Rebuild(snap, resource.Vector{CPU: 4}))
	strat.Update()

	sh := New(0)
	sh.Start()
	defer sh.Stop()

	require.NoError(t, sh.RegisterJob(context.Background(), &types.Job{
		ID: "over-1", OperationID: "over", NodeID: "n1", State: types.JobRunning, Demand: resource.Vector{CPU: 4},
	}))

	node := &types.ExecNode{ID: "n1", Limits: resource.Vector{CPU: 4}, Usage: resource.Vector{CPU: 4}}
	req := HeartbeatRequest{Node: node}

	request := func(ctx context.Context, opID types.OperationID, n *types.ExecNode, limits resource.Vector) (*types.Job, bool) {
		if opID != "starved" {
			return nil, false
		}
		return &types.Job{ID: "starved-1", OperationID: opID, Demand: resource.Vector{CPU: 2}}, true
	}

	preempt := PreemptionConfig{
		Tolerance: fairshare.PreemptionTolerance{Normal: 0.9, Aggressive: 0},
		Backoff:   time.Millisecond,
	}

	resp, events, err := sh.HandleHeartbeat(context.Background(), req, strat, request, time.Second, time.Second, preempt)
	require.NoError(t, err)

	require.Len(t, resp.StartJob, 1)
	assert.Equal(t, types.JobID("starved-1"), resp.StartJob[0].ID)

	require.Len(t, resp.InterruptJob, 1)
	assert.Equal(t, types.JobID("over-1"), resp.InterruptJob[0])

	require.Len(t, events, 1)
	assert.Equal(t, types.JobID("over-1"), events[0].JobID)
	assert.Equal(t, agentproto.JobEventInterrupt, events[0].Kind)

	jobs, err := sh.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobID("starved-1"), jobs[0].ID)
}

func TestJobsReturnsTrackedSnapshot(t *testing.T) {
	sh := New(0)
	sh.Start()
	defer sh.Stop()

	require.NoError(t, sh.RegisterJob(context.Background(), &types.Job{ID: "a", State: types.JobRunning}))
	require.NoError(t, sh.RegisterJob(context.Background(), &types.Job{ID: "b", State: types.JobRunning}))

	jobs, err := sh.Jobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
