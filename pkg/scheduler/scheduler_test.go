package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/scheduler/pkg/config"
	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/shard"
	"github.com/clusterforge/scheduler/pkg/strategy"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
	"github.com/clusterforge/scheduler/pkg/types"
)

// fakeMaster is an in-memory master.Master used only by this
// package's tests; it records every UpdateOperationNode call so tests
// can assert on persisted transitions.
type fakeMaster struct {
	mu  sync.Mutex
	snap master.Snapshot
	updates []*types.Operation
}

func (f *fakeMaster) ReadSnapshot(ctx context.Context) (master.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}
func (f *fakeMaster) CreateOperationNode(ctx context.Context, op *types.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Operations = append(f.snap.Operations, op)
	return nil
}
func (f *fakeMaster) UpdateOperationNode(ctx context.Context, op *types.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, op)
	for i, existing := range f.snap.Operations {
		if existing.ID == op.ID {
			f.snap.Operations[i] = op
			return nil
		}
	}
	return nil
}
func (f *fakeMaster) FlushOperationNode(ctx context.Context, id types.OperationID) error { return nil }
func (f *fakeMaster) AttachChunkTrees(ctx context.Context, tableID, txID string, childIDs []string) error {
	return nil
}
func (f *fakeMaster) StartTransaction(ctx context.Context, txType, options string) (string, error) {
	return "tx-" + txType, nil
}
func (f *fakeMaster) AbortTransaction(ctx context.Context, txID string) error { return nil }
func (f *fakeMaster) PingTransaction(ctx context.Context, txID string) error  { return nil }
func (f *fakeMaster) CreateWellKnownNode(ctx context.Context, path string, attrs map[string]any) error {
	return nil
}
func (f *fakeMaster) CheckPermission(ctx context.Context, subject, path, permission string) (bool, error) {
	return true, nil
}
func (f *fakeMaster) IsLeader() bool { return true }
func (f *fakeMaster) Close() error   { return nil }

func testCfgStore() *config.Store {
	cfg := config.Default()
	cfg.FairShareUpdatePeriod.Duration = 20 * time.Millisecond
	cfg.NodeShardCount = 2
	return config.NewStore(cfg)
}

func testSpecs() []strategy.TreeSpec {
	return []strategy.TreeSpec{
		{Name: "default", RootPool: "root", NodeFilter: tagfilter.Empty},
	}
}

func baseSnapshot() master.Snapshot {
	return master.Snapshot{
		Pools: []*types.Pool{
			{ID: "root", Weight: 1, MaxShareRatio: 1},
		},
	}
}

func TestStartLoadsSnapshotAndBuildsStrategy(t *testing.T) {
	m := &fakeMaster{snap: baseSnapshot()}
	sched := New(testCfgStore(), m, testSpecs(), 2)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	_, ok := sched.Strategy().Tree("default")
	assert.True(t, ok)
	assert.NotNil(t, sched.Snapshots().Current())
}

func TestReviveFinalizesUnflushedTerminalOperations(t *testing.T) {
	snap := baseSnapshot()
	snap.Operations = []*types.Operation{
		{ID: "op-completing", State: types.OpCompleting},
		{ID: "op-aborting", State: types.OpAborting},
	}
	m := &fakeMaster{snap: snap}
	sched := New(testCfgStore(), m, testSpecs(), 1)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	mach, ok := sched.Machine("op-completing")
	require.True(t, ok)
	assert.Equal(t, types.OpCompleted, mach.Operation().State)

	mach2, ok := sched.Machine("op-aborting")
	require.True(t, ok)
	assert.Equal(t, types.OpAborted, mach2.Operation().State)
}

func TestReviveMovesRunningOperationsToReviving(t *testing.T) {
	snap := baseSnapshot()
	snap.Operations = []*types.Operation{
		{ID: "op-running", State: types.OpRunning},
	}
	m := &fakeMaster{snap: snap}
	sched := New(testCfgStore(), m, testSpecs(), 1)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	mach, ok := sched.Machine("op-running")
	require.True(t, ok)
	assert.Equal(t, types.OpReviving, mach.Operation().State)
}

func TestCompleteRevivalReturnsOperationToRunning(t *testing.T) {
	snap := baseSnapshot()
	snap.Nodes = []*types.ExecNode{{ID: "n1", Online: true}}
	snap.Operations = []*types.Operation{
		{ID: "op-running", State: types.OpRunning},
	}
	m := &fakeMaster{snap: snap}
	sched := New(testCfgStore(), m, testSpecs(), 1)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	jobs := []*types.Job{{ID: "j1", OperationID: "op-running", NodeID: "n1", State: types.JobRunning}}
	require.NoError(t, sched.CompleteRevival(context.Background(), "op-running", jobs))

	mach, ok := sched.Machine("op-running")
	require.True(t, ok)
	assert.Equal(t, types.OpRunning, mach.Operation().State)

	tracked, err := sched.ShardFor("n1").Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, types.JobID("j1"), tracked[0].ID)
}

func TestPreemptionConfigReflectsStoreAndAggressiveFlag(t *testing.T) {
	store := testCfgStore()
	cfg := store.Get()
	cfg.FairShareStarvationTolerance = 0.8
	cfg.AggressiveStarvationPreemptionAllowed = false
	store = config.NewStore(cfg)

	sched := New(store, &fakeMaster{snap: baseSnapshot()}, testSpecs(), 1)
	pc := sched.PreemptionConfig()
	assert.Equal(t, 0.8, pc.Tolerance.Normal)
	assert.Equal(t, 0.8, pc.Tolerance.Aggressive, "aggressive tier must not engage when the flag is off")

	cfg.AggressiveStarvationPreemptionAllowed = true
	sched = New(config.NewStore(cfg), &fakeMaster{snap: baseSnapshot()}, testSpecs(), 1)
	pc = sched.PreemptionConfig()
	assert.Equal(t, 0.4, pc.Tolerance.Aggressive, "aggressive tier halves the normal tolerance once enabled")
}

func TestHandleNodeHeartbeatSchedulesThroughOwningShard(t *testing.T) {
	snap := baseSnapshot()
	snap.Operations = []*types.Operation{
		{
			ID:    "op-1",
			State: types.OpRunning,
			Assignments: []types.PoolAssignment{
				{Tree: "default", Pool: "root", Params: types.RuntimeParameters{Weight: 1, MaxShareRatio: 1}},
			},
		},
	}
	snap.Jobs = []*types.Job{
		{ID: "job-0", OperationID: "op-1", State: types.JobWaiting, Demand: resource.Vector{CPU: 1}},
	}
	m := &fakeMaster{snap: snap}
	sched := New(testCfgStore(), m, testSpecs(), 2)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	req := shard.HeartbeatRequest{Node: &types.ExecNode{ID: "n1", Limits: resource.Vector{CPU: 4}}}
	request := func(ctx context.Context, opID types.OperationID, n *types.ExecNode, limits resource.Vector) (*types.Job, bool) {
		return &types.Job{ID: "job-1", OperationID: opID, Demand: resource.Vector{CPU: 1}}, true
	}

	resp, events, err := sched.HandleNodeHeartbeat(context.Background(), req, request)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.Len(t, resp.StartJob, 1)
	assert.Equal(t, types.JobID("job-1"), resp.StartJob[0].ID)
}

func TestStartOperationPersistsAndMovesToInitializing(t *testing.T) {
	m := &fakeMaster{snap: baseSnapshot()}
	sched := New(testCfgStore(), m, testSpecs(), 1)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	op := &types.Operation{ID: "op-new", State: types.OpStarting}
	require.NoError(t, sched.StartOperation(context.Background(), op))

	mach, ok := sched.Machine("op-new")
	require.True(t, ok)
	assert.Equal(t, types.OpInitializing, mach.Operation().State)
}
