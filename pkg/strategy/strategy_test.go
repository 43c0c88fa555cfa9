package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
	"github.com/clusterforge/scheduler/pkg/types"
)

func testSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Pools: map[types.PoolID]*types.Pool{
			"gpu-root": {ID: "gpu-root", Weight: 1, MaxShareRatio: 1, MaxOperationCount: 1},
			"cpu-root": {ID: "cpu-root", Weight: 1, MaxShareRatio: 1},
		},
		Operations:      map[types.OperationID]*types.Operation{},
		Jobs:            map[types.JobID]*types.Job{},
		OperationToJobs: map[types.OperationID][]types.JobID{},
	}
}

func TestRebuildDropsMissingRootAndKeepsOthers(t *testing.T) {
	snap := testSnapshot()
	s := New([]TreeSpec{
		{Name: "gpu", RootPool: "gpu-root"},
		{Name: "ghost", RootPool: "does-not-exist"},
	})

	err := s.Rebuild(snap, resource.Vector{CPU: 10})
	require.NoError(t, err)

	_, ok := s.Tree("gpu")
	assert.True(t, ok)
	_, ok = s.Tree("ghost")
	assert.False(t, ok)
}

func TestTreeForNodeRoutesByTagFilter(t *testing.T) {
	snap := testSnapshot()
	gpuFilter := tagfilter.MustParse("gpu")
	cpuFilter := tagfilter.Empty

	s := New([]TreeSpec{
		{Name: "gpu", RootPool: "gpu-root", NodeFilter: gpuFilter},
		{Name: "cpu", RootPool: "cpu-root", NodeFilter: cpuFilter},
	})
	require.NoError(t, s.Rebuild(snap, resource.Vector{CPU: 10}))

	gpuNode := &types.ExecNode{ID: "n1", Tags: map[string]struct{}{"gpu": {}}}
	tree, ok := s.TreeForNode(gpuNode)
	require.True(t, ok)
	assert.Equal(t, "gpu", tree.Name)

	plainNode := &types.ExecNode{ID: "n2", Tags: map[string]struct{}{}}
	tree, ok = s.TreeForNode(plainNode)
	require.True(t, ok)
	assert.Equal(t, "cpu", tree.Name) // fails the gpu spec's filter, falls through to cpu's catch-all
}

func TestTreeForNodeRefusesUnmatchedNode(t *testing.T) {
	snap := testSnapshot()
	gpuFilter := tagfilter.MustParse("gpu")
	s := New([]TreeSpec{
		{Name: "gpu", RootPool: "gpu-root", NodeFilter: gpuFilter},
	})
	require.NoError(t, s.Rebuild(snap, resource.Vector{CPU: 10}))

	plainNode := &types.ExecNode{ID: "n2", Tags: map[string]struct{}{}}
	_, ok := s.TreeForNode(plainNode)
	assert.False(t, ok)
}

func TestValidateAdmissionEnforcesMaxOperationCount(t *testing.T) {
	snap := testSnapshot()
	snap.Operations["op-1"] = &types.Operation{
		ID:          "op-1",
		State:       types.OpRunning,
		Assignments: []types.PoolAssignment{{Tree: "gpu", Pool: "gpu-root"}},
	}

	err := ValidateAdmission(snap, "gpu", "gpu-root")
	assert.Error(t, err)

	err = ValidateAdmission(snap, "cpu", "cpu-root")
	assert.NoError(t, err)
}

func TestPickAgentRandomRespectsMemoryThreshold(t *testing.T) {
	candidates := []AgentCandidate{
		{ID: "low", FreeMemory: 1, TotalMemory: 100},
		{ID: "high", FreeMemory: 90, TotalMemory: 100},
	}
	id, err := PickAgent(candidates, PolicyRandom, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("high"), id)
}

func TestPickAgentMemoryBalancedPrefersMoreHeadroom(t *testing.T) {
	candidates := []AgentCandidate{
		{ID: "a", FreeMemory: 0, TotalMemory: 100},
		{ID: "b", FreeMemory: 100, TotalMemory: 100},
	}
	// With zero headroom on "a", every weighted draw must land on "b".
	id, err := PickAgent(candidates, PolicyMemoryBalanced, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("b"), id)
}

func TestPickAgentNoneEligible(t *testing.T) {
	candidates := []AgentCandidate{{ID: "a", FreeMemory: 1, TotalMemory: 100}}
	_, err := PickAgent(candidates, PolicyRandom, 50, 0)
	assert.Error(t, err)
}
