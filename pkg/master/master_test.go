package master

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterforge/scheduler/pkg/types"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		NodeID:   "scheduler-0",
		BindAddr: freeTCPAddr(t),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap())

	deadline := time.Now().Add(5 * time.Second)
	for !m.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("manager never became leader")
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSingleNodeBootstrapBecomesLeader(t *testing.T) {
	m := newTestManager(t)
	require.True(t, m.IsLeader())
}

func TestCreateAndReadOperationNode(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	op := &types.Operation{ID: "op-1", Type: "map", Owner: "alice", State: types.OpStarting}
	require.NoError(t, m.CreateOperationNode(ctx, op))

	op.State = types.OpRunning
	require.NoError(t, m.UpdateOperationNode(ctx, op))

	snap, err := m.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Operations, 1)
	require.Equal(t, types.OpRunning, snap.Operations[0].State)
}

func TestTransactionLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txID, err := m.StartTransaction(ctx, "scheduler_lock", "")
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	require.NoError(t, m.PingTransaction(ctx, txID))
	require.NoError(t, m.AbortTransaction(ctx, txID))

	_, ok, err := m.store.GetTransaction(txID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateWellKnownNodeAndAttachChunkTrees(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateWellKnownNode(ctx, "controller_agents/instances/agent-1", map[string]any{
		"tags": []string{"gpu"},
	}))

	require.NoError(t, m.AttachChunkTrees(ctx, "table-1", "txn-1", []string{"chunk-a", "chunk-b"}))
}

func TestCheckPermissionAlwaysGranted(t *testing.T) {
	m := newTestManager(t)
	ok, err := m.CheckPermission(context.Background(), "alice", "operations/op-1", "write")
	require.NoError(t, err)
	require.True(t, ok)
}
