package agentproto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/types"
)

func TestOutboxInboxAckImpliesExactlyOnceDelivery(t *testing.T) {
	out := NewOutbox[string]()
	in := NewInbox[string]()

	out.Append("a")
	out.Append("b")
	out.Append("c")

	firstSeq, items := out.Batch()
	delivered := in.Deliver(firstSeq, items)
	assert.Equal(t, []string{"a", "b", "c"}, delivered)

	// Redelivering the exact same batch (simulating a retried
	// heartbeat before the ack round-trips) must produce nothing new.
	redelivered := in.Deliver(firstSeq, items)
	assert.Empty(t, redelivered)

	out.TrimTo(in.Ack())
	assert.Equal(t, 0, out.Len())

	// A fourth item appended after the trim is delivered exactly once.
	out.Append("d")
	firstSeq, items = out.Batch()
	delivered = in.Deliver(firstSeq, items)
	assert.Equal(t, []string{"d"}, delivered)
}

func TestInboxDeliverPartialOverlap(t *testing.T) {
	in := NewInbox[string]()
	in.Deliver(1, []string{"a", "b"})
	// Resend includes one already-delivered item plus one new one.
	fresh := in.Deliver(2, []string{"b", "c"})
	assert.Equal(t, []string{"c"}, fresh)
}

type stubMaster struct{ txCounter int }

func (s *stubMaster) ReadSnapshot(ctx context.Context) (master.Snapshot, error) {
	return master.Snapshot{}, nil
}
func (s *stubMaster) CreateOperationNode(ctx context.Context, op *types.Operation) error { return nil }
func (s *stubMaster) UpdateOperationNode(ctx context.Context, op *types.Operation) error { return nil }
func (s *stubMaster) FlushOperationNode(ctx context.Context, id types.OperationID) error { return nil }
func (s *stubMaster) AttachChunkTrees(ctx context.Context, tableID, txID string, childIDs []string) error {
	return nil
}
func (s *stubMaster) StartTransaction(ctx context.Context, txType, options string) (string, error) {
	s.txCounter++
	return "tx", nil
}
func (s *stubMaster) AbortTransaction(ctx context.Context, txID string) error { return nil }
func (s *stubMaster) PingTransaction(ctx context.Context, txID string) error  { return nil }
func (s *stubMaster) CreateWellKnownNode(ctx context.Context, path string, attrs map[string]any) error {
	return nil
}
func (s *stubMaster) CheckPermission(ctx context.Context, subject, path, permission string) (bool, error) {
	return true, nil
}
func (s *stubMaster) IsLeader() bool { return true }
func (s *stubMaster) Close() error   { return nil }

func TestRegistryHandshakeAndStaleIncarnationRejected(t *testing.T) {
	m := &stubMaster{}
	reg := NewRegistry(time.Minute)
	require.NoError(t, reg.Bootstrap(context.Background(), m))

	resp, err := reg.Handshake(context.Background(), m, HandshakeRequest{AgentID: "agent-1"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AgentIncarnationID)

	require.NoError(t, reg.VerifyAgent("agent-1", resp.AgentIncarnationID))
	assert.ErrorIs(t, reg.VerifyAgent("agent-1", "wrong-incarnation"), ErrStaleIncarnation)

	// A fresh handshake (e.g. agent reconnect) issues a new
	// incarnation; RPCs carrying the old one are now stale too.
	resp2, err := reg.Handshake(context.Background(), m, HandshakeRequest{AgentID: "agent-1"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, resp.AgentIncarnationID, resp2.AgentIncarnationID)
	assert.ErrorIs(t, reg.VerifyAgent("agent-1", resp.AgentIncarnationID), ErrStaleIncarnation)
	assert.NoError(t, reg.VerifyAgent("agent-1", resp2.AgentIncarnationID))
}

func TestRegistryExpireLeases(t *testing.T) {
	m := &stubMaster{}
	reg := NewRegistry(time.Millisecond)
	require.NoError(t, reg.Bootstrap(context.Background(), m))
	_, err := reg.Handshake(context.Background(), m, HandshakeRequest{AgentID: "agent-1"}, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	expired := reg.ExpireLeases(time.Now())
	assert.Equal(t, []types.AgentID{"agent-1"}, expired)
}

func TestPeerHeartbeatRoundTripTrimsOnAck(t *testing.T) {
	p := NewPeer("agent-1")
	p.SendOperationCommand(OperationCommand{OperationID: "op-1", Kind: OpCommandStart})
	p.SendOperationCommand(OperationCommand{OperationID: "op-1", Kind: OpCommandPrepare})

	resp, _, _, _ := p.HandleHeartbeat(HeartbeatRequest{AgentID: "agent-1"})
	require.Len(t, resp.OperationCommands.Items, 2)

	// Agent acks both; next heartbeat's outbox batch is empty.
	resp2, _, _, _ := p.HandleHeartbeat(HeartbeatRequest{
		AgentID: "agent-1",
		Acks:    Acks{Stream1: resp.OperationCommands.FirstSeq + 1},
	})
	assert.Empty(t, resp2.OperationCommands.Items)
}

func TestPeerHeartbeatDeliversOperationEventsOnce(t *testing.T) {
	p := NewPeer("agent-1")
	req := HeartbeatRequest{
		AgentID: "agent-1",
		OperationEvents: StreamBatch[OperationEvent]{
			FirstSeq: 1,
			Items:    []OperationEvent{{OperationID: "op-1", Kind: OpEventInitialized}},
		},
	}
	_, fresh, _, _ := p.HandleHeartbeat(req)
	assert.Len(t, fresh, 1)

	// Same batch resent (e.g. agent didn't see the ack yet) yields no
	// duplicate delivery.
	_, fresh2, _, _ := p.HandleHeartbeat(req)
	assert.Empty(t, fresh2)
}
