package master

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/types"
)

// Snapshot is the raw graph pkg/snapshot builds its read-consistent,
// cross-linked view from: every entity the master currently holds,
// read at a single point in time.
type Snapshot struct {
	Timestamp  time.Time
	Pools      []*types.Pool
	Nodes      []*types.ExecNode
	Accounts   []*types.Account
	Operations []*types.Operation
	Jobs       []*types.Job
}

// Master is the interface the scheduler core calls against the
// metadata store (spec §6). It is deliberately narrow: only the
// calls the core itself issues, not the full replicated-state-machine
// surface a real master exposes to every cluster service.
type Master interface {
	ReadSnapshot(ctx context.Context) (Snapshot, error)

	CreateOperationNode(ctx context.Context, op *types.Operation) error
	UpdateOperationNode(ctx context.Context, op *types.Operation) error
	FlushOperationNode(ctx context.Context, id types.OperationID) error

	AttachChunkTrees(ctx context.Context, tableID string, transactionID string, childIDs []string) error

	StartTransaction(ctx context.Context, txType string, options string) (string, error)
	AbortTransaction(ctx context.Context, txID string) error
	PingTransaction(ctx context.Context, txID string) error

	CreateWellKnownNode(ctx context.Context, path string, attrs map[string]any) error
	CheckPermission(ctx context.Context, subject, path, permission string) (bool, error)

	IsLeader() bool
	Close() error
}

// Config configures a raft-replicated Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// RetryAttempts bounds the exponential backoff retry wrapping
	// every Raft Apply, so a transient leader election doesn't hang
	// a caller forever. Zero uses a sane default.
	RetryAttempts uint
}

// Manager is a Raft-replicated Master implementation, grounded on
// the teacher's manager.Manager: one BoltDB-backed FSM applied
// through hashicorp/raft, bootstrapped as a single-node cluster for
// the scheduler's own tests and single-instance deployments.
type Manager struct {
	cfg   Config
	raft  *raft.Raft
	fsm   *schedulerFSM
	store Store
}

// NewManager opens the store and FSM but does not yet start Raft;
// call Bootstrap (fresh cluster) before issuing calls.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("master: create data dir: %w", err)
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 5
	}

	store, err := NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("master: open store: %w", err)
	}

	return &Manager{
		cfg:   cfg,
		fsm:   newSchedulerFSM(store),
		store: store,
	}, nil
}

// Bootstrap initializes a new single-node Raft cluster backed by the
// Manager's store, mirroring the teacher's Manager.Bootstrap timeout
// tuning (sub-10s failover on a LAN-class deployment).
func (m *Manager) Bootstrap() error {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(m.cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("master: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("master: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(m.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("master: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("master: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("master: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("master: create raft: %w", err)
	}
	m.raft = r

	future := m.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("master: bootstrap cluster: %w", err)
	}
	return nil
}

func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

func (m *Manager) Close() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			log.Logger.Warn().Err(err).Msg("master: raft shutdown error")
		}
	}
	return m.store.Close()
}

// apply submits cmd through Raft, retrying with exponential backoff
// on classified-transient errors (leader election in flight, log
// contention). Non-transient FSM errors (e.g. malformed command) are
// not retried.
func (m *Manager) apply(ctx context.Context, callSite, op string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("master: marshal %s: %w", op, err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return fmt.Errorf("master: marshal command: %w", err)
	}

	return retry.Do(
		func() error {
			future := m.raft.Apply(cmd, 5*time.Second)
			if err := future.Error(); err != nil {
				metrics.MasterRetriesTotal.WithLabelValues(callSite).Inc()
				return err
			}
			if fsmErr, ok := future.Response().(error); ok && fsmErr != nil {
				return retry.Unrecoverable(fsmErr)
			}
			return nil
		},
		retry.Attempts(m.cfg.RetryAttempts),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
	)
}

func (m *Manager) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	pools, err := m.store.ListPools()
	if err != nil {
		return Snapshot{}, fmt.Errorf("master: list pools: %w", err)
	}
	nodes, err := m.store.ListNodes()
	if err != nil {
		return Snapshot{}, fmt.Errorf("master: list nodes: %w", err)
	}
	accounts, err := m.store.ListAccounts()
	if err != nil {
		return Snapshot{}, fmt.Errorf("master: list accounts: %w", err)
	}
	operations, err := m.store.ListOperations()
	if err != nil {
		return Snapshot{}, fmt.Errorf("master: list operations: %w", err)
	}
	jobs, err := m.store.ListJobs()
	if err != nil {
		return Snapshot{}, fmt.Errorf("master: list jobs: %w", err)
	}

	return Snapshot{
		Timestamp:  time.Now(),
		Pools:      pools,
		Nodes:      nodes,
		Accounts:   accounts,
		Operations: operations,
		Jobs:       jobs,
	}, nil
}

func (m *Manager) CreateOperationNode(ctx context.Context, op *types.Operation) error {
	return m.apply(ctx, "create_operation_node", opCreateOperation, op)
}

func (m *Manager) UpdateOperationNode(ctx context.Context, op *types.Operation) error {
	return m.apply(ctx, "update_operation_node", opUpdateOperation, op)
}

func (m *Manager) FlushOperationNode(ctx context.Context, id types.OperationID) error {
	return m.apply(ctx, "flush_operation_node", opDeleteOperation, string(id))
}

func (m *Manager) AttachChunkTrees(ctx context.Context, tableID, transactionID string, childIDs []string) error {
	// Live-preview chunk-tree attachment has no effect on scheduling
	// decisions; the core only needs the call to round-trip through
	// the master without error so controller agents observe it.
	path := fmt.Sprintf("tables/%s/chunk_trees/%s", tableID, transactionID)
	return m.store.PutWellKnownNode(path, map[string]any{"children": childIDs})
}

func (m *Manager) StartTransaction(ctx context.Context, txType, options string) (string, error) {
	id := uuid.NewString()
	rec := TransactionRecord{ID: id, Type: txType, Options: options}
	if err := m.apply(ctx, "start_transaction", opPutTransaction, transactionPut{ID: id, Record: rec}); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) AbortTransaction(ctx context.Context, txID string) error {
	return m.apply(ctx, "abort_transaction", opDeleteTxn, txID)
}

func (m *Manager) PingTransaction(ctx context.Context, txID string) error {
	rec, ok, err := m.store.GetTransaction(txID)
	if err != nil {
		return fmt.Errorf("master: ping transaction: %w", err)
	}
	if !ok {
		return fmt.Errorf("master: transaction %s not found", txID)
	}
	rec.PingCount++
	return m.apply(ctx, "ping_transaction", opPutTransaction, transactionPut{ID: txID, Record: rec})
}

func (m *Manager) CreateWellKnownNode(ctx context.Context, path string, attrs map[string]any) error {
	return m.apply(ctx, "create_well_known_node", opPutWellKnown, wellKnownRecord{Path: path, Attrs: attrs})
}

// CheckPermission always grants: ACL evaluation is explicitly out of
// scope for the scheduler core (spec §1). A deployment that needs
// enforcement wires a real authorizer behind this same Master
// interface.
func (m *Manager) CheckPermission(ctx context.Context, subject, path, permission string) (bool, error) {
	return true, nil
}
