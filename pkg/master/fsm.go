package master

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/clusterforge/scheduler/pkg/types"
)

// Command is a single state-change operation applied through the
// Raft log, mirroring the teacher's manager.Command shape.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreatePool      = "create_pool"
	opUpdatePool      = "update_pool"
	opDeletePool      = "delete_pool"
	opCreateNode      = "create_node"
	opUpdateNode      = "update_node"
	opDeleteNode      = "delete_node"
	opCreateAccount   = "create_account"
	opUpdateAccount   = "update_account"
	opDeleteAccount   = "delete_account"
	opCreateOperation = "create_operation"
	opUpdateOperation = "update_operation"
	opDeleteOperation = "delete_operation"
	opCreateJob       = "create_job"
	opUpdateJob       = "update_job"
	opDeleteJob       = "delete_job"
	opPutWellKnown    = "put_well_known_node"
	opPutTransaction  = "put_transaction"
	opDeleteTxn       = "delete_transaction"
)

// schedulerFSM implements raft.FSM, applying committed Command
// entries to the durable Store. It never talks to Raft directly
// beyond this interface; Manager owns the raft.Raft handle.
type schedulerFSM struct {
	mu    sync.RWMutex
	store Store
}

func newSchedulerFSM(store Store) *schedulerFSM {
	return &schedulerFSM{store: store}
}

func (f *schedulerFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("master: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreatePool:
		return applyEntity(cmd.Data, f.store.CreatePool)
	case opUpdatePool:
		return applyEntity(cmd.Data, f.store.UpdatePool)
	case opDeletePool:
		return applyID(cmd.Data, f.store.DeletePool)

	case opCreateNode:
		return applyEntity(cmd.Data, f.store.CreateNode)
	case opUpdateNode:
		return applyEntity(cmd.Data, f.store.UpdateNode)
	case opDeleteNode:
		return applyID(cmd.Data, f.store.DeleteNode)

	case opCreateAccount:
		return applyEntity(cmd.Data, f.store.CreateAccount)
	case opUpdateAccount:
		return applyEntity(cmd.Data, f.store.UpdateAccount)
	case opDeleteAccount:
		return applyID(cmd.Data, f.store.DeleteAccount)

	case opCreateOperation:
		return applyEntity(cmd.Data, f.store.CreateOperation)
	case opUpdateOperation:
		return applyEntity(cmd.Data, f.store.UpdateOperation)
	case opDeleteOperation:
		return applyID(cmd.Data, f.store.DeleteOperation)

	case opCreateJob:
		return applyEntity(cmd.Data, f.store.CreateJob)
	case opUpdateJob:
		return applyEntity(cmd.Data, f.store.UpdateJob)
	case opDeleteJob:
		return applyID(cmd.Data, f.store.DeleteJob)

	case opPutWellKnown:
		var rec wellKnownRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutWellKnownNode(rec.Path, rec.Attrs)

	case opPutTransaction:
		var rec transactionPut
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutTransaction(rec.ID, rec.Record)

	case opDeleteTxn:
		return applyID(cmd.Data, f.store.DeleteTransaction)

	default:
		return fmt.Errorf("master: unknown command %q", cmd.Op)
	}
}

type wellKnownRecord struct {
	Path  string         `json:"path"`
	Attrs map[string]any `json:"attrs"`
}

type transactionPut struct {
	ID     string            `json:"id"`
	Record TransactionRecord `json:"record"`
}

func applyEntity[T any](data json.RawMessage, fn func(*T) error) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return fn(&v)
}

func applyID(data json.RawMessage, fn func(string) error) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	return fn(id)
}

// Snapshot implements raft.FSM, collecting the full durable state
// for log compaction.
func (f *schedulerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pools, err := f.store.ListPools()
	if err != nil {
		return nil, fmt.Errorf("snapshot pools: %w", err)
	}
	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("snapshot nodes: %w", err)
	}
	accounts, err := f.store.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	operations, err := f.store.ListOperations()
	if err != nil {
		return nil, fmt.Errorf("snapshot operations: %w", err)
	}
	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("snapshot jobs: %w", err)
	}
	transactions, err := f.store.ListTransactions()
	if err != nil {
		return nil, fmt.Errorf("snapshot transactions: %w", err)
	}

	return &fsmSnapshot{
		Pools:        pools,
		Nodes:        nodes,
		Accounts:     accounts,
		Operations:   operations,
		Jobs:         jobs,
		Transactions: transactions,
	}, nil
}

// Restore implements raft.FSM, replacing the store's contents with
// the decoded snapshot. Called on node restart or when a follower
// installs a leader-sent snapshot.
func (f *schedulerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("master: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range snap.Pools {
		if err := f.store.CreatePool(p); err != nil {
			return fmt.Errorf("restore pool %s: %w", p.ID, err)
		}
	}
	for _, n := range snap.Nodes {
		if err := f.store.CreateNode(n); err != nil {
			return fmt.Errorf("restore node %s: %w", n.ID, err)
		}
	}
	for _, a := range snap.Accounts {
		if err := f.store.CreateAccount(a); err != nil {
			return fmt.Errorf("restore account %s: %w", a.ID, err)
		}
	}
	for _, o := range snap.Operations {
		if err := f.store.CreateOperation(o); err != nil {
			return fmt.Errorf("restore operation %s: %w", o.ID, err)
		}
	}
	for _, j := range snap.Jobs {
		if err := f.store.CreateJob(j); err != nil {
			return fmt.Errorf("restore job %s: %w", j.ID, err)
		}
	}
	for _, txn := range snap.Transactions {
		if err := f.store.PutTransaction(txn.ID, txn); err != nil {
			return fmt.Errorf("restore transaction %s: %w", txn.ID, err)
		}
	}

	return nil
}

type fsmSnapshot struct {
	Pools        []*types.Pool
	Nodes        []*types.ExecNode
	Accounts     []*types.Account
	Operations   []*types.Operation
	Jobs         []*types.Job
	Transactions []TransactionRecord
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
