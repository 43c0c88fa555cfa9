// Package snapshot builds the read-consistent, in-memory cluster
// graph every scheduling pass runs against: accounts, pools, exec
// nodes, operations and jobs loaded from the master in a fixed,
// cross-linking order, plus the derived indexes the fair-share tree
// and node shards query on the hot path.
package snapshot

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/types"
)

// Snapshot is an immutable, point-in-time view of everything the
// scheduling passes need. Once published, it is never mutated; a new
// load produces a new Snapshot and atomically replaces the published
// pointer.
type Snapshot struct {
	Timestamp time.Time

	Pools      map[types.PoolID]*types.Pool
	Nodes      map[types.NodeID]*types.ExecNode
	Accounts   map[types.AccountID]*types.Account
	Operations map[types.OperationID]*types.Operation
	Jobs       map[types.JobID]*types.Job

	// Derived indexes, built once at load time.
	NodeToJobs          map[types.NodeID][]types.JobID
	AccountToJobs       map[types.AccountID][]types.JobID
	OperationToJobs     map[types.OperationID][]types.JobID
	TopologyZoneToNodes map[string][]types.NodeID

	// AntiaffinityVacancy[nodeID][group] counts how many currently
	// running jobs of that antiaffinity group already occupy the
	// node.
	AntiaffinityVacancy map[types.NodeID]map[string]int
}

// LoadError wraps any failure during LoadSnapshot; callers rely on
// errors.As to detect it and keep serving the previous snapshot.
type LoadError struct {
	Phase string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("snapshot: load failed in phase %q: %v", e.Phase, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Publisher holds the currently published Snapshot and atomically
// swaps it on a successful load, restoring the previous value (by
// simply not swapping) on any load error — no partial state is ever
// observed by a reader.
type Publisher struct {
	current atomic.Pointer[Snapshot]
}

// NewPublisher returns a Publisher with no snapshot yet published.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Current returns the most recently published snapshot, or nil if
// none has loaded successfully yet.
func (p *Publisher) Current() *Snapshot {
	return p.current.Load()
}

// Reload loads a fresh snapshot from m and, on success, publishes it.
// On failure the previously published snapshot (if any) remains
// current and Reload returns a *LoadError.
func (p *Publisher) Reload(ctx context.Context, m master.Master) (*Snapshot, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotLoadDuration)

	snap, err := Load(ctx, m)
	if err != nil {
		metrics.SnapshotLoadFailuresTotal.Inc()
		return nil, err
	}
	p.current.Store(snap)
	return snap, nil
}

// Load performs the phased read from the master and assembles a
// Snapshot. A dangling reference (e.g. a job pointing at a node id
// the master no longer has) is dropped with a warning; it never
// fails the load.
func Load(ctx context.Context, m master.Master) (*Snapshot, error) {
	raw, err := m.ReadSnapshot(ctx)
	if err != nil {
		return nil, &LoadError{Phase: "read_snapshot", Err: err}
	}

	logger := log.WithComponent("snapshot")

	snap := &Snapshot{
		Timestamp:           raw.Timestamp,
		Pools:               make(map[types.PoolID]*types.Pool, len(raw.Pools)),
		Nodes:               make(map[types.NodeID]*types.ExecNode, len(raw.Nodes)),
		Accounts:            make(map[types.AccountID]*types.Account, len(raw.Accounts)),
		Operations:          make(map[types.OperationID]*types.Operation, len(raw.Operations)),
		Jobs:                make(map[types.JobID]*types.Job, len(raw.Jobs)),
		NodeToJobs:          make(map[types.NodeID][]types.JobID),
		AccountToJobs:       make(map[types.AccountID][]types.JobID),
		OperationToJobs:     make(map[types.OperationID][]types.JobID),
		TopologyZoneToNodes: make(map[string][]types.NodeID),
		AntiaffinityVacancy: make(map[types.NodeID]map[string]int),
	}

	// Phase 1: pools.
	for _, pool := range raw.Pools {
		snap.Pools[pool.ID] = pool
	}
	for _, pool := range snap.Pools {
		if pool.Parent == "" {
			continue
		}
		if _, ok := snap.Pools[pool.Parent]; !ok {
			logger.Warn().Str("pool", string(pool.ID)).Str("parent", string(pool.Parent)).
				Msg("dangling pool parent reference; treating as root")
			pool.Parent = ""
		}
	}
	// A parent cycle is broken by detaching the pool whose parent
	// link closes it.
	for id, pool := range snap.Pools {
		visited := map[types.PoolID]struct{}{id: {}}
		for cur := pool; cur.Parent != ""; cur = snap.Pools[cur.Parent] {
			if _, seen := visited[cur.Parent]; seen {
				logger.Warn().Str("pool", string(cur.ID)).Str("parent", string(cur.Parent)).
					Msg("pool hierarchy cycle; detaching from parent")
				cur.Parent = ""
				break
			}
			visited[cur.Parent] = struct{}{}
		}
	}

	// Phase 2: nodes.
	for _, node := range raw.Nodes {
		snap.Nodes[node.ID] = node
		if node.Zone != "" {
			snap.TopologyZoneToNodes[node.Zone] = append(snap.TopologyZoneToNodes[node.Zone], node.ID)
		}
		snap.AntiaffinityVacancy[node.ID] = make(map[string]int)
	}

	// Phase 3: accounts. The account hierarchy must be a proper
	// tree; any cycle is broken defensively by detaching the
	// offending child from its parent.
	for _, account := range raw.Accounts {
		snap.Accounts[account.ID] = account
	}
	breakAccountCycles(snap.Accounts, logger)

	// Phase 4: segments (topology zones) — folded into the node
	// phase above since a node's zone is itself a node attribute;
	// nothing further to cross-link here.

	// Phase 5: pods-sets / operations.
	for _, op := range raw.Operations {
		snap.Operations[op.ID] = op
	}

	// Phase 6: pods / jobs. Drop, with a warning (not fatal), jobs
	// referencing a missing operation or naming a node that is
	// missing.
	for _, job := range raw.Jobs {
		if _, ok := snap.Operations[job.OperationID]; !ok {
			logger.Warn().Str("job", string(job.ID)).Str("operation", string(job.OperationID)).
				Msg("dangling job operation reference; dropping job")
			continue
		}
		if job.NodeID != "" {
			if _, ok := snap.Nodes[job.NodeID]; !ok {
				logger.Warn().Str("job", string(job.ID)).Str("node", string(job.NodeID)).
					Msg("dangling job node reference; dropping job")
				continue
			}
		}
		snap.Jobs[job.ID] = job
	}

	// Phase 7: resources / derived indexes.
	buildDerivedIndexes(snap)

	return snap, nil
}

// breakAccountCycles walks each account's parent chain; any account
// that revisits a node already on the current chain has its parent
// link severed, turning the accidental cycle back into a proper tree.
func breakAccountCycles(accounts map[types.AccountID]*types.Account, logger zerolog.Logger) {
	for id, account := range accounts {
		visited := map[types.AccountID]struct{}{id: {}}
		cur := account
		for cur.Parent != "" {
			if _, seen := visited[cur.Parent]; seen {
				logger.Warn().Str("account", string(cur.ID)).Str("parent", string(cur.Parent)).
					Msg("account hierarchy cycle detected; detaching from parent")
				cur.Parent = ""
				break
			}
			parent, ok := accounts[cur.Parent]
			if !ok {
				logger.Warn().Str("account", string(cur.ID)).Str("parent", string(cur.Parent)).
					Msg("dangling account parent reference; treating as root")
				cur.Parent = ""
				break
			}
			visited[cur.Parent] = struct{}{}
			cur = parent
		}
	}
}

// buildDerivedIndexes populates the node→jobs, account→jobs,
// operation→jobs and antiaffinity-vacancy tables from the loaded
// entities. A job's consumption is charged to its operation's
// account and, per spec §3, transitively to that account's
// ancestors.
func buildDerivedIndexes(snap *Snapshot) {
	jobsByID := lo.Values(snap.Jobs)

	for _, job := range jobsByID {
		snap.OperationToJobs[job.OperationID] = append(snap.OperationToJobs[job.OperationID], job.ID)

		if job.NodeID != "" {
			snap.NodeToJobs[job.NodeID] = append(snap.NodeToJobs[job.NodeID], job.ID)

			if job.State == types.JobRunning {
				vacancy := snap.AntiaffinityVacancy[job.NodeID]
				if vacancy == nil {
					vacancy = make(map[string]int)
					snap.AntiaffinityVacancy[job.NodeID] = vacancy
				}
				for _, group := range job.AntiaffinityGroups {
					vacancy[group]++
				}
			}
		}
	}

	for _, op := range snap.Operations {
		if op.Account == "" {
			continue
		}
		jobs := snap.OperationToJobs[op.ID]
		if len(jobs) == 0 {
			continue
		}
		for _, ancestor := range accountChain(snap.Accounts, op.Account) {
			snap.AccountToJobs[ancestor] = append(snap.AccountToJobs[ancestor], jobs...)
		}
	}
}

// accountChain returns id and every ancestor of id, closest first,
// so a job's consumption can be charged to its account and, per
// spec §3, transitively to that account's ancestors too.
func accountChain(accounts map[types.AccountID]*types.Account, id types.AccountID) []types.AccountID {
	var chain []types.AccountID
	visited := make(map[types.AccountID]struct{})
	for id != "" {
		if _, seen := visited[id]; seen {
			break // defensively tolerate a cycle missed upstream
		}
		visited[id] = struct{}{}
		chain = append(chain, id)
		account, ok := accounts[id]
		if !ok {
			break
		}
		id = account.Parent
	}
	return chain
}
