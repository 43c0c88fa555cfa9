// Package strategy is the façade between the node shards (pkg/shard)
// and the fair-share trees (pkg/fairshare): it owns the set of
// configured trees, rebuilds them from each new cluster snapshot,
// routes a node heartbeat to the tree that claims it, and validates
// operation admission against pool limits (spec §4.4.2, §4.5, §4.6's
// "strategy picks an agent").
//
// It plays the same role between pkg/shard and pkg/fairshare that the
// teacher's manager.Manager plays between scheduler.Scheduler and
// storage.Store: every mutation of shared scheduling state goes
// through here rather than through direct snapshot/tree access.
package strategy

import (
	"fmt"
	"sync"

	"github.com/clusterforge/scheduler/pkg/fairshare"
	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
	"github.com/clusterforge/scheduler/pkg/types"
)

// TreeSpec configures one fair-share tree: its name, root pool, and
// the node tag filter that decides which heartbeating nodes it owns.
// An empty NodeFilter matches every node (spec's "empty filter ≡
// always true").
type TreeSpec struct {
	Name       string
	RootPool   types.PoolID
	NodeFilter tagfilter.Filter
}

// Strategy holds the live, rebuildable set of fair-share trees and
// routes work to them. Safe for concurrent use: Rebuild publishes a
// new tree set under a write lock; every other method reads it under
// a read lock, mirroring the snapshot package's publish/read split.
type Strategy struct {
	mu    sync.RWMutex
	specs []TreeSpec
	trees map[string]*fairshare.Tree
}

// New constructs a Strategy configured with specs. Call Rebuild at
// least once (normally right after pkg/snapshot.Load) before routing
// any heartbeat.
func New(specs []TreeSpec) *Strategy {
	return &Strategy{
		specs: specs,
		trees: make(map[string]*fairshare.Tree),
	}
}

// Rebuild reconstructs every configured tree from snap and atomically
// replaces the published set. A tree whose root pool is missing from
// the snapshot is dropped with a warning rather than failing the
// whole rebuild, so one misconfigured tree doesn't take the others
// down (spec §4.2's "dangling reference drops the object, not fatal"
// philosophy applied at the strategy layer).
func (s *Strategy) Rebuild(snap *snapshot.Snapshot, totalLimits resource.Vector) error {
	built := make(map[string]*fairshare.Tree, len(s.specs))
	for _, spec := range s.specs {
		tree, err := fairshare.Build(spec.Name, spec.RootPool, snap, totalLimits)
		if err != nil {
			log.WithComponent("strategy").Warn().
				Err(err).
				Str("tree", spec.Name).
				Msg("dropping tree for this rebuild, root pool unavailable")
			continue
		}
		tree.SyncPoolDynamics(snap)
		built[spec.Name] = tree
	}
	if len(built) == 0 && len(s.specs) > 0 {
		return fmt.Errorf("strategy: no configured tree could be built from snapshot")
	}

	s.mu.Lock()
	s.trees = built
	s.mu.Unlock()
	return nil
}

// TreeForNode returns the tree whose NodeFilter accepts node's tags.
// Ties (more than one tree claiming the node) resolve to the first
// matching spec in configuration order, consistent with how
// pkg/tagfilter treats an empty filter as a catch-all that should be
// configured last.
func (s *Strategy) TreeForNode(node *types.ExecNode) (*fairshare.Tree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, spec := range s.specs {
		if !node.CanSchedule(spec.NodeFilter) {
			continue
		}
		tree, ok := s.trees[spec.Name]
		if !ok {
			continue
		}
		return tree, true
	}
	return nil, false
}

// Tree returns the named tree, if currently built.
func (s *Strategy) Tree(name string) (*fairshare.Tree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.trees[name]
	return tree, ok
}

// Update runs the fair-share update pass (spec §4.4.1) over every
// currently built tree. Callers invoke this once per
// FairShareUpdatePeriod tick, outside the per-heartbeat path.
func (s *Strategy) Update() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tree := range s.trees {
		tree.Update()
	}
}

// ValidateAdmission checks whether a new operation may be assigned to
// pool within tree, against the pool's MaxOperationCount and
// MaxRunningOperations (spec §3's Pool attributes). snap supplies the
// current operation counts per pool.
func ValidateAdmission(snap *snapshot.Snapshot, treeName string, poolID types.PoolID) error {
	pool, ok := snap.Pools[poolID]
	if !ok {
		return fmt.Errorf("strategy: pool %q not found", poolID)
	}

	var total, running int
	for _, op := range snap.Operations {
		assign, ok := op.PoolByTree(treeName)
		if !ok || assign.Pool != poolID {
			continue
		}
		total++
		if !op.State.Terminal() {
			running++
		}
	}

	if pool.MaxOperationCount > 0 && total >= pool.MaxOperationCount {
		return fmt.Errorf("strategy: pool %q at max operation count (%d)", poolID, pool.MaxOperationCount)
	}
	if pool.MaxRunningOperations > 0 && running >= pool.MaxRunningOperations {
		return fmt.Errorf("strategy: pool %q at max running operation count (%d)", poolID, pool.MaxRunningOperations)
	}
	return nil
}
