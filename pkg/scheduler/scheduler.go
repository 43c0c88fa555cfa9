// Package scheduler is the top-level orchestrator: it wires the
// master, snapshot publisher, strategy façade, node shards and
// agent protocol together, runs the control-thread loop (spec §5)
// that ticks the fair-share update pass, and drives the revival
// protocol (spec §4.7) for operations inherited from a previous
// scheduler incarnation or a restarted agent.
//
// Grounded on the teacher's manager.Manager Bootstrap/Join/Shutdown
// lifecycle (cuemby-warren/pkg/manager/manager.go): a single
// long-lived object owning every subsystem's lifecycle, started once
// and stopped once, with a background goroutine doing periodic work
// between the two.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clusterforge/scheduler/pkg/agentproto"
	"github.com/clusterforge/scheduler/pkg/config"
	"github.com/clusterforge/scheduler/pkg/fairshare"
	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/operation"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/shard"
	"github.com/clusterforge/scheduler/pkg/snapshot"
	"github.com/clusterforge/scheduler/pkg/strategy"
	"github.com/clusterforge/scheduler/pkg/types"
)

// Scheduler is the orchestrator. All of its exported methods except
// Start/Stop are safe to call concurrently; they either delegate to a
// concurrency-safe subsystem or take their own lock.
type Scheduler struct {
	cfgStore *config.Store
	m        master.Master

	snapshots *snapshot.Publisher
	strategy  *strategy.Strategy
	registry  *agentproto.Registry

	shards []*shard.Shard

	mu       sync.Mutex
	peers    map[types.AgentID]*agentproto.Peer
	machines map[types.OperationID]*operation.Machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. specs configures the fair-share trees
// (one TreeSpec per configured tree, spec §4.4.2); shardCount sets how
// many node-shard event loops to run (spec's NodeShardCount).
func New(cfgStore *config.Store, m master.Master, specs []strategy.TreeSpec, shardCount int) *Scheduler {
	shards := make([]*shard.Shard, shardCount)
	for i := range shards {
		shards[i] = shard.New(i)
	}

	return &Scheduler{
		cfgStore:  cfgStore,
		m:         m,
		snapshots: snapshot.NewPublisher(),
		strategy:  strategy.New(specs),
		registry:  agentproto.NewRegistry(cfgStore.Get().NodeHeartbeatTimeout.Duration),
		shards:    shards,
		peers:     make(map[types.AgentID]*agentproto.Peer),
		machines:  make(map[types.OperationID]*operation.Machine),
	}
}

// ShardFor returns the shard owning nodeID (spec §4.5's `hash(nodeId)
// mod NodeShardCount` partitioning).
func (s *Scheduler) ShardFor(nodeID types.NodeID) *shard.Shard {
	return s.shards[shard.Index(nodeID, len(s.shards))]
}

// PreemptionConfig builds the current node-heartbeat preemption
// configuration from the live config store (spec §4.4.3). Normal
// tolerance is FairShareStarvationTolerance; when
// AggressiveStarvationPreemptionAllowed is set, the aggressive tier
// halves it, and fairshare.IdentifyPreemptable applies that lower
// limit to the jobs of operations flagged as starving; otherwise the
// aggressive tier never engages (Aggressive == Normal).
func (s *Scheduler) PreemptionConfig() shard.PreemptionConfig {
	cfg := s.cfgStore.Get()

	aggressive := cfg.FairShareStarvationTolerance
	if cfg.AggressiveStarvationPreemptionAllowed {
		aggressive = cfg.FairShareStarvationTolerance / 2
	}

	return shard.PreemptionConfig{
		Tolerance: fairshare.PreemptionTolerance{
			Normal:     cfg.FairShareStarvationTolerance,
			Aggressive: aggressive,
		},
		Backoff: cfg.PreemptiveSchedulingBackoff.Duration,
	}
}

// HandleNodeHeartbeat routes an exec-node heartbeat to the shard that
// owns it, running both the job-scheduling pass (spec §4.4.2) and,
// throttled by PreemptiveSchedulingBackoff, the preemption pass (spec
// §4.4.3).
func (s *Scheduler) HandleNodeHeartbeat(ctx context.Context, req shard.HeartbeatRequest, request shard.RequestJobFunc) (shard.HeartbeatResponse, []agentproto.JobEvent, error) {
	cfg := s.cfgStore.Get()
	return s.ShardFor(req.Node.ID).HandleHeartbeat(
		ctx, req, s.strategy, request,
		cfg.ScheduleJobsPerRequestTimeout.Duration, cfg.ScheduleJobsTimeout.Duration,
		s.PreemptionConfig(),
	)
}

// Peer returns (creating if absent) the Peer tracking agentID's
// stream state.
func (s *Scheduler) Peer(agentID types.AgentID) *agentproto.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[agentID]
	if !ok {
		p = agentproto.NewPeer(agentID)
		s.peers[agentID] = p
	}
	return p
}

// Start bootstraps the incarnation registry, loads the first
// snapshot, builds the initial strategy, runs revival for every
// inherited operation, starts the node shards, and launches the
// control-thread loop. It blocks until the first snapshot load and
// revival pass complete.
func (s *Scheduler) Start(parent context.Context) error {
	s.ctx, s.cancel = context.WithCancel(parent)

	if err := s.registry.Bootstrap(s.ctx, s.m); err != nil {
		return fmt.Errorf("scheduler: bootstrap incarnation registry: %w", err)
	}

	if err := s.tick(s.ctx); err != nil {
		return fmt.Errorf("scheduler: initial snapshot load: %w", err)
	}

	if err := s.revive(s.ctx); err != nil {
		return fmt.Errorf("scheduler: revival: %w", err)
	}

	for _, sh := range s.shards {
		sh.Start()
	}

	s.wg.Add(1)
	go s.controlLoop()

	return nil
}

// Stop cancels the control loop and shuts down every node shard.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	for _, sh := range s.shards {
		sh.Stop()
	}
}

// controlLoop is the single control thread (spec §5): it is the only
// goroutine that mutates strategy state and drives operation
// transitions outside of a direct RPC call, ticking once every
// FairShareUpdatePeriod.
func (s *Scheduler) controlLoop() {
	defer s.wg.Done()

	period := s.cfgStore.Get().FairShareUpdatePeriod.Duration
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.tick(s.ctx); err != nil {
				log.WithComponent("scheduler").Error().Err(err).Msg("control tick failed, keeping previous snapshot/strategy")
			}
			s.expireAgentLeases()
		case <-s.ctx.Done():
			return
		}
	}
}

// tick reloads the snapshot, rebuilds the strategy's trees against
// it, and runs the fair-share update pass over every tree (spec
// §4.4.1's periodic update, §4.2's periodic reload).
func (s *Scheduler) tick(ctx context.Context) error {
	snap, err := s.snapshots.Reload(ctx, s.m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientMaster, err)
	}

	var totalLimits resource.Vector
	for _, node := range snap.Nodes {
		totalLimits = totalLimits.Add(node.Limits)
	}

	if err := s.strategy.Rebuild(snap, totalLimits); err != nil {
		return fmt.Errorf("%w: %v", ErrPoolConfiguration, err)
	}
	s.strategy.Update()
	return nil
}

// expireAgentLeases moves every operation owned by a lease-expired
// agent into Reviving (spec §4.7/§5: "agent loss cancels all
// operations it owned concurrently"). It does not pick a new agent
// for them.
func (s *Scheduler) expireAgentLeases() {
	expired := s.registry.ExpireLeases(time.Now())
	if len(expired) == 0 {
		return
	}
	lost := make(map[types.AgentID]struct{}, len(expired))
	for _, id := range expired {
		lost[id] = struct{}{}
		metrics.MasterRetriesTotal.WithLabelValues("agent_lease_expired").Inc()
	}

	snap := s.snapshots.Current()
	if snap == nil {
		return
	}

	s.mu.Lock()
	machines := make([]*operation.Machine, 0, len(s.machines))
	for _, mach := range s.machines {
		op := mach.Operation()
		if _, ok := lost[op.ControllerAgent]; ok && !op.State.Terminal() {
			machines = append(machines, mach)
		}
	}
	s.mu.Unlock()

	for _, mach := range machines {
		op := mach.Operation()
		log.WithComponent("scheduler").Warn().
			Str("operation_id", string(op.ID)).
			Str("agent_id", string(op.ControllerAgent)).
			Msg("agent lease expired, reviving operation")
		if err := mach.Transition(s.ctx, types.OpReviving); err != nil {
			log.WithComponent("scheduler").Error().Err(err).Str("operation_id", string(op.ID)).
				Msg("failed to move operation into Reviving after agent loss")
		}
	}
}

// revive implements spec §4.7: load every operation's persisted
// state, finalize terminal-but-unflushed ones, and move the rest
// toward Reviving so the control loop's next tick (or an explicit
// CompleteRevival call once the agent replies) can bring them back to
// Running.
func (s *Scheduler) revive(ctx context.Context) error {
	snap := s.snapshots.Current()
	if snap == nil {
		return fmt.Errorf("scheduler: revive called before any snapshot loaded")
	}

	for _, op := range snap.Operations {
		mach := operation.NewMachine(s.ctx, op, s.m)
		s.mu.Lock()
		s.machines[op.ID] = mach
		s.mu.Unlock()

		switch op.State {
		case types.OpCompleted, types.OpFailed, types.OpAborted:
			continue // already terminal, nothing to revive

		case types.OpCompleting:
			if err := mach.Transition(ctx, types.OpCompleted); err != nil {
				return fmt.Errorf("scheduler: finalize unflushed completing operation %s: %w", op.ID, err)
			}
		case types.OpAborting:
			if err := mach.Transition(ctx, types.OpAborted); err != nil {
				return fmt.Errorf("scheduler: finalize unflushed aborting operation %s: %w", op.ID, err)
			}
		case types.OpFailing:
			if err := mach.Transition(ctx, types.OpFailed); err != nil {
				return fmt.Errorf("scheduler: finalize unflushed failing operation %s: %w", op.ID, err)
			}

		default:
			if err := mach.Transition(ctx, types.OpReviving); err != nil {
				log.WithComponent("scheduler").Warn().Err(err).Str("operation_id", string(op.ID)).
					Msg("operation could not enter Reviving from its persisted state, leaving as-is")
				continue
			}
			log.WithComponent("scheduler").Info().Str("operation_id", string(op.ID)).
				Msg("operation queued for revival")
		}
	}
	return nil
}

// CompleteRevival re-registers jobs into node shards under the
// operation's current controller epoch and transitions it back to
// Running (spec §4.7 steps 4-5). Callers invoke this once the owning
// agent's Revive reply (an OpEventRevived on the operation-events
// stream, carrying its reloaded job set out of band) has arrived.
func (s *Scheduler) CompleteRevival(ctx context.Context, operationID types.OperationID, jobs []*types.Job) error {
	s.mu.Lock()
	mach, ok := s.machines[operationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown operation %s", ErrOperationFailure, operationID)
	}

	snap := s.snapshots.Current()
	for _, job := range jobs {
		if job.NodeID == "" {
			continue
		}
		if snap != nil {
			if node, ok := snap.Nodes[job.NodeID]; !ok || !node.Online {
				job.State = types.JobAborted
				continue
			}
		}
		if err := s.ShardFor(job.NodeID).RegisterJob(ctx, job); err != nil {
			return fmt.Errorf("scheduler: re-register revived job %s: %w", job.ID, err)
		}
	}

	if err := mach.Transition(ctx, types.OpRunning); err != nil {
		return fmt.Errorf("scheduler: complete revival for %s: %w", operationID, err)
	}
	metrics.OperationsRevivedTotal.Inc()
	return nil
}

// Machine returns the lifecycle machine tracking operationID, if the
// scheduler has one (it will for every operation loaded at startup or
// created via StartOperation).
func (s *Scheduler) Machine(operationID types.OperationID) (*operation.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mach, ok := s.machines[operationID]
	return mach, ok
}

// StartOperation begins tracking a newly-created operation: persists
// it, registers a lifecycle machine, and moves it to Initializing.
func (s *Scheduler) StartOperation(ctx context.Context, op *types.Operation) error {
	if err := s.m.CreateOperationNode(ctx, op); err != nil {
		return fmt.Errorf("%w: create operation node: %v", ErrTransientMaster, err)
	}

	mach := operation.NewMachine(s.ctx, op, s.m)
	s.mu.Lock()
	s.machines[op.ID] = mach
	s.mu.Unlock()

	return mach.Transition(ctx, types.OpInitializing)
}

// Strategy exposes the strategy façade, e.g. for the API layer's
// read-only orchid tree.
func (s *Scheduler) Strategy() *strategy.Strategy { return s.strategy }

// Snapshots exposes the snapshot publisher for read-only queries.
func (s *Scheduler) Snapshots() *snapshot.Publisher { return s.snapshots }

// Registry exposes the incarnation registry, e.g. for the agent
// handshake RPC handler.
func (s *Scheduler) Registry() *agentproto.Registry { return s.registry }
