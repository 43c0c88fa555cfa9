// Package shard implements node shards (spec §4.5): nodes are
// partitioned across NodeShardCount single-threaded event loops by
// `shard = hash(nodeId) mod count`. Each shard owns a disjoint subset
// of node descriptors, their usage, and their running jobs, and drives
// the fair-share job-scheduling pass (pkg/fairshare) under the
// reporting node's current free resources on every heartbeat.
//
// The single-goroutine-owns-its-maps shape is grounded on the
// teacher's reconciler.Reconciler/scheduler.Scheduler ticking-goroutine
// pattern (cuemby-warren/pkg/reconciler/reconciler.go), generalized
// from one global loop into N independent ones, each fed heartbeat
// work through a channel rather than a ticker.
package shard

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/clusterforge/scheduler/pkg/agentproto"
	"github.com/clusterforge/scheduler/pkg/fairshare"
	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/strategy"
	"github.com/clusterforge/scheduler/pkg/types"
)

// Index computes the shard index for nodeID among count shards.
// NodeID isn't numeric, so "nodeId mod count" is realized as
// fnv64a(nodeId) mod count, preserving the spec's load-balancing
// intent (stable, uniform partitioning) without assuming node ids are
// integers.
func Index(nodeID types.NodeID, count int) int {
	if count <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(nodeID))
	return int(h.Sum64() % uint64(count))
}

// JobStateReport is one job-state delta a node attaches to its
// heartbeat.
type JobStateReport struct {
	JobID types.JobID
	State types.JobState
}

// HeartbeatRequest is the node-heartbeat RPC request (spec §6).
type HeartbeatRequest struct {
	Node      *types.ExecNode
	JobStates []JobStateReport
}

// HeartbeatResponse is the node-heartbeat RPC response (spec §6).
type HeartbeatResponse struct {
	StartJob     []*types.Job
	AbortJob     []types.JobID
	InterruptJob []types.JobID
}

// Shard is one single-threaded event loop owning a disjoint subset of
// nodes and their running jobs. All map access happens exclusively on
// the loop goroutine started by Start; HandleHeartbeat submits work
// through a channel and blocks for the result, giving callers a
// synchronous call despite the cooperative single-threaded owner.
type Shard struct {
	Index int

	nodes map[types.NodeID]*types.ExecNode
	jobs  map[types.JobID]*types.Job // jobs this shard currently tracks as running

	// lastPreemptionAttempt timestamps this shard's most recent
	// preemption pass per node, enforcing PreemptiveSchedulingBackoff
	// (spec §4.4.3: "runs with backoff ... per node"). Read and written
	// only from the shard's own goroutine.
	lastPreemptionAttempt map[types.NodeID]time.Time

	work   chan func()
	stopCh chan struct{}
}

// New returns a Shard at index idx, not yet started.
func New(idx int) *Shard {
	return &Shard{
		Index:                 idx,
		nodes:                 make(map[types.NodeID]*types.ExecNode),
		jobs:                  make(map[types.JobID]*types.Job),
		lastPreemptionAttempt: make(map[types.NodeID]time.Time),
		work:                  make(chan func(), 256),
		stopCh:                make(chan struct{}),
	}
}

// PreemptionConfig configures the per-heartbeat preemption pass (spec
// §4.4.3). Backoff <= 0 disables preemption entirely, so callers that
// don't configure it keep running scheduling-only heartbeats.
type PreemptionConfig struct {
	Tolerance fairshare.PreemptionTolerance
	Backoff   time.Duration
}

// Start begins the shard's event loop.
func (s *Shard) Start() {
	go s.run()
}

// Stop ends the shard's event loop.
func (s *Shard) Stop() {
	close(s.stopCh)
}

func (s *Shard) run() {
	log.WithShard(s.Index).Info().Msg("shard started")
	for {
		select {
		case fn := <-s.work:
			fn()
		case <-s.stopCh:
			log.WithShard(s.Index).Info().Msg("shard stopped")
			return
		}
	}
}

type heartbeatResult struct {
	resp   HeartbeatResponse
	events []agentproto.JobEvent
	err    error
}

// RequestJobFunc asks the owning controller agent for a schedulable
// job; see fairshare.RequestJobFunc.
type RequestJobFunc = fairshare.RequestJobFunc

// HandleHeartbeat reconciles req against the shard's expected state,
// runs the scheduling pass against the tree strat says owns the node,
// and — once per node every preempt.Backoff — the preemption pass
// (spec §4.4.3), returning the commands to reply with and any
// job-completion events to dispatch to the owning controller's outbox
// (spec §4.5 steps 1-4).
func (s *Shard) HandleHeartbeat(ctx context.Context, req HeartbeatRequest, strat *strategy.Strategy, request RequestJobFunc, perRequestTimeout, overallTimeout time.Duration, preempt PreemptionConfig) (HeartbeatResponse, []agentproto.JobEvent, error) {
	resultCh := make(chan heartbeatResult, 1)
	submit := func() {
		resp, events, err := s.handleHeartbeatSync(ctx, req, strat, request, perRequestTimeout, overallTimeout, preempt)
		resultCh <- heartbeatResult{resp: resp, events: events, err: err}
	}

	select {
	case s.work <- submit:
	case <-ctx.Done():
		return HeartbeatResponse{}, nil, ctx.Err()
	}

	select {
	case res := <-resultCh:
		return res.resp, res.events, res.err
	case <-ctx.Done():
		return HeartbeatResponse{}, nil, ctx.Err()
	}
}

// handleHeartbeatSync runs only on the shard's own goroutine.
func (s *Shard) handleHeartbeatSync(ctx context.Context, req HeartbeatRequest, strat *strategy.Strategy, request RequestJobFunc, perRequestTimeout, overallTimeout time.Duration, preempt PreemptionConfig) (HeartbeatResponse, []agentproto.JobEvent, error) {
	node := req.Node
	s.nodes[node.ID] = node

	var resp HeartbeatResponse
	var events []agentproto.JobEvent

	for _, reportedState := range req.JobStates {
		tracked, ok := s.jobs[reportedState.JobID]
		if !ok {
			// Unknown job: the shard never scheduled it (stale agent
			// state, or it belongs to a different shard/node).
			resp.AbortJob = append(resp.AbortJob, reportedState.JobID)
			continue
		}
		switch reportedState.State {
		case types.JobCompleted, types.JobFailed, types.JobAborted:
			events = append(events, agentproto.JobEvent{
				JobID:       tracked.ID,
				OperationID: tracked.OperationID,
				Kind:        terminalJobEventKind(reportedState.State),
			})
			delete(s.jobs, tracked.ID)
			metrics.ShardActiveJobs.WithLabelValues(shardLabel(s.Index)).Dec()
		}
	}

	tree, ok := strat.TreeForNode(node)
	if !ok {
		log.WithShard(s.Index).Warn().
			Str("node_id", string(node.ID)).
			Msg("no fair-share tree claims this node's tags, refusing heartbeat")
		return HeartbeatResponse{}, nil, errNoTreeForNode(node.ID)
	}

	tree.ResetDeactivation()
	free := node.Free()
	started := fairshare.ScheduleOnHeartbeat(ctx, tree, node, free, request, perRequestTimeout, overallTimeout)
	for _, job := range started {
		job.NodeID = node.ID
		job.State = types.JobRunning
		job.StartTime = time.Now()
		s.jobs[job.ID] = job
		resp.StartJob = append(resp.StartJob, job)
		metrics.ShardActiveJobs.WithLabelValues(shardLabel(s.Index)).Inc()
	}

	if preempt.Backoff > 0 {
		now := time.Now()
		if now.Sub(s.lastPreemptionAttempt[node.ID]) >= preempt.Backoff {
			s.lastPreemptionAttempt[node.ID] = now

			remainingFree := resource.Max(free.Sub(sumDemand(started)), resource.Zero())
			extra, killed := s.runPreemptionPass(ctx, tree, node, remainingFree, request, perRequestTimeout, overallTimeout, preempt)

			for _, job := range extra {
				job.NodeID = node.ID
				job.State = types.JobRunning
				job.StartTime = time.Now()
				s.jobs[job.ID] = job
				resp.StartJob = append(resp.StartJob, job)
				metrics.ShardActiveJobs.WithLabelValues(shardLabel(s.Index)).Inc()
			}
			started = append(started, extra...)

			for _, job := range killed {
				delete(s.jobs, job.ID)
				tree.DischargeUsage(job.OperationID, job.Demand)
				metrics.ShardActiveJobs.WithLabelValues(shardLabel(s.Index)).Dec()
				resp.InterruptJob = append(resp.InterruptJob, job.ID)
				events = append(events, agentproto.JobEvent{
					JobID:       job.ID,
					OperationID: job.OperationID,
					Kind:        agentproto.JobEventInterrupt,
				})
				log.WithShard(s.Index).Info().
					Str("tree", tree.Name).
					Str("job_id", string(job.ID)).
					Str("operation_id", string(job.OperationID)).
					Str("node_id", string(node.ID)).
					Msg("preempted job to restore fair share")
			}
			if len(killed) > 0 {
				fairshare.RecordPreemption(tree, "fair_share", len(killed))
			}
		}
	}

	if len(started) == 0 {
		metrics.ShardFailedToScheduleTotal.WithLabelValues(shardLabel(s.Index)).Inc()
	} else {
		metrics.ShardScheduledTotal.WithLabelValues(shardLabel(s.Index)).Add(float64(len(started)))
	}

	return resp, events, nil
}

// runPreemptionPass identifies this node's preemptable jobs, discounts
// their demand against free to see whether the scheduling pass can now
// place additional jobs, and — only if it actually can — selects
// enough of those candidates (oldest-first, never a job from the
// benefiting operation itself) to cover what got scheduled. It returns
// the newly started jobs and the ones to kill for them.
func (s *Shard) runPreemptionPass(ctx context.Context, tree *fairshare.Tree, node *types.ExecNode, free resource.Vector, request RequestJobFunc, perRequestTimeout, overallTimeout time.Duration, preempt PreemptionConfig) ([]*types.Job, []*types.Job) {
	var nodeJobs []*types.Job
	for _, job := range s.jobs {
		if job.NodeID == node.ID {
			nodeJobs = append(nodeJobs, job)
		}
	}
	if len(nodeJobs) == 0 {
		return nil, nil
	}

	starving := tree.StarvingOperations()
	candidates := fairshare.IdentifyPreemptable(tree, nodeJobs, preempt.Tolerance, starving)
	if len(candidates) == 0 {
		return nil, nil
	}

	discount := resource.Zero()
	for _, c := range candidates {
		discount = discount.Add(c.Job.Demand)
	}

	extra := fairshare.ScheduleOnHeartbeat(ctx, tree, node, free.Add(discount), request, perRequestTimeout, overallTimeout)
	if len(extra) == 0 {
		return nil, nil
	}

	remaining := candidates
	var killed []*types.Job
	for _, job := range extra {
		selected, _ := fairshare.SelectForPreemption(remaining, job.Demand, job.OperationID)
		if len(selected) == 0 {
			continue
		}
		killed = append(killed, selected...)
		remaining = withoutJobs(remaining, selected)
	}

	return extra, killed
}

// withoutJobs returns candidates with every job in killed removed, so
// a running job already selected for one newly started job isn't
// selected again for another.
func withoutJobs(candidates []fairshare.PreemptableJob, killed []*types.Job) []fairshare.PreemptableJob {
	skip := make(map[types.JobID]bool, len(killed))
	for _, j := range killed {
		skip[j.ID] = true
	}
	out := make([]fairshare.PreemptableJob, 0, len(candidates))
	for _, c := range candidates {
		if !skip[c.Job.ID] {
			out = append(out, c)
		}
	}
	return out
}

// sumDemand totals the resource demand of jobs.
func sumDemand(jobs []*types.Job) resource.Vector {
	total := resource.Zero()
	for _, j := range jobs {
		total = total.Add(j.Demand)
	}
	return total
}

// Jobs returns a snapshot of every job this shard currently tracks as
// running, for read-only queries (spec: "the shard exposes its
// job-map for read-only queries via bounded RPC").
func (s *Shard) Jobs(ctx context.Context) ([]*types.Job, error) {
	resultCh := make(chan []*types.Job, 1)
	submit := func() {
		out := make([]*types.Job, 0, len(s.jobs))
		for _, j := range s.jobs {
			out = append(out, j)
		}
		resultCh <- out
	}
	select {
	case s.work <- submit:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-resultCh:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterJob adds job to this shard's tracked set directly, without
// going through a heartbeat — used by revival (spec §4.7 step 4) to
// re-register a running job under the operation's new controller
// epoch.
func (s *Shard) RegisterJob(ctx context.Context, job *types.Job) error {
	resultCh := make(chan struct{}, 1)
	submit := func() {
		s.jobs[job.ID] = job
		metrics.ShardActiveJobs.WithLabelValues(shardLabel(s.Index)).Inc()
		resultCh <- struct{}{}
	}
	select {
	case s.work <- submit:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-resultCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func terminalJobEventKind(s types.JobState) agentproto.JobEventKind {
	switch s {
	case types.JobFailed:
		return agentproto.JobEventFail
	case types.JobAborted:
		return agentproto.JobEventAbort
	default:
		return agentproto.JobEventRelease
	}
}

func shardLabel(idx int) string {
	return strconv.Itoa(idx)
}

func errNoTreeForNode(nodeID types.NodeID) error {
	return fmt.Errorf("shard: no fair-share tree claims node %s", nodeID)
}
