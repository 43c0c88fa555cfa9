package agentproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/types"
)

// IncarnationID identifies one run of either side of the protocol:
// the scheduler gets one at startup, each connecting agent gets a
// fresh one every time it connects (spec §4.6's incarnation protocol).
type IncarnationID string

// agentIncarnation tracks one controller agent's current incarnation
// and lease.
type agentIncarnation struct {
	id            IncarnationID
	transactionID string
	lastSeen      time.Time
}

// Registry is the scheduler-side bookkeeping for the incarnation
// protocol: the scheduler's own incarnation id, every connected
// agent's current incarnation id, and lease expiry.
type Registry struct {
	mu sync.Mutex

	schedulerID IncarnationID
	schedulerTx string

	agents       map[types.AgentID]*agentIncarnation
	leaseTimeout time.Duration
}

// NewRegistry returns a Registry with the given lease timeout
// (spec's "heartbeat timeout" lease length).
func NewRegistry(leaseTimeout time.Duration) *Registry {
	return &Registry{
		agents:       make(map[types.AgentID]*agentIncarnation),
		leaseTimeout: leaseTimeout,
	}
}

// Bootstrap creates the scheduler's own incarnation id, persisted as
// a master lock transaction (spec: "creates a scheduler-incarnation-id
// (persisted as a master lock transaction)").
func (r *Registry) Bootstrap(ctx context.Context, m master.Master) error {
	txID, err := m.StartTransaction(ctx, "scheduler_lock", "")
	if err != nil {
		return fmt.Errorf("agentproto: start scheduler lock transaction: %w", err)
	}
	r.mu.Lock()
	r.schedulerID = IncarnationID(uuid.NewString())
	r.schedulerTx = txID
	r.mu.Unlock()
	return nil
}

// SchedulerIncarnationID returns the scheduler's current incarnation
// id, empty until Bootstrap has run.
func (r *Registry) SchedulerIncarnationID() IncarnationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedulerID
}

// HandshakeRequest is what a connecting agent presents (spec §4.6:
// "the agent sends a Handshake naming its tags and known operations").
type HandshakeRequest struct {
	AgentID         types.AgentID
	Tags            map[string]struct{}
	KnownOperations []types.OperationID
}

// HandshakeResponse answers a handshake: the scheduler's own
// incarnation id, the fresh incarnation id minted for this agent
// connection, and the operations the scheduler believes this agent
// owns (for the agent to reconcile discrepancies against).
type HandshakeResponse struct {
	SchedulerIncarnationID IncarnationID
	AgentIncarnationID     IncarnationID
	OwnedOperations        []types.OperationID
}

// Handshake registers a new incarnation for req.AgentID, tied to a
// fresh master-held transaction (spec: "each agent, on connect,
// receives a controller-agent incarnation id (tied to its own
// master-held transaction)"), and returns the response the agent
// needs to reconcile its operation set.
func (r *Registry) Handshake(ctx context.Context, m master.Master, req HandshakeRequest, ownedByScheduler []types.OperationID) (HandshakeResponse, error) {
	txID, err := m.StartTransaction(ctx, "controller_agent_lock", string(req.AgentID))
	if err != nil {
		return HandshakeResponse{}, fmt.Errorf("agentproto: start agent lock transaction for %s: %w", req.AgentID, err)
	}

	incarnation := &agentIncarnation{
		id:            IncarnationID(uuid.NewString()),
		transactionID: txID,
		lastSeen:      time.Now(),
	}

	r.mu.Lock()
	r.agents[req.AgentID] = incarnation
	schedulerID := r.schedulerID
	r.mu.Unlock()

	log.WithComponent("agentproto").Info().
		Str("agent_id", string(req.AgentID)).
		Str("incarnation_id", string(incarnation.id)).
		Msg("agent handshake complete")

	return HandshakeResponse{
		SchedulerIncarnationID: schedulerID,
		AgentIncarnationID:     incarnation.id,
		OwnedOperations:        ownedByScheduler,
	}, nil
}

// VerifyAgent checks that incarnation matches the one currently on
// file for agentID and refreshes its lease. Every RPC in the protocol
// must call this (spec: "every RPC carries (incarnationId); mismatches
// are rejected as StaleIncarnation").
func (r *Registry) VerifyAgent(agentID types.AgentID, incarnation IncarnationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[agentID]
	if !ok || current.id != incarnation {
		return ErrStaleIncarnation
	}
	current.lastSeen = time.Now()
	return nil
}

// ExpireLeases drops every agent whose lease has elapsed as of now
// and returns their ids, so the caller can move their operations into
// Reviving and retry assignment elsewhere (spec: "on agent loss,
// operations it owned are moved into Reviving").
func (r *Registry) ExpireLeases(now time.Time) []types.AgentID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []types.AgentID
	for id, inc := range r.agents {
		if now.Sub(inc.lastSeen) > r.leaseTimeout {
			expired = append(expired, id)
			delete(r.agents, id)
		}
	}
	return expired
}

// Drop removes agentID's incarnation immediately (e.g. on a
// transport-level disconnect), independent of lease expiry.
func (r *Registry) Drop(agentID types.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}
