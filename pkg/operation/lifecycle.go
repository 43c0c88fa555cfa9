// Package operation implements the operation lifecycle state machine
// (spec §4.3): permitted transitions between the thirteen states,
// durable-before-further-transition persistence, controller-epoch
// bumps on every (re-)entry to Reviving, and a cancelable context per
// operation that is canceled the instant it reaches a terminal state.
package operation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/types"
)

// transitions enumerates every permitted state change (spec §4.3's
// diagram). Suspension is stored as a flag on Operation, not a
// separate state, so it has no entry here.
var transitions = map[types.OperationState][]types.OperationState{
	types.OpStarting:      {types.OpInitializing, types.OpAborting, types.OpFailing},
	types.OpInitializing:  {types.OpPreparing, types.OpFailing, types.OpAborting},
	types.OpPreparing:     {types.OpPending, types.OpFailing, types.OpAborting},
	types.OpPending:       {types.OpMaterializing, types.OpFailing, types.OpAborting},
	types.OpMaterializing: {types.OpRunning, types.OpReviving, types.OpFailing, types.OpAborting},
	types.OpReviving:      {types.OpRunning, types.OpReviving, types.OpFailing, types.OpAborting},
	types.OpRunning:       {types.OpCompleting, types.OpReviving, types.OpFailing, types.OpAborting},
	types.OpCompleting:    {types.OpCompleted, types.OpFailing, types.OpAborting},
	types.OpFailing:       {types.OpFailed},
	types.OpAborting:      {types.OpAborted},
	types.OpCompleted:     nil,
	types.OpFailed:        nil,
	types.OpAborted:       nil,
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to types.OperationState) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// EntryEvent is the single event emitted per transition (spec §4.3:
// "exactly one entry event is emitted per transition").
type EntryEvent struct {
	ID            string
	OperationID   types.OperationID
	From          types.OperationState
	To            types.OperationState
	ControllerEpoch uint64
}

// Machine drives one operation's lifecycle: it validates transitions,
// persists the new state to the master before returning, bumps the
// controller epoch on every Reviving entry, and cancels the
// operation's context once it reaches a terminal state.
type Machine struct {
	mu     sync.Mutex
	op     *types.Operation
	m      master.Master
	cancel context.CancelFunc
	ctx    context.Context

	events []EntryEvent
}

// NewMachine wraps op, deriving a cancelable context from parent that
// is canceled the moment op reaches a terminal state.
func NewMachine(parent context.Context, op *types.Operation, m master.Master) *Machine {
	ctx, cancel := context.WithCancel(parent)
	mach := &Machine{op: op, m: m, ctx: ctx, cancel: cancel}
	if op.State.Terminal() {
		cancel()
	}
	return mach
}

// Context returns the operation's lifecycle context; it is canceled
// exactly once, when the operation reaches a terminal state.
func (mach *Machine) Context() context.Context {
	return mach.ctx
}

// Operation returns the current operation snapshot. Callers must not
// mutate the returned value.
func (mach *Machine) Operation() *types.Operation {
	mach.mu.Lock()
	defer mach.mu.Unlock()
	return mach.op
}

// Transition moves the operation to `to`, persisting the change to
// the master before returning success (spec's durability rule: "the
// new state is persisted to the master before any further transition
// is attempted"). Re-entering Reviving bumps ControllerEpoch.
func (mach *Machine) Transition(ctx context.Context, to types.OperationState) error {
	mach.mu.Lock()
	defer mach.mu.Unlock()

	from := mach.op.State
	if !CanTransition(from, to) {
		return fmt.Errorf("operation: illegal transition %s -> %s for %s", from, to, mach.op.ID)
	}

	updated := *mach.op
	updated.State = to
	if to == types.OpReviving {
		updated.ControllerEpoch++
	}

	if err := mach.m.UpdateOperationNode(ctx, &updated); err != nil {
		return fmt.Errorf("operation: persist transition %s -> %s: %w", from, to, err)
	}

	mach.op = &updated
	mach.events = append(mach.events, EntryEvent{
		ID:              uuid.NewString(),
		OperationID:     updated.ID,
		From:            from,
		To:              to,
		ControllerEpoch: updated.ControllerEpoch,
	})

	log.WithComponent("operation").Info().
		Str("operation_id", string(updated.ID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Uint64("controller_epoch", updated.ControllerEpoch).
		Msg("operation transitioned")

	if to.Terminal() {
		mach.cancel()
	}
	return nil
}

// Fail transitions the operation toward Failed via Failing,
// recording reason as an alert first (spec: "Running-phase controller
// errors surface as either Failed ... or set an alert").
func (mach *Machine) Fail(ctx context.Context, reason string) error {
	mach.mu.Lock()
	if mach.op.Alerts == nil {
		mach.op.Alerts = map[string]string{}
	}
	mach.op.Alerts["failure_reason"] = reason
	mach.mu.Unlock()

	if err := mach.Transition(ctx, types.OpFailing); err != nil {
		return err
	}
	return mach.Transition(ctx, types.OpFailed)
}

// Abort transitions the operation toward Aborted via Aborting. It is
// idempotent: aborting an already-terminal operation is a no-op.
func (mach *Machine) Abort(ctx context.Context) error {
	mach.mu.Lock()
	terminal := mach.op.State.Terminal()
	mach.mu.Unlock()
	if terminal {
		return nil
	}
	if err := mach.Transition(ctx, types.OpAborting); err != nil {
		return err
	}
	return mach.Transition(ctx, types.OpAborted)
}

// Suspend and Resume flip the Suspended flag without a state
// transition (spec: "Running ↔ Suspended stored as a flag").
func (mach *Machine) Suspend(ctx context.Context) error {
	return mach.setSuspended(ctx, true)
}

func (mach *Machine) Resume(ctx context.Context) error {
	return mach.setSuspended(ctx, false)
}

func (mach *Machine) setSuspended(ctx context.Context, suspended bool) error {
	mach.mu.Lock()
	updated := *mach.op
	updated.Suspended = suspended
	mach.mu.Unlock()

	if err := mach.m.UpdateOperationNode(ctx, &updated); err != nil {
		return fmt.Errorf("operation: persist suspend=%v: %w", suspended, err)
	}

	mach.mu.Lock()
	mach.op = &updated
	mach.mu.Unlock()
	return nil
}

// Events returns every entry event recorded so far, in order.
func (mach *Machine) Events() []EntryEvent {
	mach.mu.Lock()
	defer mach.mu.Unlock()
	out := make([]EntryEvent, len(mach.events))
	copy(out, mach.events)
	return out
}
