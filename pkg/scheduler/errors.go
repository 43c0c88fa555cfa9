package scheduler

import "errors"

// Sentinel errors the orchestrator and its callers classify with
// errors.Is/errors.As (spec §4.7/§6: callers must distinguish a
// transient master hiccup, worth retrying, from a hard failure that
// should fail the operation outright).
var (
	// ErrTransientMaster wraps a master RPC failure the caller should
	// retry (leader election in flight, timeout).
	ErrTransientMaster = errors.New("scheduler: transient master error")

	// ErrStaleIncarnation means an RPC carried an incarnation id the
	// registry no longer recognizes for that agent.
	ErrStaleIncarnation = errors.New("scheduler: stale incarnation")

	// ErrOperationFailure means an operation's controller reported an
	// unrecoverable failure.
	ErrOperationFailure = errors.New("scheduler: operation failure")

	// ErrJobFailure means a single job failed in a way that doesn't
	// necessarily fail its whole operation.
	ErrJobFailure = errors.New("scheduler: job failure")

	// ErrNodeLost means a node's heartbeat lease expired.
	ErrNodeLost = errors.New("scheduler: node lost")

	// ErrPoolConfiguration means a pool's configuration (bad filter,
	// missing root, cyclic hierarchy) prevents building its tree.
	ErrPoolConfiguration = errors.New("scheduler: pool configuration error")

	// ErrResourceLimitViolation means admission refused an operation
	// for exceeding a pool's configured resource or count limits.
	ErrResourceLimitViolation = errors.New("scheduler: resource limit violation")

	// ErrCanceled means the orchestrator's context was canceled
	// (shutdown) while the call was in flight.
	ErrCanceled = errors.New("scheduler: canceled")
)
