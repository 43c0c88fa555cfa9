package agentproto

import (
	"github.com/clusterforge/scheduler/pkg/resource"
	"github.com/clusterforge/scheduler/pkg/types"
)

// OperationEventKind enumerates the agent→scheduler operation-event
// stream's payload kinds (spec §4.6's table).
type OperationEventKind string

const (
	OpEventInitialized            OperationEventKind = "Initialized"
	OpEventPrepared                OperationEventKind = "Prepared"
	OpEventMaterialized            OperationEventKind = "Materialized"
	OpEventRevived                 OperationEventKind = "Revived"
	OpEventCommitted               OperationEventKind = "Committed"
	OpEventCompleted               OperationEventKind = "Completed"
	OpEventAborted                 OperationEventKind = "Aborted"
	OpEventFailed                  OperationEventKind = "Failed"
	OpEventSuspended               OperationEventKind = "Suspended"
	OpEventBannedInTentativeTree   OperationEventKind = "BannedInTentativeTree"
)

// OperationEvent is one item on the operation-events stream.
type OperationEvent struct {
	OperationID     types.OperationID
	Kind            OperationEventKind
	ControllerEpoch uint64
	Detail          string
}

// JobEventKind enumerates the agent→scheduler job-event stream's
// payload kinds.
type JobEventKind string

const (
	JobEventInterrupt JobEventKind = "Interrupt"
	JobEventAbort     JobEventKind = "Abort"
	JobEventFail      JobEventKind = "Fail"
	JobEventRelease   JobEventKind = "Release"
)

// JobEvent is one item on the job-events stream.
type JobEvent struct {
	JobID       types.JobID
	OperationID types.OperationID
	Kind        JobEventKind
	Detail      string
}

// ScheduleJobResponse answers a ScheduleJobRequest: either a
// schedulable job spec, or a failure reason.
type ScheduleJobResponse struct {
	OperationID   types.OperationID
	Job           *types.Job
	OK            bool
	FailureReason string
}

// OperationCommandKind enumerates the scheduler→agent operation-
// command stream's payload kinds.
type OperationCommandKind string

const (
	OpCommandStart       OperationCommandKind = "Start"
	OpCommandPrepare     OperationCommandKind = "Prepare"
	OpCommandMaterialize OperationCommandKind = "Materialize"
	OpCommandRevive      OperationCommandKind = "Revive"
	OpCommandCommit      OperationCommandKind = "Commit"
	OpCommandAbort       OperationCommandKind = "Abort"
)

// OperationCommand is one item on the operation-commands stream.
type OperationCommand struct {
	OperationID            types.OperationID
	Kind                   OperationCommandKind
	ControllerEpoch        uint64
	ControllerTransactions []string // carried by Revive (spec §4.7 step 3)
}

// JobCommandKind enumerates the scheduler→agent job-command stream's
// payload kinds.
type JobCommandKind string

const (
	JobCommandStarted       JobCommandKind = "Started"
	JobCommandCompleted     JobCommandKind = "Completed"
	JobCommandFailed        JobCommandKind = "Failed"
	JobCommandAborted       JobCommandKind = "Aborted"
	JobCommandRunningUpdate JobCommandKind = "RunningUpdate"
)

// JobCommand is one item on the job-commands stream.
type JobCommand struct {
	JobID       types.JobID
	OperationID types.OperationID
	Kind        JobCommandKind
}

// ScheduleJobRequest is one item on the scheduler→agent schedule-job-
// requests stream: ask the agent owning operationID for one
// schedulable job given node's current free resources.
type ScheduleJobRequest struct {
	OperationID types.OperationID
	Node        *types.ExecNode
	Limits      resource.Vector
}
