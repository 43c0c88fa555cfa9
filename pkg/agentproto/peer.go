package agentproto

import "github.com/clusterforge/scheduler/pkg/types"

// StreamBatch is the wire shape of one heartbeat's worth of a stream:
// the sequence number of Items[0], and the items themselves (spec:
// "on every heartbeat the sender attaches (firstSeq, items[])").
type StreamBatch[T any] struct {
	FirstSeq uint64
	Items    []T
}

// Acks carries the highest contiguous sequence number delivered on
// each of the three streams running in one direction.
type Acks struct {
	Stream1 uint64
	Stream2 uint64
	Stream3 uint64
}

// Peer is the scheduler-side state for one controller-agent
// connection: the three inboxes receiving agent→scheduler streams and
// the three outboxes sending scheduler→agent streams (spec §4.6's
// table, one pair of ring buffers per logical stream).
type Peer struct {
	AgentID types.AgentID

	operationEventsIn     *Inbox[OperationEvent]
	jobEventsIn           *Inbox[JobEvent]
	scheduleResponsesIn   *Inbox[ScheduleJobResponse]
	operationCommandsOut  *Outbox[OperationCommand]
	jobCommandsOut        *Outbox[JobCommand]
	scheduleRequestsOut   *Outbox[ScheduleJobRequest]
}

// NewPeer returns a fresh Peer for agentID with empty streams in both
// directions.
func NewPeer(agentID types.AgentID) *Peer {
	return &Peer{
		AgentID:              agentID,
		operationEventsIn:    NewInbox[OperationEvent](),
		jobEventsIn:          NewInbox[JobEvent](),
		scheduleResponsesIn:  NewInbox[ScheduleJobResponse](),
		operationCommandsOut: NewOutbox[OperationCommand](),
		jobCommandsOut:       NewOutbox[JobCommand](),
		scheduleRequestsOut:  NewOutbox[ScheduleJobRequest](),
	}
}

// SendOperationCommand enqueues cmd for delivery on the next
// heartbeat and returns its assigned sequence number.
func (p *Peer) SendOperationCommand(cmd OperationCommand) uint64 {
	return p.operationCommandsOut.Append(cmd)
}

// SendJobCommand enqueues cmd for delivery on the next heartbeat.
func (p *Peer) SendJobCommand(cmd JobCommand) uint64 {
	return p.jobCommandsOut.Append(cmd)
}

// SendScheduleJobRequest enqueues req for delivery on the next
// heartbeat.
func (p *Peer) SendScheduleJobRequest(req ScheduleJobRequest) uint64 {
	return p.scheduleRequestsOut.Append(req)
}

// HeartbeatRequest is what the agent sends the scheduler on one
// heartbeat: its outgoing stream batches, plus acks for what it has
// already delivered from the scheduler's three outgoing streams.
type HeartbeatRequest struct {
	AgentID           types.AgentID
	IncarnationID     IncarnationID
	OperationEvents   StreamBatch[OperationEvent]
	JobEvents         StreamBatch[JobEvent]
	ScheduleResponses StreamBatch[ScheduleJobResponse]
	Acks              Acks // operationCommands, jobCommands, scheduleRequests
}

// HeartbeatResponse is what the scheduler replies with: its own
// outgoing stream batches, plus acks for what it delivered from the
// agent's three streams.
type HeartbeatResponse struct {
	SchedulerIncarnationID IncarnationID
	OperationCommands      StreamBatch[OperationCommand]
	JobCommands            StreamBatch[JobCommand]
	ScheduleRequests       StreamBatch[ScheduleJobRequest]
	Acks                   Acks // operationEvents, jobEvents, scheduleResponses
}

// HandleHeartbeat processes one heartbeat from this peer: delivers
// fresh items from req into the inboxes (returned to the caller for
// the control thread to act on), trims this peer's outboxes per req's
// acks, and builds the reply batches. Incarnation verification is the
// caller's responsibility (via Registry.VerifyAgent) before this is
// invoked, so a stale-incarnation RPC never mutates peer state.
func (p *Peer) HandleHeartbeat(req HeartbeatRequest) (HeartbeatResponse, []OperationEvent, []JobEvent, []ScheduleJobResponse) {
	freshOpEvents := p.operationEventsIn.Deliver(req.OperationEvents.FirstSeq, req.OperationEvents.Items)
	freshJobEvents := p.jobEventsIn.Deliver(req.JobEvents.FirstSeq, req.JobEvents.Items)
	freshScheduleResponses := p.scheduleResponsesIn.Deliver(req.ScheduleResponses.FirstSeq, req.ScheduleResponses.Items)

	p.operationCommandsOut.TrimTo(req.Acks.Stream1)
	p.jobCommandsOut.TrimTo(req.Acks.Stream2)
	p.scheduleRequestsOut.TrimTo(req.Acks.Stream3)

	opCmdSeq, opCmdItems := p.operationCommandsOut.Batch()
	jobCmdSeq, jobCmdItems := p.jobCommandsOut.Batch()
	scheduleReqSeq, scheduleReqItems := p.scheduleRequestsOut.Batch()

	resp := HeartbeatResponse{
		OperationCommands: StreamBatch[OperationCommand]{FirstSeq: opCmdSeq, Items: opCmdItems},
		JobCommands:       StreamBatch[JobCommand]{FirstSeq: jobCmdSeq, Items: jobCmdItems},
		ScheduleRequests:  StreamBatch[ScheduleJobRequest]{FirstSeq: scheduleReqSeq, Items: scheduleReqItems},
		Acks: Acks{
			Stream1: p.operationEventsIn.Ack(),
			Stream2: p.jobEventsIn.Ack(),
			Stream3: p.scheduleResponsesIn.Ack(),
		},
	}
	return resp, freshOpEvents, freshJobEvents, freshScheduleResponses
}
