// Package agentproto implements the scheduler↔controller-agent
// protocol (spec §4.6): a set of sequence-numbered, acked outbox/inbox
// stream pairs carrying operation events, job events, schedule-job
// requests/responses and commands, plus the incarnation/handshake/
// lease protocol that fences stale peers out.
//
// The ring-buffer-plus-mutex shape is grounded on the teacher's
// events.Broker (cuemby-warren/pkg/events/events.go), generalized from
// fire-and-forget pub/sub into an ordered, acked, resumable buffer:
// every item gets a durable sequence number, a reconnecting peer
// resumes from its last ack instead of replaying from scratch, and the
// sender only trims what the receiver has confirmed delivery of.
package agentproto

import "sync"

// Outbox is a producer-side durable ring buffer for one logical
// stream (spec §4.6's table row). Every Append assigns the next
// sequence number; Batch returns the buffered unacked tail with its
// first sequence number for transmission; TrimTo discards everything
// the peer has acked.
type Outbox[T any] struct {
	mu       sync.Mutex
	nextSeq  uint64
	firstSeq uint64 // sequence number of items[0]
	items    []T
}

// NewOutbox returns an empty outbox whose first appended item gets
// sequence number 1 (0 is reserved to mean "nothing acked yet").
func NewOutbox[T any]() *Outbox[T] {
	return &Outbox[T]{nextSeq: 1, firstSeq: 1}
}

// Append adds item to the outbox and returns its assigned sequence
// number.
func (o *Outbox[T]) Append(item T) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := o.nextSeq
	o.items = append(o.items, item)
	o.nextSeq++
	return seq
}

// Batch returns (firstSeq, items) for transmission on this heartbeat:
// every currently-buffered item, since the receiver dedups by
// sequence number on its side (spec: "on reconnect
// the sender resumes from ack+1" — the sender always has exactly the
// unacked tail buffered, so the whole buffer is the resend window).
func (o *Outbox[T]) Batch() (firstSeq uint64, items []T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]T, len(o.items))
	copy(out, o.items)
	return o.firstSeq, out
}

// TrimTo discards every item whose sequence number is <= ack. Callers
// pass the highest contiguous sequence number the receiver reported
// delivered.
func (o *Outbox[T]) TrimTo(ack uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ack < o.firstSeq {
		return
	}
	drop := ack - o.firstSeq + 1
	if drop > uint64(len(o.items)) {
		drop = uint64(len(o.items))
	}
	o.items = o.items[drop:]
	o.firstSeq += drop
}

// Len reports how many unacked items are currently buffered.
func (o *Outbox[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// NextSeq reports the sequence number the next Append will assign.
func (o *Outbox[T]) NextSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextSeq
}
