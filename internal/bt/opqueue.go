package bt

import (
	"fmt"
	"time"
)

// opKind is the class of a queued GATT operation.
type opKind int

const (
	opDescriptorWrite opKind = iota
	opRead
	opFrameWrite
)

func (k opKind) String() string {
	switch k {
	case opDescriptorWrite:
		return "descriptor-write"
	case opRead:
		return "read"
	case opFrameWrite:
		return "frame-write"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// completes reports which op kind a link event finishes, if any.
func completes(k GattEventKind) (opKind, bool) {
	switch k {
	case GattCharacteristicRead:
		return opRead, true
	case GattCharacteristicWritten:
		return opFrameWrite, true
	case GattDescriptorWritten:
		return opDescriptorWrite, true
	default:
		return 0, false
	}
}

// gattOp is one request for the link. delay is waited out before the op is
// issued, after the previous op has completed.
type gattOp struct {
	kind  opKind
	char  CharacteristicDescriptor
	value []byte
	delay time.Duration
}

// opQueue serialises GATT operations: at most one op is current (either
// waiting out its delay or issued and awaiting completion) and the rest wait
// in FIFO order. It does no I/O; the controller drives it.
type opQueue struct {
	pending []gattOp
	current *gattOp
	issued  bool
	seq     uint64
}

func (q *opQueue) push(op gattOp) {
	q.pending = append(q.pending, op)
}

// idle reports whether no op is current.
func (q *opQueue) idle() bool { return q.current == nil }

// len returns the number of ops not yet completed, including the current one.
func (q *opQueue) len() int {
	n := len(q.pending)
	if q.current != nil {
		n++
	}
	return n
}

// start promotes the head of the FIFO to current. The returned sequence
// number identifies this promotion for fire.
func (q *opQueue) start() (gattOp, uint64, bool) {
	if q.current != nil || len(q.pending) == 0 {
		return gattOp{}, 0, false
	}
	op := q.pending[0]
	q.pending[0] = gattOp{}
	q.pending = q.pending[1:]
	q.current = &op
	q.issued = false
	q.seq++
	return op, q.seq, true
}

// fire marks the current op as issued once its delay has elapsed. Stale
// sequence numbers (from a reset queue or an older op) are rejected.
func (q *opQueue) fire(seq uint64) (gattOp, bool) {
	if q.current == nil || q.issued || seq != q.seq {
		return gattOp{}, false
	}
	q.issued = true
	return *q.current, true
}

// complete finishes the current op if it is issued and of kind k.
func (q *opQueue) complete(k opKind) (gattOp, bool) {
	if q.current == nil || !q.issued || q.current.kind != k {
		return gattOp{}, false
	}
	op := *q.current
	q.current = nil
	q.issued = false
	return op, true
}

// reset drops every op. Pending timers become stale because seq advances.
func (q *opQueue) reset() {
	q.pending = nil
	q.current = nil
	q.issued = false
	q.seq++
}
