package bt

import (
	"log/slog"
	"time"

	"github.com/chaz8081/bluescan/internal/bt/protocol"
)

// Phase is the post-connection progress of the characteristic pipeline.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseSubscribing
	PhaseReading
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhaseSubscribing:
		return "subscribing"
	case PhaseReading:
		return "reading"
	case PhaseDone:
		return "done"
	default:
		return "idle"
	}
}

// ReadCursor walks an ordered list of characteristics one read at a time.
type ReadCursor struct {
	chars []CharacteristicDescriptor
	index int
}

// NewReadCursor returns a cursor positioned at the first element of chars.
func NewReadCursor(chars []CharacteristicDescriptor) *ReadCursor {
	return &ReadCursor{chars: chars}
}

// Current returns the element at the cursor, or false once it has reached the end.
func (c *ReadCursor) Current() (CharacteristicDescriptor, bool) {
	if c.index >= len(c.chars) {
		return CharacteristicDescriptor{}, false
	}
	return c.chars[c.index], true
}

// Advance moves past the current element and reports whether another remains.
// It never moves beyond the end of the list.
func (c *ReadCursor) Advance() bool {
	if c.index < len(c.chars) {
		c.index++
	}
	return c.index < len(c.chars)
}

// Done reports whether every element has been consumed.
func (c *ReadCursor) Done() bool { return c.index >= len(c.chars) }

// Index returns the number of elements consumed so far.
func (c *ReadCursor) Index() int { return c.index }

// Len returns the list length.
func (c *ReadCursor) Len() int { return len(c.chars) }

// pipeline is the post-connect GATT choreography for one BLE session:
// classify characteristics, subscribe to notifiable ones, then read every
// readable one in order. Methods return the ops to enqueue; the controller
// issues them through the op queue.
type pipeline struct {
	phase      Phase
	readDelay  time.Duration
	readable   []CharacteristicDescriptor
	notifiable []CharacteristicDescriptor
	writable   *CharacteristicDescriptor
	cursor     *ReadCursor
	subsLeft   int
}

func newPipeline(readDelay time.Duration) *pipeline {
	return &pipeline{readDelay: readDelay}
}

// discovering marks that service discovery has been requested.
func (p *pipeline) discovering() {
	if p.phase == PhaseIdle {
		p.phase = PhaseDiscovering
	}
}

// busy reports whether a subscription or read sequence is under way.
func (p *pipeline) busy() bool {
	return p.phase == PhaseSubscribing || p.phase == PhaseReading
}

// classify sorts characteristics into the three working sets. A
// characteristic with several properties joins several sets; when more than
// one is writable the last one seen is kept.
func (p *pipeline) classify(services []Service) {
	p.readable = nil
	p.notifiable = nil
	p.writable = nil
	for _, svc := range services {
		for _, ch := range svc.Characteristics {
			if ch.Props.Has(PropRead) {
				p.readable = append(p.readable, ch)
			}
			if ch.Props.Has(PropWrite) {
				w := ch
				p.writable = &w
			}
			if ch.Props.Has(PropNotify) {
				p.notifiable = append(p.notifiable, ch)
			}
		}
	}
}

// servicesDiscovered starts a new run from a discovery result. It returns
// started=false when a run is already in progress. The returned ops are the
// descriptor writes, or the first read when nothing is notifiable. A
// non-empty record means the run finished immediately with nothing to read.
func (p *pipeline) servicesDiscovered(services []Service) (ops []gattOp, record string, started bool) {
	if p.busy() {
		return nil, "", false
	}
	p.classify(services)
	p.cursor = NewReadCursor(p.readable)

	slog.Debug("[GATT] characteristics classified",
		"readable", len(p.readable),
		"notifiable", len(p.notifiable),
		"writable", p.writable != nil,
	)

	if len(p.notifiable) > 0 {
		p.phase = PhaseSubscribing
		p.subsLeft = len(p.notifiable)
		for _, ch := range p.notifiable {
			ops = append(ops, gattOp{
				kind:  opDescriptorWrite,
				char:  ch,
				value: EnableNotificationValue,
			})
		}
		return ops, "", true
	}

	op, record, ok := p.beginReading()
	if ok {
		ops = append(ops, op)
	}
	return ops, record, true
}

// subscribed accounts for one finished descriptor write. Once every
// subscription has completed the read sequence begins.
func (p *pipeline) subscribed() (gattOp, string, bool) {
	if p.phase != PhaseSubscribing {
		return gattOp{}, "", false
	}
	if p.subsLeft > 0 {
		p.subsLeft--
	}
	if p.subsLeft > 0 {
		return gattOp{}, "", false
	}
	return p.beginReading()
}

func (p *pipeline) beginReading() (gattOp, string, bool) {
	if p.cursor.Done() {
		p.phase = PhaseDone
		slog.Info("[GATT] no readable characteristics")
		return gattOp{}, protocol.NoReadable, false
	}
	p.phase = PhaseReading
	return p.nextRead()
}

func (p *pipeline) nextRead() (gattOp, string, bool) {
	ch, ok := p.cursor.Current()
	if !ok {
		return gattOp{}, "", false
	}
	return gattOp{kind: opRead, char: ch, delay: p.readDelay}, "", true
}

// readCompleted records the result for the characteristic under the cursor,
// advances it, and returns the next read if one remains. A failed read
// produces an error record and a *ReadError but never stops the sequence.
func (p *pipeline) readCompleted(ch CharacteristicDescriptor, status int, value []byte) (record string, next gattOp, more bool, err error) {
	if p.phase != PhaseReading {
		return "", gattOp{}, false, nil
	}
	if status == StatusSuccess {
		record = protocol.ReadRecord(ch.UUID, value)
	} else {
		record = protocol.ReadErrorRecord(ch.UUID, status)
		err = &ReadError{Characteristic: ch.UUID, Code: status}
	}

	if !p.cursor.Advance() {
		p.phase = PhaseDone
		slog.Info("[GATT] read sequence complete", "count", p.cursor.Len())
		return record, gattOp{}, false, err
	}
	next, _, more = p.nextRead()
	return record, next, more, err
}

// reset clears all per-link state.
func (p *pipeline) reset() {
	p.phase = PhaseIdle
	p.readable = nil
	p.notifiable = nil
	p.writable = nil
	p.cursor = nil
	p.subsLeft = 0
}
