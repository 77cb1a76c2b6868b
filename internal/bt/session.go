package bt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bluescan/internal/bt/protocol"
)

// transitions lists the legal ConnectionState moves. Failures while
// connecting and link loss skip Disconnecting.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnecting, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
}

func canTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// session is the single active connection and its transport sub-state.
// Only the controller goroutine touches it.
type session struct {
	gen    uint64
	mode   TransportMode
	device DeviceRef
	cancel context.CancelFunc

	// classic
	stream *classicConn

	// ble
	link  GattLink
	mtu   int
	pipe  *pipeline
	ops   opQueue
	timer *time.Timer
}

// release closes every transport resource held by s. Safe to call twice.
func (s *session) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ops.reset()
	if s.pipe != nil {
		s.pipe.reset()
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			slog.Debug("[RFCOMM] close", "error", err)
		}
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			slog.Debug("[GATT] close", "error", err)
		}
		s.link = nil
	}
}

// classicConn wraps an RFCOMM stream. Writes are serialised and flushed; the
// underlying socket is closed exactly once.
type classicConn struct {
	rwc   io.ReadWriteCloser
	wmu   sync.Mutex
	w     *bufio.Writer
	sends chan string
	done  chan struct{}

	once     sync.Once
	closeErr error
}

const classicSendQueue = 32

func newClassicConn(rwc io.ReadWriteCloser) *classicConn {
	return &classicConn{
		rwc:   rwc,
		w:     bufio.NewWriter(rwc),
		sends: make(chan string, classicSendQueue),
		done:  make(chan struct{}),
	}
}

func (c *classicConn) write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(p); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeLine writes text plus a line terminator.
func (c *classicConn) writeLine(text string) error {
	return c.write([]byte(text + "\n"))
}

// enqueue hands text to the writer goroutine without blocking.
func (c *classicConn) enqueue(text string) error {
	select {
	case <-c.done:
		return ErrStreamClosed
	default:
	}
	select {
	case c.sends <- text:
		return nil
	default:
		return &WriteError{Code: StatusFailure, Err: errors.New("send queue full")}
	}
}

func (c *classicConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Messages posted by the session's I/O goroutines.
type (
	classicDialed struct {
		gen uint64
		rwc io.ReadWriteCloser
		err error
	}
	classicData struct {
		gen  uint64
		text string
	}
	classicDown struct {
		gen uint64
		err error
	}
	classicWriteFailed struct {
		gen uint64
		err error
	}
	gattDialed struct {
		gen  uint64
		link GattLink
		err  error
	}
	gattMsg struct {
		gen uint64
		ev  GattEvent
	}
	gattClosed struct {
		gen uint64
	}
	opTick struct {
		gen uint64
		seq uint64
	}
)

// current reports whether gen belongs to the live session.
func (c *Controller) current(gen uint64) bool {
	return c.sess != nil && gen == c.gen
}

// setState moves the connection state machine and announces the change.
func (c *Controller) setState(to ConnectionState) {
	if c.state == to {
		return
	}
	if !canTransition(c.state, to) {
		slog.Warn("[SESSION] illegal state transition", "from", c.state, "to", to)
		return
	}
	c.state = to
	var dev DeviceRef
	if c.sess != nil {
		dev = c.sess.device
	}
	slog.Info("[SESSION] state", "state", to, "addr", dev.Address)
	c.emit(stateEvent(to, dev))
}

func (c *Controller) openSession(dev DeviceRef, mode TransportMode) {
	c.gen++
	timeout := c.opts.ClassicConnectTimeout
	if mode == ModeBLE {
		timeout = c.opts.LEConnectTimeout
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)

	c.sess = &session{
		gen:    c.gen,
		mode:   mode,
		device: dev,
		cancel: cancel,
		mtu:    c.opts.DefaultMTU,
		pipe:   newPipeline(c.opts.ReadDelay),
	}
	c.transcript = nil
	c.setState(StateConnecting)

	if mode == ModeClassic {
		go c.dialClassic(ctx, c.gen, dev.Address)
	} else {
		go c.dialGATT(ctx, c.gen, dev.Address)
	}
}

// closeSession tears the session down. A non-nil cause is reported as an
// Error event after the state change.
func (c *Controller) closeSession(cause error) {
	s := c.sess
	if s == nil {
		return
	}
	c.gen++
	s.release()
	c.setState(StateDisconnected)
	c.sess = nil
	if cause != nil {
		slog.Error("[SESSION] closed", "addr", s.device.Address, "error", cause)
		c.emit(errorEvent(cause))
	}
}

// disconnect is the caller-initiated teardown.
func (c *Controller) disconnect() {
	if c.sess == nil {
		return
	}
	c.setState(StateDisconnecting)
	c.closeSession(nil)
}

func (c *Controller) appendRecord(src DataSource, text string) {
	c.transcript = append(c.transcript, text)
	c.emit(dataEvent(src, text))
}

// Classic path.

func (c *Controller) dialClassic(ctx context.Context, gen uint64, addr string) {
	slog.Info("[RFCOMM] connecting", "addr", addr)
	rwc, err := c.radio.DialRFCOMM(ctx, addr, SerialPortUUID)
	c.post(classicDialed{gen: gen, rwc: rwc, err: err})
}

func (c *Controller) handleClassicDialed(m classicDialed) {
	if !c.current(m.gen) {
		if m.rwc != nil {
			m.rwc.Close()
		}
		return
	}
	if m.err != nil {
		c.closeSession(&ConnectError{Reason: "rfcomm dial", Err: m.err})
		return
	}

	s := c.sess
	s.cancel()
	s.cancel = nil
	s.stream = newClassicConn(m.rwc)
	c.setState(StateConnected)

	go c.receiveLoop(m.gen, s.stream)
	go c.writeLoop(m.gen, s.stream)
}

// receiveLoop writes the greeting, then blocks on reads until the stream
// ends. Every chunk is forwarded to the controller.
func (c *Controller) receiveLoop(gen uint64, conn *classicConn) {
	if c.opts.Greeting != "" {
		if err := conn.write([]byte(c.opts.Greeting)); err != nil {
			c.post(classicDown{gen: gen, err: err})
			return
		}
	}

	buf := make([]byte, c.opts.ReadBuffer)
	for {
		n, err := conn.rwc.Read(buf)
		if n > 0 {
			c.post(classicData{gen: gen, text: protocol.DecodeText(buf[:n])})
		}
		if err != nil {
			c.post(classicDown{gen: gen, err: err})
			return
		}
		if n == 0 {
			c.post(classicDown{gen: gen})
			return
		}
	}
}

func (c *Controller) writeLoop(gen uint64, conn *classicConn) {
	for {
		select {
		case <-conn.done:
			return
		case text := <-conn.sends:
			if err := conn.writeLine(text); err != nil {
				c.post(classicWriteFailed{gen: gen, err: err})
			}
		}
	}
}

func (c *Controller) handleClassicData(m classicData) {
	if !c.current(m.gen) {
		return
	}
	c.appendRecord(SourceStream, m.text)
}

func (c *Controller) handleClassicDown(m classicDown) {
	if !c.current(m.gen) {
		return
	}
	if m.err == nil || errors.Is(m.err, io.EOF) {
		slog.Info("[RFCOMM] stream closed by peer", "addr", c.sess.device.Address)
		c.closeSession(ErrStreamClosed)
		return
	}
	c.closeSession(&ConnectError{Reason: "stream fault", Err: m.err})
}

func (c *Controller) handleClassicWriteFailed(m classicWriteFailed) {
	if !c.current(m.gen) {
		return
	}
	c.emit(errorEvent(&WriteError{Code: StatusFailure, Err: m.err}))
}

// BLE path.

func (c *Controller) dialGATT(ctx context.Context, gen uint64, addr string) {
	slog.Info("[GATT] connecting", "addr", addr)
	link, err := c.radio.ConnectGATT(ctx, addr)
	c.post(gattDialed{gen: gen, link: link, err: err})
}

func (c *Controller) handleGattDialed(m gattDialed) {
	if !c.current(m.gen) {
		if m.link != nil {
			m.link.Close()
		}
		return
	}
	if m.err != nil {
		c.closeSession(&ConnectError{Reason: "gatt connect", Err: m.err})
		return
	}

	s := c.sess
	s.cancel()
	s.cancel = nil
	s.link = m.link
	c.setState(StateConnected)

	go c.pumpGATT(m.gen, m.link)

	s.pipe.discovering()
	if err := s.link.DiscoverServices(); err != nil {
		c.closeSession(&ConnectError{Reason: "service discovery", Err: err})
	}
}

func (c *Controller) pumpGATT(gen uint64, link GattLink) {
	for ev := range link.Events() {
		c.post(gattMsg{gen: gen, ev: ev})
	}
	c.post(gattClosed{gen: gen})
}

func (c *Controller) handleGattClosed(m gattClosed) {
	if !c.current(m.gen) {
		return
	}
	c.closeSession(&ConnectError{Reason: "link lost"})
}

func (c *Controller) handleGattEvent(m gattMsg) {
	if !c.current(m.gen) || c.sess.link == nil {
		return
	}
	c.gattEvent(m.ev)
}

func (c *Controller) gattEvent(ev GattEvent) {
	s := c.sess

	var done gattOp
	if k, ok := completes(ev.Kind); ok {
		op, ok := s.ops.complete(k)
		if !ok {
			slog.Debug("[GATT] unexpected completion", "kind", ev.Kind)
			return
		}
		done = op
	}

	switch ev.Kind {
	case GattServicesDiscovered:
		if ev.Status != StatusSuccess {
			slog.Warn("[GATT] service discovery status", "status", ev.Status)
			c.emit(errorEvent(&ConnectError{Reason: fmt.Sprintf("service discovery status %d", ev.Status), Err: ev.Err}))
			return
		}
		ops, record, started := s.pipe.servicesDiscovered(ev.Services)
		if !started {
			slog.Debug("[GATT] pipeline already running, ignoring discovery", "phase", s.pipe.phase)
			return
		}
		for _, op := range ops {
			s.ops.push(op)
		}
		if record != "" {
			c.appendRecord(SourceRead, record)
		}

	case GattDescriptorWritten:
		if ev.Status != StatusSuccess {
			slog.Warn("[GATT] enable notifications failed", "uuid", done.char.UUID, "status", ev.Status, "error", ev.Err)
		}
		if op, record, ok := s.pipe.subscribed(); ok {
			s.ops.push(op)
		} else if record != "" {
			c.appendRecord(SourceRead, record)
		}

	case GattCharacteristicRead:
		ch := done.char
		record, next, more, err := s.pipe.readCompleted(ch, ev.Status, ev.Value)
		if record != "" {
			c.appendRecord(SourceRead, record)
		}
		if err != nil {
			slog.Warn("[GATT] read failed", "uuid", ch.UUID, "status", ev.Status)
			c.emit(errorEvent(err))
		}
		if more {
			s.ops.push(next)
		}

	case GattCharacteristicWritten:
		if ev.Status != StatusSuccess {
			c.emit(errorEvent(&WriteError{Code: ev.Status, Err: ev.Err}))
		} else {
			slog.Debug("[GATT] frame written", "uuid", done.char.UUID, "bytes", len(done.value))
		}

	case GattNotification:
		c.appendRecord(SourceNotification, protocol.NotificationRecord(ev.Char.UUID, ev.Value))

	case GattMTUChanged:
		if ev.MTU >= MinMTU && ev.MTU != s.mtu {
			s.mtu = ev.MTU
			slog.Info("[GATT] mtu changed", "mtu", ev.MTU)
			c.emit(Event{Type: EventMTUChanged, MTU: ev.MTU})
		}

	case GattLinkDown:
		c.closeSession(&ConnectError{Reason: "link lost", Err: ev.Err})
		return
	}

	c.pumpOps()
}

// pumpOps starts the next queued op if none is outstanding.
func (c *Controller) pumpOps() {
	s := c.sess
	if s == nil || s.link == nil || !s.ops.idle() {
		return
	}
	op, seq, ok := s.ops.start()
	if !ok {
		return
	}
	if op.delay <= 0 {
		c.issueOp(seq)
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(op.delay, func() {
		c.post(opTick{gen: gen, seq: seq})
	})
}

func (c *Controller) handleOpTick(m opTick) {
	if !c.current(m.gen) || c.sess.link == nil {
		return
	}
	c.sess.timer = nil
	c.issueOp(m.seq)
}

// issueOp sends the current op to the link. A request the link rejects
// outright completes as a failure so sequencing continues.
func (c *Controller) issueOp(seq uint64) {
	s := c.sess
	op, ok := s.ops.fire(seq)
	if !ok {
		return
	}

	var err error
	var kind GattEventKind
	switch op.kind {
	case opDescriptorWrite:
		kind = GattDescriptorWritten
		if nerr := s.link.SetNotify(op.char, true); nerr != nil {
			slog.Warn("[GATT] set notify", "uuid", op.char.UUID, "error", nerr)
		}
		err = s.link.WriteDescriptor(op.char, ClientConfigUUID, op.value)
	case opRead:
		kind = GattCharacteristicRead
		err = s.link.ReadCharacteristic(op.char)
	case opFrameWrite:
		kind = GattCharacteristicWritten
		err = s.link.WriteCharacteristic(op.char, op.value)
	}
	if err != nil {
		slog.Debug("[GATT] request rejected", "op", op.kind, "uuid", op.char.UUID, "error", err)
		c.gattEvent(GattEvent{Kind: kind, Status: StatusFailure, Char: op.char, Err: err})
	}
}

// sendFrames queues text as MTU-sized no-response writes.
func (c *Controller) sendFrames(text string) error {
	s := c.sess
	if s.pipe.writable == nil {
		return ErrNoWritableCharacteristic
	}
	frames := protocol.Frames([]byte(text), protocol.FrameSize(s.mtu))
	for i, f := range frames {
		var delay time.Duration
		if i > 0 {
			delay = c.opts.FrameDelay
		}
		s.ops.push(gattOp{kind: opFrameWrite, char: *s.pipe.writable, value: f, delay: delay})
	}
	slog.Debug("[GATT] send queued", "bytes", len(text), "frames", len(frames), "mtu", s.mtu)
	c.pumpOps()
	return nil
}
