package bt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Controller.
type Options struct {
	Greeting              string        // written once after an RFCOMM connect
	ReadBuffer            int           // classic receive buffer size
	ClassicConnectTimeout time.Duration // bound on the RFCOMM dial
	LEConnectTimeout      time.Duration // bound on the GATT connect
	DefaultMTU            int           // assumed until the link reports one
	ReadDelay             time.Duration // pause before each characteristic read
	FrameDelay            time.Duration // pause between outbound frames
	TargetAddress         string        // BLE scan target filter, optional
	EventBuffer           int           // capacity of the Events channel
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		Greeting:              "Hello from bluescan!",
		ReadBuffer:            1024,
		ClassicConnectTimeout: 15 * time.Second,
		LEConnectTimeout:      15 * time.Second,
		DefaultMTU:            DefaultMTU,
		ReadDelay:             100 * time.Millisecond,
		FrameDelay:            10 * time.Millisecond,
		EventBuffer:           256,
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     ConnectionState `json:"-"`
	StateName string          `json:"state"`
	Device    *DeviceRef      `json:"device,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Scanning  bool            `json:"scanning"`
	ScanMode  string          `json:"scan_mode,omitempty"`
	MTU       int             `json:"mtu,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Records   int             `json:"transcript_records"`
	Found     int             `json:"devices_found"`

	devices    []DeviceRef
	transcript []string
}

// Controller is the session orchestrator. A single goroutine owns all
// mutable state; exported methods talk to it through messages and the
// accessors read the snapshot it publishes. All methods are safe for
// concurrent use.
//
// Events are never dropped. A caller that stops reading Events stalls the
// controller until Close, and method calls wait on their context meanwhile.
type Controller struct {
	radio Radio
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	events chan Event
	done   chan struct{}
	once   sync.Once
	snap   atomic.Pointer[Status]

	// Owned by the run goroutine.
	state      ConnectionState
	scan       scanner
	sess       *session
	gen        uint64
	transcript []string
	pairing    map[string]bool
}

// New starts a controller over radio.
func New(radio Radio, opts Options) *Controller {
	def := DefaultOptions()
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = def.ReadBuffer
	}
	if opts.ClassicConnectTimeout <= 0 {
		opts.ClassicConnectTimeout = def.ClassicConnectTimeout
	}
	if opts.LEConnectTimeout <= 0 {
		opts.LEConnectTimeout = def.LEConnectTimeout
	}
	if opts.DefaultMTU < MinMTU {
		opts.DefaultMTU = def.DefaultMTU
	}
	if opts.ReadDelay < 0 {
		opts.ReadDelay = 0
	}
	if opts.FrameDelay < 0 {
		opts.FrameDelay = 0
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		radio:   radio,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan any, 64),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		scan:    newScanner(),
		pairing: make(map[string]bool),
	}
	c.publish()
	go c.run()
	return c
}

// Events returns the event stream. It is closed by Close. The controller
// blocks when the buffer is full, so the stream must be drained until it
// closes.
func (c *Controller) Events() <-chan Event { return c.events }

// command is a request executed on the run goroutine.
type command struct {
	fn    func() error
	reply chan error
}

func (c *Controller) call(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// post delivers a message from an I/O goroutine. It gives up once the
// controller is closed.
func (c *Controller) post(m any) {
	select {
	case c.inbox <- m:
	case <-c.ctx.Done():
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case m := <-c.inbox:
			c.dispatch(m)
			c.publish()
		}
	}
}

func (c *Controller) dispatch(m any) {
	switch m := m.(type) {
	case command:
		m.reply <- m.fn()
	case scanFound:
		c.handleScanFound(m)
	case scanEnded:
		c.handleScanEnded(m)
	case classicDialed:
		c.handleClassicDialed(m)
	case classicData:
		c.handleClassicData(m)
	case classicDown:
		c.handleClassicDown(m)
	case classicWriteFailed:
		c.handleClassicWriteFailed(m)
	case gattDialed:
		c.handleGattDialed(m)
	case gattMsg:
		c.handleGattEvent(m)
	case gattClosed:
		c.handleGattClosed(m)
	case opTick:
		c.handleOpTick(m)
	case pairDone:
		c.handlePairDone(m)
	default:
		slog.Warn("[SESSION] unknown message", "type", fmt.Sprintf("%T", m))
	}
}

// shutdown releases everything without emitting further events.
func (c *Controller) shutdown() {
	if c.scan.cancel != nil {
		c.scan.cancel()
	}
	c.scan.scanning = false
	if c.sess != nil {
		c.sess.release()
		c.sess = nil
	}
	c.state = StateDisconnected
	c.publish()
	close(c.events)
}

func (c *Controller) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.publish()
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Controller) publish() {
	st := &Status{
		State:      c.state,
		StateName:  c.state.String(),
		Scanning:   c.scan.scanning,
		Found:      c.scan.registry.Len(),
		Records:    len(c.transcript),
		devices:    c.scan.registry.List(),
		transcript: c.transcript[:len(c.transcript):len(c.transcript)],
	}
	if c.scan.scanning {
		st.ScanMode = c.scan.mode.String()
	}
	if s := c.sess; s != nil {
		dev := s.device
		st.Device = &dev
		st.Mode = s.mode.String()
		if s.mode == ModeBLE {
			st.MTU = s.mtu
			st.Phase = s.pipe.phase.String()
		}
	}
	c.snap.Store(st)
}

// StartScan begins discovery in mode. A BLE scan carries the configured
// target filter.
func (c *Controller) StartScan(ctx context.Context, mode TransportMode) error {
	return c.StartScanFor(ctx, mode, c.opts.TargetAddress)
}

// StartScanFor begins discovery with an explicit BLE target address. An
// empty target disables the filter.
func (c *Controller) StartScanFor(ctx context.Context, mode TransportMode, target string) error {
	if err := c.radio.Ready(mode); err != nil {
		return err
	}
	return c.call(ctx, func() error { return c.startScan(mode, target) })
}

// StopScan ends the current scan. It is a no-op when not scanning.
func (c *Controller) StopScan(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.stopScan()
		return nil
	})
}

// Connect opens a session to dev. It returns once the attempt has started;
// the outcome arrives as ConnectionStateChanged events. An unbonded classic
// peer gets a pairing request and ErrPairingRequired.
func (c *Controller) Connect(ctx context.Context, dev DeviceRef, mode TransportMode) error {
	dev.Address = NormalizeAddress(dev.Address)
	if dev.Address == "" {
		return fmt.Errorf("bt: connect: empty address")
	}
	if c.State().Busy() {
		return ErrSessionBusy
	}
	if err := c.radio.Ready(mode); err != nil {
		return err
	}

	if mode == ModeClassic {
		bond, err := c.radio.BondState(ctx, dev.Address)
		if err != nil {
			return &ConnectError{Reason: "bond state", Err: err}
		}
		if bond != BondBonded {
			slog.Info("[SESSION] peer not bonded, requesting pairing", "addr", dev.Address)
			if err := c.call(ctx, func() error { return c.startPair(dev) }); err != nil {
				return err
			}
			return ErrPairingRequired
		}
		dev.Bond = BondBonded
	}

	return c.call(ctx, func() error {
		if c.state.Busy() {
			return ErrSessionBusy
		}
		if c.scan.scanning {
			c.stopScan()
		}
		c.openSession(dev, mode)
		return nil
	})
}

// Disconnect tears down the active session. Without one it does nothing.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.disconnect()
		return nil
	})
}

// Send transmits text to the connected peer: as one line on a classic
// stream, or as MTU-sized no-response writes on BLE. It returns once the
// data is queued.
func (c *Controller) Send(ctx context.Context, text string) error {
	return c.call(ctx, func() error {
		if c.state != StateConnected || c.sess == nil {
			return ErrNotConnected
		}
		if c.sess.mode == ModeClassic {
			return c.sess.stream.enqueue(text)
		}
		return c.sendFrames(text)
	})
}

// Pair asks the OS to bond with address. Progress is reported through
// BondStateChanged events.
func (c *Controller) Pair(ctx context.Context, address string) error {
	if err := c.radio.Ready(ModeClassic); err != nil {
		return err
	}
	addr := NormalizeAddress(address)
	return c.call(ctx, func() error {
		dev, ok := c.scan.registry.Lookup(addr)
		if !ok {
			dev = DeviceRef{Address: addr}
		}
		return c.startPair(dev)
	})
}

// EnableAdapter powers the local adapter on.
func (c *Controller) EnableAdapter(ctx context.Context) error {
	if err := c.radio.PowerOn(ctx); err != nil {
		return fmt.Errorf("bt: enable adapter: %w", err)
	}
	slog.Info("[SESSION] adapter powered on")
	return nil
}

// State returns the current connection state.
func (c *Controller) State() ConnectionState { return c.snap.Load().State }

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status { return *c.snap.Load() }

// Transcript returns everything received in the current session.
func (c *Controller) Transcript() string {
	return strings.Join(c.snap.Load().transcript, "")
}

// Records returns the transcript entries of the current session in order.
func (c *Controller) Records() []string {
	recs := c.snap.Load().transcript
	out := make([]string, len(recs))
	copy(out, recs)
	return out
}

// Devices returns the peers found by the current or last scan, in
// first-seen order.
func (c *Controller) Devices() []DeviceRef {
	devs := c.snap.Load().devices
	out := make([]DeviceRef, len(devs))
	copy(out, devs)
	return out
}

// Close stops the controller, releasing any scan or session, and closes
// the event stream.
func (c *Controller) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

type pairDone struct {
	dev DeviceRef
	err error
}

func (c *Controller) startPair(dev DeviceRef) error {
	if c.pairing[dev.Address] {
		return nil
	}
	c.pairing[dev.Address] = true
	dev.Bond = BondBonding
	c.emitBond(dev)

	go func() {
		err := c.radio.Pair(c.ctx, dev.Address)
		c.post(pairDone{dev: dev, err: err})
	}()
	return nil
}

func (c *Controller) handlePairDone(m pairDone) {
	delete(c.pairing, m.dev.Address)
	dev := m.dev
	if m.err != nil {
		dev.Bond = BondNone
		c.emitBond(dev)
		c.emit(errorEvent(fmt.Errorf("bt: pair %s: %w", dev.Address, m.err)))
		return
	}
	dev.Bond = BondBonded
	if known, ok := c.scan.registry.Lookup(dev.Address); ok {
		known.Bond = BondBonded
		c.scan.registry.Add(known)
	}
	slog.Info("[SESSION] bonded", "addr", dev.Address)
	c.emitBond(dev)
}

func (c *Controller) emitBond(dev DeviceRef) {
	ev := deviceEvent(EventBondStateChanged, dev)
	ev.Bond = dev.Bond.String()
	c.emit(ev)
}
