package bt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bluescan/internal/bt/protocol"
)

const (
	addrA = "AA:BB:CC:DD:EE:01"
	addrB = "AA:BB:CC:DD:EE:02"

	waitTimeout = 2 * time.Second
)

var testService = uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")

func testChar(n int, props Props) CharacteristicDescriptor {
	return CharacteristicDescriptor{
		Service: testService,
		UUID:    uuid.MustParse(fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", 0x2b00+n)),
		Handle:  uint16(n),
		Props:   props,
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReadDelay = 0
	opts.FrameDelay = 0
	opts.ClassicConnectTimeout = waitTimeout
	opts.LEConnectTimeout = waitTimeout
	return opts
}

func newTestController(t *testing.T, r *mockRadio, opts Options) *Controller {
	t.Helper()
	c := New(r, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

// nextEvent returns the next event of type typ, discarding others.
func nextEvent(t *testing.T, c *Controller, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// collectUntil returns every event up to and including the first one for
// which stop is true.
func collectUntil(t *testing.T, c *Controller, stop func(Event) bool) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed after %d events", len(got))
			}
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
}

func waitState(t *testing.T, c *Controller, want ConnectionState) {
	t.Helper()
	collectUntil(t, c, func(ev Event) bool {
		return ev.Type == EventConnectionStateChanged && ev.State == want
	})
}

// expectQuiet fails if an event of type typ arrives within d.
func expectQuiet(t *testing.T, c *Controller, typ EventType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countData(events []Event, src DataSource) int {
	n := 0
	for _, ev := range events {
		if ev.Type == EventDataReceived && ev.Source == src {
			n++
		}
	}
	return n
}

// Scanning

func TestStopScanWhenIdleIsNoop(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())

	if err := c.StopScan(context.Background()); err != nil {
		t.Fatalf("StopScan() error = %v, want nil", err)
	}
	if st := c.Status(); st.Scanning || st.State != StateDisconnected {
		t.Errorf("Status() = %+v, want idle", st)
	}
	expectQuiet(t, c, EventScanFinished, 30*time.Millisecond)
}

func TestScanReportsEachAddressOnce(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	if err := c.StartScan(ctx, ModeClassic); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if ev := nextEvent(t, c, EventScanStarted); ev.Mode != "classic" {
		t.Errorf("ScanStarted mode = %q, want classic", ev.Mode)
	}

	scan := r.lastScan()
	scan.found(addrA, "alpha")
	scan.found(addrB, "")
	scan.found(strings.ToLower(addrA), "alpha")
	scan.finish()

	events := collectUntil(t, c, func(ev Event) bool { return ev.Type == EventScanFinished })

	var found []string
	for _, ev := range events {
		if ev.Type == EventDeviceFound {
			found = append(found, ev.Device.Address)
		}
	}
	if len(found) != 2 || found[0] != addrA || found[1] != addrB {
		t.Errorf("DeviceFound addresses = %v, want [%s %s]", found, addrA, addrB)
	}
	if last := events[len(events)-1]; last.Count != 2 {
		t.Errorf("ScanFinished count = %d, want 2", last.Count)
	}
	if devs := c.Devices(); len(devs) != 2 {
		t.Errorf("Devices() len = %d, want 2", len(devs))
	}
	if c.Status().Scanning {
		t.Error("still scanning after the pass ended")
	}
}

func TestStartScanWhileScanningFails(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	if err := c.StartScan(ctx, ModeBLE); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if err := c.StartScan(ctx, ModeClassic); !errors.Is(err, ErrAlreadyScanning) {
		t.Errorf("second StartScan() error = %v, want ErrAlreadyScanning", err)
	}
}

func TestNewScanClearsRegistry(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.StartScan(ctx, ModeBLE)
	r.lastScan().found(addrA, "")
	nextEvent(t, c, EventDeviceFound)
	c.StopScan(ctx)
	nextEvent(t, c, EventScanFinished)

	if err := c.StartScan(ctx, ModeBLE); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	nextEvent(t, c, EventScanStarted)
	if n := len(c.Devices()); n != 0 {
		t.Errorf("Devices() after restart = %d, want 0", n)
	}
	r.lastScan().found(addrA, "")
	if ev := nextEvent(t, c, EventDeviceFound); ev.Device.Address != addrA {
		t.Errorf("DeviceFound = %s, want %s reported again", ev.Device.Address, addrA)
	}
}

func TestScanFailureAllowsRetry(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.StartScan(ctx, ModeBLE)
	r.lastScan().fail(2)

	ev := nextEvent(t, c, EventScanFailed)
	if ev.Code != 2 {
		t.Errorf("ScanFailed code = %d, want 2", ev.Code)
	}
	if !errors.Is(ev.Err, ErrScanFailed) {
		t.Errorf("ScanFailed error = %v, want ErrScanFailed", ev.Err)
	}
	if c.Status().Scanning {
		t.Error("scanning flag still set after failure")
	}
	if err := c.StartScan(ctx, ModeBLE); err != nil {
		t.Errorf("StartScan() after failure error = %v", err)
	}
}

func TestClassicScanFinishesOnItsOwn(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())

	c.StartScan(context.Background(), ModeClassic)
	scan := r.lastScan()
	scan.found(addrA, "headset")
	scan.finish()

	ev := nextEvent(t, c, EventScanFinished)
	if ev.Count != 1 || ev.Mode != "classic" {
		t.Errorf("ScanFinished = %+v, want count 1 mode classic", ev)
	}
}

func TestScanTargetFound(t *testing.T) {
	r := newMockRadio()
	opts := testOptions()
	opts.TargetAddress = strings.ToLower(addrB)
	c := newTestController(t, r, opts)

	c.StartScan(context.Background(), ModeBLE)
	r.lastScan().found(addrA, "")
	r.lastScan().found(addrB, "target")

	events := collectUntil(t, c, func(ev Event) bool { return ev.Type == EventTargetFound })
	last := events[len(events)-1]
	if last.Device.Address != addrB {
		t.Errorf("TargetFound = %s, want %s", last.Device.Address, addrB)
	}
	if prev := events[len(events)-2]; prev.Type != EventDeviceFound || prev.Device.Address != addrB {
		t.Errorf("event before TargetFound = %+v, want DeviceFound for target", prev)
	}
}

func TestScanReadinessErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission", ErrPermissionDenied},
		{"adapter off", ErrAdapterDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newMockRadio()
			r.readyErr = fmt.Errorf("radio: adapter state: %w", tt.err)
			c := newTestController(t, r, testOptions())

			if err := c.StartScan(context.Background(), ModeBLE); !errors.Is(err, tt.err) {
				t.Errorf("StartScan() error = %v, want %v", err, tt.err)
			}
			if c.Status().Scanning {
				t.Error("scanning after refused start")
			}
		})
	}
}

func TestEnableAdapterThenScan(t *testing.T) {
	r := newMockRadio()
	r.readyErr = ErrAdapterDisabled
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	if err := c.StartScan(ctx, ModeBLE); !errors.Is(err, ErrAdapterDisabled) {
		t.Fatalf("StartScan() error = %v, want ErrAdapterDisabled", err)
	}
	if err := c.EnableAdapter(ctx); err != nil {
		t.Fatalf("EnableAdapter() error = %v", err)
	}
	if err := c.StartScan(ctx, ModeBLE); err != nil {
		t.Errorf("StartScan() after enable error = %v", err)
	}
}

// Classic sessions

func TestClassicSessionReceivesUntilStreamEnds(t *testing.T) {
	r := newMockRadio()
	r.bonds[addrA] = BondBonded
	stream := newMockStream()
	stream.reads <- []byte("PING")
	stream.reads <- []byte{}
	r.stream = stream
	c := newTestController(t, r, testOptions())

	if err := c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeClassic); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	events := collectUntil(t, c, func(ev Event) bool {
		return ev.Type == EventConnectionStateChanged && ev.State == StateDisconnected
	})
	var states []ConnectionState
	for _, ev := range events {
		if ev.Type == EventConnectionStateChanged {
			states = append(states, ev.State)
		}
	}
	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if countData(events, SourceStream) != 1 {
		t.Errorf("stream data events = %d, want 1", countData(events, SourceStream))
	}

	if got := c.Transcript(); !strings.Contains(got, "PING") {
		t.Errorf("Transcript() = %q, want PING", got)
	}
	if got := stream.Written(); got != "Hello from bluescan!" {
		t.Errorf("greeting = %q", got)
	}
	eventually(t, "socket close", func() bool { return stream.CloseCount() == 1 })
	if ev := nextEvent(t, c, EventError); !errors.Is(ev.Err, ErrStreamClosed) {
		t.Errorf("Error event = %v, want ErrStreamClosed", ev.Err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

func TestClassicStreamFaultDisconnects(t *testing.T) {
	r := newMockRadio()
	r.bonds[addrA] = BondBonded
	stream := newMockStream()
	stream.reads <- []byte("PING")
	r.stream = stream
	c := newTestController(t, r, testOptions())

	if err := c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeClassic); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ev := nextEvent(t, c, EventDataReceived); !strings.Contains(ev.Text, "PING") {
		t.Fatalf("data = %q, want PING", ev.Text)
	}

	fault := errors.New("connection reset by peer")
	stream.fail(fault)
	events := collectUntil(t, c, func(ev Event) bool {
		return ev.Type == EventConnectionStateChanged && ev.State == StateDisconnected
	})
	events = append(events, nextEvent(t, c, EventError))

	var got error
	for _, ev := range events {
		if ev.Type == EventError {
			got = ev.Err
		}
	}
	if !errors.Is(got, ErrConnectFailed) || !errors.Is(got, fault) {
		t.Errorf("Error event = %v, want connect failure wrapping the fault", got)
	}
	if got != nil && !strings.Contains(got.Error(), "stream fault") {
		t.Errorf("Error() = %q, want stream fault reason", got.Error())
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if !strings.Contains(c.Transcript(), "PING") {
		t.Errorf("Transcript() = %q, want PING kept after fault", c.Transcript())
	}
	eventually(t, "socket close", func() bool { return stream.CloseCount() == 1 })
}

func TestClassicConnectUnbondedRequestsPairing(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	err := c.Connect(ctx, DeviceRef{Address: addrA}, ModeClassic)
	if !errors.Is(err, ErrPairingRequired) {
		t.Fatalf("Connect() error = %v, want ErrPairingRequired", err)
	}
	if ev := nextEvent(t, c, EventBondStateChanged); ev.Bond != "bonding" {
		t.Errorf("first bond event = %q, want bonding", ev.Bond)
	}
	if ev := nextEvent(t, c, EventBondStateChanged); ev.Bond != "bonded" {
		t.Errorf("second bond event = %q, want bonded", ev.Bond)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}

	stream := newMockStream()
	close(stream.reads)
	r.mu.Lock()
	r.stream = stream
	dials := r.dialCalls
	r.mu.Unlock()
	if dials != 0 {
		t.Fatalf("dialed %d times before bonding", dials)
	}

	if err := c.Connect(ctx, DeviceRef{Address: addrA}, ModeClassic); err != nil {
		t.Fatalf("Connect() after bonding error = %v", err)
	}
	waitState(t, c, StateDisconnected)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pairCalls) != 1 || r.dialCalls != 1 {
		t.Errorf("pairCalls=%v dialCalls=%d, want 1 each", r.pairCalls, r.dialCalls)
	}
}

func TestClassicSendWritesLine(t *testing.T) {
	r := newMockRadio()
	r.bonds[addrA] = BondBonded
	stream := newMockStream()
	r.stream = stream
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.Connect(ctx, DeviceRef{Address: addrA}, ModeClassic)
	waitState(t, c, StateConnected)

	if err := c.Send(ctx, "hi there"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	want := "Hello from bluescan!hi there\n"
	eventually(t, "line written", func() bool { return stream.Written() == want })

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitState(t, c, StateDisconnected)
	if err := c.Send(ctx, "late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after disconnect error = %v, want ErrNotConnected", err)
	}
	if n := stream.CloseCount(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
}

func TestClassicDialFailure(t *testing.T) {
	r := newMockRadio()
	r.bonds[addrA] = BondBonded
	r.dialErr = errors.New("host is down")
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeClassic)
	waitState(t, c, StateDisconnected)
	ev := nextEvent(t, c, EventError)
	if !errors.Is(ev.Err, ErrConnectFailed) {
		t.Errorf("Error event = %v, want ErrConnectFailed", ev.Err)
	}
}

// Session state

func TestConnectWhileConnectingIsBusy(t *testing.T) {
	r := newMockRadio()
	r.bonds[addrB] = BondBonded
	r.connectBlock = make(chan struct{})
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	if err := c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, c, StateConnecting)

	if err := c.Connect(ctx, DeviceRef{Address: addrB}, ModeBLE); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("second Connect() error = %v, want ErrSessionBusy", err)
	}
	if err := c.Connect(ctx, DeviceRef{Address: addrB}, ModeClassic); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("classic Connect() error = %v, want ErrSessionBusy", err)
	}
	st := c.Status()
	if st.State != StateConnecting || st.Device == nil || st.Device.Address != addrA {
		t.Errorf("Status() = %+v, want connecting to %s", st, addrA)
	}

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitState(t, c, StateDisconnected)
}

func TestConnectWhileConnectedIsBusy(t *testing.T) {
	r := newMockRadio()
	r.link = newMockLink()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE)
	waitState(t, c, StateConnected)

	if err := c.Connect(ctx, DeviceRef{Address: addrB}, ModeBLE); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Connect() error = %v, want ErrSessionBusy", err)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestDisconnectWhenIdleIsNoop(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())

	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect() error = %v, want nil", err)
	}
	expectQuiet(t, c, EventConnectionStateChanged, 30*time.Millisecond)
}

func TestConnectStopsScan(t *testing.T) {
	r := newMockRadio()
	r.link = newMockLink()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.StartScan(ctx, ModeBLE)
	r.lastScan().found(addrA, "")
	nextEvent(t, c, EventDeviceFound)

	if err := c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	events := collectUntil(t, c, func(ev Event) bool {
		return ev.Type == EventConnectionStateChanged && ev.State == StateConnecting
	})
	if events[0].Type != EventScanFinished || events[0].Count != 1 {
		t.Errorf("first event = %+v, want ScanFinished(1)", events[0])
	}
	if c.Status().Scanning {
		t.Error("still scanning after connect")
	}
}

func TestCloseReleasesSession(t *testing.T) {
	r := newMockRadio()
	r.bonds[addrA] = BondBonded
	stream := newMockStream()
	r.stream = stream
	c := New(r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeClassic)
	waitState(t, c, StateConnected)

	c.Close()
	for range c.Events() {
	}
	if n := stream.CloseCount(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
	if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
}

func TestCloseWithUndrainedEvents(t *testing.T) {
	r := newMockRadio()
	opts := testOptions()
	opts.EventBuffer = 1
	c := New(r, opts)

	if err := c.StartScan(context.Background(), ModeBLE); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	scan := r.lastScan()
	for i := 0; i < 8; i++ {
		scan.found(fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i), "")
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.StopScan(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StopScan() on stalled controller error = %v, want deadline exceeded", err)
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("Close() hung with undrained events")
	}
	for range c.Events() {
	}
}

// BLE sessions

func TestBLEReadsEveryReadableCharacteristic(t *testing.T) {
	a, b := testChar(1, PropRead), testChar(2, PropRead)
	battery := CharacteristicDescriptor{Service: testService, UUID: BatteryLevelUUID, Handle: 3, Props: PropRead}
	link := newMockLink(Service{UUID: testService, Characteristics: []CharacteristicDescriptor{a, b, battery}})
	link.values[a.UUID] = []byte("alpha")
	link.readStatus[b.UUID] = 5
	link.values[battery.UUID] = []byte{87}

	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())

	if err := c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	seen := 0
	events := collectUntil(t, c, func(ev Event) bool {
		if ev.Type == EventDataReceived && ev.Source == SourceRead {
			seen++
		}
		return seen == 3
	})

	recs := c.Records()
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3: %q", len(recs), recs)
	}
	if !strings.Contains(recs[0], "Value: alpha") || protocol.IsErrorRecord(recs[0]) {
		t.Errorf("record[0] = %q", recs[0])
	}
	if !protocol.IsErrorRecord(recs[1]) || !strings.Contains(recs[1], "Error reading: 5") {
		t.Errorf("record[1] = %q, want error record with status 5", recs[1])
	}
	if !strings.Contains(recs[2], "Value: 87%") {
		t.Errorf("record[2] = %q, want battery percentage", recs[2])
	}

	var readErr *ReadError
	for _, ev := range events {
		if ev.Type == EventError && errors.As(ev.Err, &readErr) {
			break
		}
	}
	if readErr == nil || readErr.Code != 5 || readErr.Characteristic != b.UUID {
		t.Errorf("ReadError = %+v, want code 5 for %s", readErr, b.UUID)
	}

	reads, _, _ := link.snapshot()
	want := []uuid.UUID{a.UUID, b.UUID, battery.UUID}
	if fmt.Sprint(reads) != fmt.Sprint(want) {
		t.Errorf("reads = %v, want %v", reads, want)
	}
	if phase := c.Status().Phase; phase != "done" {
		t.Errorf("phase = %q, want done", phase)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected after read failure", c.State())
	}
}

func TestBLESubscribesBeforeReading(t *testing.T) {
	n := testChar(1, PropNotify|PropRead)
	rd := testChar(2, PropRead)
	link := newMockLink(Service{UUID: testService, Characteristics: []CharacteristicDescriptor{n, rd}})
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE)
	seen := 0
	collectUntil(t, c, func(ev Event) bool {
		if ev.Type == EventDataReceived {
			seen++
		}
		return seen == 2
	})

	_, _, order := link.snapshot()
	want := []string{
		"discover",
		"notify:" + n.UUID.String(),
		"descriptor:" + n.UUID.String(),
		"read:" + n.UUID.String(),
		"read:" + rd.UUID.String(),
	}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("op order = %v, want %v", order, want)
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	if link.descriptors[0] != ClientConfigUUID || !bytes.Equal(link.descValues[0], []byte{0x01, 0x00}) {
		t.Errorf("descriptor write = %s %x", link.descriptors[0], link.descValues[0])
	}
}

func TestBLEOneOperationInFlight(t *testing.T) {
	chars := []CharacteristicDescriptor{testChar(1, PropRead), testChar(2, PropRead), testChar(3, PropRead)}
	link := newMockLink(Service{UUID: testService, Characteristics: chars})
	link.manual = true
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE)

	for i := 1; i <= len(chars); i++ {
		eventually(t, fmt.Sprintf("read %d issued", i), func() bool {
			reads, _, _ := link.snapshot()
			return len(reads) == i
		})
		time.Sleep(10 * time.Millisecond)
		if reads, _, _ := link.snapshot(); len(reads) != i {
			t.Fatalf("issued %d reads before completion %d", len(reads), i)
		}
		if i == 1 {
			// a duplicate discovery while reading must not start a second sequence
			link.push(GattEvent{Kind: GattServicesDiscovered, Services: link.services})
		}
		link.release()
	}

	eventually(t, "sequence done", func() bool { return c.Status().Phase == "done" })
	time.Sleep(10 * time.Millisecond)
	reads, _, _ := link.snapshot()
	if len(reads) != 3 {
		t.Errorf("reads = %d, want 3", len(reads))
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.overlap != 0 {
		t.Errorf("overlapping operations = %d, want 0", link.overlap)
	}
}

func TestBLEDuplicateDiscoveryIgnored(t *testing.T) {
	chars := []CharacteristicDescriptor{testChar(1, PropRead), testChar(2, PropRead), testChar(3, PropRead)}
	link := newMockLink(Service{UUID: testService, Characteristics: chars})
	link.manual = true
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE)
	eventually(t, "first read issued", func() bool {
		reads, _, _ := link.snapshot()
		return len(reads) == 1
	})
	link.push(GattEvent{Kind: GattServicesDiscovered, Services: link.services})
	link.push(GattEvent{Kind: GattServicesDiscovered, Services: link.services})

	for i := 1; i <= len(chars); i++ {
		eventually(t, fmt.Sprintf("read %d issued", i), func() bool {
			reads, _, _ := link.snapshot()
			return len(reads) >= i
		})
		link.release()
	}

	eventually(t, "sequence done", func() bool { return c.Status().Phase == "done" })
	time.Sleep(20 * time.Millisecond)
	for link.release() {
	}

	reads, _, _ := link.snapshot()
	if len(reads) != len(chars) {
		t.Errorf("reads = %d, want %d", len(reads), len(chars))
	}
	link.mu.Lock()
	overlap := link.overlap
	link.mu.Unlock()
	if overlap != 0 {
		t.Errorf("overlapping operations = %d, want 0", overlap)
	}
	if recs := c.Records(); len(recs) != len(chars) {
		t.Errorf("records = %d, want %d: %q", len(recs), len(chars), recs)
	}
}

func TestBLENotificationsReachTranscript(t *testing.T) {
	n := testChar(1, PropNotify)
	link := newMockLink(Service{UUID: testService, Characteristics: []CharacteristicDescriptor{n}})
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE)
	if ev := nextEvent(t, c, EventDataReceived); ev.Text != protocol.NoReadable {
		t.Fatalf("first data = %q, want no-readable marker", ev.Text)
	}

	link.push(GattEvent{Kind: GattNotification, Char: n, Value: []byte("tick")})
	ev := nextEvent(t, c, EventDataReceived)
	if ev.Source != SourceNotification || !strings.Contains(ev.Text, "Notification from UUID: "+n.UUID.String()) {
		t.Errorf("notification event = %+v", ev)
	}
	if !strings.Contains(c.Transcript(), "Value: tick") {
		t.Errorf("Transcript() = %q, want notification", c.Transcript())
	}
}

func TestBLESendChunksToMTU(t *testing.T) {
	w1 := testChar(1, PropWrite)
	w2 := testChar(2, PropWrite)
	link := newMockLink(Service{UUID: testService, Characteristics: []CharacteristicDescriptor{w1, w2}})
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE)
	nextEvent(t, c, EventDataReceived)

	link.push(GattEvent{Kind: GattMTUChanged, MTU: 23})
	if ev := nextEvent(t, c, EventMTUChanged); ev.MTU != 23 {
		t.Fatalf("MTU event = %d, want 23", ev.MTU)
	}

	if err := c.Send(ctx, "HELLO"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	eventually(t, "one frame", func() bool {
		_, writes, _ := link.snapshot()
		return len(writes) == 1
	})
	_, writes, _ := link.snapshot()
	if string(writes[0]) != "HELLO" {
		t.Errorf("frame = %q, want HELLO", writes[0])
	}

	payload := strings.Repeat("0123456789", 4) + "abcde"
	if err := c.Send(ctx, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	eventually(t, "three more frames", func() bool {
		_, writes, _ := link.snapshot()
		return len(writes) == 4
	})
	_, writes, _ = link.snapshot()
	for i, want := range []int{20, 20, 5} {
		if len(writes[i+1]) != want {
			t.Errorf("frame %d len = %d, want %d", i, len(writes[i+1]), want)
		}
	}
	if got := string(bytes.Join(writes[1:], nil)); got != payload {
		t.Errorf("reassembled = %q, want %q", got, payload)
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	for i, id := range link.writeChars {
		if id != w2.UUID {
			t.Errorf("write %d went to %s, want last writable %s", i, id, w2.UUID)
		}
	}
}

func TestBLESendErrors(t *testing.T) {
	r := newMockRadio()
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	if err := c.Send(ctx, "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() while disconnected error = %v, want ErrNotConnected", err)
	}

	r.link = newMockLink(Service{UUID: testService, Characteristics: []CharacteristicDescriptor{testChar(1, PropRead)}})
	c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE)
	nextEvent(t, c, EventDataReceived)

	if err := c.Send(ctx, "x"); !errors.Is(err, ErrNoWritableCharacteristic) {
		t.Errorf("Send() error = %v, want ErrNoWritableCharacteristic", err)
	}
}

func TestBLELinkDownDisconnects(t *testing.T) {
	link := newMockLink()
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE)
	waitState(t, c, StateConnected)

	link.push(GattEvent{Kind: GattLinkDown})
	waitState(t, c, StateDisconnected)
	if ev := nextEvent(t, c, EventError); !errors.Is(ev.Err, ErrConnectFailed) {
		t.Errorf("Error event = %v, want ErrConnectFailed", ev.Err)
	}
	if n := link.closes(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
	if st := c.Status(); st.Device != nil || st.Phase != "" {
		t.Errorf("Status() after link down = %+v, want cleared session", st)
	}
}

func TestBLEConnectFailure(t *testing.T) {
	r := newMockRadio()
	r.connectErr = errors.New("le-connection-abort-by-local")
	c := newTestController(t, r, testOptions())

	c.Connect(context.Background(), DeviceRef{Address: addrA}, ModeBLE)
	waitState(t, c, StateDisconnected)
	var ce *ConnectError
	if ev := nextEvent(t, c, EventError); !errors.As(ev.Err, &ce) || ce.Reason != "gatt connect" {
		t.Errorf("Error event = %v, want gatt connect failure", ev.Err)
	}
}

func TestDisconnectStopsReadSequence(t *testing.T) {
	var chars []CharacteristicDescriptor
	for i := 1; i <= 5; i++ {
		chars = append(chars, testChar(i, PropRead))
	}
	link := newMockLink(Service{UUID: testService, Characteristics: chars})
	r := newMockRadio()
	r.link = link
	opts := testOptions()
	opts.ReadDelay = 20 * time.Millisecond
	c := newTestController(t, r, opts)
	ctx := context.Background()

	c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE)
	nextEvent(t, c, EventDataReceived)

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	events := collectUntil(t, c, func(ev Event) bool {
		return ev.Type == EventConnectionStateChanged && ev.State == StateDisconnected
	})
	if prev := events[len(events)-2]; prev.Type != EventConnectionStateChanged || prev.State != StateDisconnecting {
		t.Errorf("event before disconnected = %+v, want disconnecting", prev)
	}

	reads, _, _ := link.snapshot()
	time.Sleep(3 * opts.ReadDelay)
	after, _, _ := link.snapshot()
	if len(after) != len(reads) || len(after) >= len(chars) {
		t.Errorf("reads continued after disconnect: %d -> %d", len(reads), len(after))
	}
	if n := link.closes(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestDisconnectStopsChunkedSend(t *testing.T) {
	w := testChar(1, PropWrite)
	link := newMockLink(Service{UUID: testService, Characteristics: []CharacteristicDescriptor{w}})
	link.manual = true
	r := newMockRadio()
	r.link = link
	c := newTestController(t, r, testOptions())
	ctx := context.Background()

	c.Connect(ctx, DeviceRef{Address: addrA}, ModeBLE)
	nextEvent(t, c, EventDataReceived)
	link.push(GattEvent{Kind: GattMTUChanged, MTU: 23})
	nextEvent(t, c, EventMTUChanged)

	// 200 bytes at a 20 byte frame size is ten writes.
	if err := c.Send(ctx, strings.Repeat("x", 200)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for i := 1; i <= 2; i++ {
		eventually(t, fmt.Sprintf("frame %d issued", i), func() bool {
			_, writes, _ := link.snapshot()
			return len(writes) == i
		})
		link.release()
	}
	eventually(t, "frame 3 issued", func() bool {
		_, writes, _ := link.snapshot()
		return len(writes) == 3
	})

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitState(t, c, StateDisconnected)
	for link.release() {
	}
	time.Sleep(20 * time.Millisecond)

	if _, writes, _ := link.snapshot(); len(writes) != 3 {
		t.Errorf("writes = %d after disconnect, want 3", len(writes))
	}
	if n := link.closes(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
	if err := c.Send(ctx, "late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestPairReportsBondStates(t *testing.T) {
	r := newMockRadio()
	r.pairErr = errors.New("authentication failed")
	c := newTestController(t, r, testOptions())

	if err := c.Pair(context.Background(), strings.ToLower(addrA)); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if ev := nextEvent(t, c, EventBondStateChanged); ev.Bond != "bonding" || ev.Device.Address != addrA {
		t.Errorf("first bond event = %+v", ev)
	}
	if ev := nextEvent(t, c, EventBondStateChanged); ev.Bond != "none" {
		t.Errorf("second bond event = %q, want none", ev.Bond)
	}
	nextEvent(t, c, EventError)
}
