package bt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
)

// mockRadio implements Radio for testing.
type mockRadio struct {
	mu sync.Mutex

	readyErr    error
	powerErr    error
	powerCalls  int
	discoverErr error
	scans       []*mockScan

	bonds     map[string]BondState
	pairErr   error
	pairCalls []string

	dialErr   error
	stream    *mockStream
	dialCalls int

	connectErr   error
	connectBlock chan struct{} // when set, ConnectGATT waits for it or ctx
	link         *mockLink
	connectCalls int
}

func newMockRadio() *mockRadio {
	return &mockRadio{bonds: make(map[string]BondState)}
}

func (r *mockRadio) Ready(TransportMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyErr
}

func (r *mockRadio) PowerOn(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powerCalls++
	if r.powerErr == nil {
		r.readyErr = nil
	}
	return r.powerErr
}

func (r *mockRadio) Discover(ctx context.Context, _ TransportMode) (<-chan ScanEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverErr != nil {
		return nil, r.discoverErr
	}
	s := &mockScan{ch: make(chan ScanEvent, 64)}
	r.scans = append(r.scans, s)
	go func() {
		<-ctx.Done()
		s.finish()
	}()
	return s.ch, nil
}

func (r *mockRadio) lastScan() *mockScan {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scans) == 0 {
		return nil
	}
	return r.scans[len(r.scans)-1]
}

func (r *mockRadio) BondState(_ context.Context, address string) (BondState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bonds[address], nil
}

func (r *mockRadio) Pair(_ context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairCalls = append(r.pairCalls, address)
	if r.pairErr != nil {
		return r.pairErr
	}
	r.bonds[address] = BondBonded
	return nil
}

func (r *mockRadio) DialRFCOMM(ctx context.Context, _ string, service uuid.UUID) (io.ReadWriteCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialCalls++
	if service != SerialPortUUID {
		return nil, errors.New("mock: unexpected service")
	}
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	return r.stream, nil
}

func (r *mockRadio) ConnectGATT(ctx context.Context, _ string) (GattLink, error) {
	r.mu.Lock()
	block := r.connectBlock
	r.connectCalls++
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	return r.link, nil
}

// mockScan is one Discover pass driven by the test.
type mockScan struct {
	mu     sync.Mutex
	ch     chan ScanEvent
	closed bool
}

func (s *mockScan) found(addr, name string) {
	s.send(ScanEvent{Kind: ScanFound, Device: DeviceRef{Address: addr, Name: name}})
}

func (s *mockScan) fail(code int) {
	s.send(ScanEvent{Kind: ScanFailure, Code: code})
}

func (s *mockScan) send(ev ScanEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev
}

func (s *mockScan) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// mockStream is a scripted RFCOMM socket. Each value sent on reads is
// returned by one Read; closing reads yields io.EOF and fail makes the
// pending Read return an error.
type mockStream struct {
	reads  chan []byte
	faults chan error
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	written    bytes.Buffer
	closeCount int
}

func newMockStream() *mockStream {
	return &mockStream{
		reads:  make(chan []byte, 16),
		faults: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *mockStream) Read(p []byte) (int, error) {
	select {
	case b, ok := <-s.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case err := <-s.faults:
		return 0, err
	case <-s.closed:
		return 0, errors.New("mock: read on closed stream")
	}
}

func (s *mockStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errors.New("mock: write on closed stream")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *mockStream) fail(err error) { s.faults <- err }

func (s *mockStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func (s *mockStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// mockLink is a GATT link whose completions are delivered immediately, or
// held until release() when manual is set.
type mockLink struct {
	mu     sync.Mutex
	events chan GattEvent
	closed bool

	services   []Service
	values     map[uuid.UUID][]byte
	readStatus map[uuid.UUID]int

	manual  bool
	held    []GattEvent
	overlap int

	discoverCount int
	closeCount    int
	notifies      []uuid.UUID
	descriptors   []uuid.UUID
	descValues    [][]byte
	reads         []uuid.UUID
	writes        [][]byte
	writeChars    []uuid.UUID
	order         []string
}

func newMockLink(services ...Service) *mockLink {
	return &mockLink{
		events:     make(chan GattEvent, 256),
		services:   services,
		values:     make(map[uuid.UUID][]byte),
		readStatus: make(map[uuid.UUID]int),
	}
}

func (l *mockLink) Events() <-chan GattEvent { return l.events }

// push delivers an unsolicited event such as a notification.
func (l *mockLink) push(ev GattEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(ev)
}

func (l *mockLink) emitLocked(ev GattEvent) {
	if l.closed {
		return
	}
	l.events <- ev
}

// completeLocked delivers or holds the completion of an issued op.
func (l *mockLink) completeLocked(ev GattEvent) {
	if !l.manual {
		l.emitLocked(ev)
		return
	}
	if len(l.held) > 0 {
		l.overlap++
	}
	l.held = append(l.held, ev)
}

// release delivers the oldest held completion.
func (l *mockLink) release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.held) == 0 {
		return false
	}
	ev := l.held[0]
	l.held = l.held[1:]
	l.emitLocked(ev)
	return true
}

func (l *mockLink) DiscoverServices() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discoverCount++
	l.order = append(l.order, "discover")
	l.emitLocked(GattEvent{Kind: GattServicesDiscovered, Services: l.services})
	return nil
}

func (l *mockLink) SetNotify(c CharacteristicDescriptor, enable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifies = append(l.notifies, c.UUID)
	l.order = append(l.order, "notify:"+c.UUID.String())
	return nil
}

func (l *mockLink) WriteDescriptor(c CharacteristicDescriptor, descriptor uuid.UUID, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.descriptors = append(l.descriptors, descriptor)
	l.descValues = append(l.descValues, append([]byte(nil), value...))
	l.order = append(l.order, "descriptor:"+c.UUID.String())
	l.completeLocked(GattEvent{Kind: GattDescriptorWritten, Char: c})
	return nil
}

func (l *mockLink) ReadCharacteristic(c CharacteristicDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads = append(l.reads, c.UUID)
	l.order = append(l.order, "read:"+c.UUID.String())
	l.completeLocked(GattEvent{
		Kind:   GattCharacteristicRead,
		Char:   c,
		Status: l.readStatus[c.UUID],
		Value:  l.values[c.UUID],
	})
	return nil
}

func (l *mockLink) WriteCharacteristic(c CharacteristicDescriptor, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]byte(nil), data...))
	l.writeChars = append(l.writeChars, c.UUID)
	l.completeLocked(GattEvent{Kind: GattCharacteristicWritten, Char: c})
	return nil
}

func (l *mockLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCount++
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	return nil
}

func (l *mockLink) snapshot() (reads []uuid.UUID, writes [][]byte, order []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uuid.UUID(nil), l.reads...),
		append([][]byte(nil), l.writes...),
		append([]string(nil), l.order...)
}

func (l *mockLink) closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCount
}
