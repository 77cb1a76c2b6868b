package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bluescan/internal/bt"
)

// FlagResolver supplies characteristic property bits, which tinygo
// bluetooth does not expose.
type FlagResolver interface {
	CharacteristicFlags(address string) (map[uuid.UUID]bt.Props, error)
}

// LE drives BLE scanning and GATT links through tinygo bluetooth.
type LE struct {
	adapter *bluetooth.Adapter
	flags   FlagResolver

	mu      sync.Mutex
	enabled bool
	links   map[string]*leLink // keyed by normalized address
}

// NewLE wraps the default adapter. flags may be nil, in which case every
// characteristic is treated as readable only.
func NewLE(flags FlagResolver) *LE {
	return &LE{
		adapter: bluetooth.DefaultAdapter,
		flags:   flags,
		links:   make(map[string]*leLink),
	}
}

// Enable powers the stack up once and installs the link-loss handler.
func (l *LE) Enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("radio: enable le adapter: %w", err)
	}
	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := bt.NormalizeAddress(device.Address.String())
		l.mu.Lock()
		link, ok := l.links[addr]
		l.mu.Unlock()
		if ok {
			slog.Info("[GATT] link lost", "addr", addr)
			link.emit(bt.GattEvent{Kind: bt.GattLinkDown, Err: errors.New("peer disconnected")})
		}
	})
	l.enabled = true
	return nil
}

// Scan runs a continuous LE scan until ctx is cancelled.
func (l *LE) Scan(ctx context.Context) (<-chan bt.ScanEvent, error) {
	if err := l.Enable(); err != nil {
		return nil, err
	}

	out := make(chan bt.ScanEvent, 32)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := l.adapter.StopScan(); err != nil {
				slog.Debug("[SCAN] stop le scan", "error", err)
			}
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		err := l.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			dev := bt.DeviceRef{
				Address: bt.NormalizeAddress(result.Address.String()),
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			}
			select {
			case out <- bt.ScanEvent{Kind: bt.ScanFound, Device: dev}:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("[SCAN] le scan failed", "error", err)
			out <- bt.ScanEvent{Kind: bt.ScanFailure, Code: bt.StatusFailure, Err: err}
		}
	}()
	return out, nil
}

// ConnectGATT connects to addr. tinygo's Connect cannot be cancelled, so a
// connection that completes after ctx is done is dropped.
func (l *LE) ConnectGATT(ctx context.Context, address string) (bt.GattLink, error) {
	if err := l.Enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(address)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("radio: connect to %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("radio: connect to %s: %w", address, res.err)
		}
		key := bt.NormalizeAddress(address)
		link := newLELink(key, res.device, l.flags, func() {
			l.mu.Lock()
			delete(l.links, key)
			l.mu.Unlock()
		})
		l.mu.Lock()
		l.links[key] = link
		l.mu.Unlock()
		return link, nil
	}
}

var _ bt.GattLink = (*leLink)(nil)

// leLink adapts a tinygo Device to bt.GattLink. tinygo calls block, so a
// single worker goroutine runs them in order and reports completions on
// the events channel.
type leLink struct {
	addr    string
	device  bluetooth.Device
	flags   FlagResolver
	onClose func()

	work chan func()
	done chan struct{}
	once sync.Once

	// mu guards events against send-after-close.
	mu     sync.RWMutex
	closed bool
	events chan bt.GattEvent

	// Owned by the worker.
	chars  map[uint16]bluetooth.DeviceCharacteristic
	notify map[uint16]bool
	nmu    sync.Mutex
}

func newLELink(addr string, device bluetooth.Device, flags FlagResolver, onClose func()) *leLink {
	l := &leLink{
		addr:    addr,
		device:  device,
		flags:   flags,
		onClose: onClose,
		work:    make(chan func(), 16),
		done:    make(chan struct{}),
		events:  make(chan bt.GattEvent, 64),
		chars:   make(map[uint16]bluetooth.DeviceCharacteristic),
		notify:  make(map[uint16]bool),
	}
	go l.run()
	return l
}

func (l *leLink) run() {
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.work:
			fn()
		}
	}
}

func (l *leLink) Events() <-chan bt.GattEvent { return l.events }

func (l *leLink) emit(ev bt.GattEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *leLink) submit(fn func()) error {
	select {
	case <-l.done:
		return bt.ErrNotConnected
	default:
	}
	select {
	case l.work <- fn:
		return nil
	case <-l.done:
		return bt.ErrNotConnected
	}
}

func (l *leLink) DiscoverServices() error {
	return l.submit(func() {
		services, err := l.discover()
		if err != nil {
			l.emit(bt.GattEvent{Kind: bt.GattServicesDiscovered, Status: bt.StatusFailure, Err: err})
			return
		}
		l.emit(bt.GattEvent{Kind: bt.GattServicesDiscovered, Services: services})
		l.reportMTU()
	})
}

func (l *leLink) discover() ([]bt.Service, error) {
	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("radio: discover services: %w", err)
	}

	var flags map[uuid.UUID]bt.Props
	if l.flags != nil {
		if flags, err = l.flags.CharacteristicFlags(l.addr); err != nil {
			slog.Warn("[GATT] characteristic flags unavailable", "addr", l.addr, "error", err)
		}
	}

	var handle uint16
	var out []bt.Service
	for _, svc := range svcs {
		svcID, err := uuid.Parse(svc.UUID().String())
		if err != nil {
			continue
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			slog.Warn("[GATT] discover characteristics", "service", svcID, "error", err)
			continue
		}
		s := bt.Service{UUID: svcID}
		for _, ch := range chars {
			id, err := uuid.Parse(ch.UUID().String())
			if err != nil {
				continue
			}
			handle++
			props, ok := flags[id]
			if !ok {
				props = bt.PropRead
			}
			l.chars[handle] = ch
			s.Characteristics = append(s.Characteristics, bt.CharacteristicDescriptor{
				Service: svcID,
				UUID:    id,
				Handle:  handle,
				Props:   props,
			})
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *leLink) reportMTU() {
	for _, ch := range l.chars {
		mtu, err := ch.GetMTU()
		if err != nil || mtu == 0 {
			return
		}
		l.emit(bt.GattEvent{Kind: bt.GattMTUChanged, MTU: int(mtu)})
		return
	}
}

func (l *leLink) SetNotify(c bt.CharacteristicDescriptor, enable bool) error {
	l.nmu.Lock()
	l.notify[c.Handle] = enable
	l.nmu.Unlock()
	return nil
}

func (l *leLink) delivering(handle uint16) bool {
	l.nmu.Lock()
	defer l.nmu.Unlock()
	return l.notify[handle]
}

// WriteDescriptor supports the client configuration descriptor only, which
// tinygo drives through EnableNotifications.
func (l *leLink) WriteDescriptor(c bt.CharacteristicDescriptor, descriptor uuid.UUID, value []byte) error {
	if descriptor != bt.ClientConfigUUID {
		return fmt.Errorf("radio: descriptor %s not supported", descriptor)
	}
	enable := len(value) > 0 && value[0] != 0
	return l.submit(func() {
		ch, ok := l.chars[c.Handle]
		if !ok {
			l.emit(bt.GattEvent{Kind: bt.GattDescriptorWritten, Char: c, Status: bt.StatusFailure, Err: errUnknownHandle})
			return
		}
		var cb func([]byte)
		if enable {
			cb = func(buf []byte) {
				if !l.delivering(c.Handle) {
					return
				}
				l.emit(bt.GattEvent{Kind: bt.GattNotification, Char: c, Value: append([]byte(nil), buf...)})
			}
		}
		status := bt.StatusSuccess
		err := ch.EnableNotifications(cb)
		if err != nil {
			status = bt.StatusFailure
		}
		l.emit(bt.GattEvent{Kind: bt.GattDescriptorWritten, Char: c, Status: status, Err: err})
	})
}

var errUnknownHandle = errors.New("radio: unknown characteristic handle")

const maxAttrValue = 512

func (l *leLink) ReadCharacteristic(c bt.CharacteristicDescriptor) error {
	return l.submit(func() {
		ch, ok := l.chars[c.Handle]
		if !ok {
			l.emit(bt.GattEvent{Kind: bt.GattCharacteristicRead, Char: c, Status: bt.StatusFailure, Err: errUnknownHandle})
			return
		}
		buf := make([]byte, maxAttrValue)
		n, err := ch.Read(buf)
		if err != nil {
			l.emit(bt.GattEvent{Kind: bt.GattCharacteristicRead, Char: c, Status: bt.StatusFailure, Err: err})
			return
		}
		l.emit(bt.GattEvent{Kind: bt.GattCharacteristicRead, Char: c, Value: buf[:n]})
	})
}

func (l *leLink) WriteCharacteristic(c bt.CharacteristicDescriptor, data []byte) error {
	payload := append([]byte(nil), data...)
	return l.submit(func() {
		ch, ok := l.chars[c.Handle]
		if !ok {
			l.emit(bt.GattEvent{Kind: bt.GattCharacteristicWritten, Char: c, Status: bt.StatusFailure, Err: errUnknownHandle})
			return
		}
		_, err := ch.WriteWithoutResponse(payload)
		status := bt.StatusSuccess
		if err != nil {
			status = bt.StatusFailure
		}
		l.emit(bt.GattEvent{Kind: bt.GattCharacteristicWritten, Char: c, Status: status, Err: err})
	})
}

// Close disconnects the peer and closes Events. Idempotent.
func (l *leLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		close(l.events)
		l.mu.Unlock()
		if l.onClose != nil {
			l.onClose()
		}
		err = l.device.Disconnect()
	})
	return err
}
