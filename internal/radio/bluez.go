package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/bluescan/internal/bt"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	gattCharIface       = "org.bluez.GattCharacteristic1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	serialProfilePath = dbus.ObjectPath("/com/github/chaz8081/bluescan/serial")
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ talks to bluetoothd over the system bus.
type BlueZ struct {
	adapterPath   dbus.ObjectPath
	classicWindow time.Duration

	mu      sync.Mutex
	closed  bool
	bus     *dbus.Conn
	profile *serialProfile
	cleanup []func()
}

// NewBlueZ returns a client for the named adapter (e.g. "hci0"). The bus is
// connected lazily.
func NewBlueZ(adapter string, classicWindow time.Duration) *BlueZ {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZ{
		adapterPath:   dbus.ObjectPath("/org/bluez/" + adapter),
		classicWindow: classicWindow,
	}
}

func (b *BlueZ) conn() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bt.ErrClosed
	}
	if b.bus != nil {
		return b.bus, nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return nil, mapError("connect system bus", err)
	}
	b.bus = c
	b.cleanup = append(b.cleanup, func() { c.Close() })
	return c, nil
}

// dbusErrorName extracts the D-Bus error name from err, if any.
func dbusErrorName(err error) string {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name
	}
	var dp *dbus.Error
	if errors.As(err, &dp) && dp != nil {
		return dp.Name
	}
	return ""
}

// mapError wraps err, attaching the core sentinel it corresponds to.
func mapError(op string, err error) error {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized":
		return fmt.Errorf("radio: %s: %w: %v", op, bt.ErrPermissionDenied, err)
	case "org.freedesktop.DBus.Error.ServiceUnknown", "org.freedesktop.DBus.Error.UnknownObject",
		"org.bluez.Error.NotReady":
		return fmt.Errorf("radio: %s: %w: %v", op, bt.ErrAdapterDisabled, err)
	}
	return fmt.Errorf("radio: %s: %w", op, err)
}

// Ready reports whether the adapter exists, is reachable and is powered.
func (b *BlueZ) Ready(bt.TransportMode) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	v, err := bus.Object(bluezService, b.adapterPath).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return mapError("adapter state", err)
	}
	if powered, _ := v.Value().(bool); !powered {
		return bt.ErrAdapterDisabled
	}
	return nil
}

// PowerOn sets Adapter1.Powered.
func (b *BlueZ) PowerOn(ctx context.Context) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	call := bus.Object(bluezService, b.adapterPath).CallWithContext(ctx,
		propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return mapError("power on", call.Err)
	}
	return nil
}

// DiscoverClassic runs one BR/EDR inquiry window. Devices are reported as
// BlueZ announces them; the channel closes when the window ends or ctx is
// cancelled.
func (b *BlueZ) DiscoverClassic(ctx context.Context) (<-chan bt.ScanEvent, error) {
	bus, err := b.conn()
	if err != nil {
		return nil, err
	}
	adapter := bus.Object(bluezService, b.adapterPath)

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("bredr")}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		slog.Debug("[SCAN] discovery filter", "error", err)
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(b.adapterPath)},
	}
	for _, m := range matches {
		if err := bus.AddMatchSignal(m...); err != nil {
			return nil, mapError("add match", err)
		}
	}
	sigCh := make(chan *dbus.Signal, 32)
	bus.Signal(sigCh)

	stop := func() {
		bus.RemoveSignal(sigCh)
		for _, m := range matches {
			_ = bus.RemoveMatchSignal(m...)
		}
	}

	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		stop()
		return nil, mapError("start discovery", err)
	}

	out := make(chan bt.ScanEvent, 16)
	go func() {
		defer close(out)
		defer stop()
		defer func() {
			if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
				slog.Debug("[SCAN] stop discovery", "error", err)
			}
		}()

		window := time.NewTimer(b.classicWindow)
		defer window.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-window.C:
				return
			case sig := <-sigCh:
				dev, ok := b.deviceFromSignal(bus, sig)
				if !ok {
					continue
				}
				select {
				case out <- bt.ScanEvent{Kind: bt.ScanFound, Device: dev}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *BlueZ) deviceFromSignal(bus *dbus.Conn, sig *dbus.Signal) (bt.DeviceRef, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return bt.DeviceRef{}, false
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !strings.HasPrefix(string(path), string(b.adapterPath)+"/") {
			return bt.DeviceRef{}, false
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			return bt.DeviceRef{}, false
		}
		return deviceFromProps(path, props)

	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != deviceIface {
			return bt.DeviceRef{}, false
		}
		if _, ok := changed["RSSI"]; !ok {
			return bt.DeviceRef{}, false
		}
		var props map[string]dbus.Variant
		call := bus.Object(bluezService, sig.Path).Call(propsIface+".GetAll", 0, deviceIface)
		if call.Err != nil || call.Store(&props) != nil {
			return bt.DeviceRef{}, false
		}
		return deviceFromProps(sig.Path, props)
	}
	return bt.DeviceRef{}, false
}

// deviceFromProps builds a DeviceRef from Device1 properties.
func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (bt.DeviceRef, bool) {
	var d bt.DeviceRef
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if d.Address == "" {
		d.Address = macFromPath(path)
	}
	if d.Address == "" {
		return bt.DeviceRef{}, false
	}
	d.Address = bt.NormalizeAddress(d.Address)
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			d.RSSI = int(rssi)
		}
	}
	if v, ok := props["Paired"]; ok {
		if paired, _ := v.Value().(bool); paired {
			d.Bond = bt.BondBonded
		}
	}
	return d, true
}

// BondState reads Device1.Paired. Unknown devices are not bonded.
func (b *BlueZ) BondState(ctx context.Context, address string) (bt.BondState, error) {
	bus, err := b.conn()
	if err != nil {
		return bt.BondNone, err
	}
	var v dbus.Variant
	call := bus.Object(bluezService, devicePath(b.adapterPath, address)).CallWithContext(ctx,
		propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err != nil {
		if dbusErrorName(call.Err) == "org.freedesktop.DBus.Error.UnknownObject" {
			return bt.BondNone, nil
		}
		return bt.BondNone, mapError("bond state", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return bt.BondNone, fmt.Errorf("radio: decode Paired: %w", err)
	}
	if paired, _ := v.Value().(bool); paired {
		return bt.BondBonded, nil
	}
	return bt.BondNone, nil
}

// Pair calls Device1.Pair and blocks until bonding completes.
func (b *BlueZ) Pair(ctx context.Context, address string) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	call := bus.Object(bluezService, devicePath(b.adapterPath, address)).CallWithContext(ctx, deviceIface+".Pair", 0)
	if call.Err != nil {
		if dbusErrorName(call.Err) == "org.bluez.Error.AlreadyExists" {
			return nil
		}
		return mapError("pair", call.Err)
	}
	return nil
}

// ConnectProfile asks BlueZ to connect service on address and returns the
// RFCOMM socket it hands to our registered Profile1.
func (b *BlueZ) ConnectProfile(ctx context.Context, address string, service uuid.UUID) (io.ReadWriteCloser, error) {
	bus, err := b.conn()
	if err != nil {
		return nil, err
	}
	prof, err := b.ensureProfile(bus, service)
	if err != nil {
		return nil, err
	}

	path := devicePath(b.adapterPath, address)
	ch := prof.expect(path)
	defer prof.abandon(path, ch)

	call := bus.Object(bluezService, path).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String())
	if call.Err != nil {
		return nil, mapError("connect profile", call.Err)
	}

	select {
	case fd := <-ch:
		return fileFromFD(fd, "rfcomm:"+address)
	case <-ctx.Done():
		return nil, fmt.Errorf("radio: connect profile: %w", ctx.Err())
	}
}

func (b *BlueZ) ensureProfile(bus *dbus.Conn, service uuid.UUID) (*serialProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.profile != nil {
		return b.profile, nil
	}

	prof := &serialProfile{waiting: make(map[dbus.ObjectPath]chan int)}
	if err := bus.Export(prof, serialProfilePath, profileIface); err != nil {
		return nil, fmt.Errorf("radio: export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"AutoConnect":           dbus.MakeVariant(false),
		"RequireAuthentication": dbus.MakeVariant(false),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, serialProfilePath, service.String(), opts); call.Err != nil {
		_ = bus.Export(nil, serialProfilePath, profileIface)
		return nil, mapError("register profile", call.Err)
	}
	b.cleanup = append(b.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, serialProfilePath).Err
		_ = bus.Export(nil, serialProfilePath, profileIface)
	})
	b.profile = prof
	return prof, nil
}

// CharacteristicFlags returns the property bits of every GATT
// characteristic BlueZ has resolved for address.
func (b *BlueZ) CharacteristicFlags(address string) (map[uuid.UUID]bt.Props, error) {
	bus, err := b.conn()
	if err != nil {
		return nil, err
	}
	var objs managedObjects
	call := bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, mapError("managed objects", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("radio: decode managed objects: %w", err)
	}
	return characteristicFlags(objs, devicePath(b.adapterPath, address)), nil
}

func characteristicFlags(objs managedObjects, dev dbus.ObjectPath) map[uuid.UUID]bt.Props {
	out := make(map[uuid.UUID]bt.Props)
	prefix := string(dev) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		raw, _ := props["UUID"].Value().(string)
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		flags, _ := props["Flags"].Value().([]string)
		out[id] |= propsFromFlags(flags)
	}
	return out
}

// Close unregisters the profile and releases the bus. Idempotent.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// serialProfile implements org.bluez.Profile1 for outgoing serial
// connections and routes each socket to the dial waiting for its device.
type serialProfile struct {
	mu      sync.Mutex
	waiting map[dbus.ObjectPath]chan int
}

func (p *serialProfile) expect(dev dbus.ObjectPath) <-chan int {
	ch := make(chan int, 1)
	p.mu.Lock()
	p.waiting[dev] = ch
	p.mu.Unlock()
	return ch
}

// abandon stops waiting for dev and closes a socket that was delivered
// but never claimed.
func (p *serialProfile) abandon(dev dbus.ObjectPath, ch <-chan int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting[dev] == ch {
		delete(p.waiting, dev)
	}
	select {
	case fd := <-ch:
		slog.Debug("[RFCOMM] closing unclaimed socket", "device", dev)
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
	default:
	}
}

func (p *serialProfile) Release() *dbus.Error { return nil }

func (p *serialProfile) Cancel() *dbus.Error { return nil }

func (p *serialProfile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *serialProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiting[dev]
	if !ok {
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no pending connect"}}
	}
	delete(p.waiting, dev)
	// ch has room for one socket, so this never blocks under the lock.
	ch <- int(fd)
	return nil
}
