package bt

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// AdapterState reports and changes local radio readiness.
type AdapterState interface {
	// Ready returns ErrPermissionDenied or ErrAdapterDisabled (possibly
	// wrapped) when an operation in mode cannot start.
	Ready(mode TransportMode) error
	// PowerOn asks the OS to enable the adapter.
	PowerOn(ctx context.Context) error
}

// ScanEventKind classifies a ScanEvent.
type ScanEventKind int

const (
	ScanFound ScanEventKind = iota
	ScanFailure
)

// ScanEvent is delivered by a Discoverer. The channel is closed when the
// scan ends, either on its own (classic inquiry) or because ctx was cancelled.
type ScanEvent struct {
	Kind   ScanEventKind
	Device DeviceRef
	Code   int
	Err    error
}

// Discoverer runs one discovery pass in the given mode.
type Discoverer interface {
	Discover(ctx context.Context, mode TransportMode) (<-chan ScanEvent, error)
}

// ClassicTransport covers bonding and RFCOMM stream sockets.
type ClassicTransport interface {
	BondState(ctx context.Context, address string) (BondState, error)
	// Pair blocks until bonding completes or fails.
	Pair(ctx context.Context, address string) error
	DialRFCOMM(ctx context.Context, address string, service uuid.UUID) (io.ReadWriteCloser, error)
}

// LETransport opens GATT links.
type LETransport interface {
	ConnectGATT(ctx context.Context, address string) (GattLink, error)
}

// Radio is everything the controller needs from the platform.
type Radio interface {
	AdapterState
	Discoverer
	ClassicTransport
	LETransport
}

// GattEventKind classifies a GattEvent.
type GattEventKind int

const (
	GattServicesDiscovered GattEventKind = iota
	GattCharacteristicRead
	GattCharacteristicWritten
	GattDescriptorWritten
	GattNotification
	GattMTUChanged
	GattLinkDown
)

func (k GattEventKind) String() string {
	switch k {
	case GattServicesDiscovered:
		return "services-discovered"
	case GattCharacteristicRead:
		return "characteristic-read"
	case GattCharacteristicWritten:
		return "characteristic-written"
	case GattDescriptorWritten:
		return "descriptor-written"
	case GattNotification:
		return "notification"
	case GattMTUChanged:
		return "mtu-changed"
	case GattLinkDown:
		return "link-down"
	default:
		return "unknown"
	}
}

// GattEvent is an asynchronous completion or notification from a GattLink.
// Status is StatusSuccess (0) on success.
type GattEvent struct {
	Kind     GattEventKind
	Status   int
	Services []Service
	Char     CharacteristicDescriptor
	Value    []byte
	MTU      int
	Err      error
}

// GattLink is a connected BLE peripheral. Operations return after the request
// is issued; completions arrive on Events. Callers must keep at most one
// operation outstanding. Events is closed once the link has been closed.
type GattLink interface {
	Events() <-chan GattEvent
	DiscoverServices() error
	// SetNotify enables or disables local delivery of notifications.
	SetNotify(c CharacteristicDescriptor, enable bool) error
	WriteDescriptor(c CharacteristicDescriptor, descriptor uuid.UUID, value []byte) error
	ReadCharacteristic(c CharacteristicDescriptor) error
	// WriteCharacteristic issues an unacknowledged (write command) write.
	WriteCharacteristic(c CharacteristicDescriptor, data []byte) error
	Close() error
}
