package bt

import "github.com/google/uuid"

// Well-known Bluetooth identifiers.
var (
	// SerialPortUUID is the classic Serial Port Profile service class.
	SerialPortUUID = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")
	// ClientConfigUUID is the Client Characteristic Configuration descriptor.
	ClientConfigUUID = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")
	// BatteryLevelUUID is the standard battery level characteristic (one byte, percent).
	BatteryLevelUUID = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
)

// EnableNotificationValue is written to ClientConfigUUID to turn on notifications.
var EnableNotificationValue = []byte{0x01, 0x00}

const (
	// DefaultMTU is assumed until the transport reports a negotiated MTU.
	DefaultMTU = 512
	// MinMTU is the smallest ATT MTU a Bluetooth LE link may use.
	MinMTU = 23
	// ATTHeaderSize is the per-write protocol overhead (opcode + handle).
	ATTHeaderSize = 3
)

// GATT status codes used by links and test doubles.
const (
	StatusSuccess = 0
	StatusFailure = 0x101
)
