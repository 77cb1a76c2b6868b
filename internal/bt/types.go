// Package bt is the Bluetooth session core of bluescan. It discovers peers,
// owns the single active connection (classic RFCOMM socket or BLE GATT link),
// walks a peripheral's characteristics after connecting, and chunks outbound
// text to the negotiated MTU. Radio access goes through the Radio interface so
// the core can run against BlueZ, tinygo bluetooth, or test doubles.
package bt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BondState is the OS-level pairing state of a peer.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// DeviceRef is an immutable snapshot of a discovered peer. Two refs describe
// the same peer when their addresses are equal.
type DeviceRef struct {
	Address string    `json:"address"`
	Name    string    `json:"name,omitempty"`
	Bond    BondState `json:"bond"`
	RSSI    int       `json:"rssi,omitempty"`
}

// Label returns the display name, falling back to the address.
func (d DeviceRef) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Same reports whether d and other refer to the same peer.
func (d DeviceRef) Same(other DeviceRef) bool {
	return NormalizeAddress(d.Address) == NormalizeAddress(other.Address)
}

// NormalizeAddress upper-cases a Bluetooth address so lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// TransportMode selects between the two mutually exclusive radio transports.
type TransportMode int

const (
	ModeClassic TransportMode = iota
	ModeBLE
)

func (m TransportMode) String() string {
	if m == ModeBLE {
		return "ble"
	}
	return "classic"
}

// ParseMode parses "classic" or "ble" (case-insensitive).
func ParseMode(s string) (TransportMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classic", "rfcomm", "spp":
		return ModeClassic, nil
	case "ble", "le", "gatt":
		return ModeBLE, nil
	default:
		return ModeClassic, fmt.Errorf("bt: unknown transport mode %q", s)
	}
}

// ConnectionState is the single authoritative connection status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Busy reports whether a new connect attempt must be refused.
func (s ConnectionState) Busy() bool {
	return s == StateConnecting || s == StateConnected
}

// Props is the GATT characteristic property bitset this package cares about.
type Props uint8

const (
	PropRead Props = 1 << iota
	PropWrite
	PropNotify
)

// Has reports whether all bits of p2 are set in p.
func (p Props) Has(p2 Props) bool { return p&p2 == p2 }

func (p Props) String() string {
	var parts []string
	if p.Has(PropRead) {
		parts = append(parts, "read")
	}
	if p.Has(PropWrite) {
		parts = append(parts, "write")
	}
	if p.Has(PropNotify) {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// CharacteristicDescriptor identifies one characteristic on a GATT link.
// Handle is assigned by the link and is unique within it.
type CharacteristicDescriptor struct {
	Service uuid.UUID
	UUID    uuid.UUID
	Handle  uint16
	Props   Props
}

func (c CharacteristicDescriptor) String() string {
	return fmt.Sprintf("%s[%d](%s)", c.UUID, c.Handle, c.Props)
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            uuid.UUID
	Characteristics []CharacteristicDescriptor
}
