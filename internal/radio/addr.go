// Package radio binds the session core to real Bluetooth stacks: BlueZ over
// D-Bus for adapter state, classic discovery, bonding and RFCOMM profiles;
// tinygo bluetooth for BLE scanning and GATT; raw RFCOMM sockets when a
// fixed channel is configured.
package radio

import (
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bluescan/internal/bt"
)

// bdaddr parses a MAC address into the little-endian byte order used by
// the kernel's sockaddr_rc.
func bdaddr(addr string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("radio: invalid bluetooth address %q", addr)
	}
	for i := range hw {
		out[5-i] = hw[i]
	}
	return out, nil
}

// devicePath returns the BlueZ object path of addr under adapter.
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	mac := strings.ReplaceAll(bt.NormalizeAddress(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + mac)
}

// macFromPath recovers the address from a .../dev_XX_XX_XX_XX_XX_XX path.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	if slash := strings.IndexByte(mac, '/'); slash >= 0 {
		mac = mac[:slash]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

// propsFromFlags maps BlueZ GattCharacteristic1.Flags to core properties.
func propsFromFlags(flags []string) bt.Props {
	var p bt.Props
	for _, f := range flags {
		switch f {
		case "read", "encrypt-read", "encrypt-authenticated-read", "secure-read":
			p |= bt.PropRead
		case "write", "write-without-response", "reliable-write", "authenticated-signed-writes",
			"encrypt-write", "encrypt-authenticated-write", "secure-write":
			p |= bt.PropWrite
		case "notify", "indicate":
			p |= bt.PropNotify
		}
	}
	return p
}
