package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/chaz8081/bluescan/internal/bt"
)

var (
	scanColor   = color.New(color.FgCyan)
	foundColor  = color.New(color.FgGreen)
	targetColor = color.New(color.FgGreen, color.Bold)
	stateColor  = color.New(color.FgYellow, color.Bold)
	dataColor   = color.New(color.FgWhite)
	errColor    = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.Faint)
)

func formatDevice(n int, d bt.DeviceRef) string {
	line := fmt.Sprintf("%2d. %s  %s", n, d.Address, d.Label())
	if d.RSSI != 0 {
		line += dimColor.Sprintf("  %ddBm", d.RSSI)
	}
	if d.Bond == bt.BondBonded {
		line += dimColor.Sprint("  [bonded]")
	}
	return line
}

func formatStatus(st bt.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s", st.StateName)
	if st.Device != nil {
		fmt.Fprintf(&b, "  device: %s (%s)", st.Device.Label(), st.Mode)
	}
	if st.MTU > 0 {
		fmt.Fprintf(&b, "  mtu: %d", st.MTU)
	}
	if st.Phase != "" {
		fmt.Fprintf(&b, "  phase: %s", st.Phase)
	}
	if st.Scanning {
		fmt.Fprintf(&b, "  scanning: %s", st.ScanMode)
	}
	fmt.Fprintf(&b, "  devices: %d  records: %d", st.Found, st.Records)
	return b.String()
}

// formatEvent renders one controller event for the terminal.
func formatEvent(ev bt.Event) string {
	label, addr := "?", "?"
	if ev.Device != nil {
		label, addr = ev.Device.Label(), ev.Device.Address
	}

	switch ev.Type {
	case bt.EventScanStarted:
		return scanColor.Sprintf("scanning (%s)...", ev.Mode)
	case bt.EventScanFinished:
		return scanColor.Sprintf("scan finished, %d device(s)", ev.Count)
	case bt.EventScanFailed:
		return errColor.Sprintf("scan failed: code %d", ev.Code)
	case bt.EventDeviceFound:
		return foundColor.Sprintf("found %s  %s", addr, label)
	case bt.EventTargetFound:
		return targetColor.Sprintf("target found: %s", label)
	case bt.EventConnectionStateChanged:
		return stateColor.Sprintf("%s %s", strings.ToUpper(ev.StateName), label)
	case bt.EventBondStateChanged:
		return stateColor.Sprintf("bond %s: %s", label, ev.Bond)
	case bt.EventMTUChanged:
		return dimColor.Sprintf("mtu %d", ev.MTU)
	case bt.EventDataReceived:
		return dataColor.Sprintf("[%s] %s", ev.Source, strings.TrimRight(ev.Text, "\r\n"))
	case bt.EventError:
		return errColor.Sprintf("error: %s", ev.Message)
	default:
		return string(ev.Type)
	}
}
