package bt

import (
	"context"
	"fmt"
	"log/slog"
)

// scanner is the discovery state owned by the controller goroutine.
type scanner struct {
	registry *DeviceRegistry
	scanning bool
	mode     TransportMode
	target   string
	gen      uint64
	cancel   context.CancelFunc
}

func newScanner() scanner {
	return scanner{registry: NewDeviceRegistry()}
}

// scanFound and scanEnded are posted by the goroutine draining a Discoverer.
type scanFound struct {
	gen uint64
	ev  ScanEvent
}

type scanEnded struct {
	gen uint64
}

func (c *Controller) startScan(mode TransportMode, target string) error {
	if c.scan.scanning {
		return ErrAlreadyScanning
	}

	c.scan.registry.Clear()
	c.scan.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	results, err := c.radio.Discover(ctx, mode)
	if err != nil {
		cancel()
		return fmt.Errorf("bt: start %s scan: %w", mode, err)
	}

	c.scan.scanning = true
	c.scan.mode = mode
	c.scan.cancel = cancel
	c.scan.target = ""
	if mode == ModeBLE {
		c.scan.target = NormalizeAddress(target)
	}

	go c.drainScan(c.scan.gen, results)

	slog.Info("[SCAN] started", "mode", mode, "target", c.scan.target)
	c.emit(Event{Type: EventScanStarted, Mode: mode.String()})
	return nil
}

func (c *Controller) drainScan(gen uint64, results <-chan ScanEvent) {
	for ev := range results {
		c.post(scanFound{gen: gen, ev: ev})
	}
	c.post(scanEnded{gen: gen})
}

// stopScan ends an active scan and reports the number of peers found. It is
// a no-op when nothing is scanning.
func (c *Controller) stopScan() {
	if !c.scan.scanning {
		return
	}
	c.endScan()
	slog.Info("[SCAN] stopped", "found", c.scan.registry.Len())
	c.emit(Event{Type: EventScanFinished, Mode: c.scan.mode.String(), Count: c.scan.registry.Len()})
}

// endScan clears the scanning flag and invalidates messages from the old pass.
func (c *Controller) endScan() {
	c.scan.scanning = false
	c.scan.gen++
	if c.scan.cancel != nil {
		c.scan.cancel()
		c.scan.cancel = nil
	}
}

func (c *Controller) handleScanFound(m scanFound) {
	if m.gen != c.scan.gen || !c.scan.scanning {
		return
	}

	switch m.ev.Kind {
	case ScanFailure:
		c.endScan()
		err := &ScanError{Code: m.ev.Code, Err: m.ev.Err}
		slog.Error("[SCAN] failed", "code", m.ev.Code, "error", m.ev.Err)
		c.emit(Event{Type: EventScanFailed, Mode: c.scan.mode.String(), Code: m.ev.Code, Message: err.Error(), Err: err})

	case ScanFound:
		dev := m.ev.Device
		if !c.scan.registry.Add(dev) {
			return
		}
		dev, _ = c.scan.registry.Lookup(dev.Address)
		slog.Debug("[SCAN] device found", "addr", dev.Address, "name", dev.Name)
		c.emit(deviceEvent(EventDeviceFound, dev))
		if c.scan.target != "" && dev.Address == c.scan.target {
			slog.Info("[SCAN] target found", "addr", dev.Address)
			c.emit(deviceEvent(EventTargetFound, dev))
		}
	}
}

// handleScanEnded handles a discovery pass that finished on its own, which
// is how a classic inquiry window ends.
func (c *Controller) handleScanEnded(m scanEnded) {
	if m.gen != c.scan.gen || !c.scan.scanning {
		return
	}
	c.stopScan()
}
