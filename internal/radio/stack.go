package radio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bluescan/internal/bt"
)

// StackConfig selects the adapter and classic transport details.
type StackConfig struct {
	Adapter       string
	ClassicWindow time.Duration
	// Channel dials a fixed RFCOMM channel when > 0; otherwise the serial
	// service is resolved through BlueZ.
	Channel int
}

// Stack is the production bt.Radio: BlueZ for adapter, classic and bonding
// operations, tinygo bluetooth for LE.
type Stack struct {
	bluez   *BlueZ
	le      *LE
	channel int
}

var _ bt.Radio = (*Stack)(nil)

// NewStack builds a Stack. Nothing touches the bus until first use.
func NewStack(cfg StackConfig) *Stack {
	bluez := NewBlueZ(cfg.Adapter, cfg.ClassicWindow)
	return &Stack{
		bluez:   bluez,
		le:      NewLE(bluez),
		channel: cfg.Channel,
	}
}

func (s *Stack) Ready(mode bt.TransportMode) error {
	if err := s.bluez.Ready(mode); err != nil {
		return err
	}
	if mode == bt.ModeBLE {
		if err := s.le.Enable(); err != nil {
			return fmt.Errorf("%w: %v", bt.ErrAdapterDisabled, err)
		}
	}
	return nil
}

func (s *Stack) PowerOn(ctx context.Context) error {
	return s.bluez.PowerOn(ctx)
}

func (s *Stack) Discover(ctx context.Context, mode bt.TransportMode) (<-chan bt.ScanEvent, error) {
	if mode == bt.ModeBLE {
		return s.le.Scan(ctx)
	}
	return s.bluez.DiscoverClassic(ctx)
}

func (s *Stack) BondState(ctx context.Context, address string) (bt.BondState, error) {
	return s.bluez.BondState(ctx, address)
}

func (s *Stack) Pair(ctx context.Context, address string) error {
	return s.bluez.Pair(ctx, address)
}

func (s *Stack) DialRFCOMM(ctx context.Context, address string, service uuid.UUID) (io.ReadWriteCloser, error) {
	if s.channel > 0 {
		return DialChannel(ctx, address, s.channel)
	}
	return s.bluez.ConnectProfile(ctx, address, service)
}

func (s *Stack) ConnectGATT(ctx context.Context, address string) (bt.GattLink, error) {
	return s.le.ConnectGATT(ctx, address)
}

// Close releases the D-Bus connection and any registered profile.
func (s *Stack) Close() error {
	return s.bluez.Close()
}
