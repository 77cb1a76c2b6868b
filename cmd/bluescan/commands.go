package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chaz8081/bluescan/internal/bt"
)

// command is one parsed stdin line.
type command struct {
	name string
	args []string
}

var commandHelp = []string{
	"scan [classic|ble]        start discovery (default mode from config)",
	"stop                      stop discovery",
	"devices                   list discovered devices",
	"connect <n|addr> [mode]   connect to a listed device or an address",
	"pair <n|addr>             bond with a classic device",
	"disconnect                close the session",
	"send <text>               send text to the connected device",
	"status                    show controller status",
	"transcript                print the session transcript",
	"power                     power the adapter on",
	"help                      show this help",
	"quit                      exit",
}

var errQuit = errors.New("quit")

// parseCommand splits a line into a command. send keeps the rest of the
// line verbatim so spacing in the payload survives.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	name, rest, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	if name == "send" {
		return command{name: name, args: []string{strings.TrimLeft(rest, " ")}}, true
	}
	return command{name: name, args: strings.Fields(rest)}, true
}

// resolveDevice accepts a 1-based index into devices or a literal address.
func resolveDevice(arg string, devices []bt.DeviceRef) (bt.DeviceRef, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(devices) {
			return bt.DeviceRef{}, fmt.Errorf("no device #%d (%d listed)", n, len(devices))
		}
		return devices[n-1], nil
	}
	want := bt.DeviceRef{Address: arg}
	for _, d := range devices {
		if d.Same(want) {
			return d, nil
		}
	}
	if strings.Count(arg, ":") != 5 {
		return bt.DeviceRef{}, fmt.Errorf("%q is neither a device number nor an address", arg)
	}
	return bt.DeviceRef{Address: bt.NormalizeAddress(arg)}, nil
}

// shell executes commands against the controller.
type shell struct {
	ctrl        *bt.Controller
	defaultMode bt.TransportMode
	out         io.Writer
}

func (s *shell) modeArg(args []string, i int) (bt.TransportMode, error) {
	if len(args) <= i {
		return s.defaultMode, nil
	}
	return bt.ParseMode(args[i])
}

func (s *shell) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "scan":
		mode, err := s.modeArg(cmd.args, 0)
		if err != nil {
			return err
		}
		return s.ctrl.StartScan(ctx, mode)

	case "stop":
		return s.ctrl.StopScan(ctx)

	case "devices":
		devs := s.ctrl.Devices()
		if len(devs) == 0 {
			fmt.Fprintln(s.out, "no devices found")
		}
		for i, d := range devs {
			fmt.Fprintln(s.out, formatDevice(i+1, d))
		}
		return nil

	case "connect":
		if len(cmd.args) == 0 {
			return errors.New("usage: connect <n|addr> [classic|ble]")
		}
		dev, err := resolveDevice(cmd.args[0], s.ctrl.Devices())
		if err != nil {
			return err
		}
		mode, err := s.modeArg(cmd.args, 1)
		if err != nil {
			return err
		}
		return s.ctrl.Connect(ctx, dev, mode)

	case "pair":
		if len(cmd.args) == 0 {
			return errors.New("usage: pair <n|addr>")
		}
		dev, err := resolveDevice(cmd.args[0], s.ctrl.Devices())
		if err != nil {
			return err
		}
		return s.ctrl.Pair(ctx, dev.Address)

	case "disconnect":
		return s.ctrl.Disconnect(ctx)

	case "send":
		if len(cmd.args) == 0 || cmd.args[0] == "" {
			return errors.New("usage: send <text>")
		}
		return s.ctrl.Send(ctx, cmd.args[0])

	case "status":
		fmt.Fprintln(s.out, formatStatus(s.ctrl.Status()))
		return nil

	case "transcript":
		for _, r := range s.ctrl.Records() {
			fmt.Fprintln(s.out, r)
		}
		return nil

	case "power":
		return s.ctrl.EnableAdapter(ctx)

	case "help", "?":
		for _, h := range commandHelp {
			fmt.Fprintln(s.out, "  "+h)
		}
		return nil

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd.name)
	}
}
