package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/chaz8081/bluescan/internal/bt"
	"github.com/chaz8081/bluescan/internal/config"
	"github.com/chaz8081/bluescan/internal/gateway"
	"github.com/chaz8081/bluescan/internal/radio"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bluescan/config.yaml)")
	modeFlag := flag.String("mode", "", "default transport: classic or ble (overrides config)")
	targetFlag := flag.String("target", "", "BLE target address; auto-connects when found")
	listenFlag := flag.String("listen", "", "gateway listen address, e.g. 127.0.0.1:8787 (overrides config)")
	initFlag := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initFlag {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *modeFlag != "" {
		cfg.Mode = strings.ToLower(*modeFlag)
	}
	if *targetFlag != "" {
		cfg.Scan.TargetAddress = bt.NormalizeAddress(*targetFlag)
		cfg.Scan.AutoConnect = true
	}
	if *listenFlag != "" {
		cfg.Gateway.Listen = *listenFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	defaultMode, _ := bt.ParseMode(cfg.Mode)
	printBanner(cfg)

	stack := radio.NewStack(radio.StackConfig{
		Adapter:       cfg.Adapter,
		ClassicWindow: cfg.Scan.ClassicWindow,
		Channel:       cfg.Classic.Channel,
	})
	defer stack.Close()

	ctrl := bt.New(stack, optionsFromConfig(cfg))
	bus := gateway.NewBus()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		pumpEvents(ctx, ctrl, bus, cfg)
	}()

	gatewayDone := make(chan struct{})
	if cfg.Gateway.Listen != "" {
		go func() {
			defer close(gatewayDone)
			if err := gateway.ListenAndServe(ctx, cfg.Gateway.Listen, gateway.NewRouter(ctrl, bus)); err != nil {
				slog.Error("[GATEWAY] stopped", "error", err)
			}
		}()
	} else {
		close(gatewayDone)
	}

	sh := &shell{ctrl: ctrl, defaultMode: defaultMode, out: os.Stdout}
	if cfg.Scan.AutoConnect {
		if err := ctrl.StartScanFor(ctx, bt.ModeBLE, cfg.Scan.TargetAddress); err != nil {
			printErr(err)
		}
	}

	fmt.Println("Ready. Type help for commands, quit or Ctrl+C to exit.")
	lines := readLines(ctx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			if err := sh.exec(ctx, cmd); err != nil {
				if errors.Is(err, errQuit) {
					break loop
				}
				printErr(err)
			}
		}
	}

	log.Println("Shutting down...")
	stop()
	ctrl.Close()
	<-eventsDone
	bus.Close()
	<-gatewayDone
	log.Println("Goodbye!")
}

// optionsFromConfig maps the YAML config onto controller options.
func optionsFromConfig(cfg *config.Config) bt.Options {
	opts := bt.DefaultOptions()
	opts.Greeting = cfg.Classic.Greeting
	opts.ReadBuffer = cfg.Classic.ReadBuffer
	opts.ClassicConnectTimeout = cfg.Classic.ConnectTimeout
	opts.LEConnectTimeout = cfg.BLE.ConnectTimeout
	opts.DefaultMTU = cfg.BLE.DefaultMTU
	opts.ReadDelay = cfg.BLE.ReadDelay
	opts.FrameDelay = cfg.BLE.FrameDelay
	opts.TargetAddress = cfg.Scan.TargetAddress
	return opts
}

// pumpEvents prints and republishes every controller event until the
// stream closes. With auto-connect on, a TargetFound event opens a BLE
// session to the target.
func pumpEvents(ctx context.Context, ctrl *bt.Controller, bus *gateway.Bus, cfg *config.Config) {
	for ev := range ctrl.Events() {
		fmt.Println(formatEvent(ev))
		bus.Publish(ev)

		if ev.Type == bt.EventTargetFound && cfg.Scan.AutoConnect && ev.Device != nil {
			dev := *ev.Device
			// Connect calls back into the controller, which is blocked
			// until this loop drains its event.
			go func() {
				if err := ctrl.Connect(ctx, dev, bt.ModeBLE); err != nil && !errors.Is(err, bt.ErrSessionBusy) {
					printErr(err)
				}
			}()
		}
	}
}

// readLines delivers stdin lines until EOF. The goroutine outlives ctx
// because a pending read on stdin cannot be interrupted.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func printErr(err error) {
	fmt.Fprintln(os.Stderr, errColor.Sprint("error: ", err))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	bold := color.New(color.Bold)
	bold.Println("=== bluescan ===")
	fmt.Printf("  Adapter: %s\n", cfg.Adapter)
	fmt.Printf("  Mode:    %s\n", cfg.Mode)
	if cfg.Scan.TargetAddress != "" {
		fmt.Printf("  Target:  %s (auto-connect: %t)\n", cfg.Scan.TargetAddress, cfg.Scan.AutoConnect)
	}
	fmt.Printf("  MTU:     %d\n", cfg.BLE.DefaultMTU)
	if cfg.Gateway.Listen != "" {
		fmt.Printf("  Gateway: http://%s/api/v1\n", cfg.Gateway.Listen)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	bold.Println("================")
}
