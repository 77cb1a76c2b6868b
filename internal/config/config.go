package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Mode     string        `yaml:"mode"` // "classic" or "ble"
	Adapter  string        `yaml:"adapter"`
	Scan     ScanConfig    `yaml:"scan"`
	Classic  ClassicConfig `yaml:"classic"`
	BLE      BLEConfig     `yaml:"ble"`
	Gateway  GatewayConfig `yaml:"gateway"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	ClassicWindow time.Duration `yaml:"classic_window"`
	TargetAddress string        `yaml:"target_address"`
	AutoConnect   bool          `yaml:"auto_connect"`
}

// ClassicConfig holds RFCOMM session settings.
type ClassicConfig struct {
	Greeting       string        `yaml:"greeting"`
	Channel        int           `yaml:"channel"` // 0 resolves the serial service through BlueZ
	ReadBuffer     int           `yaml:"read_buffer"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// BLEConfig holds GATT session settings.
type BLEConfig struct {
	DefaultMTU     int           `yaml:"default_mtu"`
	ReadDelay      time.Duration `yaml:"read_delay"`
	FrameDelay     time.Duration `yaml:"frame_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// GatewayConfig holds the HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Listen string `yaml:"listen"` // empty disables the gateway
}

// Bounds for ble.default_mtu.
const (
	minMTU = 23
	maxMTU = 517
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bluescan")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Mode:     "ble",
		Adapter:  "hci0",
		Scan: ScanConfig{
			ClassicWindow: 12 * time.Second,
		},
		Classic: ClassicConfig{
			Greeting:       "Hello from bluescan!",
			ReadBuffer:     1024,
			ConnectTimeout: 15 * time.Second,
		},
		BLE: BLEConfig{
			DefaultMTU:     512,
			ReadDelay:      100 * time.Millisecond,
			FrameDelay:     10 * time.Millisecond,
			ConnectTimeout: 15 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in the path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Scan.TargetAddress = strings.ToUpper(strings.TrimSpace(cfg.Scan.TargetAddress))

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Mode {
	case "classic", "ble":
	default:
		return fmt.Errorf("mode must be \"classic\" or \"ble\", got %q", c.Mode)
	}

	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	if c.Scan.ClassicWindow <= 0 {
		return fmt.Errorf("scan.classic_window must be > 0")
	}
	if c.Scan.TargetAddress != "" {
		if hw, err := net.ParseMAC(c.Scan.TargetAddress); err != nil || len(hw) != 6 {
			return fmt.Errorf("scan.target_address must be a bluetooth address, got %q", c.Scan.TargetAddress)
		}
	}
	if c.Scan.AutoConnect && c.Scan.TargetAddress == "" {
		return fmt.Errorf("scan.auto_connect requires scan.target_address")
	}

	if c.Classic.Channel < 0 || c.Classic.Channel > 30 {
		return fmt.Errorf("classic.channel must be between 0 and 30, got %d", c.Classic.Channel)
	}
	if c.Classic.ReadBuffer <= 0 {
		return fmt.Errorf("classic.read_buffer must be > 0")
	}
	if c.Classic.ConnectTimeout <= 0 {
		return fmt.Errorf("classic.connect_timeout must be > 0")
	}

	if c.BLE.DefaultMTU < minMTU || c.BLE.DefaultMTU > maxMTU {
		return fmt.Errorf("ble.default_mtu must be between %d and %d, got %d", minMTU, maxMTU, c.BLE.DefaultMTU)
	}
	if c.BLE.ReadDelay < 0 {
		return fmt.Errorf("ble.read_delay must be >= 0")
	}
	if c.BLE.FrameDelay < 0 {
		return fmt.Errorf("ble.frame_delay must be >= 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.Gateway.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Gateway.Listen); err != nil {
			return fmt.Errorf("gateway.listen must be host:port, got %q", c.Gateway.Listen)
		}
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# bluescan configuration\n# mode: classic | ble; gateway.listen empty disables the HTTP gateway\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
