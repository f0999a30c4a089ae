// Package config loads and validates the static device table and tunables.
// Configuration is read once at startup; validation failures are the only
// errors that halt the process instead of degrading.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/Waldmensch1/BatteryGuard/internal/protocol"
)

// MaxDevices is the size of the monitor table. The table is fixed for
// process lifetime; indices into it are stable.
const MaxDevices = 4

// Device describes one configured Battery Guard peripheral.
type Device struct {
	// Address is the 6-byte MAC, with or without separators
	// (e.g. "50:54:7B:81:5A:FB" or "50547B815AFB").
	Address string `yaml:"address"`
	// Name is the human-readable name used in logs and the status view.
	Name string `yaml:"name"`
	// ExportName is the MQTT topic segment (e.g. "main_battery").
	ExportName string `yaml:"export_name"`
	// Type is the battery type code written during the handshake.
	Type protocol.BatteryType `yaml:"type"`
	// Enabled devices get a monitor; disabled entries are kept in the table
	// but never claimed.
	Enabled bool `yaml:"enabled"`
	// Key is the per-device AES-128 key as 32 hex characters.
	Key string `yaml:"key"`
}

// NormalizedAddress returns the address with separators stripped, uppercase.
// This is the identity key for matching advertisements.
func (d *Device) NormalizedAddress() string {
	return NormalizeAddress(d.Address)
}

// KeyBytes decodes the hex key. Call Validate first; this panics on a key
// that validation would have rejected.
func (d *Device) KeyBytes() []byte {
	key, err := hex.DecodeString(d.Key)
	if err != nil || len(key) != protocol.KeySize {
		panic(fmt.Sprintf("config: invalid key for %q, validation skipped?", d.Name))
	}
	return key
}

// NormalizeAddress strips ':' and '-' separators and uppercases the result.
func NormalizeAddress(addr string) string {
	addr = strings.ReplaceAll(addr, ":", "")
	addr = strings.ReplaceAll(addr, "-", "")
	return strings.ToUpper(addr)
}

// Timing holds the retry, timeout, and scan tunables.
type Timing struct {
	// Tick is the control loop period.
	Tick time.Duration `yaml:"tick" default:"100ms"`
	// ConnectTimeout bounds one connect attempt. Bridged devices can take
	// close to 30 s to accept a connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	// MaxConnectRetries is the number of consecutive failed connect attempts
	// before a device enters cooldown.
	MaxConnectRetries int `yaml:"max_connect_retries" default:"3"`
	// RetryCooldown is how long a device stays in cooldown.
	RetryCooldown time.Duration `yaml:"retry_cooldown" default:"30s"`
	// NotificationTimeout forces a reconnect when no telemetry arrives for
	// this long while monitoring.
	NotificationTimeout time.Duration `yaml:"notification_timeout" default:"10s"`
	// ScanInterval and ScanWindow are HCI scan parameters in 0.625 ms units.
	ScanInterval uint16 `yaml:"scan_interval" default:"80"`
	ScanWindow   uint16 `yaml:"scan_window" default:"48"`
}

// MQTT configures the telemetry exporter. The broker is a best-effort sink;
// nothing here is load-bearing for monitoring.
type MQTT struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID string `yaml:"client_id" default:"batteryguard"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Prefix is the leading topic segment: <prefix>/batteryguard/<export-name>.
	Prefix string `yaml:"prefix" default:"home"`
	// Interval is the per-device minimum time between publishes.
	Interval time.Duration `yaml:"interval" default:"60s"`
	Retained bool          `yaml:"retained"`
	// HomeAssistant enables discovery config messages on first publish.
	HomeAssistant bool `yaml:"homeassistant"`
}

// Display configures the console status view.
type Display struct {
	Enabled bool          `yaml:"enabled"`
	Refresh time.Duration `yaml:"refresh" default:"1s"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel string   `yaml:"log_level" default:"info"`
	Devices  []Device `yaml:"devices"`
	Timing   Timing   `yaml:"timing"`
	MQTT     MQTT     `yaml:"mqtt"`
	Display  Display  `yaml:"display"`
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that must never reach a running monitor.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: no devices configured")
	}
	if len(c.Devices) > MaxDevices {
		return fmt.Errorf("config: %d devices configured, at most %d supported", len(c.Devices), MaxDevices)
	}

	enabled := 0
	seen := make(map[string]string, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("config: device %d has no name", i)
		}

		addr := d.NormalizedAddress()
		if len(addr) != 12 {
			return fmt.Errorf("config: device %q: address %q is not a 6-byte MAC", d.Name, d.Address)
		}
		if _, err := hex.DecodeString(addr); err != nil {
			return fmt.Errorf("config: device %q: address %q is not hex", d.Name, d.Address)
		}
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("config: devices %q and %q share address %s", prev, d.Name, addr)
		}
		seen[addr] = d.Name

		key, err := hex.DecodeString(d.Key)
		if err != nil {
			return fmt.Errorf("config: device %q: key is not hex: %w", d.Name, err)
		}
		if len(key) != protocol.KeySize {
			return fmt.Errorf("config: device %q: key must be %d hex chars, got %d", d.Name, protocol.KeySize*2, len(d.Key))
		}

		if !d.Type.Valid() {
			return fmt.Errorf("config: device %q: unknown battery type 0x%02X", d.Name, uint8(d.Type))
		}

		if d.ExportName == "" {
			d.ExportName = strings.ToLower(strings.ReplaceAll(d.Name, " ", "_"))
		}

		if d.Enabled {
			enabled++
		}
	}

	if enabled == 0 {
		return fmt.Errorf("config: no devices enabled")
	}
	return nil
}

// EnabledDevices returns the enabled entries in table order.
func (c *Config) EnabledDevices() []*Device {
	out := make([]*Device, 0, len(c.Devices))
	for i := range c.Devices {
		if c.Devices[i].Enabled {
			out = append(out, &c.Devices[i])
		}
	}
	return out
}
