package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"uartbridge-go/bus"
	"uartbridge-go/errcode"
	"uartbridge-go/types"
	"uartbridge-go/x/mathx"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	serviceName  = "config"
	configPrefix = "config"
	CtxDeviceKey = "device" // context key used for device ID
	CtxPathKey   = "config_path"
)

// Limits applied while decoding.
const (
	DefaultBaud      = 115200
	DefaultQueueSize = 64
	MaxQueueSize     = 65536
	DefaultMaxFrame  = 128
	MaxFrame         = 4096
)

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// -----------------------------------------------------------------------------
// Typed configuration
// -----------------------------------------------------------------------------

type Config struct {
	Ports     []types.PortConfig    `json:"ports"`
	Console   types.ConsoleConfig   `json:"console"`
	Bridge    types.BridgeConfig    `json:"bridge"`
	Heartbeat types.HeartbeatConfig `json:"heartbeat"`
	Log       types.LogConfig       `json:"log"`
}

// Port returns the port configuration with the given id.
func (c *Config) Port(id string) (types.PortConfig, bool) {
	for _, p := range c.Ports {
		if p.ID == id {
			return p, true
		}
	}
	return types.PortConfig{}, false
}

// Decode parses raw JSON, fills defaults, clamps sizes and validates
// cross-references.
func Decode(raw []byte) (Config, error) {
	var c Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, &errcode.E{C: errcode.InvalidPayload, Op: "config.Decode", Err: err}
	}
	for i := range c.Ports {
		PortDefaults(&c.Ports[i])
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default is the configuration of a device with no ports.
func Default() Config {
	var c Config
	applyDefaults(&c)
	return c
}

// PortDefaults fills unset fields of one port.
func PortDefaults(p *types.PortConfig) {
	if p.Backend == "" {
		p.Backend = "sim"
	}
	if p.Baud == 0 {
		p.Baud = DefaultBaud
	}
	if p.DataBits == 0 {
		p.DataBits = 8
	}
	if p.StopBits == 0 {
		p.StopBits = 1
	}
	p.RxSize = mathx.OrDefault(p.RxSize, DefaultQueueSize, 1, MaxQueueSize)
	p.TxSize = mathx.OrDefault(p.TxSize, DefaultQueueSize, 1, MaxQueueSize)
	if p.Mode == "" {
		p.Mode = "bytes"
	}
	p.MaxFrame = mathx.OrDefault(p.MaxFrame, DefaultMaxFrame, 1, MaxFrame)
	p.IdleFlushMs = mathx.OrDefault(p.IdleFlushMs, 20, 1, 10_000)
	p.WriteTimeoutMs = mathx.OrDefault(p.WriteTimeoutMs, 100, 1, 60_000)
}

func applyDefaults(c *Config) {
	if c.Console.Prompt == "" {
		c.Console.Prompt = "> "
	}
	b := &c.Bridge
	b.PingMs = mathx.OrDefault(b.PingMs, 1000, 50, 60_000)
	b.DeadMs = mathx.OrDefault(b.DeadMs, 3*b.PingMs, b.PingMs, 300_000)
	b.MaxFrame = mathx.OrDefault(b.MaxFrame, 512, 16, 65535)
	b.BackoffMin = mathx.OrDefault(b.BackoffMin, 100, 10, 60_000)
	b.BackoffMax = mathx.OrDefault(b.BackoffMax, 5000, b.BackoffMin, 300_000)
	c.Heartbeat.IntervalMs = mathx.OrDefault(c.Heartbeat.IntervalMs, 2000, 100, 3_600_000)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks identifiers, enumerations and references between sections.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, p := range c.Ports {
		if p.ID == "" {
			return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "port without id"}
		}
		if seen[p.ID] {
			return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "duplicate port " + p.ID}
		}
		seen[p.ID] = true
		switch p.Backend {
		case "sim", "tty", "uartx":
		default:
			return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: fmt.Sprintf("port %s: backend %q", p.ID, p.Backend)}
		}
		if p.Backend == "tty" && p.Device == "" {
			return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "port " + p.ID + ": tty needs device"}
		}
		switch p.Mode {
		case "bytes", "lines":
		default:
			return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: fmt.Sprintf("port %s: mode %q", p.ID, p.Mode)}
		}
	}
	if c.Console.Enabled && !seen[c.Console.Port] {
		return &errcode.E{C: errcode.UnknownPort, Op: "config", Msg: "console port " + c.Console.Port}
	}
	if c.Bridge.Enabled && !seen[c.Bridge.Port] {
		return &errcode.E{C: errcode.UnknownPort, Op: "config", Msg: "bridge port " + c.Bridge.Port}
	}
	if c.Console.Enabled && c.Bridge.Enabled && c.Console.Port == c.Bridge.Port {
		return &errcode.E{C: errcode.PortInUse, Op: "config", Msg: "console and bridge share " + c.Console.Port}
	}
	return nil
}

// Load returns raw configuration bytes: from path when set, otherwise the
// embedded document for device.
func Load(device, path string) ([]byte, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return b, nil
	}
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return nil, errors.New("no embedded config for device: " + device)
	}
	return raw, nil
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	log  *slog.Logger
}

func NewConfigService(log *slog.Logger) *ConfigService {
	return &ConfigService{Name: serviceName, log: log.With("service", serviceName)}
}

// publishConfig resolves the device config and publishes each section,
// decoded and with defaults applied, retained on config/<key>.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	path, _ := ctx.Value(CtxPathKey).(string)
	if device == "" && path == "" {
		return errors.New("missing device ID in context")
	}

	raw, err := Load(device, path)
	if err != nil {
		return err
	}
	c, err := Decode(raw)
	if err != nil {
		return err
	}
	sections := c.Sections()
	for k, v := range sections {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
	s.log.Debug("config published", "device", device, "path", path, "keys", len(sections))
	return nil
}

// Sections maps each top-level key to its typed value.
func (c *Config) Sections() map[string]any {
	return map[string]any{
		"ports":     c.Ports,
		"console":   c.Console,
		"bridge":    c.Bridge,
		"heartbeat": c.Heartbeat,
		"log":       c.Log,
	}
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			s.log.Error("config publish failed", "err", err)
		}
	}()
}
