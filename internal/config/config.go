package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// Config is the deskcast configuration file.
type Config struct {
	Stream    StreamConfig   `yaml:"stream"`
	Audio     AudioConfig    `yaml:"audio"`
	Device    DeviceConfig   `yaml:"device"`
	Receiver  ReceiverConfig `yaml:"receiver"`
	Display   DisplayConfig  `yaml:"display"`
	Processes ProcessConfig  `yaml:"processes"`
	Control   ControlConfig  `yaml:"control"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// StreamConfig controls capture and encoding.
type StreamConfig struct {
	Resolution string  `yaml:"resolution"`
	FPS        int     `yaml:"fps"`
	GOPSeconds float64 `yaml:"gop_seconds"`
	HW         string  `yaml:"hw"`
	Port       int     `yaml:"port"`
	LogLevel   string  `yaml:"loglevel"` // ffmpeg -loglevel
	Latency    string  `yaml:"latency"`
}

// AudioConfig names the loopback sink.
type AudioConfig struct {
	Sink string `yaml:"sink"`
}

// DeviceConfig selects the receiver device.
type DeviceConfig struct {
	Address          string        `yaml:"address"`
	Name             string        `yaml:"name"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	ActiveTimeout    time.Duration `yaml:"active_timeout"`
	LANOnly          bool          `yaml:"lan_only"`
}

// ReceiverConfig describes the receiver application.
type ReceiverConfig struct {
	AppID     string `yaml:"app_id"`
	Namespace string `yaml:"namespace"`
	Mode      string `yaml:"mode"`
}

// DisplayConfig selects the capture display.
type DisplayConfig struct {
	Name    string        `yaml:"name"` // real display; empty means $DISPLAY
	Virtual VirtualConfig `yaml:"virtual"`
}

// VirtualConfig requests a virtual display.
type VirtualConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Backend       string `yaml:"backend"`
	Resolution    string `yaml:"resolution"`
	Display       string `yaml:"display"`
	WindowManager bool   `yaml:"window_manager"`
}

// ProcessConfig holds stop grace windows.
type ProcessConfig struct {
	EncoderGrace time.Duration `yaml:"encoder_grace"`
	DisplayGrace time.Duration `yaml:"display_grace"`
}

// ControlConfig configures the local status/control server. An empty
// address disables it.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Resolution: "1920x1080",
			FPS:        30,
			GOPSeconds: 2,
			HW:         string(domain.HWAuto),
			Port:       8090,
			LogLevel:   "info",
			Latency:    "normal",
		},
		Audio: AudioConfig{Sink: "cast_sink"},
		Device: DeviceConfig{
			DiscoveryTimeout: 5 * time.Second,
			ActiveTimeout:    10 * time.Second,
		},
		Receiver: ReceiverConfig{
			AppID:     "22B2DA66",
			Namespace: "urn:x-cast:com.example.stream",
			Mode:      string(domain.ModeDirect),
		},
		Display: DisplayConfig{
			Virtual: VirtualConfig{
				Backend:    "auto",
				Resolution: "3840x2160",
				Display:    "auto",
			},
		},
		Processes: ProcessConfig{
			EncoderGrace: 3 * time.Second,
			DisplayGrace: 2 * time.Second,
		},
		Control: ControlConfig{Addr: "127.0.0.1:8091"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	if err := c.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver config: %w", err)
	}
	if err := c.Display.Virtual.Validate(); err != nil {
		return fmt.Errorf("virtual display config: %w", err)
	}
	if err := c.Processes.Validate(); err != nil {
		return fmt.Errorf("process config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks stream settings.
func (s *StreamConfig) Validate() error {
	if _, err := domain.ParseSize(s.Resolution); err != nil {
		return err
	}
	if s.FPS <= 0 || s.FPS > 240 {
		return invalid("fps must be between 1 and 240, got %d", s.FPS)
	}
	if s.GOPSeconds < 0 {
		return invalid("gop_seconds must not be negative")
	}
	if _, err := domain.ParseHWAccel(s.HW); err != nil {
		return err
	}
	if s.Port <= 0 || s.Port > 65535 {
		return invalid("port must be between 1 and 65535, got %d", s.Port)
	}
	if _, err := domain.ParseLatency(s.Latency); err != nil {
		return err
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.Sink == "" || strings.ContainsAny(a.Sink, " \t=") {
		return invalid("sink name %q must be non-empty without spaces or '='", a.Sink)
	}
	return nil
}

func (d *DeviceConfig) Validate() error {
	if d.DiscoveryTimeout <= 0 {
		return invalid("discovery_timeout must be positive")
	}
	if d.ActiveTimeout <= 0 {
		return invalid("active_timeout must be positive")
	}
	return nil
}

func (r *ReceiverConfig) Validate() error {
	if r.AppID == "" {
		return invalid("app_id is required")
	}
	if !strings.HasPrefix(r.Namespace, "urn:x-cast:") {
		return invalid("namespace %q must start with urn:x-cast:", r.Namespace)
	}
	switch domain.StartMode(r.Mode) {
	case domain.ModeDirect, domain.ModeWait:
	default:
		return invalid("mode %q (direct, wait)", r.Mode)
	}
	return nil
}

func (v *VirtualConfig) Validate() error {
	if !v.Enabled {
		return nil
	}
	if _, err := domain.ParseSize(v.Resolution); err != nil {
		return err
	}
	return nil
}

func (p *ProcessConfig) Validate() error {
	if p.EncoderGrace <= 0 || p.DisplayGrace <= 0 {
		return invalid("grace windows must be positive")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return invalid("level %q (debug, info, warn, error)", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json", "":
	default:
		return invalid("format %q (text, json)", l.Format)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Session converts a validated configuration into the immutable session
// parameters. display is the real display used when no virtual display is
// requested.
func (c *Config) Session(display string) (domain.SessionConfig, error) {
	if err := c.Validate(); err != nil {
		return domain.SessionConfig{}, err
	}
	res, _ := domain.ParseSize(c.Stream.Resolution)
	hw, _ := domain.ParseHWAccel(c.Stream.HW)
	latency, _ := domain.ParseLatency(c.Stream.Latency)

	virtual := domain.DisplayRequest{Enabled: c.Display.Virtual.Enabled}
	if virtual.Enabled {
		size, _ := domain.ParseSize(c.Display.Virtual.Resolution)
		virtual.Backend = c.Display.Virtual.Backend
		virtual.Size = size
		virtual.Display = c.Display.Virtual.Display
		virtual.WindowManager = c.Display.Virtual.WindowManager
	}

	return domain.SessionConfig{
		Resolution:      res,
		FPS:             c.Stream.FPS,
		GOPSeconds:      c.Stream.GOPSeconds,
		HW:              hw,
		Port:            c.Stream.Port,
		LogLevel:        c.Stream.LogLevel,
		SinkName:        c.Audio.Sink,
		Latency:         latency,
		Device:          domain.DeviceSelector{Address: c.Device.Address, Name: c.Device.Name},
		AppID:           c.Receiver.AppID,
		Namespace:       c.Receiver.Namespace,
		Mode:            domain.StartMode(c.Receiver.Mode),
		Display:         display,
		Virtual:         virtual,
		LANOnly:         c.Device.LANOnly,
		DiscoverTimeout: c.Device.DiscoveryTimeout,
		ActiveTimeout:   c.Device.ActiveTimeout,
		EncoderGrace:    c.Processes.EncoderGrace,
		DisplayGrace:    c.Processes.DisplayGrace,
	}, nil
}

// Source reads and writes the configuration document.
type Source interface {
	Load(v any) (found bool, err error)
	Save(v any) error
}

// errNotFound is returned by Load when the source holds no document.
var errNotFound = errors.New("config file not found")

// Load reads a configuration that must exist.
func Load(src Source) (*Config, error) {
	cfg, found, err := LoadOrDefault(src)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errNotFound)
	}
	return cfg, nil
}

// LoadOrDefault applies the source on top of the defaults. A missing
// document yields the defaults.
func LoadOrDefault(src Source) (*Config, bool, error) {
	cfg := Default()
	found, err := src.Load(cfg)
	if err != nil {
		return nil, found, fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, found, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, found, nil
}

// Save validates and writes cfg.
func Save(src Source, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return src.Save(cfg)
}
