package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/ebbridge/internal/config/loader"
)

// Transport names.
const (
	TransportTCP    = "tcp"
	TransportMemory = "memory"
)

// Config is the complete ebbridge configuration.
type Config struct {
	Bridge    BridgeConfig    `toml:"bridge" yaml:"bridge"`
	Memory    MemoryConfig    `toml:"memory" yaml:"memory"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Scripts   ScriptsConfig   `toml:"scripts" yaml:"scripts"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// BridgeConfig configures the event-bus connection.
type BridgeConfig struct {
	// Address is the default address for scripts that connect without one
	// of their own, and the address of the memory transport.
	Address string `toml:"address" yaml:"address"`
	// Transport is "tcp" or "memory".
	Transport string `toml:"transport" yaml:"transport"`
	// RequestTimeout bounds each request; zero waits for ever.
	RequestTimeout Duration          `toml:"requestTimeout" yaml:"requestTimeout"`
	DialTimeout    Duration          `toml:"dialTimeout" yaml:"dialTimeout"`
	PingInterval   Duration          `toml:"pingInterval" yaml:"pingInterval"`
	WriteTimeout   Duration          `toml:"writeTimeout" yaml:"writeTimeout"`
	Headers        map[string]string `toml:"headers" yaml:"headers"`
}

// MemoryConfig configures the in-process transport.
type MemoryConfig struct {
	// Echo lists addresses served by a built-in echo service.
	Echo []string `toml:"echo" yaml:"echo"`
}

// SchedulerConfig configures the script scheduler.
type SchedulerConfig struct {
	Tick             Duration `toml:"tick" yaml:"tick"`
	ExecutionTimeout Duration `toml:"executionTimeout" yaml:"executionTimeout"`
}

// ScriptsConfig lists the scripts to run.
type ScriptsConfig struct {
	// Paths are script files or directories of scripts.
	Paths      []string `toml:"paths" yaml:"paths"`
	Extension  string   `toml:"extension" yaml:"extension"`
	Watch      bool     `toml:"watch" yaml:"watch"`
	WatchDelay Duration `toml:"watchDelay" yaml:"watchDelay"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string         `toml:"level" yaml:"level"`
	Format      string         `toml:"format" yaml:"format"`
	Outputs     []string       `toml:"outputs" yaml:"outputs"`
	Development bool           `toml:"development" yaml:"development"`
	Rotation    RotationConfig `toml:"rotation" yaml:"rotation"`
}

// RotationConfig configures rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `toml:"enable" yaml:"enable"`
	Filename   string `toml:"filename" yaml:"filename"`
	MaxSizeMB  int    `toml:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"maxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"compress" yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Address:      "tcp://localhost:7000",
			Transport:    TransportTCP,
			DialTimeout:  Duration(10 * time.Second),
			PingInterval: Duration(5 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Memory: MemoryConfig{
			Echo: []string{"myservice"},
		},
		Scheduler: SchedulerConfig{
			Tick:             Duration(33 * time.Millisecond),
			ExecutionTimeout: Duration(5 * time.Second),
		},
		Scripts: ScriptsConfig{
			Paths:      []string{"scripts"},
			Extension:  ".lua",
			WatchDelay: Duration(200 * time.Millisecond),
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	fs        loader.FileSystem
	envPrefix string
	env       bool
}

// WithFS reads config files from fs.
func WithFS(fs loader.FileSystem) LoadOption {
	return func(o *loadOptions) {
		o.fs = fs
	}
}

// WithEnvPrefix changes the environment variable prefix.
func WithEnvPrefix(prefix string) LoadOption {
	return func(o *loadOptions) {
		o.envPrefix = prefix
	}
}

// WithoutEnv ignores the environment.
func WithoutEnv() LoadOption {
	return func(o *loadOptions) {
		o.env = false
	}
}

// Load builds the configuration from the defaults, the file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string, opts ...LoadOption) (*Config, error) {
	o := loadOptions{
		fs:        loader.DefaultFS(),
		envPrefix: loader.DefaultEnvPrefix,
		env:       true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	raw := make(map[string]any)

	if path != "" {
		fl, err := loader.ForPath(o.fs, path)
		if err != nil {
			return nil, err
		}
		m, err := fl.LoadFrom(path)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		raw = loader.DeepMerge(raw, m)
	}

	if o.env {
		m, err := loader.NewEnvLoader(o.envPrefix).Load()
		if err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
		raw = loader.DeepMerge(raw, m)
	}

	cfg, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode applies a raw configuration map over Default.
func Decode(raw map[string]any) (*Config, error) {
	cfg := Default()
	if len(raw) == 0 {
		return cfg, nil
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(path, msg string, value any) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: value})
	}

	switch c.Bridge.Transport {
	case TransportTCP:
		if strings.TrimSpace(c.Bridge.Address) == "" {
			invalid("bridge.address", "required for the tcp transport", nil)
		}
	case TransportMemory:
	default:
		invalid("bridge.transport", `must be "tcp" or "memory"`, c.Bridge.Transport)
	}

	for path, d := range map[string]Duration{
		"bridge.requestTimeout":      c.Bridge.RequestTimeout,
		"bridge.dialTimeout":         c.Bridge.DialTimeout,
		"bridge.pingInterval":        c.Bridge.PingInterval,
		"bridge.writeTimeout":        c.Bridge.WriteTimeout,
		"scheduler.executionTimeout": c.Scheduler.ExecutionTimeout,
		"scripts.watchDelay":         c.Scripts.WatchDelay,
	} {
		if d < 0 {
			invalid(path, "must not be negative", d)
		}
	}
	if c.Scheduler.Tick <= 0 {
		invalid("scheduler.tick", "must be positive", c.Scheduler.Tick)
	}
	if !strings.HasPrefix(c.Scripts.Extension, ".") {
		invalid("scripts.extension", `must start with "."`, c.Scripts.Extension)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		invalid("log.level", "must be debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		invalid("log.format", `must be "console" or "json"`, c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		invalid("log.outputs", "at least one output is required", nil)
	}

	return errors.Join(errs...)
}

// TOML renders the configuration as TOML.
func (c *Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}
