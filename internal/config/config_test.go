package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Bridge.Transport != TransportTCP {
		t.Errorf("Transport = %q, want tcp", cfg.Bridge.Transport)
	}
	if cfg.Scheduler.Tick.Std() != 33*time.Millisecond {
		t.Errorf("Tick = %v, want 33ms", cfg.Scheduler.Tick)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "ebbridge.toml", `
[bridge]
address = "tcp://bus.example:7001"
requestTimeout = "30s"

[bridge.headers]
token = "abc"

[scripts]
paths = ["a.lua", "more"]
watch = true

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path, WithoutEnv())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.Address != "tcp://bus.example:7001" {
		t.Errorf("Address = %q", cfg.Bridge.Address)
	}
	if cfg.Bridge.RequestTimeout.Std() != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.Bridge.RequestTimeout)
	}
	if cfg.Bridge.Headers["token"] != "abc" {
		t.Errorf("Headers = %v", cfg.Bridge.Headers)
	}
	if !reflect.DeepEqual(cfg.Scripts.Paths, []string{"a.lua", "more"}) {
		t.Errorf("Paths = %v", cfg.Scripts.Paths)
	}
	if !cfg.Scripts.Watch {
		t.Error("Watch = false, want true")
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	// Untouched settings keep their defaults.
	if cfg.Bridge.DialTimeout.Std() != 10*time.Second {
		t.Errorf("DialTimeout = %v, want default 10s", cfg.Bridge.DialTimeout)
	}
	if !reflect.DeepEqual(cfg.Log.Outputs, []string{"stderr"}) {
		t.Errorf("Outputs = %v, want default", cfg.Log.Outputs)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "ebbridge.yaml", `
bridge:
  transport: memory
memory:
  echo: [svc, other]
scheduler:
  tick: 10ms
  executionTimeout: 2
log:
  rotation:
    enable: true
    maxBackups: 9
`)

	cfg, err := Load(path, WithoutEnv())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.Transport != TransportMemory {
		t.Errorf("Transport = %q, want memory", cfg.Bridge.Transport)
	}
	if !reflect.DeepEqual(cfg.Memory.Echo, []string{"svc", "other"}) {
		t.Errorf("Echo = %v", cfg.Memory.Echo)
	}
	if cfg.Scheduler.Tick.Std() != 10*time.Millisecond {
		t.Errorf("Tick = %v, want 10ms", cfg.Scheduler.Tick)
	}
	if cfg.Scheduler.ExecutionTimeout.Std() != 2*time.Second {
		t.Errorf("ExecutionTimeout = %v, want 2s", cfg.Scheduler.ExecutionTimeout)
	}
	if !cfg.Log.Rotation.Enable || cfg.Log.Rotation.MaxBackups != 9 {
		t.Errorf("Rotation = %+v", cfg.Log.Rotation)
	}
	if cfg.Log.Rotation.MaxSizeMB != 100 {
		t.Errorf("MaxSizeMB = %d, want default 100", cfg.Log.Rotation.MaxSizeMB)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, "ebbridge.toml", `
[bridge]
address = "tcp://file:1"
dialTimeout = "3s"

[log]
level = "warn"
`)
	t.Setenv("EBBRIDGE_ADDRESS", "tcp://env:2")
	t.Setenv("EBBRIDGE_SCHEDULER_TICK", "50ms")
	t.Setenv("EBBRIDGE_SCRIPTS", "one.lua,two.lua")
	t.Setenv("EBBRIDGE_SCRIPTS_WATCH", "true")
	t.Setenv("EBBRIDGE_CONFIG", path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.Address != "tcp://env:2" {
		t.Errorf("Address = %q, want env override", cfg.Bridge.Address)
	}
	if cfg.Bridge.DialTimeout.Std() != 3*time.Second {
		t.Errorf("DialTimeout = %v, want file value", cfg.Bridge.DialTimeout)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Level = %q, want file value", cfg.Log.Level)
	}
	if cfg.Scheduler.Tick.Std() != 50*time.Millisecond {
		t.Errorf("Tick = %v, want env value", cfg.Scheduler.Tick)
	}
	if !reflect.DeepEqual(cfg.Scripts.Paths, []string{"one.lua", "two.lua"}) {
		t.Errorf("Paths = %v", cfg.Scripts.Paths)
	}
	if !cfg.Scripts.Watch {
		t.Error("Watch = false, want env value")
	}
	if cfg.Bridge.PingInterval.Std() != 5*time.Second {
		t.Errorf("PingInterval = %v, want default", cfg.Bridge.PingInterval)
	}
}

func TestLoadErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if _, err := Load(missing, WithoutEnv()); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrFileNotFound", err)
	}

	if _, err := Load(writeConfig(t, "c.ini", "x=1"), WithoutEnv()); err == nil {
		t.Error("Load(.ini) should fail")
	}

	bad := writeConfig(t, "bad.toml", "[bridge\naddress=")
	if _, err := Load(bad, WithoutEnv()); err == nil {
		t.Error("Load(bad toml) should fail")
	}

	badDuration := writeConfig(t, "dur.toml", "[bridge]\nrequestTimeout = \"soon\"\n")
	if _, err := Load(badDuration, WithoutEnv()); err == nil {
		t.Error("Load(bad duration) should fail")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("EBBRIDGE_TRANSPORT", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.Transport != TransportMemory {
		t.Errorf("Transport = %q, want memory", cfg.Bridge.Transport)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		path   string
	}{
		{"bad transport", func(c *Config) { c.Bridge.Transport = "udp" }, "bridge.transport"},
		{"tcp needs address", func(c *Config) { c.Bridge.Address = " " }, "bridge.address"},
		{"zero tick", func(c *Config) { c.Scheduler.Tick = 0 }, "scheduler.tick"},
		{"negative timeout", func(c *Config) { c.Bridge.RequestTimeout = -1 }, "bridge.requestTimeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"no outputs", func(c *Config) { c.Log.Outputs = nil }, "log.outputs"},
		{"bad extension", func(c *Config) { c.Scripts.Extension = "lua" }, "scripts.extension"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("Validate() error = %v, want ErrValidationFailed", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Path != tt.path {
				t.Errorf("ValidationError = %v, want path %s", ve, tt.path)
			}
		})
	}

	cfg := Default()
	cfg.Bridge.Transport = TransportMemory
	cfg.Bridge.Address = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory transport without address: %v", err)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"5s", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"2", 2 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"", 0, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalText([]byte(tt.in))
		if (err != nil) != tt.err {
			t.Errorf("UnmarshalText(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.err && d.Std() != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d, tt.want)
		}
	}

	text, _ := Duration(90 * time.Second).MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %s", text)
	}
}

func TestTOMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Bridge.RequestTimeout = Duration(7 * time.Second)

	data, err := cfg.TOML()
	if err != nil {
		t.Fatalf("TOML() error = %v", err)
	}
	if !strings.Contains(string(data), "requestTimeout") || !strings.Contains(string(data), "7s") {
		t.Errorf("TOML() = %s", data)
	}

	var back Config
	if err := toml.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Bridge.RequestTimeout != cfg.Bridge.RequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", back.Bridge.RequestTimeout, cfg.Bridge.RequestTimeout)
	}
}
