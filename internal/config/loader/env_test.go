package loader

import (
	"reflect"
	"testing"
)

func TestEnvLoader(t *testing.T) {
	t.Setenv("EBTEST_ADDRESS", "tcp://env:7000")
	t.Setenv("EBTEST_LOG_LEVEL", "debug")
	t.Setenv("EBTEST_BRIDGE_REQUEST_TIMEOUT", "30s")
	t.Setenv("EBTEST_BRIDGE_HEADERS", `{"token":"x"}`)
	t.Setenv("EBTEST_SCRIPTS", "a.lua, b.lua")
	t.Setenv("EBTEST_LOG_OUTPUTS", "stderr,app.log")
	t.Setenv("EBTEST_SCRIPTS_WATCH", "yes")
	t.Setenv("EBTEST_LOG_ROTATION", "7")
	t.Setenv("EBTEST_CONFIG", "ignored.toml")
	t.Setenv("EBTEST_NOSECTION", "ignored")

	cfg, err := NewEnvLoader("EBTEST_").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := map[string]any{
		"bridge": map[string]any{
			"address":        "tcp://env:7000",
			"requestTimeout": "30s",
			"headers":        map[string]any{"token": "x"},
		},
		"log": map[string]any{
			"level":    "debug",
			"outputs":  []any{"stderr", "app.log"},
			"rotation": int64(7),
		},
		"scripts": map[string]any{
			"paths": []any{"a.lua", "b.lua"},
			"watch": true,
		},
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("Load() = %#v\nwant %#v", cfg, want)
	}
}

func TestEnvLoaderAddMapping(t *testing.T) {
	t.Setenv("EBTEST_TICK", "10ms")

	l := NewEnvLoader("EBTEST_")
	l.AddMapping("EBTEST_TICK", "scheduler.tick")

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sched, ok := cfg["scheduler"].(map[string]any)
	if !ok || sched["tick"] != "10ms" {
		t.Errorf("scheduler = %v", cfg["scheduler"])
	}
}

func TestEnvToPath(t *testing.T) {
	l := NewEnvLoader("EBBRIDGE_")
	tests := []struct {
		env  string
		want string
	}{
		{"EBBRIDGE_BRIDGE_ADDRESS", "bridge.address"},
		{"EBBRIDGE_BRIDGE_REQUEST_TIMEOUT", "bridge.requestTimeout"},
		{"EBBRIDGE_SCHEDULER_EXECUTION_TIMEOUT", "scheduler.executionTimeout"},
		{"EBBRIDGE_ALONE", ""},
	}
	for _, tt := range tests {
		if got := l.envToPath(tt.env); got != tt.want {
			t.Errorf("envToPath(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"true", true},
		{"OFF", false},
		{"42", int64(42)},
		{"1.5", 1.5},
		{"127.0.0.1:7000", "127.0.0.1:7000"},
		{"5s", "5s"},
		{"[1,2]", []any{float64(1), float64(2)}},
		{"[oops", "[oops"},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
