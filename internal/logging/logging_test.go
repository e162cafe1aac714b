package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/ebbridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zap.DebugLevel},
		{"INFO", zap.InfoLevel},
		{"warning", zap.WarnLevel},
		{"error", zap.ErrorLevel},
		{"loud", zap.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestSetupFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ebbridge.log")
	logger, level, err := Setup(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger.Debug("hidden")
	logger.Info("connected", zap.String("address", "tcp://localhost:7000"))
	level.SetLevel(zap.DebugLevel)
	logger.Debug("now visible")
	_ = logger.Sync()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if lines[0]["msg"] != "connected" || lines[0]["address"] != "tcp://localhost:7000" {
		t.Errorf("first line = %v", lines[0])
	}
	if lines[1]["msg"] != "now visible" {
		t.Errorf("second line = %v", lines[1])
	}
}

func TestSetupRotatedOutput(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")
	logger, _, err := Setup(config.LogConfig{
		Level:   "warn",
		Format:  "json",
		Outputs: []string{filepath.Join(dir, "unused.log")},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: rotated,
		},
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	lines := readLines(t, rotated)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Errorf("lines = %v", lines)
	}
}

func TestSetupStdOutputs(t *testing.T) {
	logger, _, err := Setup(config.LogConfig{
		Level:       "debug",
		Format:      "console",
		Outputs:     []string{"stdout", "stderr"},
		Development: true,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("debug level not enabled")
	}
}

func TestSetupBadFile(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Setup(config.LogConfig{
		Outputs: []string{dir},
	})
	if err == nil {
		t.Error("Setup() with a directory as log file should fail")
	}
}

func TestInstall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.log")
	logger, _, err := Setup(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	undo := Install(logger)
	zap.L().Info("through global")
	undo()
	_ = logger.Sync()

	lines := readLines(t, path)
	if len(lines) != 1 || lines[0]["msg"] != "through global" {
		t.Errorf("lines = %v", lines)
	}
}
