package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atmx/trade-ledger/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_WritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := newLogger(config.LogConfig{Level: "warn"}, &buf)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "order_id", "o-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["order_id"] != "o-1" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNew_AlsoWritesRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "ledger.log")
	logger, closer := newLogger(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)

	logger.Info("order executed", "order_id", "o-2")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"order_id":"o-2"`) {
		t.Errorf("file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), `"order_id":"o-2"`) {
		t.Errorf("stdout missing record: %q", buf.String())
	}
}
