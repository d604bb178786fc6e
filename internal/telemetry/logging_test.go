package telemetry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, _, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("kernel started", "port", 3939)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"kernel started"`) {
		t.Fatalf("log record missing: %s", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Fatalf("expected timestamp key: %s", data)
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, _, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("config loaded", "api_key", "sk-sensitive-value-12345678")
	_ = closer.Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(data), "sk-sensitive-value") {
		t.Fatalf("secret leaked to log file: %s", data)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", data)
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	home := t.TempDir()
	logger, closer, _, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("invisible")
	logger.Warn("visible")
	_ = closer.Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(data), "invisible") {
		t.Fatalf("debug record should be filtered: %s", data)
	}
	if !strings.Contains(string(data), "visible") {
		t.Fatalf("warn record missing: %s", data)
	}
}

func TestParseLevelMapping(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
