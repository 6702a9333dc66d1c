package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLoggerJSONFormat(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(Config{Level: "debug", Format: "json", Output: &buf})
	NewComponentLogger(logger, "transport").Debug("transport_open")
	out := buf.String()
	if !strings.Contains(out, `"component":"transport"`) {
		t.Fatalf("expected component attr in output, got %s", out)
	}
	if !strings.Contains(out, `"msg":"transport_open"`) {
		t.Fatalf("expected debug message in output, got %s", out)
	}
}

func TestParseLevelFallsBack(t *testing.T) {
	level, ok := ParseLevel("loud")
	if ok {
		t.Fatalf("expected unknown level to report false")
	}
	if level != slog.LevelInfo {
		t.Fatalf("expected INFO fallback, got %s", level)
	}
}
