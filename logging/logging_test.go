package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.WithComponent("dispatch").Info("test message")

	if !strings.Contains(buf.String(), "[dispatch]") {
		t.Errorf("expected component 'dispatch' in log, got: %s", buf.String())
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("fields", map[string]interface{}{"zeta": 1, "alpha": 2, "mid": 3})

	output := buf.String()
	if !strings.Contains(output, "alpha=2 mid=3 zeta=1") {
		t.Errorf("fields not in key order: %s", output)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.WithComponent("test").Info("hello world", map[string]interface{}{"key": "value"})

	// Format: LEVEL TIMESTAMP [component] message key=value
	output := buf.String()
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "[test] hello world key=value") {
		t.Errorf("unexpected format: %s", output)
	}
}

func TestLogger_Discard(t *testing.T) {
	logger := Discard()
	// Should not panic
	logger.Error("dropped", map[string]interface{}{"k": "v"})
}

func TestLogger_DeliveryHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.SendAttempt("p-1", "stream", 120, false)
	logger.SendResult("p-1", "stream", 3*time.Millisecond, fmt.Errorf("refused"))
	logger.Fallback("p-1", "stream", "rpc", fmt.Errorf("refused"))
	logger.Delivered("p-1", "search", "rpc", 2)
	logger.DeliveryFailed("p-2", "search", fmt.Errorf("both down"))
	logger.FragmentsSent("p-3", 4, 4000)
	logger.PacketReceived("p-1", "search", "rpc")
	logger.DuplicateDropped("p-1")

	output := buf.String()
	for _, want := range []string{
		"send_attempt", "transport=stream", "send_failed", "error=refused",
		"WARN", "fallback", "from=stream", "to=rpc",
		"delivered", "attempts=2",
		"ERROR", "delivery_failed",
		"fragments_sent", "fragments=4",
		"packet_received", "via=rpc",
		"duplicate_dropped",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestLogger_FallbackNilCause(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Fallback("p-1", "rpc", "stream", nil)

	if strings.Contains(buf.String(), "cause=") {
		t.Errorf("nil cause should be omitted: %s", buf.String())
	}
}
