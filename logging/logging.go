// Package logging provides real-time console output for packet delivery.
// Receipts and errors returned by the dispatcher are the record of what
// happened; this package is for monitoring a running sender or receiver.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes leveled key=value lines.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// ParseLevel maps a config string to a Level. Unknown strings yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// WithComponent returns a new logger with the given component name.
// The child shares the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Delivery logging ---

// SendAttempt logs the start of a send on transport.
func (l *Logger) SendAttempt(packetID, transport string, size int, fallback bool) {
	l.Debug("send_attempt", map[string]interface{}{
		"packet":    packetID,
		"transport": transport,
		"size":      size,
		"fallback":  fallback,
	})
}

// SendResult logs the outcome of one send attempt.
func (l *Logger) SendResult(packetID, transport string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"packet":    packetID,
		"transport": transport,
		"duration":  duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Debug("send_failed", fields)
		return
	}
	l.Debug("send_ok", fields)
}

// Fallback logs the switch from a failed primary to the alternate transport.
func (l *Logger) Fallback(packetID, from, to string, cause error) {
	fields := map[string]interface{}{
		"packet": packetID,
		"from":   from,
		"to":     to,
	}
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	l.Warn("fallback", fields)
}

// Delivered logs a successful dispatch.
func (l *Logger) Delivered(packetID, tool, transport string, attempts int) {
	l.Info("delivered", map[string]interface{}{
		"packet":    packetID,
		"tool":      tool,
		"transport": transport,
		"attempts":  attempts,
	})
}

// DeliveryFailed logs a terminal dispatch failure.
func (l *Logger) DeliveryFailed(packetID, tool string, err error) {
	l.Error("delivery_failed", map[string]interface{}{
		"packet": packetID,
		"tool":   tool,
		"error":  err.Error(),
	})
}

// FragmentsSent logs a completed fragmented send.
func (l *Logger) FragmentsSent(packetID string, count, size int) {
	l.Debug("fragments_sent", map[string]interface{}{
		"packet":    packetID,
		"fragments": count,
		"size":      size,
	})
}

// PacketReceived logs a packet handed to the tool sink.
func (l *Logger) PacketReceived(packetID, tool, via string) {
	l.Info("packet_received", map[string]interface{}{
		"packet": packetID,
		"tool":   tool,
		"via":    via,
	})
}

// ForgetFailed logs a dedup record that could not be cleared, so a
// redelivery of the packet will be dropped as a duplicate.
func (l *Logger) ForgetFailed(packetID string, err error) {
	l.Warn("dedup_forget_failed", map[string]interface{}{
		"packet": packetID,
		"error":  err.Error(),
	})
}

// DuplicateDropped logs a packet dropped by deduplication.
func (l *Logger) DuplicateDropped(packetID string) {
	l.Debug("duplicate_dropped", map[string]interface{}{
		"packet": packetID,
	})
}
