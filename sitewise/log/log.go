package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logging facade used throughout the library.
// Implementations must be safe for concurrent use.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level represents log severity. Lower numeric values are more severe:
// a logger configured at LevelInfo emits Error, Warn, and Info but drops
// Debug.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the lowercase name of the level.
func (level Level) String() string {
	switch level {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a Level. It accepts "warning" as an
// alias for "warn".
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}

	return LevelInfo, fmt.Errorf("not a valid level: %q", name)
}

// Field is a typed key/value attribute attached to a log event.
type Field struct {
	Key   string
	Value any
}

// String creates a string field. The value is escaped to keep injected
// newlines from forging log entries.
func String(key, value string) Field {
	return Field{Key: key, Value: escapeControl(value)}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with an arbitrary value. Prefer the typed constructors;
// Any values bypass control-character escaping and may carry sensitive data.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var controlReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// escapeControl neutralizes control characters that could forge log lines in
// console encoders (CWE-117). JSON encoders already escape them.
func escapeControl(s string) string {
	if !strings.ContainsAny(s, "\n\r\t") {
		return s
	}

	return controlReplacer.Replace(s)
}
