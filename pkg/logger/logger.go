// Package logger provides component-scoped leveled logging for Marcus.
// Every log line carries the component name so operators can filter the
// coordinator, lease manager, board adapter, etc. independently.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the logging severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	out      = os.Stderr
)

// SetLevel sets the global minimum level from a string ("debug", "info",
// "warn", "error"). Unknown values leave the level unchanged.
func SetLevel(s string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(s) {
	case "debug":
		minLevel = LevelDebug
	case "info":
		minLevel = LevelInfo
	case "warn", "warning":
		minLevel = LevelWarn
	case "error":
		minLevel = LevelError
	}
}

func levelName(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

func logCF(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	line := fmt.Sprintf("%s %-5s [%s] %s",
		time.Now().UTC().Format(time.RFC3339), levelName(level), component, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			v, err := json.Marshal(fields[k])
			if err != nil {
				v = []byte(fmt.Sprintf("%q", fmt.Sprint(fields[k])))
			}
			parts = append(parts, k+"="+string(v))
		}
		line += " " + strings.Join(parts, " ")
	}

	fmt.Fprintln(out, line)
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { logCF(LevelDebug, component, msg, nil) }

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	logCF(LevelDebug, component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) { logCF(LevelInfo, component, msg, nil) }

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	logCF(LevelInfo, component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) { logCF(LevelWarn, component, msg, nil) }

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	logCF(LevelWarn, component, msg, fields)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) { logCF(LevelError, component, msg, nil) }

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	logCF(LevelError, component, msg, fields)
}
