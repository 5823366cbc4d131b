// Package wlog provides the structured, component-tagged logger shared by
// every WoT subsystem. It consolidates the logger that the upstream
// networking package used to duplicate per component into one place.
package wlog

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the textual representation of a level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Logger is a leveled, component-tagged logger.
type Logger struct {
	component string
	level     Level
	out       *log.Logger
}

// New creates a logger for the given component name at the given minimum level.
func New(component string, level Level) *Logger {
	return &Logger{
		component: component,
		level:     level,
		out:       log.New(os.Stderr, "", 0),
	}
}

// With returns a logger for a sub-component, inheriting the level.
func (l *Logger) With(subComponent string) *Logger {
	return &Logger{component: l.component + "." + subComponent, level: l.level, out: l.out}
}

func (l *Logger) enabled(level Level) bool { return level >= l.level }

func (l *Logger) format(level Level, msg string, fields Fields) string {
	line := fmt.Sprintf("[%s] %-5s %s: %s", time.Now().UTC().Format(time.RFC3339Nano), level, l.component, msg)
	if len(fields) > 0 {
		line += " |"
		for k, v := range fields {
			line += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	return line
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if !l.enabled(level) {
		return
	}
	var f Fields
	if len(fields) > 0 {
		f = fields[0]
	}
	l.out.Println(l.format(level, msg, f))
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, fields...) }

// Fatal logs at FATAL level and terminates the process. Reserved for
// startupDatabaseIntegrityTest-class invariant violations (spec §7).
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(LevelFatal, msg, fields...)
	os.Exit(1)
}
