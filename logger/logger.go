// Package logger provides structured logging for the StormiDB core.
//
// Unlike a package-global logger, Logger here is an instance so that
// multiple engines in a single process (as happens in tests) don't fight
// over shared level state. A package-level Default is still provided for
// callers that don't wire a logger explicitly.
//
// Log output format:
//
//	YYYY/MM/DD HH:MM:SS.ssssss [LEVEL] file:line: message
//	YYYY/MM/DD HH:MM:SS.ssssss [LEVEL] file:line (prefix): message
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Level is the severity of a log message.
type Level int32

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

// ParseLevel converts a level name (case-insensitive) to a Level. Unknown
// names fall back to Info.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return Debug
	case "WARN", "WARNING":
		return Warn
	case "ERROR":
		return Error
	default:
		return Info
	}
}

// Logger is a minimal leveled logger safe for concurrent use.
type Logger struct {
	level  atomic.Int32
	out    *log.Logger
	prefix string
}

// New creates a Logger writing to os.Stderr at the given level. prefix is
// included in every line (e.g. the subsystem or collection name) and may
// be empty.
func New(level Level, prefix string) *Logger {
	l := &Logger{out: log.New(os.Stderr, "", 0), prefix: prefix}
	l.level.Store(int32(level))
	return l
}

// Default is the package-wide logger used when an Engine is constructed
// without one explicitly.
var Default = New(Info, "")

// SetLevel changes the minimum level this logger emits.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *Logger) enabled(level Level) bool { return level >= Level(l.level.Load()) }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "unknown", 0
	}
	if idx := strings.LastIndex(file, "/"); idx != -1 {
		file = file[idx+1:]
	}
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		l.out.Printf("%s [%s] %s:%d (%s): %s", ts, levelNames[level], file, line, l.prefix, msg)
		return
	}
	l.out.Printf("%s [%s] %s:%d: %s", ts, levelNames[level], file, line, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(Error, format, args...) }

// FromEnv builds a Logger whose level is taken from the given environment
// variable, defaulting to Info when unset.
func FromEnv(envVar, prefix string) *Logger {
	level := Info
	if v := os.Getenv(envVar); v != "" {
		level = ParseLevel(v)
	}
	return New(level, prefix)
}
