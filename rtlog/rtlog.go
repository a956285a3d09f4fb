// File: rtlog/rtlog.go
// Author: momentics <momentics@gmail.com>
//
// Named loggers over the standard library's log.Logger, the same idiom the
// teacher tree uses throughout (log.Printf("[Component] ...", ...) in
// internal/concurrency/poller_linux.go and every examples/ main.go) rather
// than a structured-logging dependency — spec.md treats logging as a
// narrow external collaborator, and nothing in the retrieval pack reaches
// for a logging library of its own, so staying on "log" here is deliberate
// grounding, not an omission (see DESIGN.md).

package rtlog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level is a coarse severity tag prefixed onto each line, the stand-in for
// sylar's log.h LogLevel enum (DEBUG/INFO/WARN/ERROR/FATAL) — sylar's
// per-logger/per-appender level filtering is collapsed here to a single
// process-wide floor, since nothing in this repository's ambient stack
// needs per-appender routing.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

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
		return "?"
	}
}

// minLevel is the process-wide floor; lines below it are dropped, the
// equivalent of sylar's Logger::m_level.
var minLevel = LevelInfo

// SetLevel changes the process-wide floor.
func SetLevel(l Level) { minLevel = l }

// Logger is a single named logger, the equivalent of a sylar Logger
// instance (name + level + appenders collapsed to a prefix + stdlib
// log.Logger writing to stderr).
type Logger struct {
	name string
	std  *log.Logger
}

// New creates a standalone named logger writing to os.Stderr with the
// teacher's "[Name] " prefix convention.
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < minLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s [%s] %s", level, l.name, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// Fatalf logs at LevelFatal unconditionally (bypassing minLevel, matching
// sylar's FATAL always being emitted) and then calls os.Exit(1).
func (l *Logger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s [%s] %s", LevelFatal, l.name, msg)
	os.Exit(1)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Logger)
)

// Named returns the process-wide logger for name, creating it on first use
// — the equivalent of sylar's LoggerMgr::getLogger(name) / SYLAR_LOG_NAME.
func Named(name string) *Logger {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[name]; ok {
		return l
	}
	l := New(name)
	registry[name] = l
	return l
}

// Root is the unnamed default logger, the equivalent of SYLAR_LOG_ROOT().
var Root = Named("root")
