// Package logger is the process-wide leveled logger.
//
// Call sites use printf-style helpers (Infof, Warnf, ...) and prefix messages
// with a bracketed component tag, e.g. "[pool] worker spawned sid=%s". Output
// is produced by a zap SugaredLogger so it can be switched between console
// and JSON encodings without touching callers.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int

const (
	// LevelTrace enables extremely verbose logs (listener frames, mux steps).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

var (
	mu         sync.RWMutex
	level                = LevelInfo
	output     io.Writer = os.Stdout
	jsonOutput           = true
	sugared              = build(output, level, jsonOutput)
)

// zap has no trace level; trace entries are written at debug with a marker.
func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelTrace, LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func build(w io.Writer, l Level, useJSON bool) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if useJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(zapLevel(l)))
	return zap.New(core).Sugar()
}

func rebuild() {
	sugared = build(output, level, jsonOutput)
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// SetJSON switches between JSON (production) and console (development) encoding.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonOutput = enabled
	rebuild()
}

// SetLevel sets the global log level threshold.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	rebuild()
}

// Enabled reports whether a level would be emitted by the current configuration.
func Enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= level
}

// Sync flushes buffered entries. Call before process exit.
func Sync() {
	mu.RLock()
	s := sugared
	mu.RUnlock()
	_ = s.Sync()
}

func current(l Level) (*zap.SugaredLogger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return sugared, l >= level
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) {
	if s, ok := current(LevelTrace); ok {
		s.Debugf("[trace] "+format, args...)
	}
}

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) {
	if s, ok := current(LevelDebug); ok {
		s.Debugf(format, args...)
	}
}

// Infof logs at INFO level.
func Infof(format string, args ...any) {
	if s, ok := current(LevelInfo); ok {
		s.Infof(format, args...)
	}
}

// Warnf logs at WARN level.
func Warnf(format string, args ...any) {
	if s, ok := current(LevelWarn); ok {
		s.Warnf(format, args...)
	}
}

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) {
	if s, ok := current(LevelError); ok {
		s.Errorf(format, args...)
	}
}
