// Package log provides severity-leveled structured logging for the stub
// resolver, backed by log/slog with a tint console handler.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/lmittmann/tint"
)

// Severity describes a log level.
type Severity uint32

// Log levels, ordered from most to least verbose.
const (
	TraceLevel    Severity = 1
	DebugLevel    Severity = 2
	InfoLevel     Severity = 3
	WarningLevel  Severity = 4
	ErrorLevel    Severity = 5
	CriticalLevel Severity = 6
)

func (s Severity) String() string {
	switch s {
	case TraceLevel:
		return "TRACE"
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarningLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case CriticalLevel:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

func (s Severity) toSlogLevel() slog.Level {
	switch s {
	case TraceLevel, DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarningLevel:
		return slog.LevelWarn
	case ErrorLevel, CriticalLevel:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

var (
	logLevelInt uint32 = uint32(InfoLevel)
	logger      *slog.Logger
)

func init() {
	setup(Severity(atomic.LoadUint32(&logLevelInt)))
}

func setup(level Severity) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level.toSlogLevel(),
		TimeFormat: "15:04:05",
	})
	logger = slog.New(handler)
}

// SetLevel changes the global log level. Only effective for logs emitted
// after the call.
func SetLevel(level Severity) {
	atomic.StoreUint32(&logLevelInt, uint32(level))
	setup(level)
}

// GetLevel returns the current global log level.
func GetLevel() Severity {
	return Severity(atomic.LoadUint32(&logLevelInt))
}

func fastcheck(level Severity) bool {
	return uint32(level) >= atomic.LoadUint32(&logLevelInt)
}

// Tracef logs a trace-level message directly, bypassing any tracer attached
// to a context. Prefer TracerFromCtx(ctx).Tracef where a context is available.
func Tracef(format string, args ...any) {
	if fastcheck(TraceLevel) {
		logger.Debug("[trace] " + fmt.Sprintf(format, args...))
	}
}

// Debugf logs a debug-level message.
func Debugf(format string, args ...any) {
	if fastcheck(DebugLevel) {
		logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Infof logs an info-level message.
func Infof(format string, args ...any) {
	if fastcheck(InfoLevel) {
		logger.Info(fmt.Sprintf(format, args...))
	}
}

// Warningf logs a warning-level message.
func Warningf(format string, args ...any) {
	if fastcheck(WarningLevel) {
		logger.Warn(fmt.Sprintf(format, args...))
	}
}

// Errorf logs an error-level message.
func Errorf(format string, args ...any) {
	if fastcheck(ErrorLevel) {
		logger.Error(fmt.Sprintf(format, args...))
	}
}
