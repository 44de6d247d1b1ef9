package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[Logger]

// ParseLevel maps LOG_LEVEL values onto zap levels. Unknown values are info.
func ParseLevel(s string) zapcore.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil || level > zapcore.ErrorLevel {
		return zapcore.InfoLevel
	}
	return level
}

// SetGlobalLogger replaces the process logger
func SetGlobalLogger(logger Logger) {
	global.Store(&logger)
}

// GetGlobalLogger returns the process logger, a stdout logger at LOG_LEVEL
// until InitGlobalLogger runs
func GetGlobalLogger() Logger {
	if l := global.Load(); l != nil {
		return *l
	}
	fallback := NewZapLogger(ParseLevel(os.Getenv("LOG_LEVEL")), os.Stdout)
	global.CompareAndSwap(nil, &fallback)
	return *global.Load()
}

// InitGlobalLogger configures the global logger from LOG_LEVEL and LOG_FILE.
// The returned closer releases the log file, if one was opened.
func InitGlobalLogger() (io.Closer, error) {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if name := os.Getenv("LOG_FILE"); name != "" {
		file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
		}
		out, closer = file, file
	}

	logger := NewZapLogger(level, out)
	SetGlobalLogger(logger)
	logger.Info("Logger initialized",
		String("level", level.String()),
		String("log_file", os.Getenv("LOG_FILE")))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// MustSync flushes buffered entries before exit
func MustSync() {
	if z, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = z.Sync()
	}
}

// Info logs through the global logger
func Info(msg string, fields ...Field) { GetGlobalLogger().Info(msg, fields...) }

// Warn logs through the global logger
func Warn(msg string, fields ...Field) { GetGlobalLogger().Warn(msg, fields...) }

// Error logs through the global logger
func Error(msg string, err error, fields ...Field) { GetGlobalLogger().Error(msg, err, fields...) }
