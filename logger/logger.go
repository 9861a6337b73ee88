// Package logger provides the process-wide zap logger and lets callers attach
// additional outputs (e.g., the interactive TUI log buffer).
// Init must be called early in the application lifecycle before using other logger functions.
// Functions like AddOutput and SetLevel will return errors if called before Init.
package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultName is the root logger name used when Init is given an empty prefix.
const DefaultName = "tempos"

// Logger fans zap's encoded output out to every registered writer.
type Logger struct {
	mu      sync.Mutex
	outputs []io.Writer
	enabled bool

	level zap.AtomicLevel
	zl    *zap.Logger
}

var (
	globalLogger *Logger
	once         sync.Once

	fallbackOnce sync.Once
	fallback     *zap.Logger

	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetGlobalLogBuffer returns the global log buffer
func GetGlobalLogBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000) // Keep last 1000 log entries
	})
	return globalBuffer
}

// Init initializes the global logger. prefix becomes the root logger name.
func Init(prefix string, writeToStdout bool) {
	once.Do(func() {
		if prefix == "" {
			prefix = DefaultName
		}
		outputs := []io.Writer{}
		if writeToStdout {
			outputs = append(outputs, os.Stdout)
		}
		l := &Logger{
			outputs: outputs,
			enabled: true,
			level:   zap.NewAtomicLevelAt(zapcore.InfoLevel),
		}
		l.zl = zap.New(zapcore.NewCore(newEncoder(), zapcore.AddSync(l), l.level)).Named(prefix)
		globalLogger = l
	})
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	cfg.ConsoleSeparator = "\t"
	return zapcore.NewConsoleEncoder(cfg)
}

// Write implements zapcore.WriteSyncer for the fan-out.
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return len(p), nil
	}
	for _, output := range l.outputs {
		_, _ = output.Write(p)
	}
	return len(p), nil
}

// Sync is a no-op; outputs are written synchronously.
func (l *Logger) Sync() error { return nil }

// AddOutput adds an additional output writer (e.g., for TUI log buffer).
// Returns an error if called before Init.
func AddOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.outputs = append(globalLogger.outputs, w)
	return nil
}

// RemoveOutput removes an output writer.
// Returns an error if called before Init.
func RemoveOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	kept := globalLogger.outputs[:0]
	for _, output := range globalLogger.outputs {
		if output != w {
			kept = append(kept, output)
		}
	}
	globalLogger.outputs = kept
	return nil
}

// SetEnabled enables or disables logging.
// Returns an error if called before Init.
func SetEnabled(enabled bool) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.enabled = enabled
	return nil
}

// SetLevel changes the minimum level ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	globalLogger.level.SetLevel(lvl)
	return nil
}

// L returns the root zap logger. Before Init it returns a stderr logger.
func L() *zap.Logger {
	if globalLogger != nil {
		return globalLogger.zl
	}
	fallbackOnce.Do(func() {
		fallback = zap.New(zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), zapcore.InfoLevel)).Named(DefaultName)
	})
	return fallback
}

// Named returns a child of the root logger, e.g. Named("mom").
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	L().Sugar().Infof(strings.TrimSuffix(format, "\n"), v...)
}

// Infof logs an info-level formatted message
func Infof(format string, v ...interface{}) {
	L().Sugar().Infof(format, v...)
}

// Info logs an info-level message
func Info(v ...interface{}) {
	L().Sugar().Info(v...)
}

// Debugf logs a debug-level formatted message
func Debugf(format string, v ...interface{}) {
	L().Sugar().Debugf(format, v...)
}

// Errorf logs an error-level formatted message
func Errorf(format string, v ...interface{}) {
	L().Sugar().Errorf(format, v...)
}

// Error logs an error-level message
func Error(v ...interface{}) {
	L().Sugar().Error(v...)
}

// GetGlobalLogger returns the global logger instance (for testing/debugging)
func GetGlobalLogger() *Logger {
	return globalLogger
}
