package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger  *slog.Logger
	logFile io.WriteCloser
	mu      sync.RWMutex
)

func init() {
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Level represents a logging level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSizeMB  int // Rotate after this many megabytes (default: 20)
	MaxBackups int // Rotated files to keep (default: 5)
	MaxAgeDays int // Days to keep rotated files (default: 14)
	Compress   bool
}

func (l Level) slogLevel() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnableFileLogging writes logs to a rotating file in dir.
func EnableFileLogging(dir string, level Level, rotation RotationConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if rotation.MaxSizeMB <= 0 {
		rotation.MaxSizeMB = 20
	}
	if rotation.MaxBackups <= 0 {
		rotation.MaxBackups = 5
	}
	if rotation.MaxAgeDays <= 0 {
		rotation.MaxAgeDays = 14
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "codeloop.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
	}
	logFile = w

	logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level.slogLevel(),
	}))

	return nil
}

// DisableLogging disables all logging output.
func DisableLogging() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	logger = slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// Close closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Configure configures the global logger with the given level and writer.
// A nil writer means stderr.
func Configure(level Level, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if w == nil {
		w = os.Stderr
	}

	logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level.slogLevel(),
	}))
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Logger returns the underlying slog.Logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// ParseLevel parses a level string to Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
