// Package logging provides a tiny abstraction over structured loggers so
// downstream code can depend on a minimal interface (Logger) while allowing
// users to plug slog, zerolog or any other backend.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel is a thin enum for user friendly level configuration decoupled
// from any backend.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps "debug", "info", "warn" or "error" (any case) to a
// LogLevel. Unknown values yield LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used throughout researchmesh.
// Messages are dotted event names ("engine.turn.completed"); args are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// Config configures construction of a backend logger.
type Config struct {
	Level     LogLevel
	Format    string // json, text (slog) or console (zerolog pretty output)
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns a baseline JSON info level configuration writing to stderr.
func DefaultConfig() Config {
	return Config{Level: LogLevelInfo, Format: "json", Output: os.Stderr}
}

// NewSlogLogger builds a slog backed Logger from cfg.
func NewSlogLogger(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return NewSlogAdapter(slog.New(handler))
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger that prepends kv to the args of every entry.
func With(l Logger, kv ...any) Logger {
	if len(kv) == 0 {
		return l
	}
	if w, ok := l.(*withLogger); ok {
		return &withLogger{base: w.base, kv: append(append([]any(nil), w.kv...), kv...)}
	}
	return &withLogger{base: l, kv: kv}
}

type withLogger struct {
	base Logger
	kv   []any
}

func (w *withLogger) merge(args []any) []any {
	out := make([]any, 0, len(w.kv)+len(args))
	out = append(out, w.kv...)
	return append(out, args...)
}

func (w *withLogger) Debug(msg string, args ...any) { w.base.Debug(msg, w.merge(args)...) }
func (w *withLogger) Info(msg string, args ...any)  { w.base.Info(msg, w.merge(args)...) }
func (w *withLogger) Warn(msg string, args ...any)  { w.base.Warn(msg, w.merge(args)...) }
func (w *withLogger) Error(msg string, args ...any) { w.base.Error(msg, w.merge(args)...) }

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}
