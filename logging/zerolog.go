package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologAdapter wraps zerolog.Logger to implement the Logger interface.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a Logger from an existing zerolog.Logger.
func NewZerologAdapter(logger zerolog.Logger) Logger {
	return &ZerologAdapter{logger: logger}
}

// NewZerologLogger builds a zerolog backed Logger from cfg. Format "console"
// selects zerolog's human readable console writer; anything else emits JSON.
func NewZerologLogger(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(zerologLevel(cfg.Level)).With().Timestamp()
	if cfg.AddSource {
		ctx = ctx.Caller()
	}

	return &ZerologAdapter{logger: ctx.Logger()}
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a debug message.
func (z *ZerologAdapter) Debug(msg string, args ...any) { z.logger.Debug().Fields(args).Msg(msg) }

// Info logs an informational message.
func (z *ZerologAdapter) Info(msg string, args ...any) { z.logger.Info().Fields(args).Msg(msg) }

// Warn logs a warning message.
func (z *ZerologAdapter) Warn(msg string, args ...any) { z.logger.Warn().Fields(args).Msg(msg) }

// Error logs an error message.
func (z *ZerologAdapter) Error(msg string, args ...any) { z.logger.Error().Fields(args).Msg(msg) }

// New builds a Logger for the named backend ("zerolog" or "slog").
func New(backend string, cfg Config) Logger {
	if backend == "slog" {
		return NewSlogLogger(cfg)
	}
	return NewZerologLogger(cfg)
}
