// Package logging provides a minimal logging interface and adapters.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the engine, dispatcher and selector use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - ZerologAdapter wrapping github.com/rs/zerolog (default backend)
//   - SlogAdapter wrapping Go's structured logging
//   - With for attaching fixed key/value pairs such as a session id
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewZerologLogger(logging.Config{Level: logging.LogLevelDebug, Format: "console"})
//	eng, err := engine.New(roster, sel, store, func(o *engine.Options) { o.Logger = logger })
package logging
