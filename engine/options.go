package engine

import (
	"fmt"
	"time"

	"github.com/hupe1980/researchmesh/dispatch"
	"github.com/hupe1980/researchmesh/internal/metrics"
	"github.com/hupe1980/researchmesh/logging"
	"github.com/hupe1980/researchmesh/tool"
)

// TurnLimitPolicy decides what happens when the selector picks an agent that
// has exhausted its consecutive-turn budget.
type TurnLimitPolicy string

const (
	// TurnLimitTerminate ends the session with reason turn-limit-exceeded.
	TurnLimitTerminate TurnLimitPolicy = "terminate"
	// TurnLimitSkip asks the selector once more with the agent excluded and
	// terminates only if that fails as well.
	TurnLimitSkip TurnLimitPolicy = "skip"
)

// ParseTurnLimitPolicy parses a policy name; the empty string yields
// TurnLimitTerminate.
func ParseTurnLimitPolicy(s string) (TurnLimitPolicy, error) {
	switch TurnLimitPolicy(s) {
	case "", TurnLimitTerminate:
		return TurnLimitTerminate, nil
	case TurnLimitSkip:
		return TurnLimitSkip, nil
	default:
		return "", fmt.Errorf("unknown turn limit policy %q", s)
	}
}

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    MaxTurns: 30,
//	    MaxConcurrentSessions: 8,
//	    EventBufferSize: 256,
//	}
type Config struct {
	// MaxTurns caps the turns of one run attempt. Zero means unlimited.
	MaxTurns int

	// MaxConcurrentSessions limits the number of sessions running at the
	// same time. Runs beyond the limit wait for a free slot. Zero means
	// unlimited.
	MaxConcurrentSessions int

	// EventBufferSize sets the buffer of each run's event channel.
	EventBufferSize int

	// DefaultMaxToolIterations applies to agents that do not set their own
	// tool iteration cap.
	DefaultMaxToolIterations int

	// DefaultMaxConsecutiveTurns applies to agents that do not set their own
	// consecutive-turn cap. Zero means unlimited.
	DefaultMaxConsecutiveTurns int

	// TurnLimitPolicy selects how an exhausted consecutive-turn budget is
	// handled.
	TurnLimitPolicy TurnLimitPolicy

	// CheckpointGrace bounds the final checkpoint of a cancelled run and the
	// delivery of its terminal event.
	CheckpointGrace time.Duration
}

// DefaultConfig provides the default configuration values.
var DefaultConfig = Config{
	MaxTurns:                 50,
	MaxConcurrentSessions:    0,
	EventBufferSize:          100,
	DefaultMaxToolIterations: 10,
	TurnLimitPolicy:          TurnLimitTerminate,
	CheckpointGrace:          5 * time.Second,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters for the engine behavior.
	Config Config

	// Registry supplies tool schemas to agents. Defaults to an empty registry.
	Registry *tool.Registry

	// Dispatcher executes tool calls. Defaults to a dispatcher over Registry
	// sharing the engine's logger and metrics.
	Dispatcher *dispatch.Dispatcher

	// Callbacks are notified at turn, tool and termination lifecycle points.
	Callbacks []Callback

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger

	// Metrics records engine instruments. Nil disables instrumentation.
	Metrics *metrics.Metrics
}

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithRegistry sets the tool registry.
func WithRegistry(r *tool.Registry) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *metrics.Metrics) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithCallbacks registers lifecycle callbacks.
func WithCallbacks(cbs ...Callback) func(o *Options) {
	return func(o *Options) { o.Callbacks = append(o.Callbacks, cbs...) }
}
