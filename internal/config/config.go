// Package config loads the researchmesh configuration: logging, engine
// limits, the session store, named model profiles, the selector and the
// agent roster.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig          `mapstructure:"logging" json:"logging"`
	Engine   EngineConfig           `mapstructure:"engine" json:"engine"`
	Store    StoreConfig            `mapstructure:"store" json:"store"`
	Metrics  MetricsConfig          `mapstructure:"metrics" json:"metrics"`
	Models   map[string]ModelConfig `mapstructure:"models" json:"models"`
	Selector SelectorConfig         `mapstructure:"selector" json:"selector"`
	Agents   []AgentConfig          `mapstructure:"agents" json:"agents"`
}

// LoggingConfig selects the logging backend.
type LoggingConfig struct {
	// Backend is "zerolog" or "slog".
	Backend string `mapstructure:"backend" json:"backend"`
	Level   string `mapstructure:"level" json:"level"`
	// Format is "json", "console" (zerolog) or "text" (slog).
	Format string `mapstructure:"format" json:"format"`
}

// EngineConfig mirrors the orchestration limits.
type EngineConfig struct {
	MaxTurns                   int           `mapstructure:"max_turns" json:"max_turns"`
	MaxConcurrentSessions      int           `mapstructure:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	EventBufferSize            int           `mapstructure:"event_buffer_size" json:"event_buffer_size"`
	DefaultMaxToolIterations   int           `mapstructure:"default_max_tool_iterations" json:"default_max_tool_iterations"`
	DefaultMaxConsecutiveTurns int           `mapstructure:"default_max_consecutive_turns" json:"default_max_consecutive_turns"`
	TurnLimitPolicy            string        `mapstructure:"turn_limit_policy" json:"turn_limit_policy"`
	CheckpointGrace            time.Duration `mapstructure:"checkpoint_grace" json:"checkpoint_grace"`
}

// StoreConfig selects the session store.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path" json:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr" json:"addr"`
}

// ModelConfig is a named completion client profile.
type ModelConfig struct {
	// Provider is "openai", "anthropic", "human" or "scripted". A human
	// profile reads answers from the terminal.
	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model" json:"model"`
	APIKey   string `mapstructure:"api_key" json:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the API key.
	APIKeyEnv      string        `mapstructure:"api_key_env" json:"api_key_env,omitempty"`
	BaseURL        string        `mapstructure:"base_url" json:"base_url,omitempty"`
	Temperature    float64       `mapstructure:"temperature" json:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens" json:"max_tokens"`
	MaxRetries     int           `mapstructure:"max_retries" json:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	// Replies are replayed by the scripted provider.
	Replies []string `mapstructure:"replies" json:"replies,omitempty"`
}

// SelectorConfig configures the model-driven turn selector.
type SelectorConfig struct {
	// Model names a profile in Models.
	Model           string `mapstructure:"model" json:"model"`
	Prompt          string `mapstructure:"prompt" json:"prompt,omitempty"`
	HistoryWindow   int    `mapstructure:"history_window" json:"history_window"`
	MaxMessageChars int    `mapstructure:"max_message_chars" json:"max_message_chars"`
}

// AgentConfig describes one roster member.
type AgentConfig struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description"`
	Instruction string `mapstructure:"instruction" json:"instruction"`
	// Model names a profile in Models.
	Model               string   `mapstructure:"model" json:"model"`
	Tools               []string `mapstructure:"tools" json:"tools,omitempty"`
	MaxConsecutiveTurns int      `mapstructure:"max_consecutive_turns" json:"max_consecutive_turns"`
	MaxToolIterations   int      `mapstructure:"max_tool_iterations" json:"max_tool_iterations"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Backend: "zerolog",
			Level:   "info",
			Format:  "console",
		},
		Engine: EngineConfig{
			MaxTurns:                 50,
			EventBufferSize:          100,
			DefaultMaxToolIterations: 10,
			TurnLimitPolicy:          "terminate",
			CheckpointGrace:          5 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Models: map[string]ModelConfig{},
		Selector: SelectorConfig{
			HistoryWindow:   20,
			MaxMessageChars: 500,
		},
	}
}
