package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RESEARCHMESH_ENGINE_MAX_TURNS.
const EnvPrefix = "RESEARCHMESH"

// Loader handles configuration loading.
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the configuration file (YAML or JSON, chosen by extension),
// applies environment overrides and validates the result. An empty path
// yields the defaults with environment overrides.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}

		v.SetConfigFile(l.configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for name, m := range cfg.Models {
		if m.APIKey == "" && m.APIKeyEnv != "" {
			m.APIKey = os.Getenv(m.APIKeyEnv)
			cfg.Models[name] = m
		}
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GetConfigPath returns the config file path.
func (l *Loader) GetConfigPath() string {
	return l.configPath
}

// Load is a convenience function that creates a loader and loads the config.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// setDefaults registers scalar defaults so that environment variables can
// override keys absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logging.backend", cfg.Logging.Backend)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("engine.max_turns", cfg.Engine.MaxTurns)
	v.SetDefault("engine.max_concurrent_sessions", cfg.Engine.MaxConcurrentSessions)
	v.SetDefault("engine.event_buffer_size", cfg.Engine.EventBufferSize)
	v.SetDefault("engine.default_max_tool_iterations", cfg.Engine.DefaultMaxToolIterations)
	v.SetDefault("engine.default_max_consecutive_turns", cfg.Engine.DefaultMaxConsecutiveTurns)
	v.SetDefault("engine.turn_limit_policy", cfg.Engine.TurnLimitPolicy)
	v.SetDefault("engine.checkpoint_grace", cfg.Engine.CheckpointGrace)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("selector.model", cfg.Selector.Model)
	v.SetDefault("selector.history_window", cfg.Selector.HistoryWindow)
	v.SetDefault("selector.max_message_chars", cfg.Selector.MaxMessageChars)
}
