package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validator validates configuration values.
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks cfg and reports every problem found.
func (v *Validator) Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, v.ValidateLogging(cfg.Logging))
	errs = append(errs, v.ValidateEngine(cfg.Engine))
	errs = append(errs, v.ValidateStore(cfg.Store))

	for name, m := range cfg.Models {
		errs = append(errs, v.ValidateModel(name, m))
	}

	if len(cfg.Agents) > 0 {
		if _, ok := cfg.Models[cfg.Selector.Model]; !ok {
			errs = append(errs, fmt.Errorf("selector: unknown model profile %q", cfg.Selector.Model))
		}
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		errs = append(errs, v.ValidateAgent(a, cfg.Models))

		key := strings.ToLower(a.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("agents: duplicate agent %q", a.Name))
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}

// ValidateLogging validates the logging section.
func (v *Validator) ValidateLogging(c LoggingConfig) error {
	switch c.Backend {
	case "zerolog", "slog":
	default:
		return fmt.Errorf("logging: unknown backend %q", c.Backend)
	}

	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Level)
	}

	return nil
}

// ValidateEngine validates the engine limits.
func (v *Validator) ValidateEngine(c EngineConfig) error {
	switch {
	case c.MaxTurns < 0, c.MaxConcurrentSessions < 0, c.EventBufferSize < 0,
		c.DefaultMaxToolIterations < 0, c.DefaultMaxConsecutiveTurns < 0:
		return errors.New("engine: limits cannot be negative")
	case c.CheckpointGrace < 0:
		return errors.New("engine: checkpoint_grace cannot be negative")
	}

	switch c.TurnLimitPolicy {
	case "", "terminate", "skip":
	default:
		return fmt.Errorf("engine: unknown turn_limit_policy %q", c.TurnLimitPolicy)
	}

	return nil
}

// ValidateStore validates the store section.
func (v *Validator) ValidateStore(c StoreConfig) error {
	switch c.Driver {
	case "memory":
		return nil
	case "sqlite":
		if c.Path == "" {
			return errors.New("store: sqlite requires a path")
		}
		return nil
	default:
		return fmt.Errorf("store: unknown driver %q", c.Driver)
	}
}

// ValidateModel validates a model profile.
func (v *Validator) ValidateModel(name string, m ModelConfig) error {
	switch m.Provider {
	case "openai", "anthropic":
		if m.Model == "" {
			return fmt.Errorf("models.%s: model name cannot be empty", name)
		}
	case "scripted", "human":
	default:
		return fmt.Errorf("models.%s: unknown provider %q", name, m.Provider)
	}

	if m.MaxRetries < 0 || m.MaxTokens < 0 || m.RequestTimeout < 0 {
		return fmt.Errorf("models.%s: limits cannot be negative", name)
	}

	return nil
}

// ValidateAgent validates a roster entry. Name rules beyond emptiness are
// enforced when the roster is built.
func (v *Validator) ValidateAgent(a AgentConfig, models map[string]ModelConfig) error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("agents: name cannot be empty")
	}

	if _, ok := models[a.Model]; !ok {
		return fmt.Errorf("agents.%s: unknown model profile %q", a.Name, a.Model)
	}

	if a.MaxConsecutiveTurns < 0 || a.MaxToolIterations < 0 {
		return fmt.Errorf("agents.%s: limits cannot be negative", a.Name)
	}

	return nil
}
