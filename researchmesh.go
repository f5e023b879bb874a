// Package researchmesh wires a loaded configuration into a running
// orchestration engine. Most applications:
//  1. load a config.Config (file, environment or code)
//  2. register their domain tools on a tool.Registry
//  3. call Build and use the returned Mesh like an engine.Engine
//
// Build creates one completion client per configured model profile, the
// agent roster, the model-driven turn selector, the session store, the logger
// and the Prometheus instruments. Options replace any of these, which is how
// tests inject scripted models.
package researchmesh

import (
	"fmt"
	"io"
	"os"
	"sort"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/engine"
	"github.com/hupe1980/researchmesh/internal/config"
	"github.com/hupe1980/researchmesh/internal/metrics"
	"github.com/hupe1980/researchmesh/logging"
	"github.com/hupe1980/researchmesh/model"
	anthropicmodel "github.com/hupe1980/researchmesh/model/anthropic"
	"github.com/hupe1980/researchmesh/model/human"
	openaimodel "github.com/hupe1980/researchmesh/model/openai"
	"github.com/hupe1980/researchmesh/selector"
	"github.com/hupe1980/researchmesh/session"
	"github.com/hupe1980/researchmesh/session/sqlite"
	"github.com/hupe1980/researchmesh/tool"
)

// Options overrides parts of the configuration-driven wiring.
type Options struct {
	// Models replaces configured profiles by name.
	Models map[string]model.Model
	// Logger replaces the configured logger.
	Logger logging.Logger
	// Store replaces the configured session store. Build does not close it.
	Store core.SessionStore
	// Callbacks are installed on the engine.
	Callbacks []engine.Callback
	// DisableMetrics skips creating the Prometheus instruments.
	DisableMetrics bool
	// HumanInput answers turns of agents bound to a "human" profile.
	// Defaults to os.Stdin.
	HumanInput io.Reader
	// HumanOutput shows those agents the message they are answering.
	// Defaults to os.Stderr.
	HumanOutput io.Writer
}

// Mesh is a configured engine together with the resources it owns.
type Mesh struct {
	*engine.Engine

	Logger  logging.Logger
	Metrics *metrics.Metrics

	closeStore func() error
}

// Close releases the session store if Build opened it.
func (m *Mesh) Close() error {
	if m.closeStore == nil {
		return nil
	}
	return m.closeStore()
}

// Build turns cfg into a ready Mesh. registry holds the domain tools the
// configured agents refer to; nil means no tools.
func Build(cfg *config.Config, registry *tool.Registry, optFns ...func(o *Options)) (*Mesh, error) {
	if cfg == nil {
		return nil, fmt.Errorf("researchmesh: config cannot be nil")
	}

	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("researchmesh: %w", err)
	}

	if registry == nil {
		registry = tool.NewRegistry()
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	models, err := buildModels(cfg.Models, opts)
	if err != nil {
		return nil, err
	}

	roster, err := buildRoster(cfg.Agents, models, registry)
	if err != nil {
		return nil, err
	}

	sel, err := selector.NewModelSelector(models[cfg.Selector.Model], func(o *selector.ModelSelectorOptions) {
		if cfg.Selector.Prompt != "" {
			o.Prompt = cfg.Selector.Prompt
		}
		o.HistoryWindow = cfg.Selector.HistoryWindow
		o.MaxMessageChars = cfg.Selector.MaxMessageChars
		o.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("researchmesh: selector: %w", err)
	}

	m := &Mesh{Logger: logger}

	store := opts.Store
	if store == nil {
		store, m.closeStore, err = OpenStore(cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	if !opts.DisableMetrics {
		m.Metrics = metrics.New()
	}

	policy, err := engine.ParseTurnLimitPolicy(cfg.Engine.TurnLimitPolicy)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("researchmesh: %w", err)
	}

	m.Engine, err = engine.New(roster, sel, store,
		engine.WithConfig(engine.Config{
			MaxTurns:                   cfg.Engine.MaxTurns,
			MaxConcurrentSessions:      cfg.Engine.MaxConcurrentSessions,
			EventBufferSize:            cfg.Engine.EventBufferSize,
			DefaultMaxToolIterations:   cfg.Engine.DefaultMaxToolIterations,
			DefaultMaxConsecutiveTurns: cfg.Engine.DefaultMaxConsecutiveTurns,
			TurnLimitPolicy:            policy,
			CheckpointGrace:            cfg.Engine.CheckpointGrace,
		}),
		engine.WithRegistry(registry),
		engine.WithLogger(logger),
		engine.WithMetrics(m.Metrics),
		engine.WithCallbacks(opts.Callbacks...),
	)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	logger.Info("researchmesh.built",
		"agents", roster.Names(),
		"tools", registry.Names(),
		"store", cfg.Store.Driver,
		"selector_model", cfg.Selector.Model,
	)

	return m, nil
}

// NewLogger builds the configured logging backend.
func NewLogger(cfg config.LoggingConfig) logging.Logger {
	return logging.New(cfg.Backend, logging.Config{
		Level:  logging.ParseLevel(cfg.Level),
		Format: cfg.Format,
		Output: os.Stderr,
	})
}

// OpenStore opens the configured session store. The returned func closes it.
func OpenStore(cfg config.StoreConfig) (core.SessionStore, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return session.NewInMemoryStore(), nil, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("researchmesh: open store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("researchmesh: unknown store driver %q", cfg.Driver)
	}
}

// NewModel creates the completion client of a model profile.
func NewModel(name string, mc config.ModelConfig) (model.Model, error) {
	switch mc.Provider {
	case "openai":
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			o.Model = mc.Model
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
			o.MaxRetries = mc.MaxRetries
			o.RequestTimeout = mc.RequestTimeout
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(mc.MaxTokens)
			}
		}), nil
	case "anthropic":
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			o.Model = anthropicsdk.Model(mc.Model)
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
			o.MaxRetries = mc.MaxRetries
			o.RequestTimeout = mc.RequestTimeout
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxTokens = int64(mc.MaxTokens)
			}
		}), nil
	case "human":
		return newHumanModel(name, mc, os.Stdin, os.Stderr), nil
	case "scripted":
		steps := make([]model.Step, len(mc.Replies))
		for i, r := range mc.Replies {
			steps[i] = model.Say(r)
		}
		return model.NewScriptedModel(name, steps...), nil
	default:
		return nil, fmt.Errorf("researchmesh: model %s: unknown provider %q", name, mc.Provider)
	}
}

func newHumanModel(name string, mc config.ModelConfig, in io.Reader, out io.Writer) *human.Model {
	return human.NewModel(in, func(o *human.Options) {
		o.Name = name
		if mc.Model != "" {
			o.Name = mc.Model
		}
		o.Output = out
		o.Prompt = fmt.Sprintf("%s> ", o.Name)
	})
}

func buildModels(profiles map[string]config.ModelConfig, opts Options) (map[string]model.Model, error) {
	models := make(map[string]model.Model, len(profiles))

	in, out := opts.HumanInput, opts.HumanOutput
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}

	// human profiles share one reader
	var shared *human.Model

	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if m, ok := opts.Models[name]; ok {
			models[name] = m
			continue
		}

		if profiles[name].Provider == "human" {
			if shared == nil {
				shared = newHumanModel(name, profiles[name], in, out)
			}
			models[name] = shared
			continue
		}

		m, err := NewModel(name, profiles[name])
		if err != nil {
			return nil, err
		}
		models[name] = m
	}

	return models, nil
}

func buildRoster(agents []config.AgentConfig, models map[string]model.Model, registry *tool.Registry) (*agent.Roster, error) {
	descriptors := make([]*agent.Descriptor, 0, len(agents))

	for _, ac := range agents {
		var instruction agent.Instruction
		if ac.Instruction != "" {
			inst, err := agent.NewInstructionFromText(ac.Instruction)
			if err != nil {
				return nil, fmt.Errorf("researchmesh: agent %s: %w", ac.Name, err)
			}
			instruction = inst
		}

		descriptors = append(descriptors, agent.New(ac.Name, models[ac.Model], func(o *agent.Options) {
			if ac.Description != "" {
				o.Description = ac.Description
			}
			if ac.Instruction != "" {
				o.Instruction = instruction
			}
			o.Tools = ac.Tools
			o.MaxConsecutiveTurns = ac.MaxConsecutiveTurns
			o.MaxToolIterations = ac.MaxToolIterations
		}))
	}

	roster, err := agent.NewRoster(registry, descriptors...)
	if err != nil {
		return nil, fmt.Errorf("researchmesh: %w", err)
	}

	return roster, nil
}
