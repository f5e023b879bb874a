package agent

import (
	"fmt"

	"github.com/hupe1980/researchmesh/model"
)

// Options configures a Descriptor.
//
// Use functional options with New to override defaults.
type Options struct {
	// Description is the capability summary shown to the turn selector.
	Description string
	// Instruction is the system instruction of the agent.
	Instruction Instruction
	// Tools lists the registered tool names the agent may invoke, in the
	// order they are declared to the model.
	Tools []string
	// MaxConsecutiveTurns caps how many turns in a row the agent may take.
	// Zero means unlimited.
	MaxConsecutiveTurns int
	// MaxToolIterations caps the model/tool rounds within one turn. After the
	// cap the model is asked once more without tools. Zero means the engine
	// default.
	MaxToolIterations int
}

// Descriptor binds an agent name to its capability summary, instruction,
// allowed tools and language model. Descriptors are immutable once added to
// a Roster.
type Descriptor struct {
	name                string
	description         string
	instruction         Instruction
	tools               []string
	maxConsecutiveTurns int
	maxToolIterations   int
	llm                 model.Model
}

// New creates a descriptor named name driven by llm.
func New(name string, llm model.Model, optFns ...func(o *Options)) *Descriptor {
	opts := Options{
		Description: fmt.Sprintf("Agent %s", name),
		Instruction: Instruction{text: fmt.Sprintf("You are %s, a helpful research assistant.", name)},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Descriptor{
		name:                name,
		description:         opts.Description,
		instruction:         opts.Instruction,
		tools:               append([]string(nil), opts.Tools...),
		maxConsecutiveTurns: opts.MaxConsecutiveTurns,
		maxToolIterations:   opts.MaxToolIterations,
		llm:                 llm,
	}
}

// Name returns the agent's unique name.
func (d *Descriptor) Name() string { return d.name }

// Description returns the capability summary used by the selector.
func (d *Descriptor) Description() string { return d.description }

// Instruction returns the agent's system instruction.
func (d *Descriptor) Instruction() Instruction { return d.instruction }

// Tools returns a copy of the allowed tool names.
func (d *Descriptor) Tools() []string { return append([]string(nil), d.tools...) }

// AllowedTools returns the allowed tool names as a set.
func (d *Descriptor) AllowedTools() map[string]struct{} {
	set := make(map[string]struct{}, len(d.tools))
	for _, name := range d.tools {
		set[name] = struct{}{}
	}
	return set
}

// MaxConsecutiveTurns returns the consecutive-turn cap, zero when unlimited.
func (d *Descriptor) MaxConsecutiveTurns() int { return d.maxConsecutiveTurns }

// MaxToolIterations returns the per-turn tool round cap, zero for the engine default.
func (d *Descriptor) MaxToolIterations() int { return d.maxToolIterations }

// Model returns the language model driving the agent.
func (d *Descriptor) Model() model.Model { return d.llm }
