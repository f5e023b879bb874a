package agent

import (
	"strings"
	"text/template"

	"github.com/hupe1980/researchmesh/internal/util"
)

// InstructionContext is the data an instruction is resolved against at the
// start of a turn.
type InstructionContext struct {
	SessionID    string
	Agent        string
	Participants []string
	Attempt      int
}

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(InstructionContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(InstructionContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ic InstructionContext) (string, error) { return f(ic) }

// Instruction represents either a static instruction text or a dynamic
// provider. Static text containing template markers is rendered against the
// InstructionContext, e.g. "You are {{.Agent}}, working with {{join .Participants \", \"}}".
type Instruction struct {
	text     string
	tmpl     *template.Template
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static string. It
// returns an error when the text contains an unparsable template.
func NewInstructionFromText(text string) (Instruction, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return Instruction{text: text}, nil
	}

	tmpl, err := util.ParseTemplate("instruction", text)
	if err != nil {
		return Instruction{}, err
	}

	return Instruction{text: text, tmpl: tmpl}, nil
}

// MustInstruction is like NewInstructionFromText but panics on error.
func MustInstruction(text string) Instruction {
	inst, err := NewInstructionFromText(text)
	if err != nil {
		panic(err)
	}
	return inst
}

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(InstructionContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by plain text.
func (i Instruction) IsStatic() bool { return i.provider == nil && i.tmpl == nil }

// Resolve returns the instruction text, rendering or invoking the provider as needed.
func (i Instruction) Resolve(ic InstructionContext) (string, error) {
	switch {
	case i.provider != nil:
		return i.provider.Instruction(ic)
	case i.tmpl != nil:
		return util.RenderTemplate(i.tmpl, ic)
	default:
		return i.text, nil
	}
}
