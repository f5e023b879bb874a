package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/researchmesh/tool"
)

// ReservedName is the selector's termination sentinel and cannot name an agent.
const ReservedName = "TERMINATE"

// Roster is the fixed, ordered set of agents available to a session. It is
// read-only after construction and shared freely between sessions.
type Roster struct {
	agents []*Descriptor
	byName map[string]*Descriptor
	folded map[string]string
}

// NewRoster validates descriptors against registry and builds a roster.
//
// Names must be non-empty, contain no whitespace and be unique ignoring case
// (the selector matches replies case-insensitively). Every referenced tool must
// be registered and every agent needs a model.
func NewRoster(registry *tool.Registry, descriptors ...*Descriptor) (*Roster, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("roster must contain at least one agent")
	}

	r := &Roster{
		agents: make([]*Descriptor, 0, len(descriptors)),
		byName: make(map[string]*Descriptor, len(descriptors)),
		folded: make(map[string]string, len(descriptors)),
	}

	for _, d := range descriptors {
		if d == nil {
			return nil, errors.New("roster: nil descriptor")
		}

		if d.name == "" || strings.ContainsAny(d.name, " \t\r\n") {
			return nil, fmt.Errorf("roster: invalid agent name %q", d.name)
		}

		key := strings.ToLower(d.name)
		if key == strings.ToLower(ReservedName) {
			return nil, fmt.Errorf("roster: agent name %q is reserved", d.name)
		}
		if prev, dup := r.folded[key]; dup {
			return nil, fmt.Errorf("roster: agent name %q collides with %q", d.name, prev)
		}

		if d.llm == nil {
			return nil, fmt.Errorf("roster: agent %s has no model", d.name)
		}

		if d.maxConsecutiveTurns < 0 || d.maxToolIterations < 0 {
			return nil, fmt.Errorf("roster: agent %s has negative limits", d.name)
		}

		for _, name := range d.tools {
			if registry == nil || !registry.Has(name) {
				return nil, fmt.Errorf("roster: agent %s references unregistered tool %q", d.name, name)
			}
		}

		r.agents = append(r.agents, d)
		r.byName[d.name] = d
		r.folded[key] = d.name
	}

	return r, nil
}

// Get returns the descriptor named name.
func (r *Roster) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Contains reports whether name is a roster member.
func (r *Roster) Contains(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Match resolves name case-insensitively to the canonical roster name.
func (r *Roster) Match(name string) (string, bool) {
	canonical, ok := r.folded[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

// Names returns the agent names in roster order.
func (r *Roster) Names() []string {
	names := make([]string, len(r.agents))
	for i, d := range r.agents {
		names[i] = d.name
	}
	return names
}

// Descriptors returns the descriptors in roster order.
func (r *Roster) Descriptors() []*Descriptor {
	return append([]*Descriptor(nil), r.agents...)
}

// Without returns the descriptors in roster order, skipping excluded names.
func (r *Roster) Without(excluded ...string) []*Descriptor {
	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}

	out := make([]*Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		if _, ok := skip[d.name]; !ok {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of agents.
func (r *Roster) Len() int { return len(r.agents) }
