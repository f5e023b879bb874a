// Package agent describes the participants of a research session.
//
// A Descriptor binds a name, a capability summary used by the turn selector,
// a system instruction, the subset of registered tools the agent may call and
// the language model driving it. Descriptors are assembled into a Roster,
// which validates them against the tool registry and is then shared
// read-only by every session of an engine.
//
// Agents do not run themselves: the engine drives each turn, so this package
// carries no execution state.
package agent
