// Package core provides the foundational domain types shared by the
// orchestration engine and its collaborators:
//
//   - Message and its closed set of content parts (text, tool call, tool result)
//   - Session (append-only history, active-agent cursor, termination state)
//   - Event (ordered output sink records of a running session)
//   - SessionStore (durable, per-id serialized persistence contract)
//   - the error taxonomy used across selection, dispatch and persistence
//
// Implementation concerns (persistence backends, model adapters, the loop
// itself) live in other packages and depend on these small contracts.
package core
