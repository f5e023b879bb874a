// Package session houses concrete implementations of core.SessionStore.
// The interface itself (and the Session struct) live in the core package so
// that the engine never depends on a concrete storage backend.
//
// InMemoryStore keeps sessions in process memory. The sqlite sub-package
// provides a durable backend; only the wiring layer decides which one to
// instantiate.
package session
