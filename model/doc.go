// Package model defines the provider-agnostic completion boundary used by
// agents and the turn selector.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Normalize tool call representation (ToolDefinition, core.ToolCallRequest)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate deterministic tests (ScriptedModel)
//
// Providers (model/openai, model/anthropic) implement Model so the engine
// stays decoupled from vendor SDKs.
package model
