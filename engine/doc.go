// Package engine implements the orchestration loop of researchmesh.
//
// An Engine runs research sessions over a fixed agent roster. Each run
// attempt is a single goroutine repeating the same steps: ask the selector
// for the next action, run the chosen agent's turn, checkpoint. A turn
// streams the agent's text as events, dispatches its tool calls in request
// order and calls the model again until the agent answers without tools.
//
// # Lifecycle
//
//	Idle -> Running -> {Completed, Cancelled, Failed}
//
// Start creates a session from a user query; Resume opens a new attempt of a
// cancelled, failed or abandoned session. A completed session is final.
//
// # Commit model
//
// Messages produced during a turn are buffered and appended to the session
// only when the turn ends, immediately followed by a checkpoint. A cancelled
// or failed turn therefore never leaves partial output in the history. The
// interrupted agent is recorded at the cursor with PendingTurn set, and the
// next attempt retries it before consulting the selector again.
//
// # Events
//
// Every run has one ordered event channel (turn.started, text.delta,
// tool_call.started, tool_call.finished, turn.completed and finally
// session.terminated) and a buffered terminal error channel. Both are closed
// when the run ends. Run.Wait and Engine.RunSync drain them for callers that
// do not need streaming.
//
// # Termination
//
// A run completes when the selector terminates, when the chosen agent has
// exhausted its consecutive-turn budget (TurnLimitTerminate, or TurnLimitSkip
// with no alternative) or when MaxTurns is reached. Selection errors,
// malformed or failed completions and store failures end the run as failed.
//
// # Callbacks
//
// Callbacks observe turns, tool calls and terminations. They run on the
// session goroutine and cannot alter the run.
package engine
