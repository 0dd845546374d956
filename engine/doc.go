// Package engine implements the agent orchestration loop: the state machine
// that turns one user input into zero-or-more LLM calls, dispatches requested
// tool invocations, repairs malformed tool-call sequences, and streams
// incremental output back to the caller.
//
// An Agent owns its conversation history exclusively. Callers must serialize
// Execute/ExecuteStream calls on one Agent; the engine never runs two turns
// of the same Agent concurrently. Tool calls within a turn execute
// sequentially in provider order because earlier calls may have filesystem
// side effects that later calls depend on.
//
// Persistence is fire-and-forget: assistant and tool messages are enqueued
// onto a background write buffer, and a slow or failing store never blocks
// or corrupts the in-memory conversation.
package engine
