// Package agentloop implements the conversational agent loop: a state
// machine that alternates model calls and sequential tool execution until
// the model produces a final response, the iteration budget runs out, or
// the operator cancels.
//
// A Runner drives one session. Each user input becomes a turn: the runner
// persists the message, calls the model (streaming text deltas as
// stream.text_delta events), executes any requested tools one at a time,
// feeds results back, and repeats. Every step is published on a Bus as
// typed events so any number of subscribers (WebSocket clients, the CLI,
// the experience synthesizer) can observe the session; slow subscribers
// lose oldest events rather than blocking the loop.
//
// Context growth is handled in two stages: a CompressionPolicy shortens
// old tool results at request-build time without touching persisted
// history, and a Summarizer replaces old history with a model-written
// checkpoint once the session crosses a token threshold.
//
// A Delegator spawns one-shot read-only child sessions for research tasks
// via the delegate_task tool.
package agentloop
