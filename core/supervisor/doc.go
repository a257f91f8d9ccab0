// Package supervisor implements the Streaming Supervisor: a finite-state
// executor that wraps an opaque upstream chunk source (typically a streaming
// LLM provider call) and turns it into a well-behaved, normalized event
// sequence with deterministic retry, fallback, guardrail, drift, and
// checkpoint-resume semantics.
//
// The supervisor composes four engines, each in its own file group:
//
//   - Event Normalizer (event.go, normalize.go) — unifies heterogeneous upstream chunk
//     shapes into the Event algebra.
//   - Retry/Fallback Controller (retry.go) — classifies failures and decides
//     whether to retry the same source, advance to a fallback, or terminate.
//   - Guardrail & Drift Engine (guardrail.go, drift.go) — runs streaming
//     rules against accumulated content and flags degenerate output.
//   - Checkpoint & Resume (checkpoint.go, overlap.go) — persists
//     last-known-good prefixes and deduplicates resumed continuations.
//
// Supervisor (supervisor.go) orchestrates all four as a single state machine
// per call. Callers construct one with New, configure it with functional
// options, and call Run to obtain a Result exposing a lazy event stream, an
// observable State snapshot, and a final Telemetry record.
package supervisor
