// Package operator implements the AI operator control plane: a relational
// task queue with exactly-once claim semantics, an event-sourced memory log,
// and the HTTP orchestration protocol and worker dispatch loop built on top
// of them.
//
// Subpackages:
//
//   - store: the Store interface and its pgx/v5 and database/sql backends.
//   - eventlog: canonical envelope construction, the single write path, and
//     trace retrieval.
//   - tool: the ToolRegistry and its built-in tools.
//   - inference: the Inference contract and its Ollama-backed implementation.
//   - worker: the polling dispatch loop, per-type handlers, and the
//     lease-expiry reaper.
//   - orchestrator: the HTTP surface.
package operator
