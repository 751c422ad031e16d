// Package api contains the core building blocks shared by the turno worker
// runtime. It defines the data model that crosses the wire between workers
// and task sources: tasks, history events, commands, attributes and the
// error taxonomy.
//
// Most users interact with the higher-level turno package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom task sources, or contributors extending the
// runtime itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Tasks and task sources
//   - History events and commands
//   - Workflow programs
//   - Attribute resolution
//   - Observability
//
// # Tasks and Task Sources
//
// A Task is one leased unit of work: either a workflow task (advance a run
// against its history) or an activity task (execute a side-effecting
// function). The TaskSource interface is the transport that delivers tasks
// and accepts their outcomes; the in-process harness in the turno package
// and the driver submodules all implement it.
//
// Leases make delivery at-least-once. A worker that crashes mid-task simply
// lets the lease expire, and the source hands the task to someone else with
// an incremented attempt counter.
//
// # History Events and Commands
//
// Runs never persist executor state. A run is its history: an append-only
// sequence of events (started, activity completed, timer fired, signal
// received). Workflow tasks fold that history into the program to rebuild
// execution state, then emit commands describing what should happen next.
// Commands carry sequence numbers so that sources can deduplicate
// re-emissions after replays and redeliveries.
//
// # Workflow Programs
//
// A Program is a deterministic description of a workflow: compute steps,
// activity calls, timers, signal waits and control flow. Programs are data,
// not running code; the worker advances them step by step and suspends them
// whenever a step needs an outcome that has not been recorded yet.
//
// Program code must be deterministic. Wall-clock time, randomness and I/O
// belong in activities, whose results enter history and replay for free.
//
// # Attribute Resolution
//
// Namespace, task queue, timeouts and retry policy resolve through layered
// precedence: call-site options override registration attributes, which
// override worker configuration, which overrides library defaults. A
// resolution with no namespace or task queue at any layer is a
// ConfigurationError, raised before anything is scheduled.
//
// # Observability
//
// The Observer interface receives worker, task, poll, sticky-cache and
// heartbeat callbacks. Ready-made implementations cover structured logging
// (LoggingObserver), in-memory counters (BasicMetrics) and fan-out
// (NewCompositeObserver).
//
// # Usage
//
// Most applications should start from the turno package, using the workflow
// builder and Worker constructors provided there. The api package is useful
// when you need lower-level access, a custom TaskSource, or when
// contributing changes to the runtime.
//
// See the turno package documentation and the examples directory for
// end-to-end usage.
package api
