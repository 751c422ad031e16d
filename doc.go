// Package turno provides a lightweight, embeddable workflow worker runtime
// for Go.
//
// Turno is built for backend services that need reliable asynchronous
// operations and long-lived workflows without heavy infrastructure. Workers
// poll a task source, execute workflow and activity tasks on bounded pools,
// and report outcomes back; the source owns run state, history, retries and
// task leases. It runs fully in Go and integrates cleanly into existing
// codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Worker
//  2. Harness and TaskSource
//  3. WorkflowBuilder
//  4. StepFunc and ActivityFunc
//  5. Crew
//
// # Worker
//
// A Worker is the process-level unit of execution. It is populated with
// workflow programs and activity functions, started once, and drained on
// shutdown. Internally it runs one poller per (kind, namespace, task queue)
// it serves, admits tasks through two bounded execution pools, and keeps
// live workflow executions in a sticky cache so consecutive tasks for a run
// replay only the history suffix they have not seen.
//
// Workers scale horizontally: any number of worker processes can poll the
// same durable source, and task leases guarantee each task runs under one
// owner at a time.
//
// # Harness and TaskSource
//
// A TaskSource is the transport between workers and whatever owns task
// state. The Harness bundles a local source with the client surface:
// starting workflows, delivering signals, requesting activity cancellation
// and awaiting results.
//
// Sources can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests and development)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend provides a run store and a matching lease-based task queue,
// so runs, histories and in-flight work all survive process restarts when
// the backend does.
//
// # WorkflowBuilder
//
// WorkflowBuilder defines workflow programs declaratively:
//
//	turno.NewWorkflow("Checkout").
//	    TaskQueue("orders").
//	    Activity("reserveStock").
//	    Step("computeTotal", computeTotal).
//	    WaitSignal("await-payment", "payment-confirmed").
//	    Activity("ship")
//
// Programs are sequences of steps with explicit suspension points. An
// Activity step schedules work on an activity worker and suspends the run;
// Sleep suspends on a durable timer; WaitSignal suspends until an external
// signal arrives. If, While and Loop give deterministic control flow.
// Suspended runs hold no worker slot and no goroutine; resuming is a replay
// of recorded history against the same program.
//
// # StepFunc and ActivityFunc
//
// A StepFunc is a compute step inside a workflow program:
//
//	type StepFunc func(ctx context.Context, state []byte) ([]byte, error)
//
// Step functions thread the run state value and must be deterministic,
// because they are re-run during replay. Time, randomness and I/O belong in
// activities.
//
// An ActivityFunc is where side effects live:
//
//	type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)
//
// Activities may be retried by the source according to their retry policy,
// so they should be idempotent. Long-running activities heartbeat through
// ActivityFromContext and observe cooperative cancellation.
//
// The library never interprets the payload bytes; callers bring their own
// serialization.
//
// # Crew
//
// The pkg/crew package supervises a fixed-size fleet of worker processes on
// one machine: crashed children are restarted with backoff, healthy ones
// are left untouched, and shutdown is propagated to every child. See its
// package documentation.
//
// # Summary
//
// Turno's goal is a workflow runtime that feels like Go: easy to embed,
// easy to test, deterministic, and without operational overhead. Workers
// execute tasks, the Harness and its source own state and delivery,
// WorkflowBuilder defines programs, and activities contain the business
// logic with side effects.
//
// For runnable end-to-end programs, see the /examples directory.
package turno
