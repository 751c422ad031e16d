// Package worker provides the task-executing runtime: it polls a task
// source for workflow and activity tasks, runs them on bounded execution
// pools and reports outcomes back to the source.
//
// A worker is the process-level unit of execution. It is populated with
// workflow programs and activity functions, started once, and drained on
// shutdown. Most applications construct workers via helpers in the turno
// package, which wire sources, stores and observers together with
// sensible defaults.
//
// # Polling and admission
//
// One poller runs per distinct (kind, namespace, task queue) triple
// derived from the registrations. Each poller reserves an execution slot
// before it polls, so a delivered task always has somewhere to run and
// the worker never leases work it would have to sit on. The two pools,
// one for workflow tasks and one for activity tasks, are the system's
// backpressure point: there is no unbounded queue anywhere between the
// source and user code.
//
// # Workflow tasks and sticky execution
//
// Workflow tasks advance a deterministic program against the run's event
// history. Between tasks the worker keeps the live execution in a sticky
// cache keyed by run ID, so the next task for the run only feeds it the
// history suffix it has not seen. A cache miss is never an error; the
// execution is rebuilt from the full history (cold replay) and produces
// the same commands. The worker serializes tasks per run: two tasks for
// one run never advance concurrently.
//
// # Activity tasks
//
// Activity functions receive the scheduled payload and an
// ActivityContext through their context (see ActivityFromContext), which
// they use to heartbeat and to observe cooperative cancellation. Failed
// attempts are reported with a retry classification; the source owns the
// retry schedule.
//
// # Timeouts and abandonment
//
// Both task kinds run under budgets. An attempt exceeding its budget is
// abandoned, not killed: the goroutine keeps running with a cancelled
// context until user code returns, while the source redelivers the work.
// Abandoned goroutines that ignore their context are a documented cost
// of cooperative cancellation.
//
// # Lifecycle
//
// Created -> Running -> Draining -> Stopped. Registrations are only
// valid in Created. Stop prevents new polls, then waits for in-flight
// tasks bounded by the drain timeout; a forced stop reports
// api.ErrForcedShutdown and leaves the stragglers to their budgets.
package worker
