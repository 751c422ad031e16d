package turno

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/internal/source"
)

// Harness bundles a task source with the client surface used to start and
// steer runs. Workers attach to Harness.Source; application code starts
// workflows, delivers signals and awaits results through the harness.
//
// Typical usage:
//
//	h := turno.NewLocalHarness()
//
//	w, err := turno.NewWorker(turno.WorkerConfig{
//	    Source:    h.Source,
//	    TaskQueue: "main",
//	})
//	// register programs and activities, then w.Start(ctx)
//
//	run, err := h.StartWorkflow(ctx, "Checkout", input,
//	    turno.PartialAttributes{TaskQueue: "main"})
//	run, err = h.AwaitCompletion(ctx, run.ID)
//
// A harness over shared durable backends (SQLite file, Redis, Postgres,
// Mongo) lets several worker processes cooperate on the same runs; the
// in-memory one is single-process and vanishes with it.
type Harness struct {
	// Source is the task source workers poll. Pass it to NewWorker via
	// WorkerConfig.Source.
	Source TaskSource

	broker *source.Broker
}

// HarnessConfig configures a Harness over explicit backends.
type HarnessConfig struct {
	Store Store
	Queue Queue

	// LeaseTTL bounds how long a delivered task may go without completion
	// or heartbeat before the source redelivers it. Zero picks the
	// source's default.
	LeaseTTL time.Duration

	// Logger receives source debug output. Nil means slog.Default().
	Logger *slog.Logger
}

// NewHarness builds a Harness over the given store and queue. The redis,
// postgres and mongo submodules provide Store and Queue implementations
// for their backends.
func NewHarness(store Store, queue Queue) *Harness {
	return NewHarnessWithConfig(HarnessConfig{Store: store, Queue: queue})
}

// NewHarnessWithConfig is NewHarness with lease and logging control.
func NewHarnessWithConfig(cfg HarnessConfig) *Harness {
	b := source.NewBroker(source.Config{
		Store:    cfg.Store,
		Queue:    cfg.Queue,
		LeaseTTL: cfg.LeaseTTL,
		Logger:   cfg.Logger,
	})
	return &Harness{Source: b, broker: b}
}

// NewLocalHarness returns a Harness backed entirely by in-memory state.
// Nothing survives the process; intended for development, tests and
// single-process deployments that don't need durability.
func NewLocalHarness() *Harness {
	return NewHarness(persistence.NewInMemoryStore(), source.NewInMemoryQueue())
}

// NewSQLiteHarness returns a Harness that persists runs, histories and
// queued tasks in the provided SQLite database. Runs survive process
// restarts; workflow programs live in worker processes and must be
// re-registered on startup.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:turno.db?_journal=WAL")
//	h, err := turno.NewSQLiteHarness(db)
func NewSQLiteHarness(db *sql.DB) (*Harness, error) {
	store, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := source.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewHarness(store, queue), nil
}

// StartWorkflow creates a new run of the named workflow and schedules its
// first workflow task. The task queue must be resolvable from opts; the
// queue set on a program builder routes worker-side dispatch, while the
// start call names where the run's tasks go.
func (h *Harness) StartWorkflow(ctx context.Context, workflow string, input []byte, opts PartialAttributes) (*Run, error) {
	return h.broker.StartWorkflow(ctx, workflow, input, opts)
}

// Signal delivers a named signal to a run. Signals arriving before the
// run waits for them are buffered and consumed in arrival order.
func (h *Harness) Signal(ctx context.Context, runID, name string, payload []byte) error {
	return h.broker.SignalWorkflow(ctx, runID, name, payload)
}

// RequestActivityCancel requests cooperative cancellation of the activity
// identified by its schedule sequence number. The activity observes the
// request on its next heartbeat.
func (h *Harness) RequestActivityCancel(ctx context.Context, runID string, seq int64) error {
	return h.broker.RequestActivityCancel(ctx, runID, seq)
}

// GetRun fetches a run by ID.
func (h *Harness) GetRun(ctx context.Context, runID string) (*Run, error) {
	return h.broker.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (h *Harness) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return h.broker.ListRuns(ctx, filter)
}

// AwaitCompletion blocks until the run reaches a terminal status or ctx
// ends, and returns the final run state.
func (h *Harness) AwaitCompletion(ctx context.Context, runID string) (*Run, error) {
	return h.broker.AwaitRun(ctx, runID)
}
