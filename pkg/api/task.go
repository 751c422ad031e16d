package api

import "time"

// TaskKind separates the two task streams a worker polls.
type TaskKind string

const (
	TaskKindWorkflow TaskKind = "workflow"
	TaskKindActivity TaskKind = "activity"
)

// Task is one unit of work leased from a TaskSource. The Token is opaque to
// the worker; it identifies the lease at the source and must be passed back
// verbatim on completion and heartbeats.
type Task struct {
	Token     []byte
	Kind      TaskKind
	Namespace string
	TaskQueue string

	// Attempt counts deliveries of this task, starting at 1. Redeliveries
	// after a lost lease or a source-driven retry increment it.
	Attempt int

	// Workflow task fields.
	RunID        string
	WorkflowName string

	// History is the run's full event history at poll time. Workers
	// holding a cached execution only consume the suffix they have not
	// seen yet.
	History []Event

	// Activity task fields.
	ActivityName string
	Input        []byte

	// RunTimeout is the per-attempt execution budget for activity tasks.
	// Zero means the worker default applies.
	RunTimeout time.Duration
}
