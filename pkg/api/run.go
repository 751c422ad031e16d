package api

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Run holds the externally visible state of a workflow run.
type Run struct {
	ID       string
	Workflow string

	// Namespace and TaskQueue are where the run's workflow tasks are
	// dispatched, fixed when the run is started.
	Namespace string
	TaskQueue string

	Status RunStatus

	// Output is set once the run completes; Failure once it fails.
	Output  []byte
	Failure *Failure

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Done reports whether the run has reached a terminal status.
func (r *Run) Done() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// RunFilter selects runs when listing. Zero values mean "no filter" for
// that field.
type RunFilter struct {
	Workflow string
	Status   RunStatus
}
