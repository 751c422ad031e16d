package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/turno/pkg/api"
)

var (
	// ErrRunNotFound is returned when a workflow run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when creating a run whose ID is taken.
	ErrRunExists = errors.New("run already exists")
)

// RunStore handles storage of workflow runs, their histories and activity
// heartbeat state.
type RunStore interface {
	// CreateRun stores a new run. Returns ErrRunExists if the ID is taken.
	CreateRun(ctx context.Context, run *api.Run) error

	GetRun(ctx context.Context, id string) (*api.Run, error)

	// UpdateRun replaces the stored run. Returns ErrRunNotFound if missing.
	UpdateRun(ctx context.Context, run *api.Run) error

	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error)

	// AppendEvents appends events to the run's history, assigning dense
	// increasing IDs starting at 1. Resolution events (Seq > 0) are
	// deduplicated per run: an event whose sequence number was already
	// resolved is dropped silently. The events actually appended are
	// returned with their assigned IDs.
	AppendEvents(ctx context.Context, runID string, events []api.Event) ([]api.Event, error)

	// ListEvents returns the run's full history in append order.
	ListEvents(ctx context.Context, runID string) ([]api.Event, error)

	// RecordHeartbeat stores the latest heartbeat details for the
	// activity identified by (runID, seq) and reports whether
	// cancellation has been requested for it.
	RecordHeartbeat(ctx context.Context, runID string, seq int64, details []byte) (cancelRequested bool, err error)

	// SetCancelRequested marks the activity identified by (runID, seq)
	// for cooperative cancellation. The flag is keyed by schedule
	// sequence, so it survives retries of the same activity.
	SetCancelRequested(ctx context.Context, runID string, seq int64) error

	// LastHeartbeat returns the most recent heartbeat details for the
	// activity, and whether any heartbeat was recorded.
	LastHeartbeat(ctx context.Context, runID string, seq int64) ([]byte, bool, error)
}
