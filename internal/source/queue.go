package source

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// ErrLeaseLost is returned by Ack, Nack and RenewLease when the record's
// lease has expired or the record was claimed by another owner. The work
// has been (or will be) redelivered; the late operation is dropped.
var ErrLeaseLost = errors.New("task lease lost")

// Record is one unit of deliverable work in a task queue.
//
// Records are deduplicated by ID at enqueue time. Workflow commands use
// deterministic IDs derived from the run and the command sequence number,
// so re-emitted commands after a replay or a redelivered task collapse
// into the record already queued.
type Record struct {
	ID    string
	Key   string
	Kind  api.TaskKind
	RunID string

	// Seq is the command sequence number for activity records and for
	// pending-timer records. Zero for plain workflow wakeups.
	Seq int64

	// Activity record fields. ExecutionDeadline is the absolute
	// schedule-to-close bound derived from the scheduling command's
	// ExecutionTimeout; zero means unbounded.
	ActivityName      string
	Input             []byte
	RunTimeout        time.Duration
	ExecutionDeadline time.Time
	Retry             *api.RetryPolicy

	// Attempt counts deliveries, starting at 1 on the first dequeue.
	Attempt int

	EnqueuedAt time.Time

	// NotBefore is the earliest time the record may be delivered.
	// Zero means immediately.
	NotBefore time.Time
}

// Queue is a lease-based task queue. Dequeued records stay in the queue
// under a lease; only Ack removes them. A record whose lease expires
// becomes eligible for delivery again, so a crashed worker loses at most
// one lease interval of progress.
type Queue interface {
	// Enqueue adds a record. A record whose ID is already present,
	// queued or leased, is dropped silently.
	Enqueue(ctx context.Context, rec Record) error

	// Dequeue claims the next eligible record under Key, blocking until
	// one is available or ctx ends. The claim is held by owner for
	// leaseTTL and the record's Attempt is incremented on delivery.
	Dequeue(ctx context.Context, key, owner string, leaseTTL time.Duration) (*Record, error)

	// Ack removes a record the caller holds a live lease on.
	Ack(ctx context.Context, id, owner string) error

	// Nack releases a held record back to the queue, eligible again at
	// notBefore. The attempt count is preserved.
	Nack(ctx context.Context, id, owner string, notBefore time.Time) error

	// RenewLease extends a live lease by leaseTTL from now.
	RenewLease(ctx context.Context, id, owner string, leaseTTL time.Duration) error

	// Len returns the number of records under key, leased ones included.
	Len(key string) int
}

// QueueKey builds the delivery key records are partitioned by. Workflow
// and activity tasks of the same task queue travel separately.
func QueueKey(namespace, taskQueue string, kind api.TaskKind) string {
	return namespace + "/" + taskQueue + "/" + string(kind)
}
