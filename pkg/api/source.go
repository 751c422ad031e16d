package api

import "context"

// ActivityResult is the terminal outcome of one activity attempt.
// Exactly one of Output and Failure is meaningful: a nil Failure means
// success.
type ActivityResult struct {
	Output  []byte
	Failure *Failure
}

// HeartbeatResponse carries the source's reaction to an activity heartbeat.
type HeartbeatResponse struct {
	// CancelRequested is set once cancellation has been requested for the
	// activity. Delivery is cooperative: the activity keeps running until
	// its own code acts on the flag.
	CancelRequested bool
}

// TaskSource is the transport between workers and whatever owns task state:
// the in-process harness, a shared database, or a remote service.
//
// Poll calls block until a task is available or ctx ends; the worker bounds
// each poll with its own deadline and treats context.DeadlineExceeded as an
// empty poll. A nil task with a nil error also means "nothing to do".
//
// Completions and heartbeats identify the task by the opaque token it was
// delivered with. Completing a task whose lease has already expired returns
// an error; the source has redelivered the work and the late result is
// dropped.
type TaskSource interface {
	PollWorkflowTask(ctx context.Context, namespace, taskQueue string) (*Task, error)
	PollActivityTask(ctx context.Context, namespace, taskQueue string) (*Task, error)

	// CompleteWorkflowTask acknowledges a workflow task and applies the
	// commands its advance produced. An empty command list is valid: the
	// run simply keeps waiting for external events.
	CompleteWorkflowTask(ctx context.Context, token []byte, commands []Command) error

	// CompleteActivityTask reports an activity outcome. Retries of failed
	// attempts are scheduled by the source according to the retry policy
	// the activity was scheduled with.
	CompleteActivityTask(ctx context.Context, token []byte, result *ActivityResult) error

	// Heartbeat records activity liveness, renews the task lease and
	// reports whether cancellation was requested.
	Heartbeat(ctx context.Context, token []byte, details []byte) (HeartbeatResponse, error)
}
