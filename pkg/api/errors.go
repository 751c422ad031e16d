package api

import (
	"errors"
	"fmt"
)

var (
	// ErrActivityCancelled is returned by ActivityContext.Heartbeat once a
	// cancellation request has been observed. Activities that honor
	// cancellation return it (or wrap it) to finish as cancelled rather
	// than failed.
	ErrActivityCancelled = errors.New("turno: activity cancelled")

	// ErrWorkflowTaskTimeout reports a workflow task whose processing
	// budget elapsed before the executor finished advancing it. The task
	// is abandoned and the source redelivers it after the lease expires.
	ErrWorkflowTaskTimeout = errors.New("turno: workflow task timed out")

	// ErrPoolExhausted reports that an execution slot could not be
	// acquired within the configured acquire timeout.
	ErrPoolExhausted = errors.New("turno: execution pool exhausted")

	// ErrForcedShutdown is returned by Worker.Stop when the drain timeout
	// elapsed with tasks still in flight. The remaining tasks keep running
	// detached until their own budgets end them.
	ErrForcedShutdown = errors.New("turno: forced shutdown before drain completed")
)

// ConfigurationError reports an attribute that resolved to no usable value
// across all precedence layers. It is raised eagerly, before any task is
// scheduled with the broken attributes.
type ConfigurationError struct {
	// Field names the attribute that could not be resolved, e.g.
	// "TaskQueue".
	Field string

	// Subject names what was being resolved, e.g. the activity name.
	Subject string
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("turno: no value resolved for %s", e.Field)
	}
	return fmt.Sprintf("turno: no value resolved for %s of %q", e.Field, e.Subject)
}

// IsConfigurationError returns the typed error if err is one.
func IsConfigurationError(err error) (*ConfigurationError, bool) {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// PollTransportError wraps a failure of the poll transport itself, as
// opposed to an empty poll. Pollers back off and retry on it; it is never
// surfaced to workflow or activity code.
type PollTransportError struct {
	Kind      TaskKind
	Namespace string
	TaskQueue string
	Err       error
}

func (e *PollTransportError) Error() string {
	return fmt.Sprintf("turno: poll %s tasks on %s/%s: %v", e.Kind, e.Namespace, e.TaskQueue, e.Err)
}

func (e *PollTransportError) Unwrap() error { return e.Err }

// NondeterminismError reports a divergence between a run's recorded history
// and what its program produced on re-execution. It poisons the cached
// execution; the next delivery of the task replays cold from history.
type NondeterminismError struct {
	RunID string
	Seq   int64
	Want  string
	Got   string
}

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("turno: nondeterministic run %s at seq %d: history has %s, program produced %s",
		e.RunID, e.Seq, e.Want, e.Got)
}

// IsNondeterminismError returns the typed error if err is one.
func IsNondeterminismError(err error) (*NondeterminismError, bool) {
	var ne *NondeterminismError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// kindError is an error with an explicit retry classification attached.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return string(e.kind) + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// NewError builds an activity error of the given kind. The kind is matched
// against RetryPolicy.NonRetriable when the source decides whether to retry.
func NewError(kind ErrorKind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// WrapError attaches a kind to an existing error, keeping it unwrappable.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the classification of err. Errors without an explicit
// kind classify as ErrorKindGeneric; cancellation classifies as
// ErrorKindCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrActivityCancelled) {
		return ErrorKindCancelled
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ErrorKindGeneric
}
