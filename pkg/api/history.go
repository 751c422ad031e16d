package api

import "time"

// EventType identifies a hydration event in a run's history.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
	EventTimerFired        EventType = "timer.fired"
	EventSignalReceived    EventType = "signal.received"
)

// Event is one append-only history record of a workflow run. History is the
// single source of truth for rebuilding execution state: replaying a run's
// events in order reconstructs exactly the progress the run had made.
type Event struct {
	// ID is the position of the event in the run's history, assigned by
	// the store on append, starting at 1 and strictly increasing.
	ID int64

	Type EventType

	// Seq links a resolution event (activity.completed, activity.failed,
	// timer.fired) back to the command sequence number it resolves.
	// Zero for events that resolve nothing.
	Seq int64

	// Name is the activity name for activity events and the signal name
	// for signal.received. Empty otherwise.
	Name string

	// Payload carries the run input (workflow.started), the activity
	// result (activity.completed) or the signal body (signal.received).
	Payload []byte

	// Failure is set on activity.failed.
	Failure *Failure

	At time.Time
}

// CommandType identifies a decision produced by advancing a workflow.
type CommandType string

const (
	CommandScheduleActivity CommandType = "schedule-activity"
	CommandStartTimer       CommandType = "start-timer"
	CommandCompleteWorkflow CommandType = "complete-workflow"
	CommandFailWorkflow     CommandType = "fail-workflow"
)

// Command is one decision emitted by a workflow task. Commands are the only
// way workflow code affects the outside world; the task source turns them
// into queued activity records, pending timers or a terminal run status.
//
// Scheduling commands carry a sequence number unique within the run. The
// source deduplicates on it, so re-emitting a command during replay or after
// a redelivered task is safe.
type Command struct {
	Type CommandType

	// Seq is the command sequence number for schedule-activity and
	// start-timer. Zero for terminal commands.
	Seq int64

	// Schedule-activity fields. Namespace and TaskQueue are fully
	// resolved before the command leaves the worker.
	ActivityName     string
	Input            []byte
	Namespace        string
	TaskQueue        string
	RunTimeout       time.Duration
	ExecutionTimeout time.Duration
	Retry            *RetryPolicy

	// Duration is the start-timer delay.
	Duration time.Duration

	// Terminal result fields.
	Output  []byte
	Failure *Failure
}

// Failure is the serializable description of a failed activity or run.
type Failure struct {
	Kind    ErrorKind
	Message string

	// NonRetriable is set when the reporting worker classified the
	// failure as final under the effective retry policy. The source
	// honors it regardless of remaining attempts.
	NonRetriable bool
}

// Error makes *Failure usable directly as an error value.
func (f *Failure) Error() string {
	if f == nil {
		return "<nil failure>"
	}
	if f.Kind == "" {
		return f.Message
	}
	return string(f.Kind) + ": " + f.Message
}
