package turno

import (
	"github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/internal/source"
	"github.com/petrijr/turno/pkg/api"
	"github.com/petrijr/turno/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api and pkg/worker.

type (
	Program           = api.Program
	Step              = api.Step
	StepFunc          = api.StepFunc
	Predicate         = api.Predicate
	Attributes        = api.Attributes
	PartialAttributes = api.PartialAttributes
	RetryPolicy       = api.RetryPolicy
	ErrorKind         = api.ErrorKind

	Run       = api.Run
	RunStatus = api.RunStatus
	RunFilter = api.RunFilter
	Failure   = api.Failure

	Task       = api.Task
	TaskKind   = api.TaskKind
	TaskSource = api.TaskSource

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot

	Worker          = worker.Worker
	WorkerConfig    = worker.Config
	ActivityFunc    = worker.ActivityFunc
	ActivityContext = worker.ActivityContext
	ActivityInfo    = worker.ActivityInfo
)

// Store and Queue are the pluggable seams of a local task source. The root
// module ships in-memory and SQLite implementations; the redis, postgres
// and mongo submodules provide the rest.
type (
	Store = persistence.RunStore
	Queue = source.Queue
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ActivityFromContext  = worker.ActivityFromContext
	DefaultRetryPolicy   = api.DefaultRetryPolicy
	NewError             = api.NewError
	WrapError            = api.WrapError
	IsConfigurationError = api.IsConfigurationError
)

// Re-export run status and task kind values for convenience.

const (
	DefaultNamespace = api.DefaultNamespace

	RunStatusRunning   = api.RunStatusRunning
	RunStatusCompleted = api.RunStatusCompleted
	RunStatusFailed    = api.RunStatusFailed

	TaskKindWorkflow = api.TaskKindWorkflow
	TaskKindActivity = api.TaskKindActivity
)

// Re-export error kinds used to classify activity failures.

const (
	ErrorKindGeneric       = api.ErrorKindGeneric
	ErrorKindTimeout       = api.ErrorKindTimeout
	ErrorKindCancelled     = api.ErrorKindCancelled
	ErrorKindNotRegistered = api.ErrorKindNotRegistered
	ErrorKindConfiguration = api.ErrorKindConfiguration
)

// Re-export the sentinel errors of the runtime.

var (
	ErrActivityCancelled   = api.ErrActivityCancelled
	ErrWorkflowTaskTimeout = api.ErrWorkflowTaskTimeout
	ErrPoolExhausted       = api.ErrPoolExhausted
	ErrForcedShutdown      = api.ErrForcedShutdown

	// ErrRunNotFound is returned by run lookups for unknown run IDs.
	ErrRunNotFound = persistence.ErrRunNotFound
)

// NewWorker creates a Worker for the given configuration. Config.Source is
// required; a Harness provides one for local and SQLite deployments.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	return worker.New(cfg)
}
