package api

import (
	"fmt"
	"time"
)

// DefaultNamespace is the namespace used when no layer of the attribute
// resolution chain provides one.
const DefaultNamespace = "default"

// ErrorKind classifies a failure for retry decisions. Activities attach a
// kind to the errors they return (see NewError); RetryPolicy can mark
// specific kinds as non-retriable.
type ErrorKind string

const (
	// ErrorKindGeneric is the classification for plain errors that carry
	// no explicit kind.
	ErrorKindGeneric ErrorKind = "generic"

	// ErrorKindTimeout marks failures caused by an execution budget
	// elapsing before the work finished.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindCancelled marks activity failures caused by a cooperative
	// cancellation request. Cancelled work is never retried.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindNotRegistered marks tasks delivered to a worker that has no
	// handler registered under the task's name.
	ErrorKindNotRegistered ErrorKind = "not-registered"

	// ErrorKindConfiguration marks failures produced by attribute
	// resolution, e.g. a scheduled activity with no reachable task queue.
	ErrorKindConfiguration ErrorKind = "configuration"
)

// RetryPolicy controls how a failed activity is retried by the task source.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//	MaxAttempts = 0 => retry without an attempt bound
//
// Delays between attempts grow exponentially from InitialInterval by
// BackoffCoefficient, capped at MaxInterval.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int

	// NonRetriable lists error kinds that immediately stop retrying,
	// regardless of how many attempts remain.
	NonRetriable []ErrorKind
}

// Validate checks the policy for values the scheduler cannot honor.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry policy: MaxAttempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.InitialInterval < 0 {
		return fmt.Errorf("retry policy: InitialInterval must be >= 0, got %v", p.InitialInterval)
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1.0 {
		return fmt.Errorf("retry policy: BackoffCoefficient must be >= 1.0, got %v", p.BackoffCoefficient)
	}
	return nil
}

// Retriable reports whether a failure of the given kind may be retried
// under this policy.
func (p RetryPolicy) Retriable(kind ErrorKind) bool {
	for _, k := range p.NonRetriable {
		if k == kind {
			return false
		}
	}
	return true
}

// BackoffFor returns the delay to apply before the given attempt.
// attempt is 1-based and counts the attempt that just failed, so the
// first retry (after attempt 1) waits InitialInterval.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	d := p.InitialInterval
	if d <= 0 {
		return 0
	}
	coef := p.BackoffCoefficient
	if coef < 1.0 {
		coef = 2.0
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * coef)
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// DefaultRetryPolicy is the policy the task source applies to activities
// scheduled without one: unbounded attempts, exponential backoff from one
// second capped at 100 seconds.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        100 * time.Second,
		MaxAttempts:        0,
	}
}

// Attributes is the fully resolved set of routing and timeout attributes
// for a workflow or activity. Namespace and TaskQueue are always non-empty
// on a resolved value.
type Attributes struct {
	Name      string
	Namespace string
	TaskQueue string

	// RunTimeout bounds a single execution attempt. Zero means unbounded.
	RunTimeout time.Duration

	// ExecutionTimeout bounds the whole execution including retries,
	// measured from when the task was first scheduled. Zero means
	// unbounded.
	ExecutionTimeout time.Duration

	Retry *RetryPolicy
}

// PartialAttributes is one layer of the attribute resolution chain.
// The zero value of each field means "absent at this layer": empty strings,
// zero durations and a nil Retry all defer to the next layer down.
type PartialAttributes struct {
	Namespace        string
	TaskQueue        string
	RunTimeout       time.Duration
	ExecutionTimeout time.Duration
	Retry            *RetryPolicy
}

// IsZero reports whether no field of the layer is set.
func (p PartialAttributes) IsZero() bool {
	return p.Namespace == "" && p.TaskQueue == "" &&
		p.RunTimeout == 0 && p.ExecutionTimeout == 0 && p.Retry == nil
}
