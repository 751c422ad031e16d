package turno

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// WorkflowBuilder.Retry, activity registrations and call-site options.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts. MaxAttempts
// counts the first attempt, so 1 means no retries; 0 (and any negative
// value) means no attempt bound.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - coefficient >= 1 grows the delay each attempt (default 2.0 if less).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, coefficient float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = initial
	p.MaxInterval = max
	if coefficient < 1.0 {
		coefficient = 2.0
	}
	p.BackoffCoefficient = coefficient
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
//
// This is equivalent to an exponential backoff with coefficient 1.0 and
// no cap.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaxInterval = 0
	p.BackoffCoefficient = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any delay between retries. Retries still respect
// MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialInterval = 0
	p.MaxInterval = 0
	p.BackoffCoefficient = 0
	return RetryBuilder{policy: p}
}

// NonRetriableOn marks failure kinds that stop retrying immediately,
// regardless of how many attempts remain.
func (r RetryBuilder) NonRetriableOn(kinds ...ErrorKind) RetryBuilder {
	p := r.policy
	p.NonRetriable = append(append([]ErrorKind(nil), p.NonRetriable...), kinds...)
	return RetryBuilder{policy: p}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
