package api

import (
	"context"
	"fmt"
	"time"
)

// StepFunc is a compute step in a workflow program. It receives the current
// run state and returns the next one.
//
// Step functions must be deterministic: given the same state they must
// return the same result on every execution, because they are re-run during
// replay. Time, randomness and I/O belong in activities.
type StepFunc func(ctx context.Context, state []byte) ([]byte, error)

// Predicate drives branch and loop steps. It must be deterministic for the
// same reason as StepFunc.
type Predicate func(state []byte) bool

// StepKind identifies the control shape of a program step.
type StepKind string

const (
	StepCompute  StepKind = "compute"
	StepActivity StepKind = "activity"
	StepTimer    StepKind = "timer"
	StepSignal   StepKind = "signal"
	StepBranch   StepKind = "branch"
	StepLoop     StepKind = "loop"
)

// Step is one node of a workflow program. Exactly the fields for its Kind
// are meaningful; the builder in the root package is the usual way to
// construct well-formed steps.
type Step struct {
	Kind StepKind
	Name string

	// Compute.
	Fn StepFunc

	// Activity. Options is the call-site attribute layer and takes
	// precedence over the activity's registration attributes.
	Activity string
	Options  PartialAttributes

	// Timer.
	Duration time.Duration

	// Signal.
	Signal string

	// Branch. Cond selects Then when true, Else otherwise.
	//
	// Loop. A loop with Times > 0 runs Body exactly Times passes and
	// ignores Cond; otherwise Cond is re-tested before every pass.
	// MaxIterations is a runaway guard for condition loops: a loop still
	// active after that many passes fails the run. Zero means no guard.
	Cond          Predicate
	Then          []Step
	Else          []Step
	Body          []Step
	Times         int
	MaxIterations int
}

// Program is a workflow definition: a named sequence of steps plus the
// class-level attribute layer applied when instances of it are registered.
type Program struct {
	Name  string
	Attrs PartialAttributes
	Steps []Step
}

// Validate checks the program for shapes the executor cannot run.
func (p Program) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("program: name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("program %q: at least one step is required", p.Name)
	}
	return validateSteps(p.Name, p.Steps)
}

func validateSteps(program string, steps []Step) error {
	for i, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("program %q: step %d: name is required", program, i)
		}
		switch s.Kind {
		case StepCompute:
			if s.Fn == nil {
				return fmt.Errorf("program %q: step %q: compute step requires a function", program, s.Name)
			}
		case StepActivity:
			if s.Activity == "" {
				return fmt.Errorf("program %q: step %q: activity step requires an activity name", program, s.Name)
			}
		case StepTimer:
			if s.Duration <= 0 {
				return fmt.Errorf("program %q: step %q: timer duration must be > 0", program, s.Name)
			}
		case StepSignal:
			if s.Signal == "" {
				return fmt.Errorf("program %q: step %q: signal step requires a signal name", program, s.Name)
			}
		case StepBranch:
			if s.Cond == nil {
				return fmt.Errorf("program %q: step %q: branch requires a condition", program, s.Name)
			}
			if len(s.Then) == 0 && len(s.Else) == 0 {
				return fmt.Errorf("program %q: step %q: branch requires at least one arm", program, s.Name)
			}
			if err := validateSteps(program, s.Then); err != nil {
				return err
			}
			if err := validateSteps(program, s.Else); err != nil {
				return err
			}
		case StepLoop:
			if s.Times < 0 {
				return fmt.Errorf("program %q: step %q: Times must be >= 0", program, s.Name)
			}
			if s.Cond == nil && s.Times == 0 {
				return fmt.Errorf("program %q: step %q: loop requires a condition or a fixed count", program, s.Name)
			}
			if len(s.Body) == 0 {
				return fmt.Errorf("program %q: step %q: loop requires a body", program, s.Name)
			}
			if s.MaxIterations < 0 {
				return fmt.Errorf("program %q: step %q: MaxIterations must be >= 0", program, s.Name)
			}
			if err := validateSteps(program, s.Body); err != nil {
				return err
			}
		default:
			return fmt.Errorf("program %q: step %q: unknown step kind %q", program, s.Name, s.Kind)
		}
	}
	return nil
}
