package turno

import (
	"fmt"
	"time"

	"github.com/petrijr/turno/pkg/api"
	"github.com/petrijr/turno/pkg/worker"
)

// WorkflowBuilder provides a fluent API for defining workflow programs:
//
//	checkout := turno.NewWorkflow("Checkout").
//	    TaskQueue("orders").
//	    Activity("reserveStock").
//	    Step("computeTotal", computeTotal).
//	    WaitSignal("await-payment", "payment-confirmed").
//	    Activity("ship")
//
//	if err := checkout.Register(w); err != nil {
//	    log.Fatal(err)
//	}
//
// The builder panics on structurally invalid steps (empty names, nil
// functions) so mistakes surface at definition time; everything else is
// validated when the program is registered on a worker.
type WorkflowBuilder struct {
	prog api.Program
}

// NewWorkflow creates a new workflow program builder with the given name.
func NewWorkflow(name string) *WorkflowBuilder {
	if name == "" {
		panic("turno: workflow name must not be empty")
	}
	return &WorkflowBuilder{
		prog: api.Program{
			Name:  name,
			Steps: make([]api.Step, 0),
		},
	}
}

// Name returns the workflow name.
func (b *WorkflowBuilder) Name() string {
	return b.prog.Name
}

// Program returns the built program. Typically used when interacting with
// lower-level APIs.
func (b *WorkflowBuilder) Program() Program {
	return b.prog
}

// Namespace sets the workflow's class-level namespace attribute.
func (b *WorkflowBuilder) Namespace(namespace string) *WorkflowBuilder {
	b.prog.Attrs.Namespace = namespace
	return b
}

// TaskQueue sets the workflow's class-level task queue attribute.
func (b *WorkflowBuilder) TaskQueue(queue string) *WorkflowBuilder {
	b.prog.Attrs.TaskQueue = queue
	return b
}

// RunTimeout sets the class-level per-attempt budget for activities
// scheduled by this workflow.
func (b *WorkflowBuilder) RunTimeout(d time.Duration) *WorkflowBuilder {
	b.prog.Attrs.RunTimeout = d
	return b
}

// ExecutionTimeout sets the class-level schedule-to-close budget for
// activities scheduled by this workflow, covering all retry attempts.
func (b *WorkflowBuilder) ExecutionTimeout(d time.Duration) *WorkflowBuilder {
	b.prog.Attrs.ExecutionTimeout = d
	return b
}

// Retry sets the class-level retry policy for activities scheduled by this
// workflow. The policy is copied, so callers can mutate theirs afterwards
// without affecting the stored program.
func (b *WorkflowBuilder) Retry(policy RetryPolicy) *WorkflowBuilder {
	p := policy
	b.prog.Attrs.Retry = &p
	return b
}

// Step appends a compute step. The function must be deterministic; it is
// re-run during replay.
func (b *WorkflowBuilder) Step(name string, fn StepFunc) *WorkflowBuilder {
	b.prog.Steps = append(b.prog.Steps, ComputeStep(name, fn))
	return b
}

// Activity appends a step that schedules the named activity with the
// current run state as input and resumes with its output.
func (b *WorkflowBuilder) Activity(activity string) *WorkflowBuilder {
	b.prog.Steps = append(b.prog.Steps, ActivityStep(activity))
	return b
}

// ActivityWith is Activity with a call-site attribute layer, which takes
// precedence over the activity's registration attributes.
func (b *WorkflowBuilder) ActivityWith(activity string, opts PartialAttributes) *WorkflowBuilder {
	b.prog.Steps = append(b.prog.Steps, ActivityStepWith(activity, opts))
	return b
}

// Sleep appends a durable timer step. The run suspends without holding a
// worker slot and resumes when the timer fires.
func (b *WorkflowBuilder) Sleep(name string, d time.Duration) *WorkflowBuilder {
	b.prog.Steps = append(b.prog.Steps, SleepStep(name, d))
	return b
}

// WaitSignal appends a step that suspends the run until the named signal
// arrives; the signal payload becomes the run state.
func (b *WorkflowBuilder) WaitSignal(name, signal string) *WorkflowBuilder {
	b.prog.Steps = append(b.prog.Steps, WaitSignalStep(name, signal))
	return b
}

// If appends a conditional step. Cond is evaluated against the run state;
// the then arm runs when it is true, the else arm otherwise. Either arm
// may be nil.
func (b *WorkflowBuilder) If(name string, cond Predicate, then, els []Step) *WorkflowBuilder {
	if cond == nil {
		panic(fmt.Sprintf("turno: branch %q has nil condition", name))
	}
	b.prog.Steps = append(b.prog.Steps, api.Step{
		Kind: api.StepBranch,
		Name: name,
		Cond: cond,
		Then: then,
		Else: els,
	})
	return b
}

// While appends a loop step that re-tests cond before every iteration of
// body. Cond must be deterministic and must eventually turn false.
func (b *WorkflowBuilder) While(name string, cond Predicate, body ...Step) *WorkflowBuilder {
	if cond == nil {
		panic(fmt.Sprintf("turno: loop %q has nil condition", name))
	}
	b.prog.Steps = append(b.prog.Steps, api.Step{
		Kind: api.StepLoop,
		Name: name,
		Cond: cond,
		Body: body,
	})
	return b
}

// Loop appends a loop step that executes body a fixed number of times.
// A zero count never enters the body.
func (b *WorkflowBuilder) Loop(name string, times int, body ...Step) *WorkflowBuilder {
	if times < 0 {
		panic(fmt.Sprintf("turno: loop %q has negative iteration count %d", name, times))
	}
	step := api.Step{
		Kind:  api.StepLoop,
		Name:  name,
		Times: times,
		Body:  body,
	}
	if times == 0 {
		step.Cond = func([]byte) bool { return false }
	}
	b.prog.Steps = append(b.prog.Steps, step)
	return b
}

// Register registers the built program with the given worker.
func (b *WorkflowBuilder) Register(w *worker.Worker) error {
	return w.RegisterWorkflow(b.prog)
}

// MustRegister is like Register but panics on error. Useful for
// initialization in main().
func (b *WorkflowBuilder) MustRegister(w *worker.Worker) {
	if err := b.Register(w); err != nil {
		panic(err)
	}
}

// Step constructors for composing branch and loop bodies. The builder
// methods use these internally; they are exported so nested arms can be
// built from the same pieces:
//
//	turno.NewWorkflow("retry-or-flag").
//	    If("big-order", isBigOrder,
//	        []turno.Step{turno.ActivityStep("manualReview")},
//	        []turno.Step{turno.ActivityStep("autoApprove")},
//	    )

// ComputeStep builds a compute step.
func ComputeStep(name string, fn StepFunc) Step {
	if name == "" {
		panic("turno: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("turno: step %q has nil function", name))
	}
	return api.Step{Kind: api.StepCompute, Name: name, Fn: fn}
}

// ActivityStep builds a step that schedules the named activity.
func ActivityStep(activity string) Step {
	if activity == "" {
		panic("turno: activity name must not be empty")
	}
	return api.Step{Kind: api.StepActivity, Name: activity, Activity: activity}
}

// ActivityStepWith is ActivityStep with a call-site attribute layer.
func ActivityStepWith(activity string, opts PartialAttributes) Step {
	s := ActivityStep(activity)
	s.Options = opts
	return s
}

// SleepStep builds a durable timer step.
func SleepStep(name string, d time.Duration) Step {
	if d <= 0 {
		panic(fmt.Sprintf("turno: timer %q duration must be > 0, got %v", name, d))
	}
	return api.Step{Kind: api.StepTimer, Name: name, Duration: d}
}

// WaitSignalStep builds a step that waits for the named signal.
func WaitSignalStep(name, signal string) Step {
	if signal == "" {
		panic(fmt.Sprintf("turno: signal step %q has empty signal name", name))
	}
	return api.Step{Kind: api.StepSignal, Name: name, Signal: signal}
}
