// Package replay drives workflow programs against run history.
//
// An Execution folds history events into a program step by step. Whenever a
// step needs an outcome that history does not contain yet, the execution
// suspends: it returns the commands accumulated so far and keeps an
// in-memory resume point (the cursor). Feeding it the missing events later
// continues exactly where it stopped.
//
// The same mechanism serves both execution modes. A sticky worker keeps the
// Execution cached and feeds it only new events; a cold worker builds a
// fresh Execution and feeds it the full history, which fast-forwards
// through all recorded progress without re-emitting effects. The two must
// produce identical commands for identical histories; divergence is
// reported as *api.NondeterminismError.
package replay

import (
	"context"
	"fmt"

	"github.com/petrijr/turno/internal/resolve"
	"github.com/petrijr/turno/pkg/api"
)

// Options configures an Execution.
type Options struct {
	// ResolveActivity returns the fully resolved scheduling attributes
	// for the named activity with the given call-site options. Nil means
	// resolve from the step options and the program's own attributes.
	ResolveActivity func(name string, options api.PartialAttributes) (api.Attributes, error)
}

// Result is the outcome of one Advance: the commands to hand to the task
// source, plus the terminal state if the run ended.
type Result struct {
	Commands []api.Command
	Done     bool
	Output   []byte
	Failure  *api.Failure
}

// await marks the step the execution is suspended on. Activity and timer
// awaits carry the command sequence number their resolution event will
// reference; signal awaits match on name only.
type await struct {
	seq  int64
	kind api.StepKind
	name string
}

// Execution is the live state of one workflow run inside a worker. It is
// not safe for concurrent use; the worker serializes access per run.
type Execution struct {
	runID   string
	program api.Program
	opts    Options

	cursor  *cursor
	state   []byte
	started bool

	// nextSeq numbers awaits in execution order, starting at 1. Because
	// programs are deterministic, a rebuilt execution issues identical
	// numbers, which is what lets history resolutions find their step.
	nextSeq int64

	// lastEventID is the highest history event absorbed so far. A worker
	// resuming a cached execution feeds it only events above this mark.
	lastEventID int64

	// consumedSeq is the highest resolution sequence already applied.
	consumedSeq int64

	aw          *await
	resolutions map[int64]api.Event
	signals     []api.Event

	done    bool
	output  []byte
	failure *api.Failure
}

// NewExecution creates a fresh execution of program for the given run. It
// holds no history yet; the first Advance must deliver events starting with
// workflow.started.
func NewExecution(program api.Program, runID string, opts Options) *Execution {
	return &Execution{
		runID:       runID,
		program:     program,
		opts:        opts,
		cursor:      newCursor(program.Steps),
		resolutions: make(map[int64]api.Event),
	}
}

// RunID returns the run this execution belongs to.
func (e *Execution) RunID() string { return e.runID }

// LastEventID returns the highest history event ID absorbed so far. Workers
// use it to slice redelivered history down to the unseen suffix.
func (e *Execution) LastEventID() int64 { return e.lastEventID }

// Done reports whether the run has reached a terminal state.
func (e *Execution) Done() bool { return e.done }

// Advance absorbs new history events and runs the program forward until it
// suspends, completes or fails. The returned commands must be delivered to
// the task source; re-emissions after a replay carry the same sequence
// numbers and deduplicate there.
//
// An error return means the execution itself is broken, not the run:
// nondeterminism, or corrupt history. The caller must discard the execution
// and let the source redeliver the task for a cold replay.
func (e *Execution) Advance(ctx context.Context, events []api.Event) (Result, error) {
	if e.done {
		return e.result(nil), nil
	}
	if err := e.absorb(events); err != nil {
		return Result{}, err
	}

	var cmds []api.Command
	if err := e.run(ctx, &cmds); err != nil {
		return Result{}, err
	}
	return e.result(cmds), nil
}

func (e *Execution) result(cmds []api.Command) Result {
	return Result{
		Commands: cmds,
		Done:     e.done,
		Output:   e.output,
		Failure:  e.failure,
	}
}

// absorb indexes events into the execution. Events at or below the
// high-water mark are duplicates from redelivery and are skipped.
func (e *Execution) absorb(events []api.Event) error {
	for _, ev := range events {
		if ev.ID <= e.lastEventID {
			continue
		}
		e.lastEventID = ev.ID

		switch ev.Type {
		case api.EventWorkflowStarted:
			if e.started {
				continue
			}
			e.started = true
			e.state = ev.Payload

		case api.EventActivityCompleted, api.EventActivityFailed, api.EventTimerFired:
			if ev.Seq <= 0 {
				return fmt.Errorf("replay: run %s: %s event %d has no sequence number", e.runID, ev.Type, ev.ID)
			}
			if ev.Seq <= e.consumedSeq {
				continue
			}
			e.resolutions[ev.Seq] = ev

		case api.EventSignalReceived:
			e.signals = append(e.signals, ev)

		default:
			return fmt.Errorf("replay: run %s: unknown event type %q", e.runID, ev.Type)
		}
	}
	return nil
}

func (e *Execution) run(ctx context.Context, cmds *[]api.Command) error {
	if !e.started {
		return fmt.Errorf("replay: run %s: history has no %s event", e.runID, api.EventWorkflowStarted)
	}

	for {
		if e.done {
			return nil
		}

		if e.aw != nil {
			resolved, err := e.resolveAwait(cmds)
			if err != nil {
				return err
			}
			if !resolved {
				// Suspended: the commands gathered so far go out,
				// the cursor stays put.
				return nil
			}
			continue
		}

		step, finished, err := e.cursor.next(e.state)
		if err != nil {
			e.fail(cmds, &api.Failure{Kind: api.ErrorKindGeneric, Message: err.Error(), NonRetriable: true})
			return nil
		}
		if finished {
			if len(e.resolutions) > 0 {
				seq, ev := e.anyResolution()
				return &api.NondeterminismError{
					RunID: e.runID,
					Seq:   seq,
					Want:  describeEvent(ev),
					Got:   "workflow complete",
				}
			}
			e.done = true
			e.output = e.state
			*cmds = append(*cmds, api.Command{Type: api.CommandCompleteWorkflow, Output: e.state})
			return nil
		}

		switch step.Kind {
		case api.StepCompute:
			next, err := step.Fn(ctx, e.state)
			if err != nil {
				e.fail(cmds, &api.Failure{Kind: api.KindOf(err), Message: err.Error()})
				return nil
			}
			e.state = next
			e.cursor.advance()

		case api.StepActivity:
			seq := e.issueSeq()
			e.aw = &await{seq: seq, kind: api.StepActivity, name: step.Activity}
			if _, seen := e.resolutions[seq]; !seen {
				attrs, err := e.resolveActivity(step)
				if err != nil {
					e.fail(cmds, &api.Failure{Kind: api.ErrorKindConfiguration, Message: err.Error(), NonRetriable: true})
					return nil
				}
				*cmds = append(*cmds, api.Command{
					Type:             api.CommandScheduleActivity,
					Seq:              seq,
					ActivityName:     step.Activity,
					Input:            e.state,
					Namespace:        attrs.Namespace,
					TaskQueue:        attrs.TaskQueue,
					RunTimeout:       attrs.RunTimeout,
					ExecutionTimeout: attrs.ExecutionTimeout,
					Retry:            attrs.Retry,
				})
			}

		case api.StepTimer:
			seq := e.issueSeq()
			e.aw = &await{seq: seq, kind: api.StepTimer, name: step.Name}
			if _, seen := e.resolutions[seq]; !seen {
				*cmds = append(*cmds, api.Command{
					Type:     api.CommandStartTimer,
					Seq:      seq,
					Duration: step.Duration,
				})
			}

		case api.StepSignal:
			e.aw = &await{kind: api.StepSignal, name: step.Signal}

		case api.StepBranch:
			arm := step.Else
			if step.Cond(e.state) {
				arm = step.Then
			}
			if len(arm) == 0 {
				e.cursor.advance()
				break
			}
			e.cursor.enter(arm, nil)

		case api.StepLoop:
			if !loopActive(step, 0, e.state) {
				e.cursor.advance()
				break
			}
			e.cursor.enter(step.Body, step)

		default:
			return fmt.Errorf("replay: run %s: step %q has unknown kind %q", e.runID, step.Name, step.Kind)
		}
	}
}

// resolveAwait tries to complete the suspended step from absorbed events.
// It returns false with a nil error when nothing matches yet.
func (e *Execution) resolveAwait(cmds *[]api.Command) (bool, error) {
	aw := e.aw

	if aw.kind == api.StepSignal {
		for i, ev := range e.signals {
			if ev.Name == aw.name {
				e.signals = append(e.signals[:i], e.signals[i+1:]...)
				e.state = ev.Payload
				e.aw = nil
				e.cursor.advance()
				return true, nil
			}
		}
		return false, nil
	}

	ev, ok := e.resolutions[aw.seq]
	if !ok {
		// A resolution for a different sequence while this await is
		// open cannot happen with the recorded program: awaits resolve
		// strictly in issue order.
		if len(e.resolutions) > 0 {
			seq, other := e.anyResolution()
			return false, &api.NondeterminismError{
				RunID: e.runID,
				Seq:   seq,
				Want:  describeEvent(other),
				Got:   describeAwait(aw),
			}
		}
		return false, nil
	}

	switch ev.Type {
	case api.EventActivityCompleted:
		if aw.kind != api.StepActivity || ev.Name != aw.name {
			return false, e.mismatch(aw, ev)
		}
		e.consume(aw.seq)
		e.state = ev.Payload
		e.cursor.advance()
		return true, nil

	case api.EventActivityFailed:
		if aw.kind != api.StepActivity || ev.Name != aw.name {
			return false, e.mismatch(aw, ev)
		}
		e.consume(aw.seq)
		f := ev.Failure
		if f == nil {
			f = &api.Failure{Kind: api.ErrorKindGeneric, Message: "activity failed"}
		}
		e.fail(cmds, f)
		return true, nil

	case api.EventTimerFired:
		if aw.kind != api.StepTimer {
			return false, e.mismatch(aw, ev)
		}
		e.consume(aw.seq)
		e.cursor.advance()
		return true, nil
	}

	return false, fmt.Errorf("replay: run %s: event %d cannot resolve an await", e.runID, ev.ID)
}

func (e *Execution) consume(seq int64) {
	delete(e.resolutions, seq)
	e.consumedSeq = seq
	e.aw = nil
}

func (e *Execution) fail(cmds *[]api.Command, f *api.Failure) {
	e.done = true
	e.failure = f
	*cmds = append(*cmds, api.Command{Type: api.CommandFailWorkflow, Failure: f})
}

func (e *Execution) issueSeq() int64 {
	if e.aw != nil {
		panic("replay: issuing a sequence number while suspended")
	}
	e.nextSeq++
	return e.nextSeq
}

func (e *Execution) resolveActivity(step *api.Step) (api.Attributes, error) {
	if e.opts.ResolveActivity != nil {
		return e.opts.ResolveActivity(step.Activity, step.Options)
	}
	return resolve.Merge(step.Activity, step.Options, api.PartialAttributes{}, e.program.Attrs, api.PartialAttributes{})
}

func (e *Execution) mismatch(aw *await, ev api.Event) error {
	return &api.NondeterminismError{
		RunID: e.runID,
		Seq:   aw.seq,
		Want:  describeEvent(ev),
		Got:   describeAwait(aw),
	}
}

func (e *Execution) anyResolution() (int64, api.Event) {
	var minSeq int64
	for seq := range e.resolutions {
		if minSeq == 0 || seq < minSeq {
			minSeq = seq
		}
	}
	return minSeq, e.resolutions[minSeq]
}

func describeAwait(aw *await) string {
	switch aw.kind {
	case api.StepActivity:
		return fmt.Sprintf("activity %q", aw.name)
	case api.StepTimer:
		return fmt.Sprintf("timer %q", aw.name)
	default:
		return fmt.Sprintf("signal wait %q", aw.name)
	}
}

func describeEvent(ev api.Event) string {
	switch ev.Type {
	case api.EventActivityCompleted:
		return fmt.Sprintf("completed activity %q", ev.Name)
	case api.EventActivityFailed:
		return fmt.Sprintf("failed activity %q", ev.Name)
	case api.EventTimerFired:
		return "fired timer"
	default:
		return string(ev.Type)
	}
}
