package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/turno/pkg/api"
)

//
// Helpers
//

// historyBuilder assigns event IDs the way a store does: dense, increasing,
// starting at 1.
type historyBuilder struct {
	nextID int64
	events []api.Event
}

func (h *historyBuilder) add(ev api.Event) api.Event {
	h.nextID++
	ev.ID = h.nextID
	h.events = append(h.events, ev)
	return ev
}

func (h *historyBuilder) started(payload []byte) {
	h.add(api.Event{Type: api.EventWorkflowStarted, Payload: payload})
}

func (h *historyBuilder) completed(seq int64, name string, payload []byte) {
	h.add(api.Event{Type: api.EventActivityCompleted, Seq: seq, Name: name, Payload: payload})
}

func (h *historyBuilder) failed(seq int64, name string, f *api.Failure) {
	h.add(api.Event{Type: api.EventActivityFailed, Seq: seq, Name: name, Failure: f})
}

func (h *historyBuilder) fired(seq int64) {
	h.add(api.Event{Type: api.EventTimerFired, Seq: seq})
}

func (h *historyBuilder) signal(name string, payload []byte) {
	h.add(api.Event{Type: api.EventSignalReceived, Name: name, Payload: payload})
}

// all returns a copy of the full history so far.
func (h *historyBuilder) all() []api.Event {
	return append([]api.Event(nil), h.events...)
}

func appendStep(name, suffix string) api.Step {
	return api.Step{
		Kind: api.StepCompute,
		Name: name,
		Fn: func(ctx context.Context, state []byte) ([]byte, error) {
			return append(append([]byte(nil), state...), []byte(suffix)...), nil
		},
	}
}

func activityStep(name, activity string) api.Step {
	return api.Step{Kind: api.StepActivity, Name: name, Activity: activity}
}

// pipelineProgram exercises every await kind:
// compute, activity, timer, signal, compute.
func pipelineProgram() api.Program {
	return api.Program{
		Name:  "pipeline",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{
			appendStep("prep", "+prep"),
			activityStep("fetch", "fetch"),
			{Kind: api.StepTimer, Name: "cooldown", Duration: time.Minute},
			{Kind: api.StepSignal, Name: "wait-go", Signal: "go"},
			appendStep("wrap", "+wrap"),
		},
	}
}

func advance(t *testing.T, e *Execution, events []api.Event) Result {
	t.Helper()
	res, err := e.Advance(context.Background(), events)
	require.NoError(t, err)
	return res
}

//
// Linear progress
//

func TestExecution_ColdStartSchedulesFirstActivity(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("in"))

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	res := advance(t, e, h.all())

	require.False(t, res.Done)
	require.Len(t, res.Commands, 1)

	cmd := res.Commands[0]
	require.Equal(t, api.CommandScheduleActivity, cmd.Type)
	require.Equal(t, int64(1), cmd.Seq)
	require.Equal(t, "fetch", cmd.ActivityName)
	require.Equal(t, []byte("in+prep"), cmd.Input)
	require.Equal(t, "main", cmd.TaskQueue)
	require.Equal(t, api.DefaultNamespace, cmd.Namespace)
}

func TestExecution_RunsToCompletion(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("in"))

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	res := advance(t, e, h.all())
	require.Len(t, res.Commands, 1) // schedule fetch

	h.completed(1, "fetch", []byte("fetched"))
	res = advance(t, e, h.all()[e.LastEventID():])
	require.False(t, res.Done)
	require.Len(t, res.Commands, 1) // start timer
	require.Equal(t, api.CommandStartTimer, res.Commands[0].Type)
	require.Equal(t, int64(2), res.Commands[0].Seq)
	require.Equal(t, time.Minute, res.Commands[0].Duration)

	h.fired(2)
	res = advance(t, e, h.all()[e.LastEventID():])
	require.False(t, res.Done)
	require.Empty(t, res.Commands) // waiting on a signal emits nothing

	h.signal("go", []byte("sig"))
	res = advance(t, e, h.all()[e.LastEventID():])
	require.True(t, res.Done)
	require.Len(t, res.Commands, 1)
	require.Equal(t, api.CommandCompleteWorkflow, res.Commands[0].Type)
	require.Equal(t, []byte("sig+wrap"), res.Output)
	require.Nil(t, res.Failure)
}

func TestExecution_AdvanceAfterDoneIsInert(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("x"))

	p := api.Program{
		Name:  "one-shot",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{appendStep("only", "!")},
	}

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())
	require.True(t, res.Done)
	require.Equal(t, []byte("x!"), res.Output)

	// A redelivered task advances the same execution again.
	res = advance(t, e, h.all())
	require.True(t, res.Done)
	require.Empty(t, res.Commands)
}

func TestExecution_HistoryWithoutStartedIsAnError(t *testing.T) {
	t.Parallel()

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	_, err := e.Advance(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workflow.started")
}

func TestExecution_DuplicateEventsAreIgnored(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("in"))

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	advance(t, e, h.all())

	h.completed(1, "fetch", []byte("f"))

	// Deliver the full history twice over; the second delivery must not
	// disturb the suspended timer await.
	res := advance(t, e, h.all())
	require.Len(t, res.Commands, 1)
	require.Equal(t, api.CommandStartTimer, res.Commands[0].Type)

	res = advance(t, e, h.all())
	require.Empty(t, res.Commands)
	require.False(t, res.Done)
}

//
// Failure paths
//

func TestExecution_ActivityFailureFailsTheRun(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("in"))

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	advance(t, e, h.all())

	h.failed(1, "fetch", &api.Failure{Kind: "billing", Message: "card declined", NonRetriable: true})
	res := advance(t, e, h.all()[e.LastEventID():])

	require.True(t, res.Done)
	require.NotNil(t, res.Failure)
	require.Equal(t, api.ErrorKind("billing"), res.Failure.Kind)
	require.Len(t, res.Commands, 1)
	require.Equal(t, api.CommandFailWorkflow, res.Commands[0].Type)
}

func TestExecution_ComputeErrorFailsTheRun(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started(nil)

	p := api.Program{
		Name:  "broken",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{{
			Kind: api.StepCompute,
			Name: "explode",
			Fn: func(ctx context.Context, state []byte) ([]byte, error) {
				return nil, errors.New("arithmetic went wrong")
			},
		}},
	}

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())

	require.True(t, res.Done)
	require.NotNil(t, res.Failure)
	require.Contains(t, res.Failure.Message, "arithmetic")
	require.Equal(t, api.CommandFailWorkflow, res.Commands[0].Type)
}

func TestExecution_UnresolvableTaskQueueFailsTheRun(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started(nil)

	p := api.Program{
		Name:  "nowhere",
		Steps: []api.Step{activityStep("do", "do-it")},
	}

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())

	require.True(t, res.Done)
	require.NotNil(t, res.Failure)
	require.Equal(t, api.ErrorKindConfiguration, res.Failure.Kind)
}

//
// Control flow
//

func TestExecution_BranchTakesConditionArm(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name:  "branchy",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{
			{
				Kind: api.StepBranch,
				Name: "check",
				Cond: func(state []byte) bool { return string(state) == "yes" },
				Then: []api.Step{appendStep("then", "+then")},
				Else: []api.Step{appendStep("else", "+else")},
			},
		},
	}

	var h historyBuilder
	h.started([]byte("yes"))
	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())
	require.True(t, res.Done)
	require.Equal(t, []byte("yes+then"), res.Output)

	var h2 historyBuilder
	h2.started([]byte("no"))
	e2 := NewExecution(p, "run-2", Options{})
	res2 := advance(t, e2, h2.all())
	require.True(t, res2.Done)
	require.Equal(t, []byte("no+else"), res2.Output)
}

func TestExecution_LoopSchedulesActivityPerIteration(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name:  "looper",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{
			{
				Kind: api.StepLoop,
				Name: "until-done",
				Cond: func(state []byte) bool { return string(state) != "done" },
				Body: []api.Step{activityStep("probe", "probe")},
			},
			appendStep("after", "+after"),
		},
	}

	var h historyBuilder
	h.started([]byte("start"))

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())
	require.Len(t, res.Commands, 1)
	require.Equal(t, int64(1), res.Commands[0].Seq)

	// First probe keeps the loop going.
	h.completed(1, "probe", []byte("again"))
	res = advance(t, e, h.all()[e.LastEventID():])
	require.Len(t, res.Commands, 1)
	require.Equal(t, int64(2), res.Commands[0].Seq)
	require.Equal(t, "probe", res.Commands[0].ActivityName)

	// Second probe ends it.
	h.completed(2, "probe", []byte("done"))
	res = advance(t, e, h.all()[e.LastEventID():])
	require.True(t, res.Done)
	require.Equal(t, []byte("done+after"), res.Output)
}

func TestExecution_CountedLoopIgnoresCondition(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name:  "thrice",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{
			{
				Kind:  api.StepLoop,
				Name:  "three-ticks",
				Times: 3,
				Body:  []api.Step{appendStep("tick", ".")},
			},
			appendStep("after", "!"),
		},
	}

	var h historyBuilder
	h.started([]byte("go"))

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())
	require.True(t, res.Done)
	require.Equal(t, []byte("go...!"), res.Output)
}

func TestExecution_LoopIterationBudgetFailsTheRun(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name:  "spinner",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{
			{
				Kind:          api.StepLoop,
				Name:          "forever",
				Cond:          func(state []byte) bool { return true },
				Body:          []api.Step{appendStep("tick", ".")},
				MaxIterations: 3,
			},
		},
	}

	var h historyBuilder
	h.started(nil)

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())

	require.True(t, res.Done)
	require.NotNil(t, res.Failure)
	require.Contains(t, res.Failure.Message, "forever")
}

func TestExecution_SignalBufferedBeforeAwaitIsConsumed(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name:  "sig",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{
			activityStep("work", "work"),
			{Kind: api.StepSignal, Name: "wait", Signal: "go"},
		},
	}

	var h historyBuilder
	h.started([]byte("in"))

	e := NewExecution(p, "run-1", Options{})
	advance(t, e, h.all())

	// The signal lands while the activity is still outstanding.
	h.signal("go", []byte("early"))
	res := advance(t, e, h.all()[e.LastEventID():])
	require.False(t, res.Done)

	h.completed(1, "work", []byte("w"))
	res = advance(t, e, h.all()[e.LastEventID():])
	require.True(t, res.Done)
	require.Equal(t, []byte("early"), res.Output)
}

func TestExecution_SignalNameMustMatch(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name:  "sig",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{{Kind: api.StepSignal, Name: "wait", Signal: "approved"}},
	}

	var h historyBuilder
	h.started(nil)
	h.signal("rejected", []byte("no"))

	e := NewExecution(p, "run-1", Options{})
	res := advance(t, e, h.all())
	require.False(t, res.Done)

	h.signal("approved", []byte("yes"))
	res = advance(t, e, h.all()[e.LastEventID():])
	require.True(t, res.Done)
	require.Equal(t, []byte("yes"), res.Output)
}

//
// Cold replay equivalence
//

// A cold execution fed the full history must reach the same suspension
// point and pending commands as the incrementally advanced one, for every
// prefix of the run.
func TestExecution_ColdReplayMatchesIncremental(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("in"))

	sticky := NewExecution(pipelineProgram(), "run-1", Options{})

	type snapshot struct {
		pending []api.Command
		done    bool
	}

	var snaps []snapshot
	record := func(res Result) {
		snaps = append(snaps, snapshot{pending: res.Commands, done: res.Done})
	}

	record(advance(t, sticky, h.all()))

	h.completed(1, "fetch", []byte("f"))
	record(advance(t, sticky, h.all()[sticky.LastEventID():]))

	h.fired(2)
	record(advance(t, sticky, h.all()[sticky.LastEventID():]))

	h.signal("go", []byte("g"))
	record(advance(t, sticky, h.all()[sticky.LastEventID():]))

	// Replay cold at every history prefix that ends on an event boundary
	// the sticky execution saw, and compare the pending command set.
	full := h.all()
	prefixEnds := []int{1, 2, 3, 4} // event IDs after each batch above
	for i, end := range prefixEnds {
		cold := NewExecution(pipelineProgram(), "run-1", Options{})
		res, err := cold.Advance(context.Background(), full[:end])
		require.NoError(t, err)

		require.Equal(t, snaps[i].done, res.Done, "prefix %d", end)
		require.Equal(t, snaps[i].pending, res.Commands, "prefix %d", end)
		require.Equal(t, int64(end), cold.LastEventID())
	}
}

//
// Nondeterminism detection
//

func TestExecution_DetectsChangedActivityName(t *testing.T) {
	t.Parallel()

	var h historyBuilder
	h.started([]byte("in"))
	h.completed(1, "fetch", []byte("f"))

	changed := pipelineProgram()
	changed.Steps[1] = activityStep("fetch", "fetch-v2")

	e := NewExecution(changed, "run-1", Options{})
	_, err := e.Advance(context.Background(), h.all())
	require.Error(t, err)

	ne, ok := api.IsNondeterminismError(err)
	require.True(t, ok)
	require.Equal(t, int64(1), ne.Seq)
	require.Contains(t, ne.Error(), "fetch-v2")
}

func TestExecution_DetectsKindMismatch(t *testing.T) {
	t.Parallel()

	// History recorded a timer resolution at seq 1, but the program now
	// awaits an activity there.
	var h historyBuilder
	h.started([]byte("in"))
	h.fired(1)

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	_, err := e.Advance(context.Background(), h.all())

	_, ok := api.IsNondeterminismError(err)
	require.True(t, ok)
}

func TestExecution_DetectsDroppedAwait(t *testing.T) {
	t.Parallel()

	// History holds resolutions through seq 2, but the program now
	// completes after a single await.
	var h historyBuilder
	h.started([]byte("in"))
	h.completed(1, "fetch", []byte("f"))
	h.fired(2)

	shortened := api.Program{
		Name:  "pipeline",
		Attrs: api.PartialAttributes{TaskQueue: "main"},
		Steps: []api.Step{activityStep("fetch", "fetch")},
	}

	e := NewExecution(shortened, "run-1", Options{})
	_, err := e.Advance(context.Background(), h.all())

	ne, ok := api.IsNondeterminismError(err)
	require.True(t, ok)
	require.Equal(t, int64(2), ne.Seq)
}

func TestExecution_DetectsSkippedResolution(t *testing.T) {
	t.Parallel()

	// History resolved seq 2 while seq 1 is still open: the program must
	// have lost an await in between.
	var h historyBuilder
	h.started([]byte("in"))
	h.add(api.Event{Type: api.EventActivityCompleted, Seq: 2, Name: "fetch", Payload: []byte("f")})

	e := NewExecution(pipelineProgram(), "run-1", Options{})
	_, err := e.Advance(context.Background(), h.all())

	ne, ok := api.IsNondeterminismError(err)
	require.True(t, ok)
	require.Equal(t, int64(2), ne.Seq)
}

//
// Attribute resolution hook
//

func TestExecution_UsesResolveActivityHook(t *testing.T) {
	t.Parallel()

	p := api.Program{
		Name: "routed",
		Steps: []api.Step{{
			Kind:     api.StepActivity,
			Name:     "call",
			Activity: "remote",
			Options:  api.PartialAttributes{Namespace: "ns-3"},
		}},
	}

	var gotName string
	var gotOpts api.PartialAttributes
	opts := Options{
		ResolveActivity: func(name string, options api.PartialAttributes) (api.Attributes, error) {
			gotName = name
			gotOpts = options
			return api.Attributes{Name: name, Namespace: options.Namespace, TaskQueue: "tq-2"}, nil
		},
	}

	var h historyBuilder
	h.started(nil)

	e := NewExecution(p, "run-1", opts)
	res := advance(t, e, h.all())

	require.Equal(t, "remote", gotName)
	require.Equal(t, "ns-3", gotOpts.Namespace)
	require.Len(t, res.Commands, 1)
	require.Equal(t, "ns-3", res.Commands[0].Namespace)
	require.Equal(t, "tq-2", res.Commands[0].TaskQueue)
}
