package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	workerStarts int
	workerStops  int
	taskStarts   int
	taskDones    int
	pollErrors   int
	lookups      int
	evictions    int
	heartbeats   int

	lastStop struct {
		Identity string
		Forced   bool
	}
	lastTaskDone struct {
		Task     *Task
		Err      error
		Duration time.Duration
	}
	lastLookup struct {
		RunID string
		Hit   bool
	}
}

func (o *testObserver) OnWorkerStart(ctx context.Context, identity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workerStarts++
}

func (o *testObserver) OnWorkerStop(ctx context.Context, identity string, forced bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workerStops++
	o.lastStop.Identity = identity
	o.lastStop.Forced = forced
}

func (o *testObserver) OnTaskStart(ctx context.Context, task *Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskStarts++
}

func (o *testObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskDones++
	o.lastTaskDone.Task = task
	o.lastTaskDone.Err = err
	o.lastTaskDone.Duration = d
}

func (o *testObserver) OnPollError(ctx context.Context, kind TaskKind, namespace, taskQueue string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pollErrors++
}

func (o *testObserver) OnStickyLookup(ctx context.Context, runID string, hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lookups++
	o.lastLookup.RunID = runID
	o.lastLookup.Hit = hit
}

func (o *testObserver) OnStickyEvict(ctx context.Context, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions++
}

func (o *testObserver) OnHeartbeat(ctx context.Context, task *Task, cancelRequested bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heartbeats++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy to avoid reuse issues.
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Not needed for tests; just return itself.
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	// Not needed for tests.
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestTask() *Task {
	return &Task{
		Kind:      TaskKindActivity,
		Namespace: "default",
		TaskQueue: "main",
		RunID:     "run-123",

		ActivityName: "charge-card",
		Attempt:      1,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	task := newTestTask()
	var o Observer = NoopObserver{}

	// These calls should simply not panic.
	o.OnWorkerStart(ctx, "worker-1")
	o.OnWorkerStop(ctx, "worker-1", false)
	o.OnTaskStart(ctx, task)
	o.OnTaskCompleted(ctx, task, errors.New("boom"), time.Second)
	o.OnPollError(ctx, TaskKindWorkflow, "default", "main", errors.New("down"))
	o.OnStickyLookup(ctx, "run-123", true)
	o.OnStickyEvict(ctx, "run-123")
	o.OnHeartbeat(ctx, task, false)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestNewCompositeObserver_MultipleReturnsComposite(t *testing.T) {
	o1 := &testObserver{}
	o2 := &testObserver{}
	o := NewCompositeObserver(o1, o2)

	if _, ok := o.(*CompositeObserver); !ok {
		t.Fatalf("expected *CompositeObserver, got %T", o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	task := newTestTask()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("task failed")
	co.OnWorkerStart(ctx, "worker-1")
	co.OnWorkerStop(ctx, "worker-1", true)
	co.OnTaskStart(ctx, task)
	co.OnTaskCompleted(ctx, task, err, 2*time.Second)
	co.OnPollError(ctx, TaskKindActivity, "default", "main", err)
	co.OnStickyLookup(ctx, "run-123", true)
	co.OnStickyEvict(ctx, "run-123")
	co.OnHeartbeat(ctx, task, true)

	for i, o := range []*testObserver{o1, o2} {
		if o.workerStarts != 1 || o.workerStops != 1 || o.taskStarts != 1 || o.taskDones != 1 ||
			o.pollErrors != 1 || o.lookups != 1 || o.evictions != 1 || o.heartbeats != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStop.Identity != "worker-1" || !o.lastStop.Forced {
			t.Fatalf("observer %d stop mismatch: %+v", i+1, o.lastStop)
		}
		if o.lastTaskDone.Task != task || o.lastTaskDone.Err != err || o.lastTaskDone.Duration != 2*time.Second {
			t.Fatalf("observer %d taskDone mismatch: %+v", i+1, o.lastTaskDone)
		}
		if o.lastLookup.RunID != "run-123" || !o.lastLookup.Hit {
			t.Fatalf("observer %d lookup mismatch: %+v", i+1, o.lastLookup)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnWorkerStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()

	h := &recordingHandler{}
	logger := slog.New(h)
	o := NewLoggingObserver(logger)

	o.OnWorkerStart(ctx, "worker-1")

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}

	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "worker_start" {
		t.Fatalf("expected message worker_start, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["identity"] != "worker-1" {
		t.Fatalf("expected identity=worker-1, got %v", attrs["identity"])
	}
}

func TestLoggingObserver_OnTaskCompleted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()
	task := newTestTask()

	h := &recordingHandler{}
	logger := slog.New(h)
	o := NewLoggingObserver(logger)

	// success
	o.OnTaskCompleted(ctx, task, nil, time.Second)
	// failure
	err := errors.New("boom")
	o.OnTaskCompleted(ctx, task, err, 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}

	successRec := h.records[0]
	failRec := h.records[1]

	if successRec.Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", successRec.Level)
	}
	if failRec.Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", failRec.Level)
	}
	if successRec.Message != "task_completed" || failRec.Message != "task_completed" {
		t.Fatalf("expected task_completed messages, got %q and %q", successRec.Message, failRec.Message)
	}

	attrs := attrsToMap(failRec)
	if attrs["run_id"] != task.RunID {
		t.Fatalf("expected run_id=%q, got %v", task.RunID, attrs["run_id"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_TaskCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	task := newTestTask()

	// 3 started, 1 completed, 1 failed.
	m.OnTaskStart(ctx, task)
	m.OnTaskStart(ctx, task)
	m.OnTaskStart(ctx, task)

	m.OnTaskCompleted(ctx, task, nil, time.Second)
	m.OnTaskCompleted(ctx, task, errors.New("fail"), 10*time.Second)

	m.OnPollError(ctx, TaskKindWorkflow, "default", "main", errors.New("down"))
	m.OnStickyLookup(ctx, "run-1", true)
	m.OnStickyLookup(ctx, "run-2", false)
	m.OnStickyEvict(ctx, "run-1")
	m.OnHeartbeat(ctx, task, false)

	snap := m.Snapshot()

	if snap.TasksStarted != 3 {
		t.Fatalf("TasksStarted=%d, want 3", snap.TasksStarted)
	}
	if snap.TasksCompleted != 1 {
		t.Fatalf("TasksCompleted=%d, want 1", snap.TasksCompleted)
	}
	if snap.TasksFailed != 1 {
		t.Fatalf("TasksFailed=%d, want 1", snap.TasksFailed)
	}
	if snap.PollErrors != 1 {
		t.Fatalf("PollErrors=%d, want 1", snap.PollErrors)
	}
	if snap.StickyLookups != 2 || snap.StickyHits != 1 {
		t.Fatalf("sticky lookups=%d hits=%d, want 2/1", snap.StickyLookups, snap.StickyHits)
	}
	if snap.StickyEvictions != 1 {
		t.Fatalf("StickyEvictions=%d, want 1", snap.StickyEvictions)
	}
	if snap.Heartbeats != 1 {
		t.Fatalf("Heartbeats=%d, want 1", snap.Heartbeats)
	}
}

func TestBasicMetrics_OnTaskCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	task := newTestTask()

	// two successful tasks: 1s and 3s
	m.OnTaskCompleted(ctx, task, nil, 1*time.Second)
	m.OnTaskCompleted(ctx, task, nil, 3*time.Second)

	// one failing task, should NOT affect the average
	err := errors.New("fail")
	m.OnTaskCompleted(ctx, task, err, 10*time.Second)

	snap := m.Snapshot()

	if snap.TasksCompleted != 2 {
		t.Fatalf("TasksCompleted=%d, want 2", snap.TasksCompleted)
	}

	wantAvg := 2 * time.Second // (1s + 3s) / 2
	if snap.AvgTaskDuration != wantAvg {
		t.Fatalf("AvgTaskDuration=%v, want %v", snap.AvgTaskDuration, wantAvg)
	}
}

func TestBasicMetrics_SnapshotZeroTasksHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	snap := m.Snapshot()
	if snap.TasksCompleted != 0 {
		t.Fatalf("TasksCompleted=%d, want 0", snap.TasksCompleted)
	}
	if snap.AvgTaskDuration != 0 {
		t.Fatalf("AvgTaskDuration=%v, want 0", snap.AvgTaskDuration)
	}
}
