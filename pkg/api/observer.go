package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the worker runtime for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task execution.
type Observer interface {
	// OnWorkerStart is called once when a worker transitions to running,
	// after its pollers have been launched.
	OnWorkerStart(ctx context.Context, identity string)

	// OnWorkerStop is called once when a worker reaches stopped.
	// forced reports whether the drain timeout elapsed with tasks still
	// in flight.
	OnWorkerStop(ctx context.Context, identity string, forced bool)

	// OnTaskStart is called when a leased task begins executing on a
	// slot.
	OnTaskStart(ctx context.Context, task *Task)

	// OnTaskCompleted is called after a task finishes, for both successes
	// and failures (err != nil).
	OnTaskCompleted(ctx context.Context, task *Task, err error, duration time.Duration)

	// OnPollError is called when a poll attempt fails at the transport
	// level. Empty polls do not trigger it.
	OnPollError(ctx context.Context, kind TaskKind, namespace, taskQueue string, err error)

	// OnStickyLookup is called for each workflow task after the sticky
	// cache was consulted for its run.
	OnStickyLookup(ctx context.Context, runID string, hit bool)

	// OnStickyEvict is called when a cached execution is dropped, either
	// by capacity pressure or because its run ended.
	OnStickyEvict(ctx context.Context, runID string)

	// OnHeartbeat is called after an activity heartbeat round-trip.
	OnHeartbeat(ctx context.Context, task *Task, cancelRequested bool)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkerStart(ctx context.Context, identity string)               {}
func (NoopObserver) OnWorkerStop(ctx context.Context, identity string, forced bool)   {}
func (NoopObserver) OnTaskStart(ctx context.Context, task *Task)                      {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
}
func (NoopObserver) OnPollError(ctx context.Context, kind TaskKind, namespace, taskQueue string, err error) {
}
func (NoopObserver) OnStickyLookup(ctx context.Context, runID string, hit bool) {}
func (NoopObserver) OnStickyEvict(ctx context.Context, runID string)            {}
func (NoopObserver) OnHeartbeat(ctx context.Context, task *Task, cancelRequested bool) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkerStart(ctx context.Context, identity string) {
	for _, o := range c.observers {
		o.OnWorkerStart(ctx, identity)
	}
}

func (c *CompositeObserver) OnWorkerStop(ctx context.Context, identity string, forced bool) {
	for _, o := range c.observers {
		o.OnWorkerStop(ctx, identity, forced)
	}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, task *Task) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, task)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, task, err, d)
	}
}

func (c *CompositeObserver) OnPollError(ctx context.Context, kind TaskKind, namespace, taskQueue string, err error) {
	for _, o := range c.observers {
		o.OnPollError(ctx, kind, namespace, taskQueue, err)
	}
}

func (c *CompositeObserver) OnStickyLookup(ctx context.Context, runID string, hit bool) {
	for _, o := range c.observers {
		o.OnStickyLookup(ctx, runID, hit)
	}
}

func (c *CompositeObserver) OnStickyEvict(ctx context.Context, runID string) {
	for _, o := range c.observers {
		o.OnStickyEvict(ctx, runID)
	}
}

func (c *CompositeObserver) OnHeartbeat(ctx context.Context, task *Task, cancelRequested bool) {
	for _, o := range c.observers {
		o.OnHeartbeat(ctx, task, cancelRequested)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs worker and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkerStart(ctx context.Context, identity string) {
	o.Logger.InfoContext(ctx, "worker_start",
		slog.String("identity", identity),
	)
}

func (o *LoggingObserver) OnWorkerStop(ctx context.Context, identity string, forced bool) {
	o.Logger.InfoContext(ctx, "worker_stop",
		slog.String("identity", identity),
		slog.Bool("forced", forced),
	)
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, task *Task) {
	o.Logger.DebugContext(ctx, "task_start",
		slog.String("kind", string(task.Kind)),
		slog.String("task_queue", task.Namespace+"/"+task.TaskQueue),
		slog.String("run_id", task.RunID),
		slog.String("activity", task.ActivityName),
		slog.Int("attempt", task.Attempt),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("kind", string(task.Kind)),
		slog.String("task_queue", task.Namespace+"/"+task.TaskQueue),
		slog.String("run_id", task.RunID),
		slog.String("activity", task.ActivityName),
		slog.Int("attempt", task.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnPollError(ctx context.Context, kind TaskKind, namespace, taskQueue string, err error) {
	o.Logger.WarnContext(ctx, "poll_error",
		slog.String("kind", string(kind)),
		slog.String("task_queue", namespace+"/"+taskQueue),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStickyLookup(ctx context.Context, runID string, hit bool) {
	o.Logger.DebugContext(ctx, "sticky_lookup",
		slog.String("run_id", runID),
		slog.Bool("hit", hit),
	)
}

func (o *LoggingObserver) OnStickyEvict(ctx context.Context, runID string) {
	o.Logger.DebugContext(ctx, "sticky_evict",
		slog.String("run_id", runID),
	)
}

func (o *LoggingObserver) OnHeartbeat(ctx context.Context, task *Task, cancelRequested bool) {
	o.Logger.DebugContext(ctx, "heartbeat",
		slog.String("run_id", task.RunID),
		slog.String("activity", task.ActivityName),
		slog.Bool("cancel_requested", cancelRequested),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksStarted      atomic.Int64
	tasksCompleted    atomic.Int64
	tasksFailed       atomic.Int64
	pollErrors        atomic.Int64
	stickyLookups     atomic.Int64
	stickyHits        atomic.Int64
	stickyEvictions   atomic.Int64
	heartbeats        atomic.Int64
	totalTaskDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksStarted   int64
	TasksCompleted int64
	TasksFailed    int64
	PollErrors     int64

	StickyLookups   int64
	StickyHits      int64
	StickyEvictions int64
	Heartbeats      int64

	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnTaskStart(ctx context.Context, task *Task) {
	m.tasksStarted.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
	if err != nil {
		m.tasksFailed.Add(1)
		return
	}
	m.tasksCompleted.Add(1)
	m.totalTaskDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnPollError(ctx context.Context, kind TaskKind, namespace, taskQueue string, err error) {
	m.pollErrors.Add(1)
}

func (m *BasicMetrics) OnStickyLookup(ctx context.Context, runID string, hit bool) {
	m.stickyLookups.Add(1)
	if hit {
		m.stickyHits.Add(1)
	}
}

func (m *BasicMetrics) OnStickyEvict(ctx context.Context, runID string) {
	m.stickyEvictions.Add(1)
}

func (m *BasicMetrics) OnHeartbeat(ctx context.Context, task *Task, cancelRequested bool) {
	m.heartbeats.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.tasksCompleted.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		TasksStarted:    m.tasksStarted.Load(),
		TasksCompleted:  completed,
		TasksFailed:     m.tasksFailed.Load(),
		PollErrors:      m.pollErrors.Load(),
		StickyLookups:   m.stickyLookups.Load(),
		StickyHits:      m.stickyHits.Load(),
		StickyEvictions: m.stickyEvictions.Load(),
		Heartbeats:      m.heartbeats.Load(),
		AvgTaskDuration: avg,
	}
}
