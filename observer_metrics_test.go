package turno

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWorkerWithObserverAndBasicMetrics verifies that:
//   - WorkerConfig.Observer is usable from the public API
//   - BasicMetrics sees the expected task and sticky cache counts
//   - The builder and harness helpers work end-to-end without external infra.
func TestWorkerWithObserverAndBasicMetrics(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics := &BasicMetrics{}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	observer := NewCompositeObserver(
		NewLoggingObserver(logger),
		metrics,
	)

	h := NewLocalHarness()
	w, err := NewWorker(WorkerConfig{
		Source:      h.Source,
		TaskQueue:   "main",
		PollTimeout: 200 * time.Millisecond,
		Logger:      quietLogger(),
		Observer:    observer,
	})
	require.NoError(t, err)

	require.NoError(t, w.RegisterActivity("work", func(ctx context.Context, input []byte) ([]byte, error) {
		time.Sleep(1 * time.Millisecond)
		return input, nil
	}))

	// One activity plus one compute step: three tasks in total, two
	// workflow tasks around one activity task.
	NewWorkflow("observed-flow").
		Activity("work").
		Step("wrap", appendByte('.')).
		MustRegister(w)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = w.Stop(stopCtx)
	})

	run, err := h.StartWorkflow(ctx, "observed-flow", []byte("in"), PartialAttributes{TaskQueue: "main"})
	require.NoError(t, err)

	done, err := h.AwaitCompletion(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, done.Status)
	require.Equal(t, "in.", string(done.Output))

	// Callbacks for the final workflow task land shortly after the run
	// flips to completed.
	require.Eventually(t, func() bool {
		snap := metrics.Snapshot()
		return snap.TasksCompleted == 3 && snap.StickyEvictions == 1
	}, 2*time.Second, 10*time.Millisecond, "expected 3 completed tasks and 1 eviction")

	snap := metrics.Snapshot()
	require.Equal(t, int64(3), snap.TasksStarted, "expected 2 workflow tasks and 1 activity task")
	require.Equal(t, int64(3), snap.TasksCompleted)
	require.Equal(t, int64(0), snap.TasksFailed)
	require.Equal(t, int64(0), snap.PollErrors)
	require.Equal(t, int64(2), snap.StickyLookups, "expected one lookup per workflow task")
	require.Equal(t, int64(1), snap.StickyHits, "expected the second workflow task to hit the cache")
	require.Equal(t, int64(1), snap.StickyEvictions, "expected the completed run to be evicted")
	require.Greater(t, snap.AvgTaskDuration, time.Duration(0), "expected AvgTaskDuration > 0")
}

// TestWorkerWithNilLoggerObserver ensures that NewLoggingObserver(nil) is
// safe to use (it falls back to slog.Default) and that workflows still run
// successfully.
func TestWorkerWithNilLoggerObserver(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics := &BasicMetrics{}

	observer := NewCompositeObserver(
		NewLoggingObserver(nil), // should not panic or misbehave
		metrics,
	)

	h := NewLocalHarness()
	w, err := NewWorker(WorkerConfig{
		Source:      h.Source,
		TaskQueue:   "main",
		PollTimeout: 200 * time.Millisecond,
		Logger:      quietLogger(),
		Observer:    observer,
	})
	require.NoError(t, err)

	NewWorkflow("nil-logger-flow").
		Step("only-step", appendByte('!')).
		MustRegister(w)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = w.Stop(stopCtx)
	})

	run, err := h.StartWorkflow(ctx, "nil-logger-flow", nil, PartialAttributes{TaskQueue: "main"})
	require.NoError(t, err)

	done, err := h.AwaitCompletion(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, done.Status)

	require.Eventually(t, func() bool {
		return metrics.Snapshot().TasksCompleted == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := metrics.Snapshot()
	require.Equal(t, int64(1), snap.TasksStarted)
	require.Equal(t, int64(0), snap.TasksFailed)
}
