package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// ActivityInfo is a read-only snapshot of the executing activity task.
type ActivityInfo struct {
	ActivityName string
	Namespace    string
	TaskQueue    string

	// Attempt counts deliveries of this task, starting at 1.
	Attempt int

	// RunTimeout is the effective execution budget for this attempt.
	// Zero means unbounded.
	RunTimeout time.Duration
}

// ActivityContext is the per-task handle activity code uses to heartbeat,
// observe cancellation and inspect its own scheduling. It is bound to one
// task for that task's whole execution and is safe for concurrent use.
type ActivityContext struct {
	source   api.TaskSource
	observer api.Observer
	task     *api.Task
	info     ActivityInfo

	cancelled atomic.Bool
}

func newActivityContext(source api.TaskSource, observer api.Observer, task *api.Task, budget time.Duration) *ActivityContext {
	return &ActivityContext{
		source:   source,
		observer: observer,
		task:     task,
		info: ActivityInfo{
			ActivityName: task.ActivityName,
			Namespace:    task.Namespace,
			TaskQueue:    task.TaskQueue,
			Attempt:      task.Attempt,
			RunTimeout:   budget,
		},
	}
}

// Heartbeat records liveness with the task source and renews the task's
// lease. It returns api.ErrActivityCancelled once cancellation has been
// requested for the activity; cancellation is cooperative, so the
// activity decides whether to honor it. Long-running activities should
// heartbeat periodically, both to keep the lease alive and to observe
// cancellation promptly.
//
// Any other error usually means the lease was lost and the result of this
// attempt will be dropped; returning early is advisable.
func (a *ActivityContext) Heartbeat(ctx context.Context, details []byte) error {
	if a.cancelled.Load() {
		return api.ErrActivityCancelled
	}
	resp, err := a.source.Heartbeat(ctx, a.task.Token, details)
	if err != nil {
		return err
	}
	a.observer.OnHeartbeat(ctx, a.task, resp.CancelRequested)
	if resp.CancelRequested {
		a.cancelled.Store(true)
		return api.ErrActivityCancelled
	}
	return nil
}

// Cancelled reports whether a prior Heartbeat observed a cancellation
// request. It does not itself contact the source.
func (a *ActivityContext) Cancelled() bool { return a.cancelled.Load() }

// Info returns the task's scheduling snapshot.
func (a *ActivityContext) Info() ActivityInfo { return a.info }

type activityCtxKey struct{}

// ContextWithActivity returns a context carrying the activity handle.
// The worker attaches it before invoking an ActivityFunc.
func ContextWithActivity(ctx context.Context, a *ActivityContext) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, a)
}

// ActivityFromContext returns the ActivityContext of the executing
// activity task, or false when ctx does not belong to one.
func ActivityFromContext(ctx context.Context) (*ActivityContext, bool) {
	a, ok := ctx.Value(activityCtxKey{}).(*ActivityContext)
	return a, ok
}
