// Package source implements the task-source side of the runtime: durable
// run state, lease-based task queues and the Broker that ties them into an
// api.TaskSource workers can poll.
//
// The Broker is used two ways. In-process, it backs the local harness and
// the tests. Pointed at a shared store and queue (SQLite, Redis, Postgres,
// Mongo), it lets independent worker processes cooperate on the same runs:
// every state transition is an idempotent store or queue operation, so
// redelivered tasks and racing completions converge instead of corrupting
// history.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/internal/resolve"
	"github.com/petrijr/turno/pkg/api"
)

const (
	// DefaultLeaseTTL bounds how long a delivered task may go without
	// completion or heartbeat before it is redelivered.
	DefaultLeaseTTL = 30 * time.Second

	// awaitPollInterval is how often AwaitRun re-reads the store.
	awaitPollInterval = 20 * time.Millisecond
)

// Config configures a Broker.
type Config struct {
	Store persistence.RunStore
	Queue Queue

	// LeaseTTL is the lease granted per task delivery. Zero means
	// DefaultLeaseTTL.
	LeaseTTL time.Duration

	// Logger receives debug output. Nil means slog.Default().
	Logger *slog.Logger
}

// Broker owns run lifecycle and task delivery over a RunStore and a Queue.
// It implements api.TaskSource for workers and exposes the client surface
// (StartWorkflow, SignalWorkflow, ...) for applications.
type Broker struct {
	store    persistence.RunStore
	queue    Queue
	leaseTTL time.Duration
	logger   *slog.Logger
}

// Ensure Broker implements the worker-facing interface.
var _ api.TaskSource = (*Broker)(nil)

// NewBroker creates a Broker. Store and Queue are required.
func NewBroker(cfg Config) *Broker {
	if cfg.Store == nil {
		panic("source: Config.Store is required")
	}
	if cfg.Queue == nil {
		panic("source: Config.Queue is required")
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		store:    cfg.Store,
		queue:    cfg.Queue,
		leaseTTL: leaseTTL,
		logger:   logger,
	}
}

// StartWorkflow creates a new run of the named workflow and schedules its
// first workflow task. Namespace defaults when absent; a task queue must
// be resolvable from opts or the start fails with a ConfigurationError.
func (b *Broker) StartWorkflow(ctx context.Context, workflow string, input []byte, opts api.PartialAttributes) (*api.Run, error) {
	attrs, err := resolve.Merge(workflow, opts, api.PartialAttributes{}, api.PartialAttributes{}, api.PartialAttributes{})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run := &api.Run{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Namespace: attrs.Namespace,
		TaskQueue: attrs.TaskQueue,
		Status:    api.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := b.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if _, err := b.store.AppendEvents(ctx, run.ID, []api.Event{
		{Type: api.EventWorkflowStarted, Payload: input},
	}); err != nil {
		return nil, err
	}
	if err := b.wakeWorkflow(ctx, run); err != nil {
		return nil, err
	}

	b.logger.Debug("workflow started",
		"run_id", run.ID,
		"workflow", workflow,
		"namespace", run.Namespace,
		"task_queue", run.TaskQueue,
	)
	return run, nil
}

// SignalWorkflow delivers a named signal to a running workflow. Signaling
// a completed or failed run is an error.
func (b *Broker) SignalWorkflow(ctx context.Context, runID, name string, payload []byte) error {
	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Done() {
		return fmt.Errorf("signal %q: run %s is %s", name, runID, run.Status)
	}

	if _, err := b.store.AppendEvents(ctx, runID, []api.Event{
		{Type: api.EventSignalReceived, Name: name, Payload: payload},
	}); err != nil {
		return err
	}
	return b.wakeWorkflow(ctx, run)
}

// RequestActivityCancel flags the activity identified by its schedule
// sequence for cooperative cancellation. The running activity observes the
// flag on its next heartbeat.
func (b *Broker) RequestActivityCancel(ctx context.Context, runID string, seq int64) error {
	return b.store.SetCancelRequested(ctx, runID, seq)
}

// GetRun returns the current state of a run.
func (b *Broker) GetRun(ctx context.Context, runID string) (*api.Run, error) {
	return b.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (b *Broker) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	return b.store.ListRuns(ctx, filter)
}

// AwaitRun blocks until the run reaches a terminal status or ctx ends.
func (b *Broker) AwaitRun(ctx context.Context, runID string) (*api.Run, error) {
	for {
		run, err := b.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Done() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(awaitPollInterval):
		}
	}
}

// PollWorkflowTask blocks until a workflow task is available on the queue
// or ctx ends. Tasks for runs that reached a terminal status in the
// meantime are consumed silently.
func (b *Broker) PollWorkflowTask(ctx context.Context, namespace, taskQueue string) (*api.Task, error) {
	key := QueueKey(namespace, taskQueue, api.TaskKindWorkflow)

	for {
		claim := uuid.NewString()
		rec, err := b.queue.Dequeue(ctx, key, claim, b.leaseTTL)
		if err != nil {
			return nil, err
		}

		run, err := b.store.GetRun(ctx, rec.RunID)
		if errors.Is(err, persistence.ErrRunNotFound) {
			// An orphaned record would otherwise redeliver forever.
			if err := b.dropRecord(ctx, rec.ID, claim); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if run.Done() {
			// Stale wakeup or timer for a finished run.
			if err := b.dropRecord(ctx, rec.ID, claim); err != nil {
				return nil, err
			}
			continue
		}

		// A pending-timer record fires here: recording the event is
		// idempotent, so a redelivered timer cannot fire twice.
		if rec.Seq > 0 {
			if _, err := b.store.AppendEvents(ctx, rec.RunID, []api.Event{
				{Type: api.EventTimerFired, Seq: rec.Seq},
			}); err != nil {
				return nil, err
			}
		}

		history, err := b.store.ListEvents(ctx, rec.RunID)
		if err != nil {
			return nil, err
		}

		token, err := encodeToken(taskToken{
			RecordID: rec.ID,
			Owner:    claim,
			Key:      key,
			Kind:     api.TaskKindWorkflow,
			RunID:    rec.RunID,
			Attempt:  rec.Attempt,
		})
		if err != nil {
			return nil, err
		}

		return &api.Task{
			Token:        token,
			Kind:         api.TaskKindWorkflow,
			Namespace:    namespace,
			TaskQueue:    taskQueue,
			Attempt:      rec.Attempt,
			RunID:        rec.RunID,
			WorkflowName: run.Workflow,
			History:      history,
		}, nil
	}
}

// PollActivityTask blocks until an activity task is available on the queue
// or ctx ends.
func (b *Broker) PollActivityTask(ctx context.Context, namespace, taskQueue string) (*api.Task, error) {
	key := QueueKey(namespace, taskQueue, api.TaskKindActivity)

	for {
		claim := uuid.NewString()
		rec, err := b.queue.Dequeue(ctx, key, claim, b.leaseTTL)
		if err != nil {
			return nil, err
		}

		run, err := b.store.GetRun(ctx, rec.RunID)
		if errors.Is(err, persistence.ErrRunNotFound) {
			if err := b.dropRecord(ctx, rec.ID, claim); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if run.Done() {
			// The run ended while the activity sat queued; drop it.
			if err := b.dropRecord(ctx, rec.ID, claim); err != nil {
				return nil, err
			}
			continue
		}

		// A record past its schedule-to-close deadline gets no further
		// attempts, even if it never ran. Recording the failure is
		// idempotent per sequence; a crash before the drop just repeats
		// this block on redelivery.
		if !rec.ExecutionDeadline.IsZero() && !time.Now().Before(rec.ExecutionDeadline) {
			if _, err := b.store.AppendEvents(ctx, rec.RunID, []api.Event{
				{Type: api.EventActivityFailed, Seq: rec.Seq, Name: rec.ActivityName, Failure: &api.Failure{
					Kind:         api.ErrorKindTimeout,
					Message:      fmt.Sprintf("activity %q: execution timeout elapsed", rec.ActivityName),
					NonRetriable: true,
				}},
			}); err != nil {
				return nil, err
			}
			if err := b.wakeWorkflow(ctx, run); err != nil {
				return nil, err
			}
			if err := b.dropRecord(ctx, rec.ID, claim); err != nil {
				return nil, err
			}
			continue
		}

		token, err := encodeToken(taskToken{
			RecordID:          rec.ID,
			Owner:             claim,
			Key:               key,
			Kind:              api.TaskKindActivity,
			RunID:             rec.RunID,
			Seq:               rec.Seq,
			ActivityName:      rec.ActivityName,
			Attempt:           rec.Attempt,
			ExecutionDeadline: rec.ExecutionDeadline,
			Retry:             rec.Retry,
		})
		if err != nil {
			return nil, err
		}

		return &api.Task{
			Token:        token,
			Kind:         api.TaskKindActivity,
			Namespace:    namespace,
			TaskQueue:    taskQueue,
			Attempt:      rec.Attempt,
			RunID:        rec.RunID,
			ActivityName: rec.ActivityName,
			Input:        rec.Input,
			RunTimeout:   rec.RunTimeout,
		}, nil
	}
}

// CompleteWorkflowTask applies the commands produced by a workflow task
// and acknowledges the task. Scheduling commands are deduplicated by
// sequence number, so replays and redeliveries are safe to complete.
func (b *Broker) CompleteWorkflowTask(ctx context.Context, token []byte, commands []api.Command) error {
	tok, err := decodeToken(token)
	if err != nil {
		return err
	}
	if tok.Kind != api.TaskKindWorkflow {
		return fmt.Errorf("token is for a %s task", tok.Kind)
	}

	// Renewing first rejects completions of expired leases before any
	// command takes effect.
	if err := b.queue.RenewLease(ctx, tok.RecordID, tok.Owner, b.leaseTTL); err != nil {
		return err
	}

	for _, cmd := range commands {
		if err := b.applyCommand(ctx, tok, cmd); err != nil {
			return err
		}
	}

	return b.queue.Ack(ctx, tok.RecordID, tok.Owner)
}

func (b *Broker) applyCommand(ctx context.Context, tok *taskToken, cmd api.Command) error {
	switch cmd.Type {
	case api.CommandScheduleActivity:
		// The schedule-to-close deadline is fixed at first schedule.
		// Re-emitted commands deduplicate on the record ID, so replays
		// cannot extend it.
		var deadline time.Time
		if cmd.ExecutionTimeout > 0 {
			deadline = time.Now().Add(cmd.ExecutionTimeout)
		}
		return b.queue.Enqueue(ctx, Record{
			ID:                activityRecordID(tok.RunID, cmd.Seq),
			Key:               QueueKey(cmd.Namespace, cmd.TaskQueue, api.TaskKindActivity),
			Kind:              api.TaskKindActivity,
			RunID:             tok.RunID,
			Seq:               cmd.Seq,
			ActivityName:      cmd.ActivityName,
			Input:             cmd.Input,
			RunTimeout:        cmd.RunTimeout,
			ExecutionDeadline: deadline,
			Retry:             cmd.Retry,
		})

	case api.CommandStartTimer:
		// The timer lives in the run's own workflow queue; whoever
		// dequeues it after NotBefore records the firing.
		return b.queue.Enqueue(ctx, Record{
			ID:        timerRecordID(tok.RunID, cmd.Seq),
			Key:       tok.Key,
			Kind:      api.TaskKindWorkflow,
			RunID:     tok.RunID,
			Seq:       cmd.Seq,
			NotBefore: time.Now().Add(cmd.Duration),
		})

	case api.CommandCompleteWorkflow:
		return b.finishRun(ctx, tok.RunID, func(run *api.Run) {
			run.Status = api.RunStatusCompleted
			run.Output = cmd.Output
		})

	case api.CommandFailWorkflow:
		return b.finishRun(ctx, tok.RunID, func(run *api.Run) {
			run.Status = api.RunStatusFailed
			run.Failure = cmd.Failure
		})

	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// finishRun moves a run to a terminal status. Runs already terminal are
// left untouched so racing completions cannot flip the outcome.
func (b *Broker) finishRun(ctx context.Context, runID string, apply func(*api.Run)) error {
	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Done() {
		return nil
	}

	apply(run)
	run.UpdatedAt = time.Now()
	if err := b.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	b.logger.Debug("run finished",
		"run_id", run.ID,
		"workflow", run.Workflow,
		"status", string(run.Status),
	)
	return nil
}

// CompleteActivityTask records an activity outcome. Failures are retried
// by rescheduling the record with backoff while the retry policy allows;
// the final failure is appended to history and wakes the workflow.
func (b *Broker) CompleteActivityTask(ctx context.Context, token []byte, result *api.ActivityResult) error {
	tok, err := decodeToken(token)
	if err != nil {
		return err
	}
	if tok.Kind != api.TaskKindActivity {
		return fmt.Errorf("token is for a %s task", tok.Kind)
	}
	if result == nil {
		return fmt.Errorf("nil activity result")
	}

	if err := b.queue.RenewLease(ctx, tok.RecordID, tok.Owner, b.leaseTTL); err != nil {
		return err
	}

	run, err := b.store.GetRun(ctx, tok.RunID)
	if err != nil {
		return err
	}

	if result.Failure == nil {
		if _, err := b.store.AppendEvents(ctx, tok.RunID, []api.Event{
			{Type: api.EventActivityCompleted, Seq: tok.Seq, Name: tok.ActivityName, Payload: result.Output},
		}); err != nil {
			return err
		}
		if err := b.wakeWorkflow(ctx, run); err != nil {
			return err
		}
		return b.queue.Ack(ctx, tok.RecordID, tok.Owner)
	}

	policy := tok.Retry
	if policy == nil {
		policy = api.DefaultRetryPolicy()
	}

	if retryActivity(policy, result.Failure, tok.Attempt) {
		delay := policy.BackoffFor(tok.Attempt)
		next := time.Now().Add(delay)
		// A retry that could not start before the schedule-to-close
		// deadline is not scheduled; the failure below becomes final.
		if tok.ExecutionDeadline.IsZero() || next.Before(tok.ExecutionDeadline) {
			b.logger.Debug("activity retry scheduled",
				"run_id", tok.RunID,
				"activity", tok.ActivityName,
				"attempt", tok.Attempt,
				"delay", delay,
			)
			return b.queue.Nack(ctx, tok.RecordID, tok.Owner, next)
		}
	}

	if _, err := b.store.AppendEvents(ctx, tok.RunID, []api.Event{
		{Type: api.EventActivityFailed, Seq: tok.Seq, Name: tok.ActivityName, Failure: result.Failure},
	}); err != nil {
		return err
	}
	if err := b.wakeWorkflow(ctx, run); err != nil {
		return err
	}
	return b.queue.Ack(ctx, tok.RecordID, tok.Owner)
}

// Heartbeat records activity liveness, extends the task lease and reports
// whether cancellation has been requested. A lost lease is reported as
// ErrLeaseLost so the activity can stop early.
func (b *Broker) Heartbeat(ctx context.Context, token []byte, details []byte) (api.HeartbeatResponse, error) {
	tok, err := decodeToken(token)
	if err != nil {
		return api.HeartbeatResponse{}, err
	}
	if tok.Kind != api.TaskKindActivity {
		return api.HeartbeatResponse{}, fmt.Errorf("token is for a %s task", tok.Kind)
	}

	if err := b.queue.RenewLease(ctx, tok.RecordID, tok.Owner, b.leaseTTL); err != nil {
		return api.HeartbeatResponse{}, err
	}

	cancelRequested, err := b.store.RecordHeartbeat(ctx, tok.RunID, tok.Seq, details)
	if err != nil {
		return api.HeartbeatResponse{}, err
	}
	return api.HeartbeatResponse{CancelRequested: cancelRequested}, nil
}

// dropRecord acks a record the poll loop will not serve. Losing the race
// to another claimant is fine, the record is gone either way.
func (b *Broker) dropRecord(ctx context.Context, id, owner string) error {
	if err := b.queue.Ack(ctx, id, owner); err != nil && !errors.Is(err, ErrLeaseLost) {
		return err
	}
	return nil
}

// wakeWorkflow enqueues a workflow task so the run gets advanced. Every
// wakeup uses a fresh ID: the record is cheap, and a deduplicated wakeup
// could race a task that read history before the triggering event.
func (b *Broker) wakeWorkflow(ctx context.Context, run *api.Run) error {
	if run.Done() {
		return nil
	}
	return b.queue.Enqueue(ctx, Record{
		ID:    run.ID + "/wake-" + uuid.NewString(),
		Key:   QueueKey(run.Namespace, run.TaskQueue, api.TaskKindWorkflow),
		Kind:  api.TaskKindWorkflow,
		RunID: run.ID,
	})
}

// retryActivity decides whether a failed attempt gets another delivery.
// Cancellation is never retried; the source honors the worker's
// NonRetriable classification unconditionally.
func retryActivity(policy *api.RetryPolicy, failure *api.Failure, attempt int) bool {
	if failure.NonRetriable {
		return false
	}
	if failure.Kind == api.ErrorKindCancelled {
		return false
	}
	if !policy.Retriable(failure.Kind) {
		return false
	}
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		return false
	}
	return true
}

func activityRecordID(runID string, seq int64) string {
	return fmt.Sprintf("%s/activity-%d", runID, seq)
}

func timerRecordID(runID string, seq int64) string {
	return fmt.Sprintf("%s/timer-%d", runID, seq)
}
