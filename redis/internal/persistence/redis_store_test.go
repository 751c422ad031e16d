package persistence

import (
	"time"

	corep "github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/pkg/api"
)

func (r *RedisStoreTestSuite) newRun(id, workflow string) *api.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &api.Run{
		ID:        id,
		Workflow:  workflow,
		Namespace: "default",
		TaskQueue: "main",
		Status:    api.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *RedisStoreTestSuite) TestRedisRunStore_CreateGetUpdate() {
	run := r.newRun("redis-run-1", "wf-test")

	r.Require().NoError(r.store.CreateRun(r.ctx, run))

	// Duplicate IDs are rejected.
	err := r.store.CreateRun(r.ctx, r.newRun("redis-run-1", "wf-other"))
	r.ErrorIs(err, corep.ErrRunExists)

	got, err := r.store.GetRun(r.ctx, "redis-run-1")
	r.Require().NoError(err)
	r.Equal(run.ID, got.ID)
	r.Equal(run.Workflow, got.Workflow)
	r.Equal(run.Namespace, got.Namespace)
	r.Equal(run.TaskQueue, got.TaskQueue)
	r.Equal(api.RunStatusRunning, got.Status)
	r.True(run.CreatedAt.Equal(got.CreatedAt), "CreatedAt should round-trip")

	got.Status = api.RunStatusCompleted
	got.Output = []byte("done")
	got.UpdatedAt = time.Now().UTC()
	r.Require().NoError(r.store.UpdateRun(r.ctx, got))

	got2, err := r.store.GetRun(r.ctx, "redis-run-1")
	r.Require().NoError(err)
	r.Equal(api.RunStatusCompleted, got2.Status)
	r.Equal([]byte("done"), got2.Output)

	_, err = r.store.GetRun(r.ctx, "no-such-run")
	r.ErrorIs(err, corep.ErrRunNotFound)

	err = r.store.UpdateRun(r.ctx, r.newRun("no-such-run", "wf-test"))
	r.ErrorIs(err, corep.ErrRunNotFound)
}

func (r *RedisStoreTestSuite) TestRedisRunStore_UpdatePreservesFailure() {
	run := r.newRun("redis-run-fail", "wf-test")
	r.Require().NoError(r.store.CreateRun(r.ctx, run))

	run.Status = api.RunStatusFailed
	run.Failure = &api.Failure{
		Kind:         api.ErrorKindTimeout,
		Message:      "activity timed out",
		NonRetriable: true,
	}
	r.Require().NoError(r.store.UpdateRun(r.ctx, run))

	got, err := r.store.GetRun(r.ctx, "redis-run-fail")
	r.Require().NoError(err)
	r.Require().NotNil(got.Failure)
	r.Equal(api.ErrorKindTimeout, got.Failure.Kind)
	r.Equal("activity timed out", got.Failure.Message)
	r.True(got.Failure.NonRetriable)
}

func (r *RedisStoreTestSuite) TestRedisRunStore_ListRunsFilters() {
	runs := []*api.Run{
		r.newRun("redis-list-1", "wf-A"),
		r.newRun("redis-list-2", "wf-A"),
		r.newRun("redis-list-3", "wf-B"),
	}
	runs[1].Status = api.RunStatusCompleted
	runs[2].Status = api.RunStatusCompleted
	for _, run := range runs {
		r.Require().NoError(r.store.CreateRun(r.ctx, run))
	}

	all, err := r.store.ListRuns(r.ctx, api.RunFilter{})
	r.Require().NoError(err)
	r.Len(all, 3)

	wfA, err := r.store.ListRuns(r.ctx, api.RunFilter{Workflow: "wf-A"})
	r.Require().NoError(err)
	r.Len(wfA, 2)

	completed, err := r.store.ListRuns(r.ctx, api.RunFilter{Status: api.RunStatusCompleted})
	r.Require().NoError(err)
	r.Len(completed, 2)

	completedA, err := r.store.ListRuns(r.ctx, api.RunFilter{
		Workflow: "wf-A",
		Status:   api.RunStatusCompleted,
	})
	r.Require().NoError(err)
	r.Len(completedA, 1)
	r.Equal("redis-list-2", completedA[0].ID)

	none, err := r.store.ListRuns(r.ctx, api.RunFilter{Workflow: "wf-missing"})
	r.Require().NoError(err)
	r.Empty(none)
}

// Status filters must track status transitions, not the status a run was
// created with.
func (r *RedisStoreTestSuite) TestRedisRunStore_ListRunsAfterStatusChange() {
	run := r.newRun("redis-transition-1", "wf-A")
	r.Require().NoError(r.store.CreateRun(r.ctx, run))

	run.Status = api.RunStatusFailed
	r.Require().NoError(r.store.UpdateRun(r.ctx, run))

	running, err := r.store.ListRuns(r.ctx, api.RunFilter{Status: api.RunStatusRunning})
	r.Require().NoError(err)
	r.Empty(running)

	failed, err := r.store.ListRuns(r.ctx, api.RunFilter{Status: api.RunStatusFailed})
	r.Require().NoError(err)
	r.Len(failed, 1)
	r.Equal("redis-transition-1", failed[0].ID)
}

func (r *RedisStoreTestSuite) TestRedisRunStore_AppendEventsAssignsDenseIDs() {
	run := r.newRun("redis-hist-1", "wf-test")
	r.Require().NoError(r.store.CreateRun(r.ctx, run))

	appended, err := r.store.AppendEvents(r.ctx, run.ID, []api.Event{
		{Type: api.EventWorkflowStarted, Payload: []byte("input")},
		{Type: api.EventActivityCompleted, Seq: 1, Name: "fetch", Payload: []byte("result")},
	})
	r.Require().NoError(err)
	r.Require().Len(appended, 2)
	r.Equal(int64(1), appended[0].ID)
	r.Equal(int64(2), appended[1].ID)
	r.False(appended[0].At.IsZero(), "At should default to append time")

	// A resolution for an already resolved sequence is dropped.
	appended, err = r.store.AppendEvents(r.ctx, run.ID, []api.Event{
		{Type: api.EventActivityFailed, Seq: 1, Name: "fetch"},
	})
	r.Require().NoError(err)
	r.Empty(appended)

	// Mixed batch: the duplicate is skipped and IDs stay dense.
	appended, err = r.store.AppendEvents(r.ctx, run.ID, []api.Event{
		{Type: api.EventActivityCompleted, Seq: 1, Name: "fetch"},
		{Type: api.EventTimerFired, Seq: 2},
	})
	r.Require().NoError(err)
	r.Require().Len(appended, 1)
	r.Equal(api.EventTimerFired, appended[0].Type)
	r.Equal(int64(3), appended[0].ID)

	// Seq zero events never deduplicate: two signals both land.
	appended, err = r.store.AppendEvents(r.ctx, run.ID, []api.Event{
		{Type: api.EventSignalReceived, Name: "ping", Payload: []byte("a")},
		{Type: api.EventSignalReceived, Name: "ping", Payload: []byte("b")},
	})
	r.Require().NoError(err)
	r.Require().Len(appended, 2)
	r.Equal(int64(4), appended[0].ID)
	r.Equal(int64(5), appended[1].ID)

	events, err := r.store.ListEvents(r.ctx, run.ID)
	r.Require().NoError(err)
	r.Require().Len(events, 5)
	for i, ev := range events {
		r.Equal(int64(i+1), ev.ID)
	}
	r.Equal(api.EventWorkflowStarted, events[0].Type)
	r.Equal([]byte("result"), events[1].Payload)
}

func (r *RedisStoreTestSuite) TestRedisRunStore_HistoryUnknownRun() {
	_, err := r.store.AppendEvents(r.ctx, "no-such-run", []api.Event{
		{Type: api.EventWorkflowStarted},
	})
	r.ErrorIs(err, corep.ErrRunNotFound)

	_, err = r.store.ListEvents(r.ctx, "no-such-run")
	r.ErrorIs(err, corep.ErrRunNotFound)
}

func (r *RedisStoreTestSuite) TestRedisRunStore_Heartbeats() {
	_, err := r.store.RecordHeartbeat(r.ctx, "no-such-run", 1, nil)
	r.ErrorIs(err, corep.ErrRunNotFound)

	run := r.newRun("redis-hb-1", "wf-test")
	r.Require().NoError(r.store.CreateRun(r.ctx, run))

	// No heartbeat recorded yet.
	details, ok, err := r.store.LastHeartbeat(r.ctx, run.ID, 1)
	r.Require().NoError(err)
	r.False(ok)
	r.Nil(details)

	cancelled, err := r.store.RecordHeartbeat(r.ctx, run.ID, 1, []byte("progress-1"))
	r.Require().NoError(err)
	r.False(cancelled)

	details, ok, err = r.store.LastHeartbeat(r.ctx, run.ID, 1)
	r.Require().NoError(err)
	r.True(ok)
	r.Equal([]byte("progress-1"), details)

	r.Require().NoError(r.store.SetCancelRequested(r.ctx, run.ID, 1))

	// The next heartbeat observes the cancellation and keeps the details.
	cancelled, err = r.store.RecordHeartbeat(r.ctx, run.ID, 1, []byte("progress-2"))
	r.Require().NoError(err)
	r.True(cancelled)

	details, ok, err = r.store.LastHeartbeat(r.ctx, run.ID, 1)
	r.Require().NoError(err)
	r.True(ok)
	r.Equal([]byte("progress-2"), details)
}

// Cancellation can be requested before the activity ever heartbeats. The
// flag must not fabricate heartbeat details.
func (r *RedisStoreTestSuite) TestRedisRunStore_CancelBeforeHeartbeat() {
	run := r.newRun("redis-hb-2", "wf-test")
	r.Require().NoError(r.store.CreateRun(r.ctx, run))

	r.Require().NoError(r.store.SetCancelRequested(r.ctx, run.ID, 7))

	details, ok, err := r.store.LastHeartbeat(r.ctx, run.ID, 7)
	r.Require().NoError(err)
	r.False(ok)
	r.Nil(details)

	cancelled, err := r.store.RecordHeartbeat(r.ctx, run.ID, 7, []byte("first"))
	r.Require().NoError(err)
	r.True(cancelled)

	// The flag is per sequence number.
	cancelled, err = r.store.RecordHeartbeat(r.ctx, run.ID, 8, []byte("other"))
	r.Require().NoError(err)
	r.False(cancelled)
}
