package persistence

import (
	"time"

	corep "github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/pkg/api"
)

func (m *MongoStoreTestSuite) newRun(id, workflow string) *api.Run {
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

func (m *MongoStoreTestSuite) TestMongoRunStore_CreateGetUpdate() {
	run := m.newRun("mongo-run-1", "wf-test")

	m.Require().NoError(m.store.CreateRun(m.ctx, run))
	m.ErrorIs(m.store.CreateRun(m.ctx, m.newRun("mongo-run-1", "wf-other")), corep.ErrRunExists)

	got, err := m.store.GetRun(m.ctx, "mongo-run-1")
	m.Require().NoError(err)
	m.Equal(run.ID, got.ID)
	m.Equal(run.Workflow, got.Workflow)
	m.Equal(run.Namespace, got.Namespace)
	m.Equal(run.TaskQueue, got.TaskQueue)
	m.Equal(api.RunStatusRunning, got.Status)
	m.True(run.CreatedAt.Equal(got.CreatedAt), "CreatedAt should round-trip")

	got.Status = api.RunStatusCompleted
	got.Output = []byte("done")
	got.UpdatedAt = time.Now().UTC()
	m.Require().NoError(m.store.UpdateRun(m.ctx, got))

	got2, err := m.store.GetRun(m.ctx, "mongo-run-1")
	m.Require().NoError(err)
	m.Equal(api.RunStatusCompleted, got2.Status)
	m.Equal([]byte("done"), got2.Output)

	_, err = m.store.GetRun(m.ctx, "no-such-run")
	m.ErrorIs(err, corep.ErrRunNotFound)

	m.ErrorIs(m.store.UpdateRun(m.ctx, m.newRun("no-such-run", "wf-test")), corep.ErrRunNotFound)
}

func (m *MongoStoreTestSuite) TestMongoRunStore_ListRunsFilters() {
	runs := []*api.Run{
		m.newRun("mongo-list-1", "wf-A"),
		m.newRun("mongo-list-2", "wf-A"),
		m.newRun("mongo-list-3", "wf-B"),
	}
	runs[1].Status = api.RunStatusCompleted
	runs[2].Status = api.RunStatusCompleted
	for _, run := range runs {
		m.Require().NoError(m.store.CreateRun(m.ctx, run))
	}

	all, err := m.store.ListRuns(m.ctx, api.RunFilter{})
	m.Require().NoError(err)
	m.Len(all, 3)

	wfA, err := m.store.ListRuns(m.ctx, api.RunFilter{Workflow: "wf-A"})
	m.Require().NoError(err)
	m.Len(wfA, 2)

	completed, err := m.store.ListRuns(m.ctx, api.RunFilter{Status: api.RunStatusCompleted})
	m.Require().NoError(err)
	m.Len(completed, 2)

	completedA, err := m.store.ListRuns(m.ctx, api.RunFilter{
		Workflow: "wf-A",
		Status:   api.RunStatusCompleted,
	})
	m.Require().NoError(err)
	m.Require().Len(completedA, 1)
	m.Equal("mongo-list-2", completedA[0].ID)
}

func (m *MongoStoreTestSuite) TestMongoRunStore_AppendEventsAssignsDenseIDs() {
	run := m.newRun("mongo-hist-1", "wf-test")
	m.Require().NoError(m.store.CreateRun(m.ctx, run))

	appended, err := m.store.AppendEvents(m.ctx, run.ID, []api.Event{
		{Type: api.EventWorkflowStarted, Payload: []byte("input")},
		{Type: api.EventActivityCompleted, Seq: 1, Name: "fetch", Payload: []byte("result")},
	})
	m.Require().NoError(err)
	m.Require().Len(appended, 2)
	m.Equal(int64(1), appended[0].ID)
	m.Equal(int64(2), appended[1].ID)
	m.False(appended[0].At.IsZero(), "At should default to append time")

	// A resolution for an already resolved sequence is dropped; IDs stay
	// dense across the skip.
	appended, err = m.store.AppendEvents(m.ctx, run.ID, []api.Event{
		{Type: api.EventActivityCompleted, Seq: 1, Name: "fetch"},
		{Type: api.EventTimerFired, Seq: 2},
	})
	m.Require().NoError(err)
	m.Require().Len(appended, 1)
	m.Equal(int64(3), appended[0].ID)

	// History updates must not disturb the run's own fields.
	got, err := m.store.GetRun(m.ctx, run.ID)
	m.Require().NoError(err)
	m.Equal(api.RunStatusRunning, got.Status)

	events, err := m.store.ListEvents(m.ctx, run.ID)
	m.Require().NoError(err)
	m.Require().Len(events, 3)
	m.Equal(api.EventWorkflowStarted, events[0].Type)
	m.Equal([]byte("result"), events[1].Payload)
	m.Equal(api.EventTimerFired, events[2].Type)

	_, err = m.store.AppendEvents(m.ctx, "no-such-run", []api.Event{{Type: api.EventWorkflowStarted}})
	m.ErrorIs(err, corep.ErrRunNotFound)

	_, err = m.store.ListEvents(m.ctx, "no-such-run")
	m.ErrorIs(err, corep.ErrRunNotFound)
}

func (m *MongoStoreTestSuite) TestMongoRunStore_Heartbeats() {
	run := m.newRun("mongo-hb-1", "wf-test")
	m.Require().NoError(m.store.CreateRun(m.ctx, run))

	details, ok, err := m.store.LastHeartbeat(m.ctx, run.ID, 1)
	m.Require().NoError(err)
	m.False(ok)
	m.Nil(details)

	cancelled, err := m.store.RecordHeartbeat(m.ctx, run.ID, 1, []byte("progress-1"))
	m.Require().NoError(err)
	m.False(cancelled)

	m.Require().NoError(m.store.SetCancelRequested(m.ctx, run.ID, 1))

	cancelled, err = m.store.RecordHeartbeat(m.ctx, run.ID, 1, []byte("progress-2"))
	m.Require().NoError(err)
	m.True(cancelled)

	details, ok, err = m.store.LastHeartbeat(m.ctx, run.ID, 1)
	m.Require().NoError(err)
	m.True(ok)
	m.Equal([]byte("progress-2"), details)

	// Cancellation before any heartbeat must not fabricate details.
	m.Require().NoError(m.store.SetCancelRequested(m.ctx, run.ID, 9))
	details, ok, err = m.store.LastHeartbeat(m.ctx, run.ID, 9)
	m.Require().NoError(err)
	m.False(ok)
	m.Nil(details)

	_, err = m.store.RecordHeartbeat(m.ctx, "no-such-run", 1, nil)
	m.ErrorIs(err, corep.ErrRunNotFound)
}
