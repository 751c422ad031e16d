package persistence

import (
	"time"

	corep "github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/pkg/api"
)

func (p *PostgresStoreTestSuite) newRun(id, workflow string) *api.Run {
	now := time.Now().UTC().Truncate(time.Microsecond)
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

func (p *PostgresStoreTestSuite) TestPostgresRunStore_CreateGetUpdate() {
	run := p.newRun("pg-run-1", "wf-test")

	p.Require().NoError(p.store.CreateRun(p.ctx, run))
	p.ErrorIs(p.store.CreateRun(p.ctx, p.newRun("pg-run-1", "wf-other")), corep.ErrRunExists)

	got, err := p.store.GetRun(p.ctx, "pg-run-1")
	p.Require().NoError(err)
	p.Equal(run.ID, got.ID)
	p.Equal(run.Workflow, got.Workflow)
	p.Equal(run.Namespace, got.Namespace)
	p.Equal(run.TaskQueue, got.TaskQueue)
	p.Equal(api.RunStatusRunning, got.Status)
	p.True(run.CreatedAt.Equal(got.CreatedAt), "CreatedAt should round-trip")

	got.Status = api.RunStatusFailed
	got.Failure = &api.Failure{Kind: api.ErrorKindGeneric, Message: "boom"}
	got.UpdatedAt = time.Now().UTC()
	p.Require().NoError(p.store.UpdateRun(p.ctx, got))

	got2, err := p.store.GetRun(p.ctx, "pg-run-1")
	p.Require().NoError(err)
	p.Equal(api.RunStatusFailed, got2.Status)
	p.Require().NotNil(got2.Failure)
	p.Equal("boom", got2.Failure.Message)

	_, err = p.store.GetRun(p.ctx, "no-such-run")
	p.ErrorIs(err, corep.ErrRunNotFound)

	p.ErrorIs(p.store.UpdateRun(p.ctx, p.newRun("no-such-run", "wf-test")), corep.ErrRunNotFound)
}

func (p *PostgresStoreTestSuite) TestPostgresRunStore_ListRunsFilters() {
	runs := []*api.Run{
		p.newRun("pg-list-1", "wf-A"),
		p.newRun("pg-list-2", "wf-A"),
		p.newRun("pg-list-3", "wf-B"),
	}
	runs[1].Status = api.RunStatusCompleted
	runs[2].Status = api.RunStatusCompleted
	for _, run := range runs {
		p.Require().NoError(p.store.CreateRun(p.ctx, run))
	}

	all, err := p.store.ListRuns(p.ctx, api.RunFilter{})
	p.Require().NoError(err)
	p.Len(all, 3)

	wfA, err := p.store.ListRuns(p.ctx, api.RunFilter{Workflow: "wf-A"})
	p.Require().NoError(err)
	p.Len(wfA, 2)

	completed, err := p.store.ListRuns(p.ctx, api.RunFilter{Status: api.RunStatusCompleted})
	p.Require().NoError(err)
	p.Len(completed, 2)

	completedA, err := p.store.ListRuns(p.ctx, api.RunFilter{
		Workflow: "wf-A",
		Status:   api.RunStatusCompleted,
	})
	p.Require().NoError(err)
	p.Require().Len(completedA, 1)
	p.Equal("pg-list-2", completedA[0].ID)
}

func (p *PostgresStoreTestSuite) TestPostgresRunStore_AppendEventsAssignsDenseIDs() {
	run := p.newRun("pg-hist-1", "wf-test")
	p.Require().NoError(p.store.CreateRun(p.ctx, run))

	appended, err := p.store.AppendEvents(p.ctx, run.ID, []api.Event{
		{Type: api.EventWorkflowStarted, Payload: []byte("input")},
		{Type: api.EventActivityCompleted, Seq: 1, Name: "fetch", Payload: []byte("result")},
	})
	p.Require().NoError(err)
	p.Require().Len(appended, 2)
	p.Equal(int64(1), appended[0].ID)
	p.Equal(int64(2), appended[1].ID)

	// A resolution for an already resolved sequence is dropped; IDs stay
	// dense across the skip.
	appended, err = p.store.AppendEvents(p.ctx, run.ID, []api.Event{
		{Type: api.EventActivityCompleted, Seq: 1, Name: "fetch"},
		{Type: api.EventTimerFired, Seq: 2},
	})
	p.Require().NoError(err)
	p.Require().Len(appended, 1)
	p.Equal(int64(3), appended[0].ID)

	events, err := p.store.ListEvents(p.ctx, run.ID)
	p.Require().NoError(err)
	p.Require().Len(events, 3)
	p.Equal(api.EventWorkflowStarted, events[0].Type)
	p.Equal([]byte("result"), events[1].Payload)
	p.Equal(api.EventTimerFired, events[2].Type)

	_, err = p.store.AppendEvents(p.ctx, "no-such-run", []api.Event{{Type: api.EventWorkflowStarted}})
	p.ErrorIs(err, corep.ErrRunNotFound)

	_, err = p.store.ListEvents(p.ctx, "no-such-run")
	p.ErrorIs(err, corep.ErrRunNotFound)
}

func (p *PostgresStoreTestSuite) TestPostgresRunStore_Heartbeats() {
	run := p.newRun("pg-hb-1", "wf-test")
	p.Require().NoError(p.store.CreateRun(p.ctx, run))

	details, ok, err := p.store.LastHeartbeat(p.ctx, run.ID, 1)
	p.Require().NoError(err)
	p.False(ok)
	p.Nil(details)

	cancelled, err := p.store.RecordHeartbeat(p.ctx, run.ID, 1, []byte("progress-1"))
	p.Require().NoError(err)
	p.False(cancelled)

	p.Require().NoError(p.store.SetCancelRequested(p.ctx, run.ID, 1))

	cancelled, err = p.store.RecordHeartbeat(p.ctx, run.ID, 1, []byte("progress-2"))
	p.Require().NoError(err)
	p.True(cancelled)

	details, ok, err = p.store.LastHeartbeat(p.ctx, run.ID, 1)
	p.Require().NoError(err)
	p.True(ok)
	p.Equal([]byte("progress-2"), details)

	// Cancellation before any heartbeat must not fabricate details.
	p.Require().NoError(p.store.SetCancelRequested(p.ctx, run.ID, 5))
	details, ok, err = p.store.LastHeartbeat(p.ctx, run.ID, 5)
	p.Require().NoError(err)
	p.False(ok)
	p.Nil(details)

	_, err = p.store.RecordHeartbeat(p.ctx, "no-such-run", 1, nil)
	p.ErrorIs(err, corep.ErrRunNotFound)
}
