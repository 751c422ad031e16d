package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// InMemoryStore is a goroutine-safe RunStore backed by maps. Intended for
// tests and single-process setups.
type InMemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]*api.Run
	events     map[string][]api.Event
	resolved   map[string]map[int64]bool
	heartbeats map[string]map[int64]*heartbeatState
}

type heartbeatState struct {
	details         []byte
	hasDetails      bool
	cancelRequested bool
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:       make(map[string]*api.Run),
		events:     make(map[string][]api.Event),
		resolved:   make(map[string]map[int64]bool),
		heartbeats: make(map[string]map[int64]*heartbeatState),
	}
}

// Ensure InMemoryStore implements the interface.
var _ RunStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	return cloneRun(run), nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run

	for _, run := range s.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, cloneRun(run))
	}

	return result, nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, runID string, events []api.Event) ([]api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}

	seen := s.resolved[runID]
	if seen == nil {
		seen = make(map[int64]bool)
		s.resolved[runID] = seen
	}

	nextID := int64(len(s.events[runID])) + 1
	var appended []api.Event

	for _, ev := range events {
		if ev.Seq > 0 && seen[ev.Seq] {
			continue
		}
		ev.ID = nextID
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		s.events[runID] = append(s.events[runID], ev)
		if ev.Seq > 0 {
			seen[ev.Seq] = true
		}
		appended = append(appended, ev)
		nextID++
	}

	return appended, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}

	history := s.events[runID]
	out := make([]api.Event, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryStore) RecordHeartbeat(ctx context.Context, runID string, seq int64, details []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return false, ErrRunNotFound
	}

	hb := s.heartbeat(runID, seq)
	hb.details = append([]byte(nil), details...)
	hb.hasDetails = true
	return hb.cancelRequested, nil
}

func (s *InMemoryStore) SetCancelRequested(ctx context.Context, runID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}

	s.heartbeat(runID, seq).cancelRequested = true
	return nil
}

func (s *InMemoryStore) LastHeartbeat(ctx context.Context, runID string, seq int64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, false, ErrRunNotFound
	}

	hb, ok := s.heartbeats[runID][seq]
	if !ok || !hb.hasDetails {
		return nil, false, nil
	}
	return append([]byte(nil), hb.details...), true, nil
}

// heartbeat returns the state for (runID, seq), creating it if needed.
// Callers must hold the write lock.
func (s *InMemoryStore) heartbeat(runID string, seq int64) *heartbeatState {
	byRun := s.heartbeats[runID]
	if byRun == nil {
		byRun = make(map[int64]*heartbeatState)
		s.heartbeats[runID] = byRun
	}
	hb := byRun[seq]
	if hb == nil {
		hb = &heartbeatState{}
		byRun[seq] = hb
	}
	return hb
}

func cloneRun(run *api.Run) *api.Run {
	copied := *run
	if run.Output != nil {
		copied.Output = append([]byte(nil), run.Output...)
	}
	if run.Failure != nil {
		f := *run.Failure
		copied.Failure = &f
	}
	return &copied
}
