package storage

import (
	"sync"

	"github.com/cuemby/rollout/pkg/types"
)

// MemoryStore keeps records in process memory. Used by tests and dry runs
// that should leave no trace.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*types.DeploymentRecord
	history  map[string][]string // environment -> ids, oldest first
	inFlight map[string]string   // environment -> id
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*types.DeploymentRecord),
		history:  make(map[string][]string),
		inFlight: make(map[string]string),
	}
}

func (s *MemoryStore) Acquire(rec *types.DeploymentRecord) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder := s.inFlight[rec.Environment]; holder != "" {
		return nil, &types.BusyError{Environment: rec.Environment, DeploymentID: holder}
	}
	if _, ok := s.records[rec.ID]; ok {
		return nil, alreadyExists(rec.ID)
	}

	if prev := s.latestCounted(rec.Environment); prev != nil {
		rec.PreviousImageTag = prev.RunningImageTag
	}

	s.put(rec)
	s.inFlight[rec.Environment] = rec.ID
	return &Lock{Environment: rec.Environment, DeploymentID: rec.ID}, nil
}

func (s *MemoryStore) Release(lock *Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[lock.Environment] != lock.DeploymentID {
		return nil
	}
	if rec := s.records[lock.DeploymentID]; rec != nil && !rec.Status.Terminal() {
		return ErrNotTerminal
	}
	delete(s.inFlight, lock.Environment)
	return nil
}

func (s *MemoryStore) Append(rec *types.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAppend(rec, s.inFlight[rec.Environment]); err != nil {
		return err
	}
	s.put(rec)
	return nil
}

func (s *MemoryStore) UpdateStatus(id string, update types.StatusUpdate) (*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, notFound("deployment", id)
	}
	next := rec.Clone()
	if err := next.Apply(update); err != nil {
		return nil, err
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Get(id string) (*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, notFound("deployment", id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Latest(environment string) (*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.history[environment]
	if len(ids) == 0 {
		return nil, notFound("environment", environment)
	}
	return s.records[ids[len(ids)-1]].Clone(), nil
}

func (s *MemoryStore) LatestSucceeded(environment string) (*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.latestCounted(environment); rec != nil {
		return rec.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) List(environment string, limit int) ([]*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.history[environment]
	var out []*types.DeploymentRecord
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.records[ids[i]].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Clear(environment, reason string) (*types.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.inFlight[environment]
	if id == "" {
		return nil, notFound("in-flight deployment for environment", environment)
	}
	delete(s.inFlight, environment)

	rec := s.records[id].Clone()
	if !rec.Status.Terminal() {
		if err := rec.Apply(clearUpdate(reason)); err != nil {
			return nil, err
		}
		s.records[id] = rec
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) put(rec *types.DeploymentRecord) {
	if _, exists := s.records[rec.ID]; !exists {
		s.history[rec.Environment] = append(s.history[rec.Environment], rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
}

func (s *MemoryStore) latestCounted(environment string) *types.DeploymentRecord {
	ids := s.history[environment]
	for i := len(ids) - 1; i >= 0; i-- {
		if rec := s.records[ids[i]]; rec.Counts() {
			return rec
		}
	}
	return nil
}
