package committer

import (
	"context"
	"sync"

	"github.com/arome3/ciel/pkg/contracts"
)

// Store persists commit state keyed by (report id, firing id). The
// firing id alone is not unique: log-derived firing ids depend only on
// the log identifier, so two workflows watching the same event share
// one. Get returns (nil, nil) when no commit exists; Put upserts.
type Store interface {
	Get(ctx context.Context, reportID, firingID string) (*contracts.Commit, error)
	Put(ctx context.Context, commit *contracts.Commit) error
}

type commitKey struct {
	reportID string
	firingID string
}

// MemoryStore is the in-process Store used by tests and single-shot
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	commits map[commitKey]contracts.Commit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commits: make(map[commitKey]contracts.Commit)}
}

func (s *MemoryStore) Get(_ context.Context, reportID, firingID string) (*contracts.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commits[commitKey{reportID: reportID, firingID: firingID}]
	if !ok {
		return nil, nil
	}
	out := c
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, commit *contracts.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits[commitKey{reportID: commit.ReportID, firingID: commit.FiringID}] = *commit
	return nil
}
