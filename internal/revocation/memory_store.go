package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// MemoryStore is an in-process Store for tests and single-binary
// deployments. It has no cross-process fan-out and no
// SubscribeRevocations method; it supports Revoke, IsRevoked and LoadAll.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]core.RevocationRecord
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]core.RevocationRecord)}
}

func (s *MemoryStore) Revoke(_ context.Context, taskIDs []string, opts core.RevocationOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range taskIDs {
		s.records[id] = core.RevocationRecord{TaskID: id, Options: opts, CreatedAt: now}
	}
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[taskID]
	return ok, nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]core.RevocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.RevocationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
