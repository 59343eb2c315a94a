package recordstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It backs single-node
// deployments without a database and all engine tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byJob   map[string][]int // indexes into records, in append order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byJob: make(map[string][]int)}
}

// Append stores a record. Like the Postgres store, it is idempotent
// per (job, attempt) so a retried write cannot duplicate history.
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.byJob[rec.JobID] {
		if s.records[i].AttemptIndex == rec.AttemptIndex {
			return nil
		}
	}
	s.records = append(s.records, rec)
	s.byJob[rec.JobID] = append(s.byJob[rec.JobID], len(s.records)-1)
	return nil
}

func (s *MemoryStore) History(_ context.Context, jobID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byJob[jobID]
	out := make([]Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.records[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptIndex < out[j].AttemptIndex })
	return out, nil
}

func (s *MemoryStore) Find(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if filter.JobID != "" && rec.JobID != filter.JobID {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Category != "" && rec.Category != filter.Category {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
