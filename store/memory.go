package store

import (
	"sort"
	"sync"
)

// MemoryStore is a volatile, process-wide Store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*JobRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*JobRecord)}
}

func (s *MemoryStore) Get(id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Put(job *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

// List returns all jobs ordered by creation time.
func (s *MemoryStore) List() ([]*JobRecord, error) {
	s.mu.RLock()
	out := make([]*JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortByCreated(jobs []*JobRecord) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
