package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a non-durable Store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[JobKey]*Job
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[JobKey]*Job)}
}

func (s *MemoryStore) InsertJobs(_ context.Context, jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[JobKey]bool, len(jobs))
	for _, j := range jobs {
		if _, ok := s.jobs[j.Key]; ok || seen[j.Key] {
			return ErrJobExists
		}
		seen[j.Key] = true
	}
	for _, j := range jobs {
		c := *j
		s.jobs[j.Key] = &c
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, key JobKey) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return nil, ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (s *MemoryStore) ExistingJobKeys(_ context.Context, keys []JobKey) (map[JobKey]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[JobKey]bool)
	for _, k := range keys {
		if _, ok := s.jobs[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) findTrigger(key TriggerKey) *Job {
	for _, j := range s.jobs {
		if j.Trigger == key {
			return j
		}
	}
	return nil
}

func (s *MemoryStore) TriggerExists(_ context.Context, key TriggerKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findTrigger(key) != nil, nil
}

func (s *MemoryStore) RescheduleTrigger(_ context.Context, key TriggerKey, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findTrigger(key)
	if j == nil {
		return ErrTriggerNotFound
	}
	j.FireAt = fireAt
	j.Status = JobStatusQueued
	j.Attempt = 0
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteJobs(_ context.Context, keys []JobKey) ([]JobKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []JobKey
	for _, k := range keys {
		if _, ok := s.jobs[k]; ok {
			delete(s.jobs, k)
			deleted = append(deleted, k)
		}
	}
	return deleted, nil
}

func (s *MemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.FireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].FireAt.Before(due[b].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, key JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[key]; ok && j.Status == JobStatusRunning {
		delete(s.jobs, key)
	}
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, key JobKey, errMsg string, nextRunAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || j.Status != JobStatusRunning {
		return false, nil
	}
	j.Attempt++
	j.LastError = errMsg
	if j.Attempt >= j.MaxAttempts {
		delete(s.jobs, key)
		return false, nil
	}
	j.Status = JobStatusQueued
	j.FireAt = nextRunAt
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}
