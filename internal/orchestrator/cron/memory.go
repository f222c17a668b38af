package cron

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJobSource is an in-memory JobSource for development and tests.
type MemoryJobSource struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryJobSource creates an empty in-memory job source.
func NewMemoryJobSource() *MemoryJobSource {
	return &MemoryJobSource{jobs: make(map[string]*Job)}
}

// Add registers or replaces a job.
func (s *MemoryJobSource) Add(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
}

// Remove deletes a job by id.
func (s *MemoryJobSource) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// DueJobs returns copies of all jobs due at now, ordered by id.
func (s *MemoryJobSource) DueJobs(_ context.Context, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, job := range s.jobs {
		if job.Due(now) {
			copied := *job
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// MarkRun records the dispatch time for a job. Unknown ids are ignored so
// a job removed mid-tick does not fail the tick.
func (s *MemoryJobSource) MarkRun(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.LastRunAt = at
	}
	return nil
}
