package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/editalflow/api/internal/model"
)

// Memory keeps jobs in process. Used for tests and single-node development.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*model.Job)}
}

func (m *Memory) Create(_ context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	if job.DedupeKey != "" {
		for _, existing := range m.jobs {
			if existing.DedupeKey == job.DedupeKey && existing.Status.IsActive() {
				return ErrConflict
			}
		}
	}
	stored := job.Clone()
	stored.UpdatedAt = time.Now()
	m.jobs[job.ID] = stored
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *Memory) FindActiveByDedupeKey(_ context.Context, key string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.DedupeKey == key && job.Status.IsActive() {
			return job.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CountByStatus(_ context.Context, status model.JobStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListByStatus(_ context.Context, status model.JobStatus) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Job, 0)
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }
