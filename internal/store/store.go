// Package store persists Job records and provides the atomic transitions the
// pipeline relies on (claim, heartbeat, terminal updates).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/editalflow/api/internal/model"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrConflict       = errors.New("job conflicts with an existing record")
	ErrAlreadyClaimed = errors.New("job already claimed")
	ErrLeaseLost      = errors.New("job lease lost")
)

// Store is the durable Job Record backend.
//
// Update is the only mutation path after creation: implementations run fn
// against the current record under their own atomicity primitive (mutex,
// WATCH/MULTI, transaction) and persist the result only when fn returns nil.
type Store interface {
	// Create inserts a new job. It fails with ErrConflict when the id exists or
	// when another non-terminal job carries the same dedupe key.
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	FindActiveByDedupeKey(ctx context.Context, key string) (*model.Job, error)
	CountByStatus(ctx context.Context, status model.JobStatus) (int, error)
	ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	Close() error
}

// Claim moves a queued job to running and grants the lease to workerID.
func Claim(ctx context.Context, s Store, id, workerID string, ttl time.Duration) (*model.Job, error) {
	return s.Update(ctx, id, func(job *model.Job) error {
		if job.Status != model.JobStatusQueued {
			return fmt.Errorf("%w: status is %s", ErrAlreadyClaimed, job.Status)
		}
		now := time.Now()
		job.Status = model.JobStatusRunning
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.Lease = &model.Lease{
			WorkerID:    workerID,
			ExpiresAt:   now.Add(ttl),
			HeartbeatAt: now,
		}
		return nil
	})
}

// Heartbeat extends the lease held by workerID.
func Heartbeat(ctx context.Context, s Store, id, workerID string, ttl time.Duration) (*model.Job, error) {
	return s.Update(ctx, id, func(job *model.Job) error {
		if err := checkLease(job, workerID); err != nil {
			return err
		}
		now := time.Now()
		job.Lease.HeartbeatAt = now
		job.Lease.ExpiresAt = now.Add(ttl)
		return nil
	})
}

// OwnedUpdate applies fn only while workerID still holds the lease on a running job.
func OwnedUpdate(ctx context.Context, s Store, id, workerID string, fn func(*model.Job) error) (*model.Job, error) {
	return s.Update(ctx, id, func(job *model.Job) error {
		if err := checkLease(job, workerID); err != nil {
			return err
		}
		return fn(job)
	})
}

func checkLease(job *model.Job, workerID string) error {
	if job.Status != model.JobStatusRunning || job.Lease == nil || job.Lease.WorkerID != workerID {
		return ErrLeaseLost
	}
	return nil
}

func validateNew(job *model.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	return nil
}
