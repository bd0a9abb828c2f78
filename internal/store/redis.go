package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/editalflow/api/internal/model"
)

const maxTxRetries = 10

// Redis stores each job as JSON under "job:<id>" and keeps two indexes:
// a set of ids per status and a dedupe key pointing at the newest job.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func jobKey(id string) string { return fmt.Sprintf("job:%s", id) }
func statusKey(status model.JobStatus) string { return fmt.Sprintf("jobs:status:%s", status) }
func dedupeIndexKey(key string) string { return fmt.Sprintf("jobs:dedupe:%s", key) }

func (r *Redis) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	keys := []string{jobKey(job.ID)}
	if job.DedupeKey != "" {
		keys = append(keys, dedupeIndexKey(job.DedupeKey))
	}

	return r.withRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, jobKey(job.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		if job.DedupeKey != "" {
			existing, err := r.activeByDedupe(ctx, tx, job.DedupeKey)
			switch {
			case err == nil && existing != nil:
				return ErrConflict
			case err != nil && !errors.Is(err, ErrNotFound):
				return err
			}
		}

		stored := job.Clone()
		stored.UpdatedAt = time.Now()
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(job.ID), data, r.ttl)
			pipe.SAdd(ctx, statusKey(stored.Status), job.ID)
			if job.DedupeKey != "" {
				pipe.Set(ctx, dedupeIndexKey(job.DedupeKey), job.ID, r.ttl)
			}
			return nil
		})
		return err
	}, keys...)
}

func (r *Redis) Get(ctx context.Context, id string) (*model.Job, error) {
	return r.load(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (r *Redis) activeByDedupe(ctx context.Context, c getter, key string) (*model.Job, error) {
	id, err := c.Get(ctx, dedupeIndexKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if tx, ok := c.(*redis.Tx); ok {
		// The indexed job's status decides the conflict, so its key joins the watch set.
		if err := tx.Watch(ctx, jobKey(id)).Err(); err != nil {
			return nil, err
		}
	}
	job, err := r.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsActive() {
		return nil, ErrNotFound
	}
	return job, nil
}

func (r *Redis) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var result *model.Job
	err := r.withRetry(ctx, func(tx *redis.Tx) error {
		job, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := job.Status
		if err := fn(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now()
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), data, r.ttl)
			if prev != job.Status {
				pipe.SRem(ctx, statusKey(prev), id)
				pipe.SAdd(ctx, statusKey(job.Status), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = job
		return nil
	}, jobKey(id))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Redis) FindActiveByDedupeKey(ctx context.Context, key string) (*model.Job, error) {
	return r.activeByDedupe(ctx, r.client, key)
}

func (r *Redis) CountByStatus(ctx context.Context, status model.JobStatus) (int, error) {
	n, err := r.client.SCard(ctx, statusKey(status)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Redis) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	ids, err := r.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Record expired; drop the stale index entry.
			r.client.SRem(ctx, statusKey(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Redis) Close() error { return nil }

// withRetry runs fn in an optimistic WATCH transaction, retrying on contention.
func (r *Redis) withRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job update contended: %w", redis.TxFailedErr)
}
