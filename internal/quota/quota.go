// Package quota counts per-owner admissions per calendar day.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter reserves daily processing slots for an owner.
type Counter interface {
	// Reserve takes one slot. It returns false, without consuming anything,
	// when the owner already used the whole daily limit.
	Reserve(ctx context.Context, owner string) (bool, error)
	// Release gives back a slot taken by Reserve on the same day.
	Release(ctx context.Context, owner string) error
	Used(ctx context.Context, owner string) (int, error)
}

type dayFunc func() string

func dayIn(loc *time.Location) dayFunc {
	if loc == nil {
		loc = time.UTC
	}
	return func() string { return time.Now().In(loc).Format("2006-01-02") }
}

// Memory is a process-local counter.
type Memory struct {
	limit  int
	day    dayFunc
	mu     sync.Mutex
	counts map[string]int
}

func NewMemory(limit int, loc *time.Location) *Memory {
	return &Memory{limit: limit, day: dayIn(loc), counts: make(map[string]int)}
}

func (m *Memory) key(owner string) string {
	return owner + "|" + m.day()
}

func (m *Memory) Reserve(_ context.Context, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(owner)
	if m.limit > 0 && m.counts[k] >= m.limit {
		return false, nil
	}
	m.counts[k]++
	return true, nil
}

func (m *Memory) Release(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(owner)
	if m.counts[k] > 0 {
		m.counts[k]--
	}
	return nil
}

func (m *Memory) Used(_ context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[m.key(owner)], nil
}

// Redis shares counters across processes with INCR and a two-day expiry.
type Redis struct {
	client *redis.Client
	limit  int
	day    dayFunc
}

func NewRedis(client *redis.Client, limit int, loc *time.Location) *Redis {
	return &Redis{client: client, limit: limit, day: dayIn(loc)}
}

func (r *Redis) key(owner string) string {
	return fmt.Sprintf("quota:%s:%s", owner, r.day())
}

func (r *Redis) Reserve(ctx context.Context, owner string) (bool, error) {
	key := r.key(owner)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	// Set expiration on first reservation of the day
	if count == 1 {
		r.client.Expire(ctx, key, 48*time.Hour)
	}
	if r.limit > 0 && count > int64(r.limit) {
		r.client.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

func (r *Redis) Release(ctx context.Context, owner string) error {
	key := r.key(owner)
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	if n < 0 {
		r.client.Set(ctx, key, 0, 48*time.Hour)
	}
	return nil
}

func (r *Redis) Used(ctx context.Context, owner string) (int, error) {
	n, err := r.client.Get(ctx, r.key(owner)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
