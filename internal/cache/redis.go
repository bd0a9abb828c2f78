package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type envelope struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Redis stores cache entries as JSON envelopes under "cache:<fingerprint>".
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func cacheKey(fp string) string {
	return fmt.Sprintf("cache:%s", fp)
}

func (r *Redis) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Corrupted entry; treat as a miss and let the next Put replace it.
		return nil, false, nil
	}
	if !r.now().Before(env.ExpiresAt) {
		return nil, false, nil
	}
	return env.Value, true, nil
}

func (r *Redis) Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(envelope{Value: value, ExpiresAt: r.now().Add(ttl)})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, cacheKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}
