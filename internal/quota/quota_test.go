package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counters(t *testing.T, limit int) map[string]Counter {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Counter{
		"memory": NewMemory(limit, nil),
		"redis":  NewRedis(client, limit, nil),
	}
}

func TestCounter_LimitAndRelease(t *testing.T) {
	for name, c := range counters(t, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				ok, err := c.Reserve(ctx, "alice")
				require.NoError(t, err)
				require.True(t, ok, "reservation %d", i+1)
			}

			ok, err := c.Reserve(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, ok, "11th reservation must be rejected")

			used, err := c.Used(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 10, used, "rejected reservation must not consume a slot")

			ok, err = c.Reserve(ctx, "bob")
			require.NoError(t, err)
			assert.True(t, ok, "owners are counted independently")

			require.NoError(t, c.Release(ctx, "alice"))
			ok, err = c.Reserve(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestCounter_ConcurrentReservationsRespectLimit(t *testing.T) {
	for name, c := range counters(t, 5) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var granted int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := c.Reserve(ctx, "carol"); err == nil && ok {
						atomic.AddInt32(&granted, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(5), granted)
		})
	}
}
