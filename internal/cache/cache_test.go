package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFingerprint_StableAcrossMapOrderAndNormalisation(t *testing.T) {
	// "é" precomposed vs "e" + combining acute accent.
	a, err := Fingerprint("ocr_processing", map[string]any{"b": 1, "text": "licitação café"})
	require.NoError(t, err)
	b, err := Fingerprint("ocr_processing", map[string]any{"text": "licitação café", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_StageNameIsPartOfKey(t *testing.T) {
	a, err := Fingerprint("table_detection", "abc")
	require.NoError(t, err)
	b, err := Fingerprint("table_extraction", "abc")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMemory_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clk.Now

	require.NoError(t, m.Put(ctx, "fp", []byte("v1"), time.Minute))

	got, ok, err := m.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	clk.Advance(59 * time.Second)
	_, ok, _ = m.Get(ctx, "fp")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok, _ = m.Get(ctx, "fp")
	assert.False(t, ok, "entry must miss at ExpiresAt")
}

func TestMemory_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "fp", []byte("a"), time.Hour))
	require.NoError(t, m.Put(ctx, "fp", []byte("b"), time.Hour))

	got, ok, err := m.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), got)
}

func TestMemory_Compact(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	m := NewMemory()
	m.now = clk.Now

	for i := 0; i < 10; i++ {
		ttl := time.Minute
		if i%2 == 0 {
			ttl = time.Hour
		}
		require.NoError(t, m.Put(ctx, fmt.Sprintf("fp-%d", i), []byte("x"), ttl))
	}
	clk.Advance(2 * time.Minute)

	assert.Equal(t, 5, m.Compact())
	assert.Equal(t, 5, m.Len())
}

func TestMemory_ConcurrentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("fp-%d", i)
			_ = m.Put(ctx, key, []byte(key), time.Hour)
			got, ok, _ := m.Get(ctx, key)
			assert.True(t, ok)
			assert.Equal(t, key, string(got))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, m.Len())
}

func newTestRedis(t *testing.T) (*Redis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &clock{now: time.Now()}
	r := NewRedis(client)
	r.now = clk.Now
	return r, clk
}

func TestRedis_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRedis(t)

	require.NoError(t, r.Put(ctx, "fp", []byte(`{"a":1}`), time.Minute))

	got, ok, err := r.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))

	clk.Advance(time.Minute)
	_, ok, err = r.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_CorruptedEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.client.Set(ctx, cacheKey("fp"), "not-json", time.Hour).Err())

	_, ok, err := r.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoader_ComputesOnceThenHits(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory())
	var calls int32

	compute := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"a", "b"}, nil
	}

	var first []string
	hit, err := l.GetOrCompute(ctx, "fp", time.Hour, &first, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"a", "b"}, first)

	var second []string
	hit, err = l.GetOrCompute(ctx, "fp", time.Hour, &second, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoader_ErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory())
	boom := errors.New("provider down")

	var out string
	_, err := l.GetOrCompute(ctx, "fp", time.Hour, &out, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, _ := l.Cache().Get(ctx, "fp")
	assert.False(t, ok)
}

func TestLoader_CollapsesConcurrentComputations(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory())
	var calls int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out int
			_, err := l.GetOrCompute(ctx, "fp", time.Hour, &out, func(context.Context) (any, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, out)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoader_CallerLeavingDoesNotFailOthers(t *testing.T) {
	l := NewLoader(NewMemory())
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	computeErr := make(chan error, 1)

	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		computeErr <- ctx.Err()
		return "tabela", nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		var out string
		_, err := l.GetOrCompute(ctxA, "fp", time.Hour, &out, compute)
		errA <- err
	}()
	<-started

	resB := make(chan string, 1)
	go func() {
		var out string
		_, err := l.GetOrCompute(context.Background(), "fp", time.Hour, &out, compute)
		assert.NoError(t, err)
		resB <- out
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	assert.Equal(t, "tabela", <-resB)
	assert.NoError(t, <-computeErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, ok, _ := l.Cache().Get(context.Background(), "fp")
	assert.True(t, ok)
}

func TestLoader_ForeignCancellationIsReportedAsAborted(t *testing.T) {
	l := NewLoader(NewMemory())

	var out string
	_, err := l.GetOrCompute(context.Background(), "fp", time.Hour, &out, func(context.Context) (any, error) {
		return nil, fmt.Errorf("chunk 1: %w", context.Canceled)
	})
	require.ErrorIs(t, err, ErrComputeAborted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoader_ComputeTimeout(t *testing.T) {
	l := NewLoader(NewMemory(), WithComputeTimeout(20*time.Millisecond))

	var out string
	_, err := l.GetOrCompute(context.Background(), "fp", time.Hour, &out, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrComputeAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
