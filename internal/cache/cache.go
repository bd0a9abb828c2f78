// Package cache memoises expensive stage computations keyed by a content fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// DefaultTTL is used when a caller passes a non-positive ttl.
const DefaultTTL = 24 * time.Hour

// DefaultComputeTimeout bounds a shared computation that no caller is waiting on any more.
const DefaultComputeTimeout = 10 * time.Minute

// ErrComputeAborted is returned to a caller whose shared computation was cut
// short by a context the caller does not own.
var ErrComputeAborted = errors.New("shared computation aborted")

// Cache is a fingerprint-keyed byte store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error
}

// Fingerprint hashes the stage name and the canonical JSON of its input.
// Map keys are sorted by encoding/json and every string is NFC-normalised first,
// so equivalent inputs produce the same key.
func Fingerprint(stage string, input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fingerprint input: %w", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalise fingerprint input: %w", err)
	}
	canonical, err := json.Marshal(normalize(generic))
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical input: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Loader collapses concurrent computations of the same fingerprint. The shared
// computation is detached from the caller that started it, so one caller going
// away never fails the others.
type Loader struct {
	cache   Cache
	group   singleflight.Group
	timeout time.Duration
}

type LoaderOption func(*Loader)

// WithComputeTimeout caps how long a shared computation may run.
func WithComputeTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func NewLoader(c Cache, opts ...LoaderOption) *Loader {
	l := &Loader{cache: c, timeout: DefaultComputeTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the backing cache.
func (l *Loader) Cache() Cache {
	return l.cache
}

// GetOrCompute returns the cached value for fp, or runs fn, stores its result and returns it.
// The bool reports whether the value came from the cache. Cache read failures and
// undecodable entries are treated as misses.
func (l *Loader) GetOrCompute(ctx context.Context, fp string, ttl time.Duration, out any, fn func(ctx context.Context) (any, error)) (bool, error) {
	if data, ok, err := l.cache.Get(ctx, fp); err == nil && ok {
		if json.Unmarshal(data, out) == nil {
			return true, nil
		}
	}

	ch := l.group.DoChan(fp, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		result, err := fn(cctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cache value: %w", err)
		}
		// A failed write only costs a recomputation later.
		_ = l.cache.Put(cctx, fp, data, ttl)
		return data, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		if ctx.Err() == nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
			return false, fmt.Errorf("%w: %w", ErrComputeAborted, res.Err)
		}
		return false, res.Err
	}
	if err := json.Unmarshal(res.Val.([]byte), out); err != nil {
		return false, fmt.Errorf("failed to decode computed value: %w", err)
	}
	return false, nil
}
