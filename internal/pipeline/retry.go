package pipeline

import (
	"time"

	"github.com/editalflow/api/internal/model"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PerStage overrides MaxAttempts for individual stages.
	PerStage map[model.StageName]int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

func (p RetryPolicy) maxAttempts(stage model.StageName) int {
	if n, ok := p.PerStage[stage]; ok && n > 0 {
		return n
	}
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Decide is called after attempt (1-based) failed with kind. Only transient
// provider and storage failures are retried; wait is base*2^(attempt-1),
// capped at MaxBackoff.
func (p RetryPolicy) Decide(stage model.StageName, attempt int, kind ErrorKind) (bool, time.Duration) {
	if kind != KindTransientProvider && kind != KindStorage {
		return false, 0
	}
	if attempt >= p.maxAttempts(stage) {
		return false, 0
	}
	wait := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.MaxBackoff > 0 && wait >= p.MaxBackoff {
			return true, p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return true, wait
}
