package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reclaimer requeues jobs whose worker disappeared.
type Reclaimer interface {
	ReclaimOrphans(ctx context.Context) (int, error)
}

// Compactor drops expired entries from an in-process cache.
type Compactor interface {
	Compact() int
}

// Janitor runs periodic housekeeping on a cron schedule: reaping orphaned
// jobs and compacting the in-memory inference cache.
type Janitor struct {
	cron      *cron.Cron
	reclaimer Reclaimer
	compactor Compactor
	logger    *slog.Logger
	timeout   time.Duration
}

// NewJanitor registers the reap job, and the compaction job when a compactor
// is given. Schedules accept standard cron specs and descriptors such as
// "@every 30s".
func NewJanitor(r Reclaimer, reapSpec string, c Compactor, compactSpec string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	j := &Janitor{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		reclaimer: r,
		compactor: c,
		logger:    logger,
		timeout:   time.Minute,
	}
	if _, err := j.cron.AddFunc(reapSpec, func() { j.Reap(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", reapSpec, err)
	}
	if c != nil && compactSpec != "" {
		if _, err := j.cron.AddFunc(compactSpec, j.Compact); err != nil {
			return nil, fmt.Errorf("invalid compact schedule %q: %w", compactSpec, err)
		}
	}
	return j, nil
}

// Reap runs one reclaim pass.
func (j *Janitor) Reap(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	n, err := j.reclaimer.ReclaimOrphans(ctx)
	if err != nil {
		j.logger.Error("reap failed", "error", err)
		return 0
	}
	if n > 0 {
		j.logger.Info("reap requeued orphaned jobs", "count", n)
	}
	return n
}

func (j *Janitor) Compact() {
	if n := j.compactor.Compact(); n > 0 {
		j.logger.Debug("cache compacted", "removed", n)
	}
}

func (j *Janitor) Start(context.Context) error {
	j.cron.Start()
	return nil
}

// Shutdown stops scheduling and waits for a running pass to finish.
func (j *Janitor) Shutdown(ctx context.Context) error {
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
