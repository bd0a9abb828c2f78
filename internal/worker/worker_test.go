package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/model"
	"github.com/editalflow/api/internal/store"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	release chan struct{}
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, jobID string) (model.JobStatus, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return model.JobStatusRunning, ctx.Err()
		}
	}
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
	if r.err != nil {
		return model.JobStatusFailed, r.err
	}
	return model.JobStatusSucceeded, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func TestPool_RunsDispatchedJobs(t *testing.T) {
	runner := &fakeRunner{}
	p := NewPool(runner, nil, WithWorkers(2), WithQueueSize(10))
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Dispatch(context.Background(), fmt.Sprintf("job-%d", i)))
	}
	assert.Eventually(t, func() bool { return runner.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_RejectsInflightDuplicate(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	p := NewPool(runner, nil, WithWorkers(1), WithQueueSize(4))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Dispatch(context.Background(), "job-1"))
	err := p.Dispatch(context.Background(), "job-1")
	assert.ErrorIs(t, err, governor.ErrDuplicateDispatch)

	close(runner.release)
	assert.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Once finished, the same id may be dispatched again (reclaim path).
	assert.Eventually(t, func() bool {
		return p.Dispatch(context.Background(), "job-1") == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_FullQueueRejects(t *testing.T) {
	p := NewPool(&fakeRunner{}, nil, WithWorkers(1), WithQueueSize(2))
	// Not started: nothing drains the queue.
	require.NoError(t, p.Dispatch(context.Background(), "a"))
	require.NoError(t, p.Dispatch(context.Background(), "b"))
	assert.ErrorIs(t, p.Dispatch(context.Background(), "c"), ErrQueueFull)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Dispatch(context.Background(), "d"), ErrPoolClosed)
}

func TestPool_ShutdownInterruptsRunningJobs(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	p := NewPool(runner, nil, WithWorkers(1))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Dispatch(context.Background(), "slow"))
	require.NoError(t, p.Dispatch(context.Background(), "queued"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, runner.count(), "the interrupted job and the queued one never complete")
}

func TestAsynqWorker_ProcessTask(t *testing.T) {
	task, err := newProcessTask("job-7")
	require.NoError(t, err)

	runner := &fakeRunner{}
	w := &AsynqWorker{runner: runner, logger: nopLogger()}
	require.NoError(t, w.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"job-7"}, runner.ran)

	runner.err = fmt.Errorf("failed to claim job job-7: %w", store.ErrAlreadyClaimed)
	assert.NoError(t, w.ProcessTask(context.Background(), task), "a job claimed elsewhere is not an error")

	runner.err = errors.New("lease lost")
	err = w.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeProcess, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type countingReclaimer struct {
	calls atomic.Int32
	err   error
}

func (c *countingReclaimer) ReclaimOrphans(context.Context) (int, error) {
	c.calls.Add(1)
	return 2, c.err
}

type countingCompactor struct{ calls atomic.Int32 }

func (c *countingCompactor) Compact() int {
	c.calls.Add(1)
	return 0
}

func TestJanitor_Reap(t *testing.T) {
	r := &countingReclaimer{}
	j, err := NewJanitor(r, "@every 1h", nil, "", nopLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, j.Reap(context.Background()))

	r.err = errors.New("store down")
	assert.Equal(t, 0, j.Reap(context.Background()))
}

func TestJanitor_RunsOnSchedule(t *testing.T) {
	r := &countingReclaimer{}
	c := &countingCompactor{}
	j, err := NewJanitor(r, "@every 1s", c, "@every 1s", nopLogger())
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return r.calls.Load() > 0 && c.calls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, j.Shutdown(context.Background()))
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	_, err := NewJanitor(&countingReclaimer{}, "every now and then", nil, "", nopLogger())
	assert.Error(t, err)
}
