// Package worker runs admitted jobs through the pipeline engine, either on an
// in-process pool or on asynq workers backed by Redis.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/model"
)

var (
	ErrQueueFull  = errors.New("worker queue is full")
	ErrPoolClosed = errors.New("worker pool is shutting down")
)

// Runner executes one job to a terminal (or interrupted) state.
type Runner interface {
	Run(ctx context.Context, jobID string) (model.JobStatus, error)
}

// Pool is the in-process dispatcher: a bounded queue drained by a fixed
// number of workers. A job id is never queued twice while it is in flight.
type Pool struct {
	runner  Runner
	logger  *slog.Logger
	workers int

	ch   chan string
	wg   sync.WaitGroup
	once sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan string, n)
		}
	}
}

func NewPool(runner Runner, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:   runner,
		logger:   logger,
		workers:  4,
		ch:       make(chan string, 256),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Jobs dispatched before Start wait in the queue.
func (p *Pool) Start(context.Context) error {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(i + 1)
		}
	})
	return nil
}

func (p *Pool) work(workerID int) {
	defer p.wg.Done()
	p.logger.Info("worker started", "worker_id", workerID)

	for id := range p.ch {
		if p.stopping() {
			// Left queued in the store; RequeueQueued picks it up on the next start.
			p.done(id)
			continue
		}
		status, err := p.runner.Run(p.ctx, id)
		p.done(id)
		if err != nil {
			p.logger.Error("job run ended with error", "worker_id", workerID, "job_id", id, "status", status, "error", err)
		} else {
			p.logger.Info("job run finished", "worker_id", workerID, "job_id", id, "status", status)
		}
	}

	p.logger.Info("worker stopped", "worker_id", workerID)
}

func (p *Pool) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) done(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// Dispatch queues a job id without blocking.
func (p *Pool) Dispatch(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.inflight[jobID]; ok {
		return fmt.Errorf("job %s: %w", jobID, governor.ErrDuplicateDispatch)
	}
	select {
	case p.ch <- jobID:
		p.inflight[jobID] = struct{}{}
		p.logger.Debug("job queued", "job_id", jobID, "depth", len(p.ch))
		return nil
	default:
		p.logger.Warn("queue full, rejecting dispatch", "job_id", jobID)
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs, drops what is still queued and waits for
// running jobs. If ctx ends first, running jobs are interrupted and left for
// the lease reaper.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-done:
		p.logger.Info("queue drained, shutdown complete")
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context, abandoning running jobs")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
