package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/editalflow/api/internal/model"
	"github.com/editalflow/api/internal/store"
)

// maxRunningProgress keeps progress below 100 until the job has succeeded.
const maxRunningProgress = 99

var errCancelRequested = errors.New("cancellation requested")

// ProgressPublisher receives live job events, e.g. the websocket hub.
type ProgressPublisher interface {
	PublishProgress(msg model.WSProgressMessage)
	PublishComplete(msg model.WSCompleteMessage)
	PublishError(msg model.WSErrorMessage)
}

// FailureNotifier sends the error callback of a failed job.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, job *model.Job, jobErr *model.JobError) error
}

// Engine drives one job through the ordered stages.
type Engine struct {
	store        store.Store
	stages       []Stage
	policy       RetryPolicy
	stageTimeout time.Duration
	leaseTTL     time.Duration
	publisher    ProgressPublisher
	failures     FailureNotifier
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithStageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stageTimeout = d
		}
	}
}

func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

func WithPublisher(p ProgressPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithFailureNotifier(n FailureNotifier) Option {
	return func(e *Engine) { e.failures = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine validates the stage list and applies options.
func NewEngine(s store.Store, stages []Stage, opts ...Option) (*Engine, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	e := &Engine{
		store:        s,
		stages:       stages,
		policy:       DefaultRetryPolicy(),
		stageTimeout: 5 * time.Minute,
		leaseTTL:     2 * time.Minute,
		logger:       slog.Default(),
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run is the state of a single Engine.Run invocation.
type run struct {
	e        *Engine
	parent   context.Context
	jobID    string
	workerID string
	logger   *slog.Logger
	cancel   context.CancelCauseFunc

	mu       sync.Mutex
	progress float64
}

// Run claims the job and executes every stage. It returns the status the job
// was left in. When the job is already claimed by another worker nothing is
// executed and the error wraps store.ErrAlreadyClaimed. When ctx ends before
// the job finishes, the job stays running and its lease is left to expire so
// the janitor can reclaim it.
func (e *Engine) Run(ctx context.Context, jobID string) (model.JobStatus, error) {
	workerID := uuid.NewString()
	job, err := store.Claim(ctx, e.store, jobID, workerID, e.leaseTTL)
	if err != nil {
		return "", fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}

	r := &run{
		e:        e,
		parent:   ctx,
		jobID:    jobID,
		workerID: workerID,
		logger:   e.logger.With("job_id", jobID, "worker_id", workerID),
		progress: job.Progress,
	}
	r.logger.Info("job started", "filename", job.Document.Filename, "reprocess_of", job.ReprocessOf)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeat(runCtx)
	}()

	status, err := r.execute(runCtx, job)
	cancel(nil)
	wg.Wait()
	return status, err
}

// heartbeat renews the lease. Cancellation requests are only honoured at
// stage boundaries, so an in-flight stage is never interrupted from here.
func (r *run) heartbeat(ctx context.Context) {
	interval := r.e.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := store.Heartbeat(ctx, r.e.store, r.jobID, r.workerID, r.e.leaseTTL)
			switch {
			case errors.Is(err, store.ErrLeaseLost):
				r.cancel(store.ErrLeaseLost)
				return
			case err != nil:
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// update applies fn to the job while the lease is held, renewing the lease.
func (r *run) update(ctx context.Context, fn func(*model.Job) error) (*model.Job, error) {
	return store.OwnedUpdate(ctx, r.e.store, r.jobID, r.workerID, func(job *model.Job) error {
		if err := fn(job); err != nil {
			return err
		}
		now := time.Now()
		job.Lease.HeartbeatAt = now
		job.Lease.ExpiresAt = now.Add(r.e.leaseTTL)
		return nil
	})
}

// finish writes a terminal state and releases the lease in one update.
func (r *run) finish(fn func(*model.Job)) (*model.Job, error) {
	return store.OwnedUpdate(r.parent, r.e.store, r.jobID, r.workerID, func(job *model.Job) error {
		now := time.Now()
		fn(job)
		job.FinishedAt = &now
		job.Lease = nil
		return nil
	})
}

func (r *run) execute(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	sc := NewStageContext(job)
	completed := 0.0

	for i, st := range r.e.stages {
		name := st.Name()
		idx := i + 1

		// Boundary: stop here if cancellation was requested, otherwise record the stage.
		current, err := r.update(ctx, func(j *model.Job) error {
			if j.CancelRequested {
				return errCancelRequested
			}
			j.Stage = name
			j.StageIndex = idx
			j.CurrentStep = StageLabel(name)
			return nil
		})
		if errors.Is(err, errCancelRequested) {
			r.cancel(errCancelRequested)
			return r.interrupted(ctx)
		}
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, store.ErrLeaseLost) {
				r.cancel(store.ErrLeaseLost)
			}
			if ctx.Err() != nil {
				return r.interrupted(ctx)
			}
			return "", fmt.Errorf("failed to record stage %s: %w", name, err)
		}
		r.publishProgress(current)

		start := time.Now()
		outcome, attempts := r.runStage(ctx, st, sc, completed)
		sc.Durations[string(name)] = round(time.Since(start).Seconds(), 3)

		if ctx.Err() != nil {
			return r.interrupted(ctx)
		}
		if !outcome.Succeeded() {
			return r.fail(name, outcome, attempts)
		}

		if outcome.Warning != "" {
			sc.Warnings = append(sc.Warnings, outcome.Warning)
			r.logger.Warn("stage degraded", "stage", name, "warning", outcome.Warning)
		}
		if outcome.Type == OutcomeSkipped {
			r.logger.Debug("stage skipped", "stage", name, "reason", outcome.Reason)
		}
		completed += st.Weight()
		current, err = r.setProgress(ctx, math.Min(completed, maxRunningProgress), sc.Warnings)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx)
			}
			return "", fmt.Errorf("failed to record progress: %w", err)
		}
		if current != nil {
			r.publishProgress(current)
		}
	}

	return r.succeed(sc)
}

// runStage executes one stage with the retry policy. It returns the final
// outcome and the number of attempts made.
func (r *run) runStage(ctx context.Context, st Stage, sc *StageContext, completed float64) (Outcome, int) {
	name := st.Name()
	boundary := completed + st.Weight()
	report := func(done, total int) {
		if total <= 0 {
			return
		}
		frac := math.Min(float64(done)/float64(total), 1)
		p := completed + st.Weight()*frac
		p = math.Min(p, math.Max(completed, boundary-0.01))
		p = math.Min(p, maxRunningProgress)
		if job, err := r.setProgress(ctx, p, nil); err == nil && job != nil {
			r.publishProgress(job)
		}
	}

	for attempt := 1; ; attempt++ {
		if _, err := r.update(ctx, func(j *model.Job) error {
			if j.Attempts == nil {
				j.Attempts = map[model.StageName]int{}
			}
			j.Attempts[name] = attempt
			return nil
		}); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				r.cancel(store.ErrLeaseLost)
			}
			return Fatal(KindInternal, fmt.Errorf("failed to record attempt: %w", err)), attempt - 1
		}

		actx, cancel := context.WithTimeout(ctx, r.e.stageTimeout)
		outcome := st.Execute(actx, sc, report)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if ctx.Err() != nil || outcome.Succeeded() {
			return outcome, attempt
		}
		if timedOut {
			outcome = Retryable(KindTransientProvider, fmt.Errorf("stage timed out after %s", r.e.stageTimeout))
		}
		if outcome.Type == OutcomeFatal {
			return outcome, attempt
		}

		retry, wait := r.e.policy.Decide(name, attempt, outcome.Kind)
		if !retry {
			return outcome, attempt
		}
		r.logger.Warn("stage attempt failed, retrying",
			"stage", name, "attempt", attempt, "kind", outcome.Kind, "wait", wait, "error", outcome.message())
		if err := r.e.sleep(ctx, wait); err != nil {
			return outcome, attempt
		}
		// A cancel issued during the backoff is honoured before the next attempt.
		if job, err := r.e.store.Get(ctx, r.jobID); err == nil && job.CancelRequested {
			r.cancel(errCancelRequested)
			return outcome, attempt
		}
	}
}

// setProgress raises progress to p; it never lowers it. A nil job is returned
// when nothing changed.
func (r *run) setProgress(ctx context.Context, p float64, warnings []string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p <= r.progress && warnings == nil {
		return nil, nil
	}
	job, err := r.update(ctx, func(j *model.Job) error {
		if p > j.Progress {
			j.Progress = p
		}
		if warnings != nil {
			j.Warnings = append([]string(nil), warnings...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.progress = job.Progress
	return job, nil
}

// interrupted resolves why the run context ended.
func (r *run) interrupted(ctx context.Context) (model.JobStatus, error) {
	if err := r.parent.Err(); err != nil {
		r.logger.Warn("job interrupted by shutdown; lease left to expire")
		return model.JobStatusRunning, err
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, store.ErrLeaseLost) {
		r.logger.Warn("lease lost; abandoning job")
		return "", fmt.Errorf("job %s: %w", r.jobID, store.ErrLeaseLost)
	}

	job, err := r.finish(func(j *model.Job) {
		j.Status = model.JobStatusCancelled
		j.CurrentStep = "Cancelled"
	})
	if err != nil {
		return "", fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	r.logger.Info("job cancelled", "stage", job.Stage)
	r.publishProgress(job)
	return model.JobStatusCancelled, nil
}

func (r *run) fail(stage model.StageName, o Outcome, attempts int) (model.JobStatus, error) {
	kind := o.Kind
	if kind == "" {
		kind = KindInternal
	}
	jobErr := &model.JobError{
		Stage:    stage,
		Kind:     kind,
		Message:  fmt.Sprintf("%s failed after %d attempt(s): %s", stage, attempts, o.message()),
		Attempts: attempts,
	}
	job, err := r.finish(func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.Error = jobErr
		j.CurrentStep = "Failed"
	})
	if err != nil {
		return "", fmt.Errorf("failed to mark job failed: %w", err)
	}

	r.logger.Error("job failed", "stage", stage, "kind", kind, "attempts", attempts, "error", jobErr.Message)
	if r.e.publisher != nil {
		r.e.publisher.PublishError(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: r.jobID,
			Error: model.WSError{Code: string(kind), Message: jobErr.Message},
		})
	}
	if r.e.failures != nil && job.Metadata.CallbackURL != "" {
		if err := r.e.failures.NotifyFailure(r.parent, job, jobErr); err != nil {
			r.logger.Warn("failure callback could not be scheduled", "error", err)
		}
	}
	return model.JobStatusFailed, nil
}

func (r *run) succeed(sc *StageContext) (model.JobStatus, error) {
	job, err := r.finish(func(j *model.Job) {
		j.Status = model.JobStatusSucceeded
		j.Progress = 100
		j.ResultRef = sc.ResultRef
		j.QualityScore = sc.QualityScore
		j.CurrentStep = "Completed"
		j.Warnings = append([]string(nil), sc.Warnings...)
	})
	if err != nil {
		return "", fmt.Errorf("failed to mark job succeeded: %w", err)
	}

	r.logger.Info("job succeeded", "result_ref", job.ResultRef, "quality_score", job.QualityScore)
	if r.e.publisher != nil {
		msg := model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  r.jobID,
			Status: model.JobStatusSucceeded,
		}
		if sc.Artifact != nil {
			summary := sc.Artifact.Summary
			msg.Summary = &summary
		}
		r.e.publisher.PublishComplete(msg)
	}
	return model.JobStatusSucceeded, nil
}

func (r *run) publishProgress(job *model.Job) {
	if r.e.publisher == nil || job == nil {
		return
	}
	r.e.publisher.PublishProgress(model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       job.ID,
		Progress:    job.Progress,
		Status:      job.Status,
		Stage:       job.Stage,
		StageIndex:  job.StageIndex,
		CurrentStep: job.CurrentStep,
	})
}
