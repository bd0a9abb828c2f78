// Package governor admits edital jobs against queue and quota limits and
// manages their lifecycle (cancel, reprocess, status, result, reclaim).
package governor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/editalflow/api/internal/model"
	"github.com/editalflow/api/internal/quota"
	"github.com/editalflow/api/internal/sink"
	"github.com/editalflow/api/internal/store"
)

var (
	ErrNotCancellable   = errors.New("job cannot be cancelled")
	ErrNotReprocessable = errors.New("only failed jobs can be reprocessed")
	ErrNotReady         = errors.New("job result not ready")
	ErrNotFound         = errors.New("job not found")
	// ErrDuplicateDispatch is returned by dispatchers that already hold a task for the job.
	ErrDuplicateDispatch = errors.New("job already dispatched")
)

// Reason explains why admission was refused.
type Reason string

const (
	ReasonDailyQuota        Reason = "daily_quota_exceeded"
	ReasonQueueFull         Reason = "queue_full"
	ReasonAlreadyInProgress Reason = "already_in_progress"
)

// Rejection is returned by Admit when a job is refused. No record is created.
type Rejection struct {
	Reason Reason
	// JobID is the in-flight job that blocked admission, when known.
	JobID string
}

func (r *Rejection) Error() string {
	if r.JobID != "" {
		return fmt.Sprintf("admission rejected: %s (job %s)", r.Reason, r.JobID)
	}
	return fmt.Sprintf("admission rejected: %s", r.Reason)
}

// Dispatcher hands an admitted job id to the workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// ResultLoader reads persisted artifacts.
type ResultLoader interface {
	Load(ctx context.Context, ref string) (*model.Artifact, error)
}

// WorkbookSource serves the tables spreadsheet of a finished job, either as
// bytes or as a temporary download URL.
type WorkbookSource interface {
	Workbook(ctx context.Context, jobID string) (data []byte, url string, err error)
}

// DocumentStore keeps uploaded documents until they are processed.
type DocumentStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type Config struct {
	QueueLimit  int
	LeaseTTL    time.Duration
	MaxReclaims int
}

// Governor is the admission and lifecycle front of the pipeline.
type Governor struct {
	store      store.Store
	quota      quota.Counter
	dispatcher Dispatcher
	results    ResultLoader
	documents  DocumentStore
	cfg        Config
	logger     *slog.Logger
	components []Component
}

func New(s store.Store, q quota.Counter, d Dispatcher, results ResultLoader, documents DocumentStore, cfg Config, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.MaxReclaims <= 0 {
		cfg.MaxReclaims = 3
	}
	return &Governor{
		store:      s,
		quota:      q,
		dispatcher: d,
		results:    results,
		documents:  documents,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetDispatcher wires the dispatcher after construction; the asynq and local
// backends need the governor's store before they exist.
func (g *Governor) SetDispatcher(d Dispatcher) {
	g.dispatcher = d
}

// AdmitRequest describes a job to admit.
type AdmitRequest struct {
	// JobID reuses an explicit id; a fresh uuid is assigned when empty.
	JobID       string
	Owner       string
	Document    model.DocumentRef
	Metadata    model.SubmitMetadata
	ReprocessOf string
}

func dedupeKey(owner string, doc model.DocumentRef) string {
	if doc.SHA256 != "" {
		return owner + "|" + doc.SHA256
	}
	return owner + "|uri:" + doc.URI
}

// Admit checks, in order: an in-flight job for the same id or document, queue
// capacity, and the owner's daily quota. On success the job is stored as
// queued and dispatched.
func (g *Governor) Admit(ctx context.Context, req AdmitRequest) (*model.Job, error) {
	if req.JobID != "" {
		existing, err := g.store.Get(ctx, req.JobID)
		switch {
		case err == nil && existing.Status.IsActive():
			return nil, &Rejection{Reason: ReasonAlreadyInProgress, JobID: existing.ID}
		case err == nil:
			return nil, fmt.Errorf("job %s: %w", req.JobID, store.ErrConflict)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to look up job: %w", err)
		}
	}

	key := dedupeKey(req.Owner, req.Document)
	if existing, err := g.store.FindActiveByDedupeKey(ctx, key); err == nil {
		return nil, &Rejection{Reason: ReasonAlreadyInProgress, JobID: existing.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check in-flight jobs: %w", err)
	}

	if g.cfg.QueueLimit > 0 {
		queued, err := g.store.CountByStatus(ctx, model.JobStatusQueued)
		if err != nil {
			return nil, fmt.Errorf("failed to count queued jobs: %w", err)
		}
		if queued >= g.cfg.QueueLimit {
			return nil, &Rejection{Reason: ReasonQueueFull}
		}
	}

	ok, err := g.quota.Reserve(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if !ok {
		return nil, &Rejection{Reason: ReasonDailyQuota}
	}

	id := req.JobID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	job := &model.Job{
		ID:           id,
		Owner:        req.Owner,
		Document:     req.Document,
		Metadata:     req.Metadata,
		DedupeKey:    key,
		Status:       model.JobStatusQueued,
		Attempts:     map[model.StageName]int{},
		Notification: model.NotificationNone,
		ReprocessOf:  req.ReprocessOf,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.Create(ctx, job); err != nil {
		g.releaseQuota(ctx, req.Owner)
		if errors.Is(err, store.ErrConflict) {
			return nil, &Rejection{Reason: ReasonAlreadyInProgress}
		}
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := g.dispatcher.Dispatch(ctx, job.ID); err != nil {
		g.releaseQuota(ctx, req.Owner)
		g.abandon(ctx, job.ID, err)
		if errors.Is(err, ErrDuplicateDispatch) {
			return nil, &Rejection{Reason: ReasonAlreadyInProgress, JobID: job.ID}
		}
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	g.logger.Info("job admitted", "job_id", job.ID, "owner", job.Owner, "filename", job.Document.Filename, "reprocess_of", job.ReprocessOf)
	return job, nil
}

func (g *Governor) releaseQuota(ctx context.Context, owner string) {
	if err := g.quota.Release(ctx, owner); err != nil {
		g.logger.Warn("failed to release quota", "owner", owner, "error", err)
	}
}

// abandon fails a job that was stored but could not be dispatched.
func (g *Governor) abandon(ctx context.Context, id string, cause error) {
	_, err := g.store.Update(ctx, id, func(j *model.Job) error {
		now := time.Now()
		j.Status = model.JobStatusFailed
		j.Error = &model.JobError{Kind: model.ErrorKindInternal, Message: fmt.Sprintf("dispatch failed: %v", cause)}
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		g.logger.Error("failed to abandon undispatched job", "job_id", id, "error", err)
	}
}

// StageDocument stores uploaded bytes and returns a reference to them.
func (g *Governor) StageDocument(ctx context.Context, filename string, data []byte) (model.DocumentRef, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := path.Join("uploads", digest[:2], digest+".pdf")
	if _, err := g.documents.Put(ctx, key, data, "application/pdf"); err != nil {
		return model.DocumentRef{}, fmt.Errorf("failed to store document: %w", err)
	}
	return model.DocumentRef{
		URI:       key,
		Filename:  filename,
		SizeBytes: int64(len(data)),
		SHA256:    digest,
	}, nil
}

// Submit admits a new document for processing.
func (g *Governor) Submit(ctx context.Context, owner string, doc model.DocumentRef, meta model.SubmitMetadata) (*model.SubmitResponse, error) {
	job, err := g.Admit(ctx, AdmitRequest{Owner: owner, Document: doc, Metadata: meta})
	if err != nil {
		return nil, err
	}
	return &model.SubmitResponse{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt}, nil
}

func (g *Governor) get(ctx context.Context, id string) (*model.Job, error) {
	job, err := g.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// Cancel stops a job: queued jobs are cancelled immediately, running jobs are
// flagged and stop at their next stage boundary.
func (g *Governor) Cancel(ctx context.Context, id string) (*model.CancelResponse, error) {
	job, err := g.store.Update(ctx, id, func(j *model.Job) error {
		switch j.Status {
		case model.JobStatusQueued:
			now := time.Now()
			j.Status = model.JobStatusCancelled
			j.CurrentStep = "Cancelled"
			j.FinishedAt = &now
		case model.JobStatusRunning:
			j.CancelRequested = true
		default:
			return ErrNotCancellable
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, ErrNotCancellable):
		return nil, ErrNotCancellable
	case err != nil:
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	g.logger.Info("job cancel requested", "job_id", id, "status", job.Status)
	return &model.CancelResponse{Success: true, JobID: id, Status: job.Status}, nil
}

// Reprocess re-admits a failed job's document under a fresh id. It counts
// against the owner's daily quota like any other admission.
func (g *Governor) Reprocess(ctx context.Context, id string) (*model.ReprocessResponse, error) {
	old, err := g.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != model.JobStatusFailed {
		return nil, ErrNotReprocessable
	}
	job, err := g.Admit(ctx, AdmitRequest{
		Owner:       old.Owner,
		Document:    old.Document,
		Metadata:    old.Metadata,
		ReprocessOf: old.ID,
	})
	if err != nil {
		return nil, err
	}
	return &model.ReprocessResponse{JobID: job.ID, ReprocessOf: old.ID, Status: job.Status}, nil
}

// Status returns the job's current state.
func (g *Governor) Status(ctx context.Context, id string) (*model.JobStatusView, error) {
	job, err := g.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// Stats counts jobs occupying the queue and the workers.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

func (g *Governor) Stats(ctx context.Context) (Stats, error) {
	queued, err := g.store.CountByStatus(ctx, model.JobStatusQueued)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	running, err := g.store.CountByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return Stats{Queued: queued, Running: running}, nil
}

// Job returns the raw record, used for ownership checks.
func (g *Governor) Job(ctx context.Context, id string) (*model.Job, error) {
	return g.get(ctx, id)
}

// Result returns the artifact of a succeeded job.
func (g *Governor) Result(ctx context.Context, id string) (*model.Artifact, error) {
	job, err := g.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusSucceeded || job.ResultRef == "" {
		return nil, ErrNotReady
	}
	artifact, err := g.results.Load(ctx, job.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return artifact, nil
}

// Workbook returns the tables spreadsheet of a succeeded job. Jobs that found
// no tables have none and report ErrNotFound.
func (g *Governor) Workbook(ctx context.Context, id string) ([]byte, string, error) {
	job, err := g.get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.Status != model.JobStatusSucceeded {
		return nil, "", ErrNotReady
	}
	src, ok := g.results.(WorkbookSource)
	if !ok {
		return nil, "", ErrNotFound
	}
	data, url, err := src.Workbook(ctx, job.ID)
	if errors.Is(err, sink.ErrResultNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load workbook: %w", err)
	}
	return data, url, nil
}

// ReclaimOrphans requeues running jobs whose lease expired. A job reclaimed
// more than MaxReclaims times is failed instead. It returns how many jobs
// were requeued.
func (g *Governor) ReclaimOrphans(ctx context.Context) (int, error) {
	running, err := g.store.ListByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	requeued := 0
	for _, candidate := range running {
		now := time.Now()
		if candidate.Lease != nil && candidate.Lease.ExpiresAt.After(now) {
			continue
		}
		var outcome model.JobStatus
		_, err := g.store.Update(ctx, candidate.ID, func(j *model.Job) error {
			if j.Status != model.JobStatusRunning || (j.Lease != nil && j.Lease.ExpiresAt.After(now)) {
				outcome = ""
				return nil
			}
			j.Lease = nil
			if j.CancelRequested {
				j.Status = model.JobStatusCancelled
				j.CurrentStep = "Cancelled"
				j.FinishedAt = &now
				outcome = j.Status
				return nil
			}
			j.Reclaims++
			if j.Reclaims > g.cfg.MaxReclaims {
				j.Status = model.JobStatusFailed
				j.Error = &model.JobError{
					Stage:    j.Stage,
					Kind:     model.ErrorKindInternal,
					Message:  fmt.Sprintf("worker lost %d times; giving up", j.Reclaims),
					Attempts: j.Attempts[j.Stage],
				}
				j.FinishedAt = &now
				outcome = j.Status
				return nil
			}
			j.Status = model.JobStatusQueued
			j.Stage = ""
			j.StageIndex = 0
			j.Progress = 0
			j.CurrentStep = ""
			j.Attempts = map[model.StageName]int{}
			j.Warnings = nil
			outcome = j.Status
			return nil
		})
		if err != nil {
			g.logger.Error("failed to reclaim job", "job_id", candidate.ID, "error", err)
			continue
		}

		switch outcome {
		case model.JobStatusQueued:
			err := g.dispatcher.Dispatch(ctx, candidate.ID)
			if errors.Is(err, ErrDuplicateDispatch) {
				// The old task may still be active and will not be replayed,
				// so the job goes back to running for the next sweep.
				g.restoreOrphan(ctx, candidate.ID)
				g.logger.Warn("orphaned job still holds a task, retrying next sweep", "job_id", candidate.ID)
				continue
			}
			if err != nil {
				g.logger.Error("failed to redispatch reclaimed job", "job_id", candidate.ID, "error", err)
				continue
			}
			requeued++
			g.logger.Warn("orphaned job requeued", "job_id", candidate.ID)
		case model.JobStatusFailed:
			g.logger.Error("orphaned job exceeded reclaim limit", "job_id", candidate.ID, "max_reclaims", g.cfg.MaxReclaims)
		case model.JobStatusCancelled:
			g.logger.Info("orphaned job cancelled", "job_id", candidate.ID)
		}
	}
	return requeued, nil
}

// restoreOrphan undoes a requeue that could not be dispatched. A job that a
// pending task has claimed in the meantime is left alone.
func (g *Governor) restoreOrphan(ctx context.Context, id string) {
	_, err := g.store.Update(ctx, id, func(j *model.Job) error {
		if j.Status != model.JobStatusQueued {
			return nil
		}
		j.Status = model.JobStatusRunning
		j.Lease = nil
		if j.Reclaims > 0 {
			j.Reclaims--
		}
		return nil
	})
	if err != nil {
		g.logger.Error("failed to restore orphaned job", "job_id", id, "error", err)
	}
}

// RequeueQueued redispatches every queued job, e.g. after a restart of the
// local worker pool which keeps its queue in memory.
func (g *Governor) RequeueQueued(ctx context.Context) (int, error) {
	queued, err := g.store.ListByStatus(ctx, model.JobStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	n := 0
	for _, job := range queued {
		if err := g.dispatcher.Dispatch(ctx, job.ID); err != nil && !errors.Is(err, ErrDuplicateDispatch) {
			g.logger.Error("failed to redispatch queued job", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Component is a background part of the pipeline (dispatcher, janitor,
// notifier) that the governor starts and drains.
type Component interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Attach registers components; they start in order and shut down in reverse.
func (g *Governor) Attach(c ...Component) {
	g.components = append(g.components, c...)
}

func (g *Governor) Start(ctx context.Context) error {
	for i, c := range g.components {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = g.components[j].Shutdown(ctx)
			}
			return fmt.Errorf("failed to start component: %w", err)
		}
	}
	return nil
}

// Shutdown drains components in reverse start order.
func (g *Governor) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(g.components) - 1; i >= 0; i-- {
		if err := g.components[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
