package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/editalflow/api/internal/config"
	"github.com/editalflow/api/internal/model"
	"github.com/editalflow/api/internal/store"
)

// CallbackPayload is the body POSTed to a job's callback URL. Summary is set
// on success, Error on failure.
type CallbackPayload struct {
	JobID        string                 `json:"jobId"`
	Status       model.JobStatus        `json:"status"`
	Filename     string                 `json:"filename"`
	ResultRef    string                 `json:"resultRef,omitempty"`
	QualityScore float64                `json:"qualityScore,omitempty"`
	Summary      *model.ArtifactSummary `json:"summary,omitempty"`
	Error        *model.JobError        `json:"error,omitempty"`
	SentAt       time.Time              `json:"sentAt"`
}

// Notifier delivers success and failure callbacks in the background. Delivery state
// is tracked on the job's notification flag; the job status is never touched.
type Notifier struct {
	store      store.Store
	httpClient *http.Client
	retries    int
	delay      time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNotifier(s store.Store, cfg config.WebhookConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.RetryCount
	if retries <= 0 {
		retries = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		store:      s,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retries:    retries,
		delay:      cfg.RetryDelay,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue marks the notification pending and starts delivery of the success callback.
func (n *Notifier) Enqueue(ctx context.Context, job *model.Job, summary model.ArtifactSummary) error {
	return n.enqueue(ctx, job, CallbackPayload{
		JobID:        job.ID,
		Status:       model.JobStatusSucceeded,
		Filename:     job.Document.Filename,
		ResultRef:    job.ResultRef,
		QualityScore: job.QualityScore,
		Summary:      &summary,
	})
}

// NotifyFailure sends the error callback for a failed job.
func (n *Notifier) NotifyFailure(ctx context.Context, job *model.Job, jobErr *model.JobError) error {
	return n.enqueue(ctx, job, CallbackPayload{
		JobID:    job.ID,
		Status:   model.JobStatusFailed,
		Filename: job.Document.Filename,
		Error:    jobErr,
	})
}

func (n *Notifier) enqueue(ctx context.Context, job *model.Job, payload CallbackPayload) error {
	url := job.Metadata.CallbackURL
	if url == "" {
		return nil
	}
	payload.SentAt = time.Now().UTC()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}
	if err := n.setStatus(ctx, job.ID, model.NotificationPending); err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(job.ID, url, body)
	}()
	return nil
}

func (n *Notifier) deliver(jobID, url string, body []byte) {
	logger := n.logger.With("job_id", jobID, "url", url)
	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		if lastErr = n.post(url, jobID, body); lastErr == nil {
			logger.Info("callback delivered", "attempt", attempt)
			n.finish(jobID, model.NotificationSent)
			return
		}
		logger.Warn("callback attempt failed", "attempt", attempt, "error", lastErr)
		if attempt == n.retries {
			break
		}
		select {
		case <-n.ctx.Done():
			logger.Warn("callback abandoned at shutdown")
			n.finish(jobID, model.NotificationFailed)
			return
		case <-time.After(n.delay * time.Duration(attempt)):
		}
	}
	logger.Error("callback failed", "attempts", n.retries, "error", lastErr)
	n.finish(jobID, model.NotificationFailed)
}

func (n *Notifier) post(url, jobID string, body []byte) error {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "editalflow-webhook/1.0")
	req.Header.Set("X-Edital-Job", jobID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) finish(jobID string, status model.NotificationStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.setStatus(ctx, jobID, status); err != nil {
		n.logger.Error("failed to record callback state", "job_id", jobID, "error", err)
	}
}

func (n *Notifier) setStatus(ctx context.Context, jobID string, status model.NotificationStatus) error {
	_, err := n.store.Update(ctx, jobID, func(j *model.Job) error {
		j.Notification = status
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set notification %s: %w", status, err)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends, in which case
// remaining deliveries are abandoned and marked failed.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

// Start is a no-op; deliveries begin on Enqueue.
func (n *Notifier) Start(context.Context) error { return nil }

// Shutdown waits for in-flight deliveries.
func (n *Notifier) Shutdown(ctx context.Context) error {
	return n.Wait(ctx)
}
