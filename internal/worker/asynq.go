package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/store"
)

const (
	TaskTypeProcess = "edital:process"
	QueueEditais    = "editais"
)

type processPayload struct {
	JobID string `json:"jobId"`
}

func newProcessTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(processPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeProcess, data), nil
}

// AsynqDispatcher enqueues jobs on Redis for AsynqWorker processes. The task
// id is the job id, so a job has at most one pending task.
type AsynqDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *slog.Logger
}

func NewAsynqDispatcher(opt asynq.RedisConnOpt, logger *slog.Logger) *AsynqDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqDispatcher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		logger:    logger,
	}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := newProcessTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	err = d.enqueue(ctx, task, jobID)
	if errors.Is(err, asynq.ErrTaskIDConflict) && d.clearStale(jobID) {
		err = d.enqueue(ctx, task, jobID)
	}
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		return fmt.Errorf("job %s: %w", jobID, governor.ErrDuplicateDispatch)
	case err != nil:
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task *asynq.Task, jobID string) error {
	_, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueEditais),
		asynq.TaskID(jobID),
		// The engine owns retries per stage; a failed task is never replayed.
		asynq.MaxRetry(0),
	)
	return err
}

// clearStale deletes a leftover task for the job (archived after a worker
// crash, or retained after completion) so a reclaimed job can be enqueued
// again. It reports whether anything was removed.
func (d *AsynqDispatcher) clearStale(jobID string) bool {
	info, err := d.inspector.GetTaskInfo(QueueEditais, jobID)
	if err != nil {
		return false
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false
	}
	if err := d.inspector.DeleteTask(QueueEditais, jobID); err != nil {
		d.logger.Warn("failed to delete stale task", "job_id", jobID, "error", err)
		return false
	}
	return true
}

func (d *AsynqDispatcher) Start(context.Context) error { return nil }

func (d *AsynqDispatcher) Shutdown(context.Context) error {
	return errors.Join(d.client.Close(), d.inspector.Close())
}

// AsynqWorker consumes edital tasks and runs them through the engine.
type AsynqWorker struct {
	srv    *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *slog.Logger
}

func NewAsynqWorker(opt asynq.RedisConnOpt, concurrency int, logLevel string, runner Runner, logger *slog.Logger) *AsynqWorker {
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueEditais: 1,
		},
		LogLevel:        asynqLevel(logLevel),
		Logger:          asynqLogger{logger.With("component", "asynq")},
		ShutdownTimeout: 30 * time.Second,
	})
	w := &AsynqWorker{srv: srv, mux: asynq.NewServeMux(), runner: runner, logger: logger}
	w.mux.HandleFunc(TaskTypeProcess, w.ProcessTask)
	return w
}

// ProcessTask runs the job named in the task. Pipeline failures are recorded
// on the job itself, so they never make asynq retry the task.
func (w *AsynqWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload processPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	status, err := w.runner.Run(ctx, payload.JobID)
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed), errors.Is(err, store.ErrNotFound):
		w.logger.Info("task skipped", "job_id", payload.JobID, "reason", err)
		return nil
	case err != nil:
		w.logger.Error("job run ended with error", "job_id", payload.JobID, "status", status, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	w.logger.Info("job run finished", "job_id", payload.JobID, "status", status)
	return nil
}

func (w *AsynqWorker) Start(context.Context) error {
	return w.srv.Start(w.mux)
}

func (w *AsynqWorker) Shutdown(context.Context) error {
	w.srv.Shutdown()
	return nil
}

func asynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}

// asynqLogger routes asynq's internal logging into slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
