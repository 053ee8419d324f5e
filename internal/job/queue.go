// Package job runs durable jobs stored in Postgres. One queue processes one
// job at a time; several queue processes may share the table.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

// Store persists jobs
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	ClaimNext(ctx context.Context, now time.Time) (*models.Job, error)
	SaveOutcome(ctx context.Context, job *models.Job) error
	UpdateProgress(ctx context.Context, id string, progress float64) error
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	Retry(ctx context.Context, id string, now time.Time) (bool, error)
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
}

// ProgressReporter records a handler's progress in [0,1]
type ProgressReporter func(progress float64)

// Handler executes one job type
type Handler interface {
	// Validate rejects a payload that can never succeed
	Validate(payload json.RawMessage) error
	Handle(ctx context.Context, job *models.Job, report ProgressReporter) error
}

// Config configures a queue
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	// StaleAfter is how long a processing job may go without updates before
	// it is considered orphaned at startup
	StaleAfter time.Duration
}

// Queue polls the job table and dispatches claimed jobs by type
type Queue struct {
	store    Store
	cfg      Config
	handlers map[types.JobType]Handler
	now      func() time.Time

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	done      chan struct{}
	stopping  bool
	runningID string
	cancelRun context.CancelFunc
	cancelled bool
}

// NewQueue creates a queue
func NewQueue(store Store, cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Queue{
		store:    store,
		cfg:      cfg,
		handlers: make(map[types.JobType]Handler),
		now:      time.Now,
	}
}

// SetClock replaces the time source, used by tests
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Register binds a handler to a job type
func (q *Queue) Register(jobType types.JobType, h Handler) {
	q.handlers[jobType] = h
}

// Start requeues orphaned jobs and begins the poll loop
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	q.stopping = false
	q.stopCh = make(chan struct{})
	q.done = make(chan struct{})
	q.mu.Unlock()

	n, err := q.store.RequeueStale(ctx, q.now().Add(-q.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	if n > 0 {
		logging.WithField("jobs", n).Warn("Requeued stale processing jobs")
	}

	go q.loop(ctx)
	return nil
}

// Stop ends the poll loop, cancels the running job and waits for it to be saved
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.stopping = true
	close(q.stopCh)
	if q.cancelRun != nil {
		q.cancelRun()
	}
	done := q.done
	q.mu.Unlock()

	<-done
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.ProcessNext(ctx); err != nil && ctx.Err() == nil {
				logging.WithError(err).Error("Job processing failed")
			}
		}
	}
}

// Enqueue validates the payload and stores a pending job
func (q *Queue) Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, priority int) (*models.Job, error) {
	h, ok := q.handlers[jobType]
	if !ok {
		return nil, apperrors.NewInvalidParameterError("type", fmt.Sprintf("unknown job type %q", jobType))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("payload is not serializable: %v", err))
	}
	if err := h.Validate(raw); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		Status:      types.JobStatusPending,
		MaxAttempts: q.cfg.MaxAttempts,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    job.ID,
		"type":     jobType,
		"priority": priority,
	}).Info("Job enqueued")
	return job, nil
}

// Get returns a job
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs matching the filter
func (q *Queue) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return q.store.List(ctx, filter)
}

// Cancel stops a job. Pending and failed jobs become cancelled right away;
// the running job has its context cancelled and is saved as cancelled when
// its handler returns.
func (q *Queue) Cancel(ctx context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	if q.runningID == id && q.cancelRun != nil {
		q.cancelled = true
		q.cancelRun()
		q.mu.Unlock()
		logging.FromContext(ctx).WithField("jobId", id).Info("Cancelling running job")
		return q.store.Get(ctx, id)
	}
	q.mu.Unlock()

	ok, err := q.store.Cancel(ctx, id, q.now().UTC())
	if err != nil {
		return nil, err
	}
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s is %s and cannot be cancelled", id, job.Status))
	}
	return job, nil
}

// Retry resets a failed or cancelled job to pending with a fresh attempt budget
func (q *Queue) Retry(ctx context.Context, id string) (*models.Job, error) {
	ok, err := q.store.Retry(ctx, id, q.now().UTC())
	if err != nil {
		return nil, err
	}
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s is %s and cannot be retried", id, job.Status))
	}
	return job, nil
}

// ProcessNext claims and runs one job. It reports false when nothing was eligible.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.store.ClaimNext(ctx, q.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":   job.ID,
		"type":    job.Type,
		"attempt": job.Attempts + 1,
	})
	logger.Info("Job started")

	runCtx, cancel := context.WithCancel(logging.WithLogger(ctx, logger))
	q.mu.Lock()
	q.runningID = job.ID
	q.cancelRun = cancel
	q.cancelled = false
	q.mu.Unlock()

	start := q.now()
	runErr := q.dispatch(runCtx, job)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(q.now().Sub(start).Seconds())

	q.mu.Lock()
	cancelledByOperator := q.cancelled
	stopping := q.stopping
	q.runningID = ""
	q.cancelRun = nil
	q.cancelled = false
	q.mu.Unlock()
	cancel()

	shutdown := runErr != nil && !cancelledByOperator && (ctx.Err() != nil || stopping)
	if shutdown {
		// the process is stopping; hand the job back without spending an attempt
		job.Status = types.JobStatusPending
		job.UpdatedAt = q.now().UTC()
	} else {
		ApplyOutcome(job, runErr, cancelledByOperator, q.now().UTC())
	}

	if err := q.store.SaveOutcome(context.WithoutCancel(ctx), job); err != nil {
		return true, fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	fields := map[string]interface{}{"status": job.Status, "attempts": job.Attempts}
	if runErr != nil {
		logger.WithError(runErr).WithFields(fields).Warn("Job did not complete")
	} else {
		logger.WithFields(fields).Info("Job completed")
	}
	return true, nil
}

func (q *Queue) dispatch(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("job handler panicked: %v", r), nil)
		}
	}()

	h, ok := q.handlers[job.Type]
	if !ok {
		return apperrors.NewValidationError(fmt.Sprintf("no handler for job type %q", job.Type))
	}
	if err := h.Validate(job.Payload); err != nil {
		return err
	}

	report := func(p float64) {
		p = math.Max(0, math.Min(1, p))
		if err := q.store.UpdateProgress(ctx, job.ID, p); err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to record job progress")
		}
	}
	return h.Handle(ctx, job, report)
}

// ApplyOutcome moves job to the state that follows a handler result.
// Validation failures spend the whole attempt budget; other failures back off
// 2^(attempts-1) minutes until the budget is gone.
func ApplyOutcome(job *models.Job, runErr error, cancelled bool, now time.Time) {
	job.UpdatedAt = now
	job.NextRetryAt = nil

	switch {
	case runErr == nil:
		job.Status = types.JobStatusCompleted
		job.Progress = 1
		job.ErrorMessage = nil
		job.CompletedAt = &now
	case cancelled:
		job.Status = types.JobStatusCancelled
		job.CompletedAt = &now
		msg := "cancelled by operator"
		job.ErrorMessage = &msg
	case apperrors.IsValidation(runErr):
		job.Status = types.JobStatusFailed
		job.Attempts = job.MaxAttempts
		job.CompletedAt = &now
		msg := runErr.Error()
		job.ErrorMessage = &msg
	default:
		job.Attempts++
		msg := runErr.Error()
		job.ErrorMessage = &msg
		if job.Attempts >= job.MaxAttempts {
			job.Status = types.JobStatusFailed
			job.CompletedAt = &now
			return
		}
		job.Status = types.JobStatusPending
		next := now.Add(RetryDelay(job.Attempts))
		job.NextRetryAt = &next
	}
}

// RetryDelay is the backoff after the given number of failed attempts
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(1<<uint(attempts-1)) * time.Minute
}
