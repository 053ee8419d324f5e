package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

// JobRepository handles job queue persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, next_retry_at, priority,
	progress, error_message, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Payload,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.NextRetryAt,
		&j.Priority,
		&j.Progress,
		&j.ErrorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.StartedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Create inserts a new job
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, priority, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.Type,
		[]byte(job.Payload),
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.Priority,
		job.Progress,
		job.CreatedAt,
	)
	if err != nil {
		return apperrors.NewStorageError("create job", err)
	}
	return nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(r.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job", id)
		}
		return nil, apperrors.NewStorageError("get job", err)
	}
	return j, nil
}

// List returns jobs newest first
func (r *JobRepository) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	var status, jobType *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	if filter.Type != nil {
		t := string(*filter.Type)
		jobType = &t
	}

	rows, err := r.db.Pool().Query(ctx, query, status, jobType, limit, filter.Offset)
	if err != nil {
		return nil, apperrors.NewStorageError("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNext atomically picks the highest priority eligible job and marks it
// processing. Concurrent claimers skip rows locked by each other. Returns nil
// when nothing is eligible.
func (r *JobRepository) ClaimNext(ctx context.Context, now time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing', started_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('pending', 'failed')
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			  AND attempts < max_attempts
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	j, err := scanJob(r.db.Pool().QueryRow(ctx, query, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewStorageError("claim job", err)
	}
	return j, nil
}

// SaveOutcome persists the state the queue computed after a handler returned
func (r *JobRepository) SaveOutcome(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET status = $2, attempts = $3, next_retry_at = $4, error_message = $5,
			progress = $6, completed_at = $7, updated_at = $8
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.Status,
		job.Attempts,
		job.NextRetryAt,
		job.ErrorMessage,
		job.Progress,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewStorageError("save job outcome", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("job", job.ID)
	}
	return nil
}

// UpdateProgress records handler progress in [0,1]
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress float64) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`,
		id, progress)
	if err != nil {
		return apperrors.NewStorageError("update job progress", err)
	}
	return nil
}

// Cancel moves a pending or failed job to cancelled. It reports false when
// the job exists but is in another state.
func (r *JobRepository) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id, now)
	if err != nil {
		return false, apperrors.NewStorageError("cancel job", err)
	}
	return result.RowsAffected() > 0, nil
}

// Retry resets a failed or cancelled job to pending with a fresh attempt budget
func (r *JobRepository) Retry(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, next_retry_at = NULL, error_message = NULL,
			progress = 0, started_at = NULL, completed_at = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('failed', 'cancelled')
	`, id, now)
	if err != nil {
		return false, apperrors.NewStorageError("retry job", err)
	}
	return result.RowsAffected() > 0, nil
}

// RequeueStale returns processing jobs not updated since before to pending.
// It runs on queue start to recover jobs orphaned by a crash.
func (r *JobRepository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < $1
	`, before, types.JobStatusPending, types.JobStatusProcessing)
	if err != nil {
		return 0, apperrors.NewStorageError("requeue stale jobs", err)
	}
	return result.RowsAffected(), nil
}
