package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/dataset-tools/internal/api/domain"
	"github.com/cuongbtq/dataset-tools/internal/api/model"
	"github.com/cuongbtq/dataset-tools/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	job_id, idempotency_key, user_id, job_type,
	payload, status, result, error_message, worker_id,
	retry_count, max_retries, timeout_seconds,
	created_at, updated_at, started_at, completed_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreateJob inserts job unless its idempotency key is taken.
// It returns the stored job and whether this call created it.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	query := `
		INSERT INTO jobs (
			job_id, idempotency_key, user_id, job_type,
			payload, status, max_retries, timeout_seconds,
			created_at, updated_at
		) VALUES (
			:job_id, :idempotency_key, :user_id, :job_type,
			:payload, :status, :max_retries, :timeout_seconds,
			:created_at, :updated_at
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	res, err := s.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted == 0 {
		existing, err := s.GetJobByIdempotencyKey(ctx, job.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return job, true, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, "job_id", jobID)
}

func (s *Storage) GetJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	return s.getJob(ctx, "idempotency_key", key)
}

func (s *Storage) getJob(ctx context.Context, column, value string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + column + ` = $1`

	err := s.db.GetContext(ctx, &job, query, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// CancelJob moves a PENDING or RUNNING job to CANCELED. A running worker notices
// on its next status write and leaves the job canceled.
func (s *Storage) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2 AND status IN ($3, $4)
		RETURNING ` + jobColumns

	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusCanceled, jobID, domain.JobStatusPending, domain.JobStatusRunning)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	if _, err := s.GetJobByID(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, domain.ErrJobNotCancelable
}

// DeleteJob removes a job that reached a terminal status
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM jobs
		WHERE job_id = $1 AND status IN ($2, $3, $4)
	`

	res, err := s.db.ExecContext(ctx, query, jobID,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCanceled)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted > 0 {
		return nil
	}

	if _, err := s.GetJobByID(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobNotTerminal
}

type JobFilter struct {
	UserID   string
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	// Filters
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
