package model

import (
	"database/sql"
	"time"
)

type Job struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	UserID         string         `db:"user_id"`
	JobType        string         `db:"job_type"`
	Payload        string         `db:"payload"`
	Status         string         `db:"status"`
	Result         sql.NullString `db:"result"`
	ErrorMessage   sql.NullString `db:"error_message"`
	WorkerID       sql.NullString `db:"worker_id"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}
