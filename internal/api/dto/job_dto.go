package dto

import "encoding/json"

type CreateJobRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	JobType        string `json:"job_type" binding:"required"`
	// Payload is the job configuration, either a JSON object or a string holding YAML
	Payload        json.RawMessage `json:"payload" binding:"required"`
	MaxRetries     *int            `json:"max_retries" binding:"omitempty,min=0,max=10"`
	TimeoutSeconds int             `json:"timeout_seconds" binding:"omitempty,min=0"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	JobType  string `form:"job_type"`
	Status   string `form:"status" binding:"omitempty,oneof=PENDING RUNNING COMPLETED FAILED CANCELED"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         string          `json:"user_id"`
	JobType        string          `json:"job_type"`
	Payload        string          `json:"payload"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
