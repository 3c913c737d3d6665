package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/dataset-tools/internal/api/domain"
	"github.com/cuongbtq/dataset-tools/internal/api/dto"
	"github.com/cuongbtq/dataset-tools/internal/api/model"
	"github.com/cuongbtq/dataset-tools/internal/api/storage"
	"github.com/cuongbtq/dataset-tools/internal/extension"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Creates a new background job for processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	// 1. Validate request body
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid request body",
			Details: err.Error(),
		})
		return
	}

	// 2. Validate the job configuration before anything is stored
	payload, err := decodePayload(req.Payload)
	if err == nil {
		_, err = extension.ParseJobConfig(payload)
	}
	if err != nil {
		h.logger.Error("Invalid job payload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid job payload",
			Details: err.Error(),
		})
		return
	}

	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	now := time.Now().UTC()
	job := &model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		JobType:        req.JobType,
		Payload:        string(payload),
		Status:         domain.JobStatusPending,
		MaxRetries:     maxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// 3. Create job record, or find the one already stored under this idempotency key
	stored, created, err := h.storage.CreateJob(c.Request.Context(), job)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Failed to create job",
		})
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		h.logger.Info("Idempotent replay",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("job_id", stored.JobID),
		)
		// a replay of a job that never left PENDING may follow a failed enqueue,
		// and a duplicate message is harmless because claiming is exclusive
		if stored.Status != domain.JobStatusPending {
			c.JSON(status, toJobDTO(stored))
			return
		}
	}

	// 4. Publish message to RabbitMQ
	body, err := json.Marshal(map[string]string{"job_id": stored.JobID})
	if err != nil {
		h.logger.Error("Failed to encode job message", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Failed to enqueue job",
		})
		return
	}

	if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", stored.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error:   "Failed to enqueue job",
			Details: "job " + stored.JobID + " is stored as PENDING; retry with the same idempotency_key",
		})
		return
	}

	// 5. Return job response
	c.JSON(status, toJobDTO(stored))
}

// decodePayload accepts a JSON object or a JSON string holding YAML
func decodePayload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		h.respondStorageError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	// 1. Parse query parameters
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid query parameters",
			Details: err.Error(),
		})
		return
	}

	// 2. Validate parameters
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "Invalid cursor",
		})
		return
	}

	// 4. Build filter and query jobs from database
	filter := storage.JobFilter{
		UserID:   req.UserID,
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Failed to list jobs",
		})
		return
	}

	// 5. Prepare response with next cursor if more results exist
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending or running job
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.storage.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondStorageError(c, "Failed to cancel job", err)
		return
	}

	h.logger.Info("Job canceled", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, toJobDTO(job))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a finished job record from the database
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.storage.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.respondStorageError(c, "Failed to delete job", err)
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

// jobIDParam validates the :job_id path parameter and writes a 400 when it is not a UUID
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")

	h.logger.Info("Job request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "job_id must be a valid UUID",
		})
		return "", false
	}

	return jobID, true
}

func (h *JobHandler) respondStorageError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
	case errors.Is(err, domain.ErrJobNotCancelable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "Job already finished"})
	case errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "Job is still pending or running"})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: msg})
	}
}

func toJobDTO(job *model.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey,
		UserID:         job.UserID,
		JobType:        job.JobType,
		Payload:        job.Payload,
		Status:         job.Status,
		ErrorMessage:   job.ErrorMessage.String,
		WorkerID:       job.WorkerID.String,
		RetryCount:     job.RetryCount,
		MaxRetries:     job.MaxRetries,
		TimeoutSeconds: job.TimeoutSeconds,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}

	if job.Result.Valid && job.Result.String != "" {
		out.Result = json.RawMessage(job.Result.String)
	}
	if job.StartedAt.Valid {
		out.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}

	return out
}
