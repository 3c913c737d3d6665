package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataset-tools/internal/extension"
	"github.com/cuongbtq/dataset-tools/internal/worker/domain"
)

// processJob processes a single job with timeout, heartbeat, and status updates
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	// Step 1: Claim job from database (PENDING → RUNNING)
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			// Job already claimed by another worker - don't requeue
			w.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job already claimed: %w", err)
		}
		// Database error - could be transient
		w.logger.Error("Failed to claim job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// status writes after the claim must land even when shutdown cancels ctx
	storeCtx := context.WithoutCancel(ctx)

	// Step 2: Parse the job configuration
	jobConfig, err := extension.ParseJobConfig([]byte(job.Payload))
	if err != nil {
		w.logger.Error("Invalid job configuration",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.markFailed(storeCtx, job, err)
		return err
	}

	// Step 3: Create timeout context from job.timeout_seconds
	jobTimeout := w.jobTimeout
	if job.TimeoutSeconds > 0 {
		jobTimeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	jobCtx := ctx
	if jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, jobTimeout)
		defer cancel()
	}

	// Step 4: Start heartbeat goroutine
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	// Step 5: Run the configured processes
	result, err := w.executeJob(jobCtx, job, jobConfig)
	if err != nil {
		w.logger.Error("Job execution failed",
			slog.String("job_id", job.JobID),
			slog.String("job_name", jobConfig.Name),
			slog.String("error", err.Error()),
		)
		return w.handleJobFailure(storeCtx, job, err)
	}

	w.logger.Info("Job executed",
		slog.String("job_id", job.JobID),
		slog.String("job_name", jobConfig.Name),
	)

	// Step 6: Mark COMPLETED
	if updateErr := w.storage.UpdateJobStatus(storeCtx, job.JobID, domain.JobStatusCompleted, result, ""); updateErr != nil {
		w.logStatusUpdateFailure(job, domain.JobStatusCompleted, updateErr)
		// the work is done either way, so the message is still ACKed
	}

	return nil
}

// handleJobFailure records a failed attempt and returns the error that drives the NACK decision
func (w *Worker) handleJobFailure(ctx context.Context, job *domain.Job, err error) error {
	if isPermanent(err) {
		w.logger.Warn("Job failed permanently",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.markFailed(ctx, job, err)
		return err
	}

	if job.RetryCount < job.MaxRetries {
		if releaseErr := w.storage.ReleaseForRetry(ctx, job.JobID, err.Error()); releaseErr != nil {
			if errors.Is(releaseErr, domain.ErrJobNotRunning) {
				w.logger.Info("Job left RUNNING before it could be retried",
					slog.String("job_id", job.JobID),
				)
				return fmt.Errorf("job execution failed: %w", releaseErr)
			}

			w.logger.Error("Failed to release job for retry",
				slog.String("job_id", job.JobID),
				slog.String("error", releaseErr.Error()),
			)
			w.markFailed(ctx, job, err)
			return fmt.Errorf("failed to release job for retry: %w", releaseErr)
		}

		w.logger.Info("Job will be retried",
			slog.String("job_id", job.JobID),
			slog.Int("retry_count", job.RetryCount+1),
			slog.Int("max_retries", job.MaxRetries),
		)
		return domain.NewRetryableError(fmt.Errorf("job execution failed: %w", err))
	}

	w.logger.Warn("Job exceeded max retries",
		slog.String("job_id", job.JobID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)
	w.markFailed(ctx, job, err)
	return fmt.Errorf("%w: %w", domain.ErrMaxRetriesExceeded, err)
}

func (w *Worker) markFailed(ctx context.Context, job *domain.Job, cause error) {
	if err := w.storage.UpdateJobStatus(ctx, job.JobID, domain.JobStatusFailed, nil, cause.Error()); err != nil {
		w.logStatusUpdateFailure(job, domain.JobStatusFailed, err)
	}
}

func (w *Worker) logStatusUpdateFailure(job *domain.Job, status string, err error) {
	if errors.Is(err, domain.ErrJobNotRunning) {
		w.logger.Info("Job left RUNNING while it was processed, keeping its status",
			slog.String("job_id", job.JobID),
			slog.String("status", status),
		)
		return
	}

	w.logger.Error("Failed to update job status",
		slog.String("job_id", job.JobID),
		slog.String("status", status),
		slog.String("error", err.Error()),
	)
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.logger.Debug("Job heartbeat started",
		slog.String("job_id", jobID),
	)

	for {
		select {
		case <-done:
			w.logger.Debug("Job heartbeat stopped",
				slog.String("job_id", jobID),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Job heartbeat stopped - context canceled",
				slog.String("job_id", jobID),
			)
			return

		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			} else {
				w.logger.Debug("Job heartbeat updated",
					slog.String("job_id", jobID),
				)
			}
		}
	}
}

// executeJob runs each configured process in order, identified by its position in the list
func (w *Worker) executeJob(ctx context.Context, job *domain.Job, jobConfig *extension.JobConfig) (map[string]any, error) {
	w.logger.Info("Executing job",
		slog.String("job_id", job.JobID),
		slog.String("job_name", jobConfig.Name),
		slog.Int("processes", len(jobConfig.Processes)),
	)

	for i, processConfig := range jobConfig.Processes {
		uid := processConfig.String("type", "")

		process, err := w.registry.New(uid, i, job, processConfig)
		if err != nil {
			return nil, fmt.Errorf("process %d: %w", i, err)
		}

		if err := process.Run(ctx); err != nil {
			return nil, fmt.Errorf("process %d (%s): %w", i, uid, err)
		}
	}

	return map[string]any{"processes": len(jobConfig.Processes)}, nil
}
