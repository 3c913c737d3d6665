package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dataset-tools/internal/accelerator"
	"github.com/cuongbtq/dataset-tools/internal/extension"
	"github.com/cuongbtq/dataset-tools/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultHeartbeatInterval = 30 * time.Second

// Broker is the subset of the RabbitMQ client the worker consumes from
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// JobStore persists job state transitions
type JobStore interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	UpdateJobStatus(ctx context.Context, jobID, status string, result map[string]any, errorMsg string) error
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
	ReleaseForRetry(ctx context.Context, jobID, errorMsg string) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Broker            Broker
	Storage           JobStore
	Registry          *extension.Registry
	Flusher           *accelerator.Flusher
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	// FlushSchedule is a cron spec; empty disables scheduled flushes
	FlushSchedule string
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	storage           JobStore
	registry          *extension.Registry
	flusher           *accelerator.Flusher
	scheduler         *accelerator.FlushScheduler
	workerID          string
	queueName         string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	flushSchedule     string

	jobsChan chan *domain.JobMessage
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	prefetchCount := cfg.PrefetchCount
	if prefetchCount <= 0 {
		prefetchCount = concurrency
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	registry := cfg.Registry
	if registry == nil {
		registry = extension.NewDefaultRegistry(logger)
	}

	return &Worker{
		logger:            logger,
		broker:            cfg.Broker,
		storage:           cfg.Storage,
		registry:          registry,
		flusher:           cfg.Flusher,
		workerID:          cfg.WorkerID,
		queueName:         cfg.QueueName,
		concurrency:       concurrency,
		prefetchCount:     prefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeatInterval,
		flushSchedule:     cfg.FlushSchedule,
		jobsChan:          make(chan *domain.JobMessage, concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes jobs until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	if w.flushSchedule != "" && w.flusher != nil {
		scheduler, err := accelerator.NewFlushScheduler(w.flusher, w.flushSchedule, w.logger)
		if err != nil {
			return err
		}
		w.scheduler = scheduler
		w.scheduler.Start()
	}

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop signals the pool to finish and waits for in-flight jobs or ctx, whichever ends first
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		stopErr = fmt.Errorf("worker stop: %w", ctx.Err())
	}

	if w.scheduler != nil {
		if err := w.scheduler.Stop(ctx); err != nil && stopErr == nil {
			stopErr = err
		}
	}

	if stopErr != nil {
		w.logger.Warn("Worker stopped before in-flight jobs finished",
			slog.String("error", stopErr.Error()),
		)
		return stopErr
	}

	w.logger.Info("Worker stopped")
	return nil
}
