package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/dataset-tools/internal/accelerator"
	"github.com/cuongbtq/dataset-tools/internal/api/model"
	"github.com/cuongbtq/dataset-tools/internal/api/storage"
	"github.com/cuongbtq/dataset-tools/internal/extension"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultMaxRetries = 3
)

// JobStore is the job persistence the handlers need
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, bool, error)
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	CancelJob(ctx context.Context, jobID string) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// JobPublisher enqueues job messages for the workers
type JobPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Storage   JobStore
	Publisher JobPublisher
	Registry  *extension.Registry
	Stats     *accelerator.StatsCollector
	Flusher   *accelerator.Flusher
	// FlushLimiter throttles POST /gpu/flush; nil leaves it unlimited
	FlushLimiter *rate.Limiter
	// HealthChecks are probed by GET /health, keyed by component name
	HealthChecks map[string]HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	storage   JobStore
	publisher JobPublisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		storage:   deps.Storage,
		publisher: deps.Publisher,
	}
}

// ExtensionHandler serves the extension catalog
type ExtensionHandler struct {
	logger   *slog.Logger
	registry *extension.Registry
}

func NewExtensionHandler(deps *Dependencies) *ExtensionHandler {
	registry := deps.Registry
	if registry == nil {
		registry = extension.NewDefaultRegistry(deps.Logger)
	}
	return &ExtensionHandler{
		logger:   deps.Logger,
		registry: registry,
	}
}

// AcceleratorHandler reports GPU status and flushes accelerator memory
type AcceleratorHandler struct {
	logger  *slog.Logger
	stats   *accelerator.StatsCollector
	flusher *accelerator.Flusher
}

func NewAcceleratorHandler(deps *Dependencies) *AcceleratorHandler {
	stats := deps.Stats
	if stats == nil {
		stats = accelerator.NewStatsCollector(accelerator.DefaultBackends(), nil, 0, deps.Logger)
	}

	flusher := deps.Flusher
	if flusher == nil {
		flusher = accelerator.NewFlusher(deps.Logger, accelerator.DefaultBackends()...)
	}

	return &AcceleratorHandler{
		logger:  deps.Logger,
		stats:   stats,
		flusher: flusher,
	}
}

// HealthHandler serves the liveness endpoint
type HealthHandler struct {
	service string
	checks  map[string]HealthChecker
}

func NewHealthHandler(service string, deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service: service,
		checks:  deps.HealthChecks,
	}
}
