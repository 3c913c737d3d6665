// Package extension defines the pluggable process contract run by the worker,
// the registry of process variants, and the built-in extensions.
package extension

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrNotImplemented is returned by a registered extension that has no working behavior yet
	ErrNotImplemented = errors.New("extension is not yet implemented")

	// ErrUnknownExtension is returned when a process type has no registered factory
	ErrUnknownExtension = errors.New("unknown extension type")

	// ErrInvalidJobConfig is returned when a job payload cannot be turned into processes
	ErrInvalidJobConfig = errors.New("invalid job config")
)

// Job is the parent job handle a process is constructed with. It may be nil.
type Job interface {
	ID() string
}

// Process is one unit of work inside a job
type Process interface {
	ProcessID() int
	Run(ctx context.Context) error
}

// BaseProcess carries the construction triple every extension shares
type BaseProcess struct {
	processID int
	job       Job
	config    *Config
	logger    *slog.Logger
}

// NewBaseProcess stores the processID, job and config triple as given; a nil config
// reads as empty. Only a nil logger is replaced, by slog.Default.
func NewBaseProcess(processID int, job Job, config *Config, logger *slog.Logger) *BaseProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseProcess{
		processID: processID,
		job:       job,
		config:    config,
		logger:    logger,
	}
}

func (p *BaseProcess) ProcessID() int { return p.processID }

func (p *BaseProcess) Job() Job { return p.job }

func (p *BaseProcess) Config() *Config { return p.config }

func (p *BaseProcess) Logger() *slog.Logger { return p.logger }

// Run logs the process start. It fails only when ctx is already done.
func (p *BaseProcess) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	jobID := ""
	if p.job != nil {
		jobID = p.job.ID()
	}

	p.logger.Info("Running process",
		slog.Int("process_id", p.processID),
		slog.String("job_id", jobID),
		slog.String("type", p.config.String("type", "")),
	)

	return nil
}
