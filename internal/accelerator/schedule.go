package accelerator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// FlushScheduler runs a Flusher on a cron schedule
type FlushScheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	spec    string
	logger  *slog.Logger
}

// NewFlushScheduler accepts standard five-field specs and descriptors such as "@every 10m"
func NewFlushScheduler(flusher *Flusher, spec string, logger *slog.Logger) (*FlushScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	entryID, err := c.AddFunc(spec, func() {
		flusher.Flush()
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flush schedule %q: %w", spec, err)
	}

	return &FlushScheduler{
		cron:    c,
		entryID: entryID,
		spec:    spec,
		logger:  logger,
	}, nil
}

func (s *FlushScheduler) Start() {
	s.cron.Start()
	s.logger.Info("Flush scheduler started",
		slog.String("schedule", s.spec),
		slog.Time("next_run", s.Next()),
	)
}

// Next returns the next activation; zero before Start
func (s *FlushScheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop prevents new runs and waits for a running flush or ctx, whichever ends first
func (s *FlushScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Flush scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush scheduler stop: %w", ctx.Err())
	}
}
