package accelerator

import (
	"log/slog"
	"runtime/debug"
	"time"
)

// FlushResult summarizes one flush
type FlushResult struct {
	// Released lists the backends that were available and asked to release
	Released []string      `json:"released"`
	Duration time.Duration `json:"duration"`
}

// Flusher releases accelerator caches and then collects host memory.
// Calls are synchronous and may be repeated.
type Flusher struct {
	backends []Backend
	logger   *slog.Logger
	collect  func()
}

func NewFlusher(logger *slog.Logger, backends ...Backend) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		backends: backends,
		logger:   logger,
		// FreeOSMemory forces a GC before returning memory to the OS
		collect: debug.FreeOSMemory,
	}
}

// Backends returns the backends this flusher considers
func (f *Flusher) Backends() []Backend {
	return f.backends
}

// Flush releases the cache of every available backend, then runs a host collection pass.
// Unavailable backends are skipped.
func (f *Flusher) Flush() FlushResult {
	start := time.Now()
	var result FlushResult

	for _, b := range f.backends {
		if !b.IsAvailable() {
			continue
		}
		b.ReleaseCache()
		result.Released = append(result.Released, b.Name())

		f.logger.Debug("Accelerator cache released",
			slog.String("backend", b.Name()),
		)
	}

	f.collect()
	result.Duration = time.Since(start)

	f.logger.Info("Memory flushed",
		slog.Any("backends", result.Released),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// Flush runs a flush over DefaultBackends, logging to slog.Default
func Flush() FlushResult {
	return NewFlusher(slog.Default(), DefaultBackends()...).Flush()
}
