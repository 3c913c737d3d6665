// Package accelerator tracks the accelerator backends visible to this process
// and releases their cached memory on request.
package accelerator

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

const (
	NameCUDA = "cuda"
	NameMPS  = "mps"

	defaultProbeTimeout = 5 * time.Second
)

// Backend is an accelerator whose cached memory can be released
type Backend interface {
	Name() string
	IsAvailable() bool
	// ReleaseCache hands cached-but-unused device memory back to the accelerator's allocator
	ReleaseCache()
}

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// probedBackend answers IsAvailable from a probe that runs at most once
type probedBackend struct {
	name  string
	probe func() bool

	once      sync.Once
	available bool
}

func (b *probedBackend) Name() string { return b.name }

func (b *probedBackend) IsAvailable() bool {
	b.once.Do(func() {
		b.available = b.probe()
	})
	return b.available
}

// ReleaseCache is a no-op: this process makes no device allocations of its own,
// so there is no allocator pool to return.
func (b *probedBackend) ReleaseCache() {}

// New builds the named backend
func New(name string, run CommandRunner, probeTimeout time.Duration) (Backend, error) {
	if run == nil {
		run = ExecRunner
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	switch name {
	case NameCUDA:
		return NewCUDABackend(run, probeTimeout), nil
	case NameMPS:
		return NewMPSBackend(run, probeTimeout), nil
	default:
		return nil, fmt.Errorf("unknown accelerator backend %q", name)
	}
}

// NewBackends builds the named backends in order. No names means all known backends.
func NewBackends(names []string, run CommandRunner, probeTimeout time.Duration) ([]Backend, error) {
	if len(names) == 0 {
		names = []string{NameCUDA, NameMPS}
	}

	backends := make([]Backend, 0, len(names))
	for _, name := range names {
		b, err := New(name, run, probeTimeout)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

var defaultBackends = sync.OnceValue(func() []Backend {
	return []Backend{
		NewCUDABackend(ExecRunner, defaultProbeTimeout),
		NewMPSBackend(ExecRunner, defaultProbeTimeout),
	}
})

// DefaultBackends returns the process-wide CUDA and MPS backends
func DefaultBackends() []Backend {
	return defaultBackends()
}
