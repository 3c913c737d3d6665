package accelerator

import (
	"bytes"
	"context"
	"runtime"
	"time"
)

// MPSBackend is the Apple unified-memory accelerator
type MPSBackend struct {
	probedBackend
}

// NewMPSBackend asks torch whether MPS is usable and falls back to system_profiler.
// It is never available outside darwin.
func NewMPSBackend(run CommandRunner, probeTimeout time.Duration) *MPSBackend {
	return newMPSBackend(func() bool {
		return probeMPS(runtime.GOOS, run, probeTimeout)
	})
}

func newMPSBackend(probe func() bool) *MPSBackend {
	return &MPSBackend{probedBackend: probedBackend{name: NameMPS, probe: probe}}
}

func probeMPS(goos string, run CommandRunner, timeout time.Duration) bool {
	if goos != "darwin" {
		return false
	}

	out, err := runWithTimeout(run, timeout, "python3", "-c", "import torch; print(torch.backends.mps.is_available())")
	if err == nil {
		return string(bytes.TrimSpace(out)) == "True"
	}

	// a hung python3 must not eat the fallback's deadline
	_, err = runWithTimeout(run, timeout, "system_profiler", "SPDisplaysDataType")
	return err == nil
}

func runWithTimeout(run CommandRunner, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return run(ctx, name, args...)
}
