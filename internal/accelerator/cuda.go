package accelerator

import (
	"bytes"
	"context"
	"os"
	"time"
)

const nvidiaDriverVersionFile = "/proc/driver/nvidia/version"

// CUDABackend is a discrete NVIDIA accelerator
type CUDABackend struct {
	probedBackend
}

// NewCUDABackend detects the NVIDIA driver through procfs, falling back to nvidia-smi
func NewCUDABackend(run CommandRunner, probeTimeout time.Duration) *CUDABackend {
	return newCUDABackend(func() bool {
		if _, err := os.Stat(nvidiaDriverVersionFile); err == nil {
			return true
		}

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()

		out, err := run(ctx, "nvidia-smi", "-L")
		return err == nil && len(bytes.TrimSpace(out)) > 0
	})
}

func newCUDABackend(probe func() bool) *CUDABackend {
	return &CUDABackend{probedBackend: probedBackend{name: NameCUDA, probe: probe}}
}
