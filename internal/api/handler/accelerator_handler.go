package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetGPU handles GET /api/v1/gpu
// Without an accelerator the report has no GPUs and an error string, served with 200
func (h *AcceleratorHandler) GetGPU(c *gin.Context) {
	report := h.stats.Collect(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

// FlushMemory handles POST /api/v1/gpu/flush
func (h *AcceleratorHandler) FlushMemory(c *gin.Context) {
	result := h.flusher.Flush()

	h.logger.Info("Memory flush requested over HTTP",
		slog.String("ip", c.ClientIP()),
		slog.Any("backends", result.Released),
	)

	released := result.Released
	if released == nil {
		released = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"released":    released,
		"duration_ms": result.Duration.Milliseconds(),
	})
}
