package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health
// Any failing component turns the response into 503 with the failures listed
func (h *HealthHandler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	components := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		if err := check.HealthCheck(c.Request.Context()); err != nil {
			components[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := gin.H{
		"status":  status,
		"service": h.service,
	}
	if len(components) > 0 {
		body["components"] = components
	}

	c.JSON(code, body)
}
