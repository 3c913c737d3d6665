package router

import (
	"github.com/cuongbtq/dataset-tools/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const serviceName = "dataset-tools-api"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(serviceName, deps)
	jobHandler := handler.NewJobHandler(deps)
	extensionHandler := handler.NewExtensionHandler(deps)
	acceleratorHandler := handler.NewAcceleratorHandler(deps)

	// Health check endpoint
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Delete a finished job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		// GET /api/v1/extensions - Registered extensions
		v1.GET("/extensions", extensionHandler.ListExtensions)

		gpu := v1.Group("/gpu")
		{
			// GET /api/v1/gpu - Accelerator status
			gpu.GET("", acceleratorHandler.GetGPU)

			// POST /api/v1/gpu/flush - Release accelerator caches and host memory
			gpu.POST("/flush", RateLimitMiddleware(deps.FlushLimiter), acceleratorHandler.FlushMemory)
		}
	}

	return r
}
