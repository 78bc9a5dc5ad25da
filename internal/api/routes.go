package api

import (
	"telemetry-agent/internal/middleware"
	"telemetry-agent/internal/services"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the control API the host process drives
func SetupRoutes(r *gin.Engine, agent *services.Agent, controlToken string) {
	h := &Handlers{agent: agent}

	// Control route group (host-only, token-guarded)
	api := r.Group("/api")
	api.Use(middleware.ControlAuthMiddleware(controlToken))
	{
		// App lifecycle signals delivered by the host process
		lifecycle := api.Group("/lifecycle")
		{
			lifecycle.POST("/background", h.Background)
			lifecycle.POST("/foreground", h.Foreground)
			lifecycle.POST("/terminate", h.Terminate)
		}

		// Manual transaction reporting
		transactions := api.Group("/transactions")
		{
			transactions.POST("/report", h.ReportTransaction)
		}

		// Agent control and introspection
		api.GET("/status", h.Status)
		api.POST("/restart", h.Restart)
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "telemetry-agent",
		})
	})
}

// Handlers carries the control API dependencies
type Handlers struct {
	agent *services.Agent
}
