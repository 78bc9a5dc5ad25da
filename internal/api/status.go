package api

import (
	"telemetry-agent/internal/response"

	"github.com/gin-gonic/gin"
)

// Status returns the agent's current state: device identity,
// session snapshot and processed transaction count
func (h *Handlers) Status(c *gin.Context) {
	response.SuccessJSON(c, h.agent.Status())
}
