package api

import (
	"net/http"

	"telemetry-agent/internal/response"
	"telemetry-agent/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Background handles the app-background signal from the host
func (h *Handlers) Background(c *gin.Context) {
	logging.Infof("Lifecycle signal: background")
	h.agent.OnBackground()
	response.SuccessJSON(c, nil)
}

// Foreground handles the app-foreground signal from the host
func (h *Handlers) Foreground(c *gin.Context) {
	logging.Infof("Lifecycle signal: foreground")
	h.agent.OnForeground()
	response.SuccessJSON(c, nil)
}

// Terminate handles the app-termination signal from the host
func (h *Handlers) Terminate(c *gin.Context) {
	logging.Infof("Lifecycle signal: terminate")
	h.agent.OnTerminate()
	response.SuccessJSON(c, nil)
}

// Restart stops and restarts the agent
func (h *Handlers) Restart(c *gin.Context) {
	if err := h.agent.Restart(c.Request.Context()); err != nil {
		logging.Errorf("Agent restart failed: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Restart failed: "+err.Error())
		return
	}
	response.SuccessJSON(c, nil)
}
