package middleware

import (
	"crypto/subtle"
	"net/http"

	"telemetry-agent/internal/response"

	"github.com/gin-gonic/gin"
)

const tokenHeader = "X-Control-Token"

// ControlAuthMiddleware guards the control API with a static token.
// When no token is configured the agent is assumed to listen on a
// loopback-only interface and the check is skipped.
func ControlAuthMiddleware(controlToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if controlToken == "" {
			c.Next()
			return
		}

		token := c.GetHeader(tokenHeader)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "Missing control token")
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(controlToken)) != 1 {
			response.ErrorJSON(c, http.StatusUnauthorized, "Invalid control token")
			c.Abort()
			return
		}

		c.Next()
	}
}
