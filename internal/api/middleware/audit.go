package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/logging"
)

// Audit records rejected requests (401 and 429) in the activity log
func Audit(logger *logging.ActivityLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status != http.StatusUnauthorized && status != http.StatusTooManyRequests {
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		_ = logger.Record(c.Param("name"), c.GetString(ContextUsername), logging.ActivityAuthDenied,
			fmt.Sprintf("%s %s rejected", c.Request.Method, path),
			map[string]interface{}{
				"status":     status,
				"ip":         c.ClientIP(),
				"user_agent": c.Request.UserAgent(),
			}, nil)
	}
}
