package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	appctx "contactsync/internal/core/context"
	"contactsync/pkg/logger"
)

// Logger middleware logs HTTP requests with timing and status.
// Probe endpoints are logged at debug level.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"operator", appctx.GetSubject(c.Request.Context()),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		}
		l := log.WithContext(c.Request.Context())
		if c.FullPath() == "/health/live" || c.FullPath() == "/health/ready" || c.FullPath() == "/metrics" {
			l.Debugw("http request", fields...)
			return
		}
		l.Infow("http request", fields...)
	}
}
