// Package middleware provides HTTP middleware components.
package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"contactsync/internal/core/apperror"
	"contactsync/pkg/logger"
)

// Recovery turns a handler panic into a 500 without exposing details.
// panics may be nil.
func Recovery(panics prometheus.Counter) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if panics != nil {
				panics.Inc()
			}
			logger.Error(c.Request.Context(), "handler panicked",
				"route", c.FullPath(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			_ = c.Error(apperror.NewInternal(fmt.Errorf("panic: %v", rec)).
				WithDetail("request_id", c.GetString("request_id")))
			c.Abort()
		}()
		c.Next()
	}
}
