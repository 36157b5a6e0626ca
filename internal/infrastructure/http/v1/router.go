// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"contactsync/internal/domain/auth"
	"contactsync/internal/infrastructure/http/v1/handlers"
	"contactsync/internal/infrastructure/http/v1/middleware"
	"contactsync/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Logger *logger.Logger

	// JWTValidator for token validation. When nil every request runs as a
	// development operator with all roles.
	JWTValidator middleware.JWTValidator

	Runs        *handlers.RunsHandler
	Resolutions *handlers.ResolutionHandler
	Records     *handlers.RecordsHandler
	Health      *handlers.HealthHandler

	// Gatherer serves /metrics; the HTTP collectors instrument routes and may be nil.
	Gatherer     prometheus.Gatherer
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	HTTPPanics   prometheus.Counter
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery(cfg.HTTPPanics))
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	if cfg.HTTPRequests != nil && cfg.HTTPDuration != nil {
		router.Use(middleware.Metrics(cfg.HTTPRequests, cfg.HTTPDuration))
	}
	router.Use(middleware.ErrorHandler())

	if cfg.Health != nil {
		health := router.Group("/health")
		{
			health.GET("/live", cfg.Health.Live)
			health.GET("/ready", cfg.Health.Ready)
		}
	}
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	if cfg.JWTValidator != nil {
		v1.Use(middleware.Auth(cfg.JWTValidator))
	} else {
		v1.Use(middleware.StaticOperator("dev", auth.RoleViewer, auth.RoleOperator))
	}

	read := v1.Group("")
	read.Use(middleware.RequireRole(auth.RoleViewer, auth.RoleOperator))

	write := v1.Group("")
	write.Use(middleware.RequireRole(auth.RoleOperator))

	if h := cfg.Runs; h != nil {
		read.GET("/runs", h.List)
		read.GET("/runs/:id", h.Get)
		read.GET("/sources/:type/watermark", h.GetWatermark)
		write.POST("/sources/:type/sync", h.Trigger)
		write.PUT("/sources/:type/watermark", h.ResetWatermark)
	}

	if h := cfg.Resolutions; h != nil {
		read.GET("/resolutions", h.List)
		read.GET("/resolutions/history", h.History)
		write.POST("/resolve", h.Resolve)
		write.POST("/reconcile", h.Reconcile)
		write.PUT("/overrides", h.PutOverride)
		write.DELETE("/overrides", h.DeleteOverride)
	}

	if h := cfg.Records; h != nil {
		read.GET("/records/:type/:id", h.Get)
	}

	return router
}
