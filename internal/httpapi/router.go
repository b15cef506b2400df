// Package httpapi wires routes exactly the way the teacher's
// internal/httpapi/router.go does: ungrouped public routes first, then a
// grouped, middleware-wrapped set — here the API-key group replaces the
// teacher's JWT-authenticated group.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/config"
	"github.com/nimbuschain/fetch/internal/httpapi/handlers"
	"github.com/nimbuschain/fetch/internal/httpapi/middleware"
	"github.com/nimbuschain/fetch/internal/httpapi/respond"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/metrics"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/ratelimit"
)

func NewRouter(store jobstore.Store, providers *provider.Registry, cfg config.Config, limiter *ratelimit.Limiter) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLog())
	r.Use(middleware.MaxBodyBytes(cfg.MaxRequestMB))

	if len(cfg.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "X-API-Key", "X-Request-ID"}
		r.Use(cors.New(corsCfg))
	}

	r.NoRoute(func(c *gin.Context) {
		respond.Fail(c, http.StatusNotFound, respond.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		respond.Fail(c, http.StatusMethodNotAllowed, respond.CodeInternal, "method not allowed")
	})

	h := handlers.NewHandler(store, providers, cfg, limiter)

	r.GET("/health", h.Health)

	metricsAuth := middleware.APIKeyAuth(cfg.APIKey)
	if cfg.MetricsEnabled {
		r.GET("/metrics", metricsAuth, gin.WrapH(metrics.Handler()))
	} else {
		r.GET("/metrics", metricsAuth, h.Metrics)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.APIKeyAuth(cfg.APIKey))
	v1.POST("/jobs", h.CreateJob)
	v1.POST("/jobs/batch", h.CreateJobBatch)
	v1.GET("/jobs", h.ListJobs)
	v1.GET("/jobs/:id", h.GetJob)
	v1.DELETE("/jobs/:id", h.CancelJob)
	v1.GET("/jobs/:id/result", h.GetResult)
	v1.GET("/events", h.Events)

	return r
}
