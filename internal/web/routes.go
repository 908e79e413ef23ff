package web

import (
	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/deltabridge/internal/auth"
)

// RouteConfig holds the settings routes are built with.
type RouteConfig struct {
	APIKey   string
	APIRPS   float64
	APIBurst int
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg RouteConfig) {
	if cfg.APIRPS <= 0 {
		cfg.APIRPS = 10
	}
	if cfg.APIBurst <= 0 {
		cfg.APIBurst = 20
	}

	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)

	// Provider webhooks authenticate per notification with clientState
	webhookRateLimiter := RateLimiter(50, 100)
	webhooks := r.Group("/webhooks")
	webhooks.Use(webhookRateLimiter)
	{
		webhooks.POST("/graph", h.GraphNotification)
		webhooks.POST("/graph/lifecycle", h.GraphLifecycle)
	}

	api := r.Group("/api")
	api.Use(RateLimiter(cfg.APIRPS, cfg.APIBurst))
	api.Use(auth.RequireAPIKey(cfg.APIKey))
	api.Use(RequireJSONContentType())
	{
		api.GET("/activity", h.APIActivity)
		api.GET("/targets", h.APIListTargets)
		api.POST("/targets", h.APICreateTarget)
		api.DELETE("/targets/:account/:resource", h.APIDeleteTarget)
		api.POST("/targets/:account/:resource/toggle", h.APIToggleTarget)
		api.POST("/targets/:account/:resource/sync", h.APITriggerSync)
		api.POST("/targets/:account/:resource/reset", h.APIResetCursor)
		api.GET("/targets/:account/:resource/logs", h.APIGetTargetLogs)
	}
}
