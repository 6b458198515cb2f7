package ingress

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forgeflow.dev/sessiond/internal/metrics"
)

// SetupRoutes wires the public webhook endpoint, the metrics endpoint, and
// the key-protected admin surface.
func SetupRoutes(router *gin.Engine, webhook *WebhookHandler, admin *AdminHandler, m *metrics.Metrics) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	router.POST("/webhooks/forge", webhook.HandleEvent)

	adminGroup := router.Group("/admin")
	adminGroup.Use(admin.RequireAdminAPIKey())
	{
		adminGroup.GET("/snapshot", admin.Snapshot)
		adminGroup.POST("/release", admin.ForceRelease)
		adminGroup.GET("/export", admin.Export)
		adminGroup.POST("/import", admin.Import)
	}
}
