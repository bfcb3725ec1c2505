package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/tourism-payments/controllers"
	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/middleware"
)

type Handlers struct {
	Webhooks     *controllers.WebhookController
	Operator     *controllers.OperatorController
	Metrics      *metrics.Recorder
	RateLimiter  *middleware.RateLimiter
	JWTSecret    []byte
	// AdminOrigins enables CORS for browser-based operator consoles.
	AdminOrigins []string
}

func RegisterRoutes(r *gin.Engine, h Handlers) {
	if len(h.AdminOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     h.AdminOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.Metrics != nil {
		r.GET("/metrics", h.Metrics.Handler())
	}

	// Gateways authenticate with signatures, not tokens.
	webhooks := r.Group("/webhooks")
	if h.RateLimiter != nil {
		webhooks.Use(h.RateLimiter.Middleware())
	}
	webhooks.POST("/:provider", h.Webhooks.Receive)

	admin := r.Group("/admin")
	admin.Use(middleware.JWTAuth(h.JWTSecret))
	{
		admin.GET("/webhook-events/failed", h.Operator.ListFailedEvents)
		admin.POST("/webhook-events/:id/replay", h.Operator.ReplayEvent)

		admin.GET("/orders/:id", h.Operator.GetOrder)
		admin.GET("/orders/:id/audit", h.Operator.GetAuditTrail)
		admin.POST("/orders/:id/advance", h.Operator.Act(lifecycle.CommandAdvance))
		admin.POST("/orders/:id/cancel", h.Operator.Act(lifecycle.CommandCancel))
		admin.POST("/orders/:id/no-show", h.Operator.Act(lifecycle.CommandNoShow))
		admin.POST("/orders/:id/refund", h.Operator.Act(lifecycle.CommandRefund))
	}
}
