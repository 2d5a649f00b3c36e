package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zachbroad/webhook-dispatch/internal/webhook"
)

// Routes mounts the HTTP API on r.
func Routes(r *gin.Engine, svc *webhook.Service) {
	subH := NewSubscriptionHandler(svc)
	deliveryH := NewDeliveryHandler(svc)
	eventH := NewEventHandler(svc)

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/events", eventH.Catalog)
	api.POST("/events", eventH.Trigger)

	owner := api.Group("", RequireUser())
	owner.POST("/subscriptions", subH.Create)
	owner.GET("/subscriptions", subH.List)
	owner.GET("/subscriptions/:id", subH.Get)
	owner.PATCH("/subscriptions/:id", subH.Update)
	owner.DELETE("/subscriptions/:id", subH.Delete)
	owner.GET("/subscriptions/:id/deliveries", subH.ListDeliveries)
	owner.GET("/subscriptions/:id/audit", subH.Audit)
	owner.GET("/deliveries/:id", deliveryH.Get)
	owner.POST("/deliveries/:id/retry", deliveryH.Retry)
}
