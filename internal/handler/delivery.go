package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/webhook"
)

type DeliveryHandler struct {
	svc *webhook.Service
}

func NewDeliveryHandler(svc *webhook.Service) *DeliveryHandler {
	return &DeliveryHandler{svc: svc}
}

func (h *DeliveryHandler) owned(c *gin.Context) (*model.Delivery, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid delivery id")
		return nil, false
	}

	d, err := h.svc.GetDelivery(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			notFound(c, "delivery")
			return nil, false
		}
		respondError(c, err)
		return nil, false
	}
	if d.UserID != currentUser(c) {
		notFound(c, "delivery")
		return nil, false
	}
	return d, true
}

func (h *DeliveryHandler) Get(c *gin.Context) {
	d, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, d)
}

// Retry starts a new attempt cycle. The attempt itself runs on the worker
// pool, so the response only acknowledges the request.
func (h *DeliveryHandler) Retry(c *gin.Context) {
	d, ok := h.owned(c)
	if !ok {
		return
	}

	if err := h.svc.RetryDelivery(c.Request.Context(), d.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"delivery_id": d.ID,
		"status":      model.DeliveryPending,
	})
}
