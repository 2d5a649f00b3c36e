package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/webhook"
)

type EventHandler struct {
	svc *webhook.Service
}

func NewEventHandler(svc *webhook.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

type triggerEventRequest struct {
	UserID  string          `json:"user_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Trigger is the internal entry point for business services. It answers
// once deliveries are recorded; outcomes are never reported back.
func (h *EventHandler) Trigger(c *gin.Context) {
	var req triggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	if err := h.svc.TriggerEvent(c.Request.Context(), req.UserID, req.Event, payload); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *EventHandler) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": model.Catalog})
}
