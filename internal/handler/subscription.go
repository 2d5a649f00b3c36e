package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/webhook"
)

type SubscriptionHandler struct {
	svc *webhook.Service
}

func NewSubscriptionHandler(svc *webhook.Service) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc}
}

type createSubscriptionRequest struct {
	URL      string         `json:"url"`
	Events   []string       `json:"events"`
	Metadata model.Metadata `json:"metadata"`
}

func (h *SubscriptionHandler) Create(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	sub, err := h.svc.Register(c.Request.Context(), currentUser(c), c.GetHeader(HeaderAPIKeyID), req.URL, req.Events, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *SubscriptionHandler) List(c *gin.Context) {
	includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))

	subs, err := h.svc.List(c.Request.Context(), currentUser(c), includeInactive)
	if err != nil {
		respondError(c, err)
		return
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	c.JSON(http.StatusOK, subs)
}

// owned loads the subscription named by :id and checks it belongs to the
// caller. Foreign subscriptions are reported as missing.
func (h *SubscriptionHandler) owned(c *gin.Context) (*model.Subscription, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid subscription id")
		return nil, false
	}

	sub, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			notFound(c, "subscription")
			return nil, false
		}
		respondError(c, err)
		return nil, false
	}
	if sub.UserID != currentUser(c) {
		notFound(c, "subscription")
		return nil, false
	}
	return sub, true
}

func (h *SubscriptionHandler) Get(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}

	var req model.SubscriptionUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	updated, err := h.svc.Update(c.Request.Context(), sub.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *SubscriptionHandler) Delete(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}

	if err := h.svc.Delete(c.Request.Context(), sub.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubscriptionHandler) ListDeliveries(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	deliveries, err := h.svc.ListDeliveries(c.Request.Context(), sub.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []model.Delivery{}
	}
	c.JSON(http.StatusOK, deliveries)
}

func (h *SubscriptionHandler) Audit(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}

	events, err := h.svc.AuditTrail(c.Request.Context(), sub.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	c.JSON(http.StatusOK, events)
}
