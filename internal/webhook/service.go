package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zachbroad/webhook-dispatch/internal/metrics"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/script"
	"github.com/zachbroad/webhook-dispatch/internal/signing"
	"github.com/zachbroad/webhook-dispatch/internal/store"
)

const (
	DefaultDeliveryLimit = 50
	MaxDeliveryLimit     = 200
)

type SubscriptionStore interface {
	Create(ctx context.Context, sub *model.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	ListByUser(ctx context.Context, userID string, includeInactive bool) ([]model.Subscription, error)
	ListMatching(ctx context.Context, userID, event string) ([]model.Subscription, error)
	Update(ctx context.Context, id uuid.UUID, upd model.SubscriptionUpdate, changes json.RawMessage) (*model.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type DeliveryStore interface {
	CreateBatch(ctx context.Context, deliveries []*model.Delivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Delivery, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error)
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error
}

type AuditLog interface {
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]model.AuditEvent, error)
}

// Scheduler hands a recorded delivery to whatever runs attempts: the
// in-process worker pool or the Redis stream.
type Scheduler interface {
	Schedule(ctx context.Context, deliveryID uuid.UUID) error
}

// Service owns the subscription registry and the fan-out of business events
// into delivery records.
type Service struct {
	subs       SubscriptionStore
	deliveries DeliveryStore
	audit      AuditLog
	scheduler  Scheduler

	now func() time.Time
}

func NewService(subs SubscriptionStore, deliveries DeliveryStore, audit AuditLog, scheduler Scheduler) *Service {
	return &Service{
		subs:       subs,
		deliveries: deliveries,
		audit:      audit,
		scheduler:  scheduler,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register validates and stores a new active subscription with a fresh
// signing secret. Nothing is stored when validation fails.
func (s *Service) Register(ctx context.Context, userID, apiKeyID, rawURL string, events []string, metadata model.Metadata) (*model.Subscription, error) {
	if userID == "" {
		return nil, invalid("user_id", "is required")
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(events)
	if err != nil {
		return nil, err
	}
	if err := validateMetadata(&metadata); err != nil {
		return nil, err
	}

	secret, err := signing.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := s.now()
	sub := &model.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		APIKeyID:  apiKeyID,
		URL:       rawURL,
		Events:    events,
		Secret:    secret,
		Status:    model.SubscriptionActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("register subscription: %w", err)
	}

	log.Info().Str("subscription_id", sub.ID.String()).Str("user_id", userID).Strs("events", events).Msg("subscription registered")
	return sub, nil
}

func (s *Service) List(ctx context.Context, userID string, includeInactive bool) ([]model.Subscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return s.subs.GetByID(ctx, id)
}

type change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Update applies the owner's changes. Owners may toggle between active and
// inactive; failed is reserved for automatic quarantine.
func (s *Service) Update(ctx context.Context, id uuid.UUID, upd model.SubscriptionUpdate) (*model.Subscription, error) {
	current, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	diff := make(map[string]change)
	if upd.URL != nil {
		if err := validateURL(*upd.URL); err != nil {
			return nil, err
		}
		diff["url"] = change{From: current.URL, To: *upd.URL}
	}
	if upd.Events != nil {
		events, err := normalizeEvents(upd.Events)
		if err != nil {
			return nil, err
		}
		upd.Events = events
		diff["events"] = change{From: current.Events, To: events}
	}
	if upd.Status != nil {
		st := *upd.Status
		if !st.Valid() {
			return nil, invalid("status", "must be one of active, inactive, failed")
		}
		if st == model.SubscriptionFailed && current.Status != model.SubscriptionFailed {
			return nil, invalid("status", "failed is set automatically")
		}
		diff["status"] = change{From: current.Status, To: st}
	}
	if upd.Metadata != nil {
		m := *upd.Metadata
		if err := validateMetadata(&m); err != nil {
			return nil, err
		}
		upd.Metadata = &m
		diff["metadata"] = change{From: current.Metadata, To: m}
	}

	changes, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	sub, err := s.subs.Update(ctx, id, upd, changes)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	log.Info().Str("subscription_id", id.String()).Str("status", string(sub.Status)).Msg("subscription updated")
	return sub, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.subs.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	log.Info().Str("subscription_id", id.String()).Msg("subscription deleted")
	return nil
}

// ListDeliveries returns the newest deliveries of a subscription. limit is
// clamped to [1, MaxDeliveryLimit]; zero means DefaultDeliveryLimit.
func (s *Service) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error) {
	switch {
	case limit <= 0:
		limit = DefaultDeliveryLimit
	case limit > MaxDeliveryLimit:
		limit = MaxDeliveryLimit
	}
	deliveries, err := s.deliveries.ListBySubscription(ctx, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

func (s *Service) GetDelivery(ctx context.Context, id uuid.UUID) (*model.Delivery, error) {
	return s.deliveries.GetByID(ctx, id)
}

func (s *Service) AuditTrail(ctx context.Context, subscriptionID uuid.UUID) ([]model.AuditEvent, error) {
	events, err := s.audit.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// TriggerEvent records one pending delivery per active subscription of
// userID that listens for event and whose filter accepts the payload, then
// schedules them. It does not wait for any HTTP request.
func (s *Service) TriggerEvent(ctx context.Context, userID, event string, payload any) error {
	if userID == "" {
		return invalid("user_id", "is required")
	}
	if event == "" {
		return invalid("event", "is required")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	metrics.EventsTriggeredTotal.WithLabelValues(metrics.EventLabel(event)).Inc()

	subs, err := s.subs.ListMatching(ctx, userID, event)
	if err != nil {
		return fmt.Errorf("resolve subscriptions: %w", err)
	}

	now := s.now()
	deliveries := make([]*model.Delivery, 0, len(subs))
	for i := range subs {
		sub := &subs[i]
		if !s.accepts(sub, event, body) {
			continue
		}
		next := now
		deliveries = append(deliveries, &model.Delivery{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			UserID:         userID,
			Event:          event,
			Payload:        body,
			Status:         model.DeliveryPending,
			NextAttemptAt:  &next,
			CreatedAt:      now,
		})
	}
	if len(deliveries) == 0 {
		return nil
	}

	if err := s.deliveries.CreateBatch(ctx, deliveries); err != nil {
		return fmt.Errorf("record deliveries: %w", err)
	}
	metrics.DeliveriesCreatedTotal.Add(float64(len(deliveries)))

	for _, d := range deliveries {
		if err := s.scheduler.Schedule(ctx, d.ID); err != nil {
			log.Warn().Err(err).Str("delivery_id", d.ID.String()).Msg("failed to schedule delivery, leaving it to the poller")
		}
	}

	log.Debug().Str("user_id", userID).Str("event", event).Int("deliveries", len(deliveries)).Msg("event fanned out")
	return nil
}

func (s *Service) accepts(sub *model.Subscription, event string, body json.RawMessage) bool {
	if sub.Metadata.Filter == "" {
		return true
	}
	ok, err := script.Match(sub.Metadata.Filter, script.FilterInput{Event: event, Payload: body})
	if err != nil {
		log.Warn().Err(err).Str("subscription_id", sub.ID.String()).Msg("filter script failed, delivering anyway")
		return true
	}
	return ok
}

// RetryDelivery starts a new attempt cycle for a delivery that has not been
// delivered, provided its subscription is active.
func (s *Service) RetryDelivery(ctx context.Context, id uuid.UUID) error {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == model.DeliveryDelivered {
		return &InvalidStateError{Message: "delivery already delivered"}
	}

	sub, err := s.subs.GetByID(ctx, d.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return &InvalidStateError{Message: "subscription no longer exists"}
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status != model.SubscriptionActive {
		return &InvalidStateError{Message: fmt.Sprintf("subscription is %s", sub.Status)}
	}

	if err := s.deliveries.Requeue(ctx, id, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &InvalidStateError{Message: "delivery is already delivered or being attempted"}
		}
		return fmt.Errorf("requeue delivery: %w", err)
	}

	if err := s.scheduler.Schedule(ctx, id); err != nil {
		log.Warn().Err(err).Str("delivery_id", id.String()).Msg("failed to schedule retry, leaving it to the poller")
	}
	log.Info().Str("delivery_id", id.String()).Msg("delivery retry requested")
	return nil
}
