// Package memstore is an in-process implementation of the subscription,
// delivery and audit stores. It is used by tests and by the -memory flag of
// cmd/api for local development; state is lost on exit.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/store"
)

type state struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*model.Subscription
	deliveries    map[uuid.UUID]*model.Delivery
	audit         []model.AuditEvent
}

type Store struct {
	Subscriptions *SubscriptionStore
	Deliveries    *DeliveryStore
	Audit         *AuditStore
}

func New() *Store {
	st := &state{
		subscriptions: make(map[uuid.UUID]*model.Subscription),
		deliveries:    make(map[uuid.UUID]*model.Delivery),
	}
	return &Store{
		Subscriptions: &SubscriptionStore{st: st},
		Deliveries:    &DeliveryStore{st: st},
		Audit:         &AuditStore{st: st},
	}
}

func (st *state) appendAudit(subscriptionID uuid.UUID, userID string, action model.AuditAction, changes json.RawMessage) {
	st.audit = append(st.audit, model.AuditEvent{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		UserID:         userID,
		Action:         action,
		Changes:        append(json.RawMessage(nil), changes...),
		CreatedAt:      time.Now().UTC(),
	})
}

func copySubscription(s *model.Subscription) model.Subscription {
	c := *s
	c.Events = append([]string(nil), s.Events...)
	if s.Metadata.Labels != nil {
		c.Metadata.Labels = make(map[string]string, len(s.Metadata.Labels))
		for k, v := range s.Metadata.Labels {
			c.Metadata.Labels[k] = v
		}
	}
	return c
}

func copyDelivery(d *model.Delivery) model.Delivery {
	c := *d
	c.Payload = append(json.RawMessage(nil), d.Payload...)
	return c
}

type SubscriptionStore struct {
	st *state
}

func (s *SubscriptionStore) Create(_ context.Context, sub *model.Subscription) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	c := copySubscription(sub)
	s.st.subscriptions[sub.ID] = &c
	s.st.appendAudit(sub.ID, sub.UserID, model.AuditSubscriptionCreated, nil)
	return nil
}

func (s *SubscriptionStore) GetByID(_ context.Context, id uuid.UUID) (*model.Subscription, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	sub, ok := s.st.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := copySubscription(sub)
	return &c, nil
}

func (s *SubscriptionStore) list(match func(*model.Subscription) bool) []model.Subscription {
	var subs []model.Subscription
	for _, sub := range s.st.subscriptions {
		if match(sub) {
			subs = append(subs, copySubscription(sub))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs
}

func (s *SubscriptionStore) ListByUser(_ context.Context, userID string, includeInactive bool) ([]model.Subscription, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	return s.list(func(sub *model.Subscription) bool {
		return sub.UserID == userID && (includeInactive || sub.Status == model.SubscriptionActive)
	}), nil
}

func (s *SubscriptionStore) ListMatching(_ context.Context, userID, event string) ([]model.Subscription, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	return s.list(func(sub *model.Subscription) bool {
		return sub.UserID == userID && sub.Status == model.SubscriptionActive && sub.Subscribes(event)
	}), nil
}

func (s *SubscriptionStore) Update(_ context.Context, id uuid.UUID, upd model.SubscriptionUpdate, changes json.RawMessage) (*model.Subscription, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	sub, ok := s.st.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.URL != nil {
		sub.URL = *upd.URL
	}
	if upd.Events != nil {
		sub.Events = append([]string(nil), upd.Events...)
	}
	if upd.Metadata != nil {
		sub.Metadata = *upd.Metadata
	}
	if upd.Status != nil {
		sub.Status = *upd.Status
		if sub.Status == model.SubscriptionActive {
			sub.FailureCount = 0
			sub.LastFailureAt = nil
		}
	}
	sub.UpdatedAt = time.Now().UTC()
	s.st.appendAudit(sub.ID, sub.UserID, model.AuditSubscriptionUpdated, changes)

	c := copySubscription(sub)
	return &c, nil
}

func (s *SubscriptionStore) Delete(_ context.Context, id uuid.UUID) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	sub, ok := s.st.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.st.subscriptions, id)
	s.st.appendAudit(id, sub.UserID, model.AuditSubscriptionDeleted, nil)
	return nil
}

func (s *SubscriptionStore) RecordSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	if sub, ok := s.st.subscriptions[id]; ok {
		sub.FailureCount = 0
		sub.LastSuccessAt = &at
		sub.UpdatedAt = at
	}
	return nil
}

func (s *SubscriptionStore) RecordFailure(_ context.Context, id uuid.UUID, at time.Time, count bool, threshold int) (model.Health, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	sub, ok := s.st.subscriptions[id]
	if !ok {
		return model.Health{}, store.ErrNotFound
	}
	if count {
		sub.FailureCount++
		if sub.Status == model.SubscriptionActive && sub.FailureCount >= threshold {
			sub.Status = model.SubscriptionFailed
		}
	}
	sub.LastFailureAt = &at
	sub.UpdatedAt = at
	return model.Health{Status: sub.Status, FailureCount: sub.FailureCount}, nil
}

// Put stores sub as-is without auditing. Tests use it to seed health state.
func (s *SubscriptionStore) Put(sub model.Subscription) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	c := copySubscription(&sub)
	s.st.subscriptions[sub.ID] = &c
}

type DeliveryStore struct {
	st *state
}

func (s *DeliveryStore) CreateBatch(_ context.Context, deliveries []*model.Delivery) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	now := time.Now().UTC()
	for _, d := range deliveries {
		d.CreatedAt = now
		c := copyDelivery(d)
		s.st.deliveries[d.ID] = &c
	}
	return nil
}

func (s *DeliveryStore) GetByID(_ context.Context, id uuid.UUID) (*model.Delivery, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	d, ok := s.st.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := copyDelivery(d)
	return &c, nil
}

func (s *DeliveryStore) ListBySubscription(_ context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var out []model.Delivery
	for _, d := range s.st.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored deliveries.
func (s *DeliveryStore) Count() int {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return len(s.st.deliveries)
}

func due(d *model.Delivery, now time.Time) bool {
	return d.Status != model.DeliveryDelivered &&
		d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) &&
		(d.LockedUntil == nil || !d.LockedUntil.After(now))
}

func (s *DeliveryStore) Claim(_ context.Context, id uuid.UUID, now, leaseUntil time.Time) (*model.Delivery, bool, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	d, ok := s.st.deliveries[id]
	if !ok || !due(d, now) {
		return nil, false, nil
	}
	d.LockedUntil = &leaseUntil
	c := copyDelivery(d)
	return &c, true, nil
}

func (s *DeliveryStore) Complete(_ context.Context, id uuid.UUID, o model.AttemptOutcome) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	d, ok := s.st.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	at := o.AttemptedAt
	d.Status = o.Status
	d.Attempts = o.Attempts
	d.LastAttemptAt = &at
	d.ResponseStatus = o.ResponseStatus
	d.ResponseBody = o.ResponseBody
	d.Error = o.Error
	if o.Status == model.DeliveryDelivered {
		d.DeliveredAt = &at
	}
	d.NextAttemptAt = o.NextAttemptAt
	d.FailureCounted = o.FailureCounted
	d.LockedUntil = nil
	return nil
}

func (s *DeliveryStore) ListDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var pending []*model.Delivery
	for _, d := range s.st.deliveries {
		if due(d, now) {
			pending = append(pending, d)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].NextAttemptAt.Before(*pending[j].NextAttemptAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]uuid.UUID, len(pending))
	for i, d := range pending {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *DeliveryStore) Requeue(_ context.Context, id uuid.UUID, at time.Time) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	d, ok := s.st.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	if d.Status == model.DeliveryDelivered || (d.LockedUntil != nil && d.LockedUntil.After(at)) {
		return store.ErrConflict
	}
	d.Status = model.DeliveryPending
	d.Attempts = 0
	d.FailureCounted = false
	d.NextAttemptAt = &at
	return nil
}

type AuditStore struct {
	st *state
}

func (s *AuditStore) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]model.AuditEvent, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var out []model.AuditEvent
	for _, e := range s.st.audit {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}
