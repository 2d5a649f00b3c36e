package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/store/memstore"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (r *recordingScheduler) Schedule(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newTestService() (*Service, *memstore.Store, *recordingScheduler) {
	ms := memstore.New()
	sched := &recordingScheduler{}
	return NewService(ms.Subscriptions, ms.Deliveries, ms.Audit, sched), ms, sched
}

func mustRegister(t *testing.T, svc *Service, userID string, events []string, md model.Metadata) *model.Subscription {
	t.Helper()
	sub, err := svc.Register(context.Background(), userID, "key-1", "https://example.com/hook", events, md)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return sub
}

func TestRegister(t *testing.T) {
	svc, ms, _ := newTestService()
	ctx := context.Background()

	sub := mustRegister(t, svc, "user-1", []string{"loan.created", " loan.created ", "loan.approved"}, model.Metadata{
		Labels: map[string]string{"team": "payments"},
	})

	if !strings.HasPrefix(sub.Secret, "whsec_") {
		t.Fatalf("expected whsec_ secret, got %q", sub.Secret)
	}
	if sub.Status != model.SubscriptionActive || sub.FailureCount != 0 {
		t.Fatalf("expected active with zero failures, got %s/%d", sub.Status, sub.FailureCount)
	}
	if len(sub.Events) != 2 || sub.Events[0] != "loan.created" || sub.Events[1] != "loan.approved" {
		t.Fatalf("expected de-duplicated events, got %v", sub.Events)
	}
	if sub.Metadata.Version != model.MetadataVersion {
		t.Fatalf("expected metadata version %d, got %d", model.MetadataVersion, sub.Metadata.Version)
	}
	if sub.APIKeyID != "key-1" {
		t.Fatalf("expected api key id key-1, got %q", sub.APIKeyID)
	}

	stored, err := svc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Secret != sub.Secret {
		t.Fatal("expected stored secret to match")
	}

	audit, _ := ms.Audit.ListBySubscription(ctx, sub.ID)
	if len(audit) != 1 || audit[0].Action != model.AuditSubscriptionCreated {
		t.Fatalf("expected one subscription_created audit event, got %+v", audit)
	}
}

func TestRegister_SecretsAreUnique(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	b := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	if a.Secret == b.Secret {
		t.Fatal("expected distinct secrets")
	}
}

func TestRegister_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		events   []string
		metadata model.Metadata
		field    string
	}{
		{"malformed url", "not a url", []string{"loan.created"}, model.Metadata{}, "url"},
		{"relative url", "/hooks/1", []string{"loan.created"}, model.Metadata{}, "url"},
		{"empty url", "", []string{"loan.created"}, model.Metadata{}, "url"},
		{"unsupported scheme", "ftp://example.com/x", []string{"loan.created"}, model.Metadata{}, "url"},
		{"no events", "https://example.com", nil, model.Metadata{}, "events"},
		{"blank event", "https://example.com", []string{"loan.created", "  "}, model.Metadata{}, "events"},
		{"unknown metadata version", "https://example.com", []string{"loan.created"}, model.Metadata{Version: 7}, "metadata"},
		{"broken filter", "https://example.com", []string{"loan.created"}, model.Metadata{Filter: "function filter(e) {"}, "metadata.filter"},
		{"filter without function", "https://example.com", []string{"loan.created"}, model.Metadata{Filter: "var x = 1;"}, "metadata.filter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService()
			_, err := svc.Register(context.Background(), "user-1", "", tt.url, tt.events, tt.metadata)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected field %q, got %v", tt.field, err)
			}

			subs, _ := svc.List(context.Background(), "user-1", true)
			if len(subs) != 0 {
				t.Fatalf("expected nothing persisted, got %d subscriptions", len(subs))
			}
		})
	}
}

func TestList_IncludeInactive(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	active := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	paused := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	mustRegister(t, svc, "user-2", []string{"loan.created"}, model.Metadata{})

	inactive := model.SubscriptionInactive
	if _, err := svc.Update(ctx, paused.ID, model.SubscriptionUpdate{Status: &inactive}); err != nil {
		t.Fatalf("update: %v", err)
	}

	subs, _ := svc.List(ctx, "user-1", false)
	if len(subs) != 1 || subs[0].ID != active.ID {
		t.Fatalf("expected only the active subscription, got %d", len(subs))
	}
	subs, _ = svc.List(ctx, "user-1", true)
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions with inactive included, got %d", len(subs))
	}
}

func TestUpdate(t *testing.T) {
	svc, ms, _ := newTestService()
	ctx := context.Background()
	sub := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})

	quarantined := *sub
	quarantined.Status = model.SubscriptionFailed
	quarantined.FailureCount = 10
	now := time.Now().UTC()
	quarantined.LastFailureAt = &now
	ms.Subscriptions.Put(quarantined)

	active := model.SubscriptionActive
	newURL := "https://example.org/v2/hook"
	updated, err := svc.Update(ctx, sub.ID, model.SubscriptionUpdate{URL: &newURL, Status: &active})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.SubscriptionActive || updated.FailureCount != 0 || updated.LastFailureAt != nil {
		t.Fatalf("expected reactivation to reset health, got %s/%d", updated.Status, updated.FailureCount)
	}
	if updated.URL != newURL {
		t.Fatalf("expected url %q, got %q", newURL, updated.URL)
	}
	if updated.Secret != sub.Secret {
		t.Fatal("expected secret to be unchanged")
	}

	audit, _ := ms.Audit.ListBySubscription(ctx, sub.ID)
	last := audit[len(audit)-1]
	if last.Action != model.AuditSubscriptionUpdated {
		t.Fatalf("expected subscription_updated, got %s", last.Action)
	}
	var diff map[string]struct {
		From any `json:"from"`
		To   any `json:"to"`
	}
	if err := json.Unmarshal(last.Changes, &diff); err != nil {
		t.Fatalf("decode changes: %v", err)
	}
	if diff["url"].To != newURL || diff["status"].From != "failed" {
		t.Fatalf("unexpected diff: %s", last.Changes)
	}
}

func TestUpdate_Invalid(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	sub := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})

	failed := model.SubscriptionFailed
	bogus := model.SubscriptionStatus("paused")
	badURL := "nope"

	cases := map[string]model.SubscriptionUpdate{
		"manual quarantine": {Status: &failed},
		"unknown status":    {Status: &bogus},
		"bad url":           {URL: &badURL},
		"empty events":      {Events: []string{}},
	}
	for name, upd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Update(ctx, sub.ID, upd); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := svc.Update(ctx, uuid.New(), model.SubscriptionUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	sub := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})

	if err := svc.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := svc.Delete(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	audit, _ := svc.AuditTrail(ctx, sub.ID)
	if len(audit) != 2 || audit[1].Action != model.AuditSubscriptionDeleted {
		t.Fatalf("expected created+deleted audit trail, got %+v", audit)
	}
}

func TestTriggerEvent_NoMatches(t *testing.T) {
	svc, ms, sched := newTestService()
	mustRegister(t, svc, "user-1", []string{"loan.approved"}, model.Metadata{})

	if err := svc.TriggerEvent(context.Background(), "user-1", "loan.created", map[string]any{"id": 1}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if n := ms.Deliveries.Count(); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
	if sched.count() != 0 {
		t.Fatalf("expected nothing scheduled, got %d", sched.count())
	}
}

func TestTriggerEvent_FanOut(t *testing.T) {
	svc, ms, sched := newTestService()
	ctx := context.Background()

	a := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	b := mustRegister(t, svc, "user-1", []string{"loan.created", "loan.approved"}, model.Metadata{})
	mustRegister(t, svc, "user-1", []string{"loan.approved"}, model.Metadata{})
	mustRegister(t, svc, "user-2", []string{"loan.created"}, model.Metadata{})
	paused := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	inactive := model.SubscriptionInactive
	svc.Update(ctx, paused.ID, model.SubscriptionUpdate{Status: &inactive})

	payload := json.RawMessage(`{"loan_id": "l-9",  "amount": 10}`)
	if err := svc.TriggerEvent(ctx, "user-1", "loan.created", payload); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if n := ms.Deliveries.Count(); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if sched.count() != 2 {
		t.Fatalf("expected 2 scheduled, got %d", sched.count())
	}
	for _, sub := range []*model.Subscription{a, b} {
		ds, _ := svc.ListDeliveries(ctx, sub.ID, 0)
		if len(ds) != 1 {
			t.Fatalf("expected 1 delivery for %s, got %d", sub.ID, len(ds))
		}
		d := ds[0]
		if d.Status != model.DeliveryPending || d.Attempts != 0 {
			t.Fatalf("expected pending with 0 attempts, got %s/%d", d.Status, d.Attempts)
		}
		if string(d.Payload) != string(payload) {
			t.Fatalf("expected payload bytes preserved, got %s", d.Payload)
		}
		if d.Event != "loan.created" || d.UserID != "user-1" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	}
}

func TestTriggerEvent_Filter(t *testing.T) {
	svc, ms, _ := newTestService()
	ctx := context.Background()

	big := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{
		Filter: `function filter(e) { return e.payload.amount >= 1000; }`,
	})
	broken := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{
		Filter: `function filter(e) { return e.payload.missing.field; }`,
	})

	svc.TriggerEvent(ctx, "user-1", "loan.created", map[string]any{"amount": 50})
	if ds, _ := svc.ListDeliveries(ctx, big.ID, 0); len(ds) != 0 {
		t.Fatalf("expected filter to skip small amount, got %d", len(ds))
	}
	if ds, _ := svc.ListDeliveries(ctx, broken.ID, 0); len(ds) != 1 {
		t.Fatalf("expected failing filter to deliver anyway, got %d", len(ds))
	}

	svc.TriggerEvent(ctx, "user-1", "loan.created", map[string]any{"amount": 5000})
	if ds, _ := svc.ListDeliveries(ctx, big.ID, 0); len(ds) != 1 {
		t.Fatalf("expected filter to accept large amount, got %d", len(ds))
	}
	if n := ms.Deliveries.Count(); n != 3 {
		t.Fatalf("expected 3 deliveries in total, got %d", n)
	}
}

func TestTriggerEvent_InvalidInput(t *testing.T) {
	svc, ms, _ := newTestService()
	mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	ctx := context.Background()

	cases := map[string]error{
		"bad json":  svc.TriggerEvent(ctx, "user-1", "loan.created", json.RawMessage(`{"a":`)),
		"nil":       svc.TriggerEvent(ctx, "user-1", "loan.created", nil),
		"no event":  svc.TriggerEvent(ctx, "user-1", "", map[string]any{}),
		"no user":   svc.TriggerEvent(ctx, "", "loan.created", map[string]any{}),
		"bad value": svc.TriggerEvent(ctx, "user-1", "loan.created", map[string]any{"ch": make(chan int)}),
	}
	for name, err := range cases {
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if n := ms.Deliveries.Count(); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestTriggerEvent_SchedulerErrorIsContained(t *testing.T) {
	svc, ms, sched := newTestService()
	sched.err = errors.New("redis down")
	mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})

	if err := svc.TriggerEvent(context.Background(), "user-1", "loan.created", map[string]any{"id": 1}); err != nil {
		t.Fatalf("expected scheduling errors to be swallowed, got %v", err)
	}
	if n := ms.Deliveries.Count(); n != 1 {
		t.Fatalf("expected the delivery to be recorded, got %d", n)
	}
}

func triggerOne(t *testing.T, svc *Service, sub *model.Subscription) *model.Delivery {
	t.Helper()
	ctx := context.Background()
	if err := svc.TriggerEvent(ctx, sub.UserID, sub.Events[0], map[string]any{"id": 1}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	ds, _ := svc.ListDeliveries(ctx, sub.ID, 1)
	if len(ds) != 1 {
		t.Fatalf("expected a delivery, got %d", len(ds))
	}
	return &ds[0]
}

func TestRetryDelivery(t *testing.T) {
	svc, ms, sched := newTestService()
	ctx := context.Background()
	sub := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	d := triggerOne(t, svc, sub)

	msg := "HTTP 500: boom"
	err := ms.Deliveries.Complete(ctx, d.ID, model.AttemptOutcome{
		Status:         model.DeliveryFailed,
		Attempts:       4,
		AttemptedAt:    time.Now().UTC(),
		Error:          &msg,
		FailureCounted: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	before := sched.count()
	if err := svc.RetryDelivery(ctx, d.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := svc.GetDelivery(ctx, d.ID)
	if got.Status != model.DeliveryPending || got.Attempts != 0 || got.NextAttemptAt == nil {
		t.Fatalf("expected a fresh pending cycle, got %s/%d", got.Status, got.Attempts)
	}
	if sched.count() != before+1 {
		t.Fatal("expected the retry to be scheduled")
	}

	if err := svc.RetryDelivery(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetryDelivery_Rejected(t *testing.T) {
	svc, ms, sched := newTestService()
	ctx := context.Background()

	sub := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	delivered := triggerOne(t, svc, sub)
	ms.Deliveries.Complete(ctx, delivered.ID, model.AttemptOutcome{
		Status:      model.DeliveryDelivered,
		Attempts:    1,
		AttemptedAt: time.Now().UTC(),
	})

	paused := mustRegister(t, svc, "user-1", []string{"loan.approved"}, model.Metadata{})
	failedDelivery := triggerOne(t, svc, paused)
	msg := "HTTP 500"
	ms.Deliveries.Complete(ctx, failedDelivery.ID, model.AttemptOutcome{
		Status:      model.DeliveryFailed,
		Attempts:    4,
		AttemptedAt: time.Now().UTC(),
		Error:       &msg,
	})
	inactive := model.SubscriptionInactive
	svc.Update(ctx, paused.ID, model.SubscriptionUpdate{Status: &inactive})

	scheduled := sched.count()
	for name, id := range map[string]uuid.UUID{"delivered": delivered.ID, "inactive subscription": failedDelivery.ID} {
		t.Run(name, func(t *testing.T) {
			before, _ := svc.GetDelivery(ctx, id)
			if err := svc.RetryDelivery(ctx, id); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected invalid state, got %v", err)
			}
			after, _ := svc.GetDelivery(ctx, id)
			if after.Status != before.Status || after.Attempts != before.Attempts {
				t.Fatal("expected the delivery to be untouched")
			}
		})
	}
	if sched.count() != scheduled {
		t.Fatal("expected nothing to be scheduled")
	}
}

func TestListDeliveries_Limit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	sub := mustRegister(t, svc, "user-1", []string{"loan.created"}, model.Metadata{})
	for range 3 {
		svc.TriggerEvent(ctx, "user-1", "loan.created", map[string]any{})
	}

	if ds, _ := svc.ListDeliveries(ctx, sub.ID, 2); len(ds) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(ds))
	}
	if ds, _ := svc.ListDeliveries(ctx, sub.ID, 1000); len(ds) != 3 {
		t.Fatalf("expected all 3 deliveries, got %d", len(ds))
	}
}

func TestRegister_LoopingFilterIsRejected(t *testing.T) {
	svc, _, _ := newTestService()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Register(context.Background(), "user-1", "", "https://example.com", []string{"loan.created"}, model.Metadata{
			Filter: `while (true) {} function filter(e) { return true; }`,
		})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("register did not return for a looping filter")
	}
}
