package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionFailed   SubscriptionStatus = "failed"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionInactive, SubscriptionFailed:
		return true
	}
	return false
}

type Subscription struct {
	ID            uuid.UUID          `json:"id"`
	UserID        string             `json:"user_id"`
	APIKeyID      string             `json:"api_key_id"`
	URL           string             `json:"url"`
	Events        []string           `json:"events"`
	Secret        string             `json:"secret,omitempty"`
	Status        SubscriptionStatus `json:"status"`
	FailureCount  int                `json:"failure_count"`
	LastSuccessAt *time.Time         `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time         `json:"last_failure_at,omitempty"`
	Metadata      Metadata           `json:"metadata"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Subscribes reports whether event is in the subscription's event set.
func (s *Subscription) Subscribes(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// SubscriptionUpdate carries the owner-mutable fields. Nil fields are left untouched.
type SubscriptionUpdate struct {
	URL      *string             `json:"url,omitempty"`
	Events   []string            `json:"events,omitempty"`
	Status   *SubscriptionStatus `json:"status,omitempty"`
	Metadata *Metadata           `json:"metadata,omitempty"`
}

// Health is the dispatcher-owned view of a subscription after a counter update.
type Health struct {
	Status       SubscriptionStatus `json:"status"`
	FailureCount int                `json:"failure_count"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Delivery struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	Error          *string         `json:"error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LockedUntil    *time.Time      `json:"-"`
	FailureCounted bool            `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Terminal reports whether no further automatic attempt is scheduled.
func (d *Delivery) Terminal() bool {
	return d.Status == DeliveryDelivered || (d.Status == DeliveryFailed && d.NextAttemptAt == nil)
}

// AttemptOutcome is what the dispatcher writes back after one HTTP try.
type AttemptOutcome struct {
	Status         DeliveryStatus
	Attempts       int
	AttemptedAt    time.Time
	ResponseStatus *int
	ResponseBody   *string
	Error          *string
	NextAttemptAt  *time.Time
	FailureCounted bool
}

type AuditAction string

const (
	AuditSubscriptionCreated AuditAction = "subscription_created"
	AuditSubscriptionUpdated AuditAction = "subscription_updated"
	AuditSubscriptionDeleted AuditAction = "subscription_deleted"
)

type AuditEvent struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Action         AuditAction     `json:"event"`
	Changes        json.RawMessage `json:"changes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
