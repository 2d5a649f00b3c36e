package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/webhook-dispatch/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Store struct {
	Subscriptions *SubscriptionStore
	Deliveries    *DeliveryStore
	Audit         *AuditStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Subscriptions: &SubscriptionStore{pool: pool},
		Deliveries:    &DeliveryStore{pool: pool},
		Audit:         &AuditStore{pool: pool},
	}
}

// insertAudit writes an audit row inside the caller's transaction so the
// trail never diverges from the subscription table.
func insertAudit(ctx context.Context, tx pgx.Tx, subscriptionID uuid.UUID, userID string, action model.AuditAction, changes json.RawMessage) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO webhook_audit_events (id, subscription_id, user_id, event, changes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), subscriptionID, userID, string(action), nullJSON(changes), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
