package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/webhook-dispatch/internal/model"
)

// AuditStore reads the append-only subscription lifecycle trail. Rows are
// written by SubscriptionStore inside its transactions.
type AuditStore struct {
	pool *pgxpool.Pool
}

func (s *AuditStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, user_id, event, changes, created_at
		 FROM webhook_audit_events
		 WHERE subscription_id = $1
		 ORDER BY created_at ASC`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var action string
		var changes []byte
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &action, &changes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.Changes = changes
		events = append(events, e)
	}
	return events, rows.Err()
}
