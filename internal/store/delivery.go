package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/webhook-dispatch/internal/model"
)

const deliveryColumns = `id, subscription_id, user_id, event, payload, status, attempts, last_attempt_at,
	response_status, response_body, error, delivered_at, next_attempt_at, locked_until, failure_counted, created_at`

type DeliveryStore struct {
	pool *pgxpool.Pool
}

func scanDelivery(row pgx.Row) (*model.Delivery, error) {
	var d model.Delivery
	var status string
	var payload []byte
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.UserID, &d.Event, &payload, &status, &d.Attempts, &d.LastAttemptAt,
		&d.ResponseStatus, &d.ResponseBody, &d.Error, &d.DeliveredAt, &d.NextAttemptAt, &d.LockedUntil, &d.FailureCounted, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	d.Status = model.DeliveryStatus(status)
	return &d, nil
}

// CreateBatch inserts all deliveries of one fan-out in a single transaction.
func (s *DeliveryStore) CreateBatch(ctx context.Context, deliveries []*model.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create deliveries: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range deliveries {
		err := tx.QueryRow(ctx,
			`INSERT INTO webhook_deliveries (id, subscription_id, user_id, event, payload, status, attempts, next_attempt_at)
			 VALUES ($1, $2, $3, $4, $5::json, $6, $7, $8)
			 RETURNING created_at`,
			d.ID, d.SubscriptionID, d.UserID, d.Event, string(d.Payload), string(d.Status), d.Attempts, d.NextAttemptAt,
		).Scan(&d.CreatedAt)
		if err != nil {
			return fmt.Errorf("create delivery: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create deliveries: %w", err)
	}
	return nil
}

func (s *DeliveryStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *DeliveryStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE subscription_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// Claim leases a due delivery to the caller until leaseUntil. It returns
// false when the row is not due, already delivered, or leased elsewhere.
func (s *DeliveryStore) Claim(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (*model.Delivery, bool, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`UPDATE webhook_deliveries SET locked_until = $3
		 WHERE id = $1
		   AND status <> 'delivered'
		   AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		   AND (locked_until IS NULL OR locked_until <= $2)
		 RETURNING `+deliveryColumns,
		id, now, leaseUntil,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim delivery: %w", err)
	}
	return d, true, nil
}

// Complete records the outcome of an attempt and releases the lease.
func (s *DeliveryStore) Complete(ctx context.Context, id uuid.UUID, o model.AttemptOutcome) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET
			status          = $2,
			attempts        = $3,
			last_attempt_at = $4,
			response_status = $5,
			response_body   = $6,
			error           = $7,
			delivered_at    = CASE WHEN $2 = 'delivered' THEN $4 ELSE delivered_at END,
			next_attempt_at = $8,
			failure_counted = $9,
			locked_until    = NULL
		 WHERE id = $1`,
		id, string(o.Status), o.Attempts, o.AttemptedAt, o.ResponseStatus, o.ResponseBody, o.Error, o.NextAttemptAt, o.FailureCounted,
	)
	if err != nil {
		return fmt.Errorf("complete delivery: %w", err)
	}
	return nil
}

// ListDue returns ids of deliveries whose next attempt is due and unleased.
func (s *DeliveryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM webhook_deliveries
		 WHERE next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		   AND status <> 'delivered'
		   AND (locked_until IS NULL OR locked_until <= $1)
		 ORDER BY next_attempt_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due delivery: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Requeue starts a fresh attempt cycle for a delivery that is neither
// delivered nor currently leased. It returns ErrConflict otherwise.
func (s *DeliveryStore) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET
			status          = 'pending',
			attempts        = 0,
			failure_counted = false,
			next_attempt_at = $2
		 WHERE id = $1
		   AND status <> 'delivered'
		   AND (locked_until IS NULL OR locked_until <= $2)`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("requeue delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
