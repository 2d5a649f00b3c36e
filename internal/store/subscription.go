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

const subscriptionColumns = `id, user_id, api_key_id, url, events, secret, status, failure_count,
	last_success_at, last_failure_at, metadata, created_at, updated_at`

type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	var status string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.APIKeyID, &sub.URL, &sub.Events, &sub.Secret, &status, &sub.FailureCount,
		&sub.LastSuccessAt, &sub.LastFailureAt, &sub.Metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = model.SubscriptionStatus(status)
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]model.Subscription, error) {
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Create inserts sub and its subscription_created audit record atomically.
func (s *SubscriptionStore) Create(ctx context.Context, sub *model.Subscription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create subscription: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO webhook_subscriptions (id, user_id, api_key_id, url, events, secret, status, failure_count, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		sub.ID, sub.UserID, sub.APIKeyID, sub.URL, sub.Events, sub.Secret, string(sub.Status), sub.FailureCount, sub.Metadata,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	if err := insertAudit(ctx, tx, sub.ID, sub.UserID, model.AuditSubscriptionCreated, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string, includeInactive bool) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE user_id = $1`
	if !includeInactive {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListMatching returns the user's active subscriptions whose event set contains event.
func (s *SubscriptionStore) ListMatching(ctx context.Context, userID, event string) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM webhook_subscriptions
		 WHERE user_id = $1 AND status = 'active' AND events @> ARRAY[$2::text]`,
		userID, event,
	)
	if err != nil {
		return nil, fmt.Errorf("list matching subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// Update applies the non-nil fields of upd and records changes in the audit
// trail. Reactivation resets the failure counter in the same statement.
func (s *SubscriptionStore) Update(ctx context.Context, id uuid.UUID, upd model.SubscriptionUpdate, changes json.RawMessage) (*model.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update subscription: %w", err)
	}
	defer tx.Rollback(ctx)

	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`UPDATE webhook_subscriptions SET
			url             = COALESCE($2, url),
			events          = COALESCE($3, events),
			status          = COALESCE($4::text, status),
			metadata        = COALESCE($5::jsonb, metadata),
			failure_count   = CASE WHEN $4::text = 'active' THEN 0 ELSE failure_count END,
			last_failure_at = CASE WHEN $4::text = 'active' THEN NULL ELSE last_failure_at END,
			updated_at      = $6
		 WHERE id = $1
		 RETURNING `+subscriptionColumns,
		id, upd.URL, upd.Events, status, upd.Metadata, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	if err := insertAudit(ctx, tx, sub.ID, sub.UserID, model.AuditSubscriptionUpdated, changes); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete subscription: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1 RETURNING user_id`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("delete subscription: %w", err)
	}

	if err := insertAudit(ctx, tx, id, userID, model.AuditSubscriptionDeleted, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete subscription: %w", err)
	}
	return nil
}

// RecordSuccess clears the failure counter after a 2xx delivery.
func (s *SubscriptionStore) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET failure_count = 0, last_success_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("record subscription success: %w", err)
	}
	return nil
}

// RecordFailure stamps last_failure_at and, when count is set, increments the
// failure counter, quarantining an active subscription once it reaches
// threshold. It is a single statement so concurrent dispatchers never lose an
// increment.
func (s *SubscriptionStore) RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, count bool, threshold int) (model.Health, error) {
	var h model.Health
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE webhook_subscriptions SET
			failure_count   = failure_count + CASE WHEN $3::boolean THEN 1 ELSE 0 END,
			status          = CASE
			                    WHEN $3::boolean AND status = 'active' AND failure_count + 1 >= $4 THEN 'failed'
			                    ELSE status
			                  END,
			last_failure_at = $2,
			updated_at      = $2
		 WHERE id = $1
		 RETURNING status, failure_count`,
		id, at, count, threshold,
	).Scan(&status, &h.FailureCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return h, ErrNotFound
		}
		return h, fmt.Errorf("record subscription failure: %w", err)
	}
	h.Status = model.SubscriptionStatus(status)
	return h, nil
}
