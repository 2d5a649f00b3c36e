package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zachbroad/webhook-dispatch/internal/metrics"
	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/signing"
	"github.com/zachbroad/webhook-dispatch/internal/store"
)

const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery-ID"
	UserAgent        = "CoinBox-Webhooks/1.0"

	DefaultTimeout             = 10 * time.Second
	DefaultQuarantineThreshold = 10

	maxResponseBody = 1000
	maxErrorLen     = 500

	// Extra lease time on top of the request timeout so a slow store write
	// after the POST does not let another worker claim the delivery.
	leaseMargin = 30 * time.Second

	errSubscriptionInactive = "subscription not active"
)

type SubscriptionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, count bool, threshold int) (model.Health, error)
}

type DeliveryStore interface {
	Claim(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (*model.Delivery, bool, error)
	Complete(ctx context.Context, id uuid.UUID, o model.AttemptOutcome) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type DispatcherConfig struct {
	Timeout             time.Duration
	QuarantineThreshold int
	Backoff             Backoff
}

// Dispatcher performs single delivery attempts: claim, sign, POST, record.
type Dispatcher struct {
	subs       SubscriptionStore
	deliveries DeliveryStore
	httpClient *http.Client
	backoff    Backoff
	threshold  int
	timeout    time.Duration

	// now is replaced in tests.
	now func() time.Time
}

func NewDispatcher(subs SubscriptionStore, deliveries DeliveryStore, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QuarantineThreshold <= 0 {
		cfg.QuarantineThreshold = DefaultQuarantineThreshold
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	return &Dispatcher{
		subs:       subs,
		deliveries: deliveries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		backoff:    cfg.Backoff,
		threshold:  cfg.QuarantineThreshold,
		timeout:    cfg.Timeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Due returns up to limit deliveries whose next attempt time has passed.
func (d *Dispatcher) Due(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return d.deliveries.ListDue(ctx, d.now(), limit)
}

// Attempt makes one delivery attempt for id if it is due and not leased by
// another worker. When a retry was scheduled it returns the delay until it
// and true.
func (d *Dispatcher) Attempt(ctx context.Context, id uuid.UUID) (time.Duration, bool) {
	now := d.now()
	delivery, ok, err := d.deliveries.Claim(ctx, id, now, now.Add(d.timeout+leaseMargin))
	if err != nil {
		log.Error().Err(err).Str("delivery_id", id.String()).Msg("failed to claim delivery")
		return 0, false
	}
	if !ok {
		return 0, false
	}

	logger := log.With().
		Str("delivery_id", id.String()).
		Str("subscription_id", delivery.SubscriptionID.String()).
		Str("event", delivery.Event).
		Logger()

	sub, err := d.subs.GetByID(ctx, delivery.SubscriptionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// Lease expiry hands the delivery back to the poller.
		logger.Error().Err(err).Msg("failed to load subscription")
		return 0, false
	}
	if sub == nil || sub.Status != model.SubscriptionActive {
		d.abort(ctx, delivery, now)
		logger.Info().Msg("delivery aborted: subscription not active")
		return 0, false
	}

	retryCount := delivery.Attempts
	start := time.Now()
	res := d.send(ctx, sub, delivery)
	metrics.AttemptDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// Shutting down: leave the lease to expire rather than charge the
		// subscriber for our own cancellation.
		return 0, false
	}

	attemptedAt := d.now()
	outcome := model.AttemptOutcome{
		Attempts:       retryCount + 1,
		AttemptedAt:    attemptedAt,
		ResponseStatus: res.status,
		ResponseBody:   res.body,
		FailureCounted: delivery.FailureCounted,
	}

	if res.err == nil {
		outcome.Status = model.DeliveryDelivered
		if err := d.deliveries.Complete(ctx, id, outcome); err != nil {
			logger.Error().Err(err).Msg("failed to record delivery success")
		}
		if err := d.subs.RecordSuccess(ctx, sub.ID, attemptedAt); err != nil {
			logger.Error().Err(err).Msg("failed to reset subscription health")
		}
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
		logger.Info().Int("attempt", outcome.Attempts).Msg("webhook delivered")
		return 0, false
	}

	errMsg := truncate(res.err.Error(), maxErrorLen)
	outcome.Status = model.DeliveryFailed
	outcome.Error = &errMsg

	// Only the first failure of a cycle counts against the subscription.
	count := !delivery.FailureCounted
	stopped := false
	health, err := d.subs.RecordFailure(ctx, sub.ID, attemptedAt, count, d.threshold)
	switch {
	case errors.Is(err, store.ErrNotFound):
		stopped = true
	case err != nil:
		logger.Error().Err(err).Msg("failed to record subscription failure")
	default:
		outcome.FailureCounted = true
		stopped = health.Status != model.SubscriptionActive
		if count && health.Status == model.SubscriptionFailed && health.FailureCount == d.threshold {
			metrics.QuarantinedTotal.Inc()
			logger.Warn().Int("failure_count", health.FailureCount).Msg("subscription quarantined")
		}
	}

	var delay time.Duration
	retry := false
	if !stopped {
		if delay, retry = d.backoff.Next(retryCount); retry {
			next := attemptedAt.Add(delay)
			outcome.NextAttemptAt = &next
		}
	}

	if err := d.deliveries.Complete(ctx, id, outcome); err != nil {
		logger.Error().Err(err).Msg("failed to record delivery failure")
		return 0, false
	}

	if retry {
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeRetry).Inc()
		logger.Warn().Int("attempt", outcome.Attempts).Dur("retry_in", delay).Str("error", errMsg).Msg("delivery attempt failed, retrying")
	} else {
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Warn().Int("attempt", outcome.Attempts).Str("error", errMsg).Msg("delivery failed permanently")
	}
	return delay, retry
}

// abort ends the cycle without an HTTP request. The attempt counter and the
// subscription's health are left untouched.
func (d *Dispatcher) abort(ctx context.Context, delivery *model.Delivery, at time.Time) {
	msg := errSubscriptionInactive
	err := d.deliveries.Complete(ctx, delivery.ID, model.AttemptOutcome{
		Status:         model.DeliveryFailed,
		Attempts:       delivery.Attempts,
		AttemptedAt:    at,
		ResponseStatus: delivery.ResponseStatus,
		ResponseBody:   delivery.ResponseBody,
		Error:          &msg,
		FailureCounted: delivery.FailureCounted,
	})
	if err != nil {
		log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("failed to abort delivery")
	}
	metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeAborted).Inc()
}

type sendResult struct {
	status *int
	body   *string
	err    error
}

func (d *Dispatcher) send(ctx context.Context, sub *model.Subscription, delivery *model.Delivery) sendResult {
	payload := []byte(delivery.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return sendResult{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, signing.SignAt(payload, sub.Secret, d.now()))
	req.Header.Set(HeaderEvent, delivery.Event)
	req.Header.Set(HeaderDeliveryID, delivery.ID.String())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return sendResult{err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	body := truncate(string(raw), maxResponseBody)
	status := resp.StatusCode

	if status >= 200 && status < 300 {
		return sendResult{status: &status, body: &body}
	}
	return sendResult{
		status: &status,
		body:   &body,
		err:    fmt.Errorf("HTTP %d: %s", status, body),
	}
}

// truncate returns s as valid UTF-8 without NUL bytes, cut to at most n bytes.
// Subscriber responses are arbitrary bytes; Postgres text columns accept neither.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
