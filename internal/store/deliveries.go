package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mooringlabs/mooring/internal/hook"
)

const deliveryColumns = `id, subscriber_id, event_id, event_type, entity_id,
	payload::text, status, attempts, max_attempts, next_retry_due,
	http_status, response_body, latency_ms, last_error, delivered_at,
	created_at`

func scanDelivery(row pgx.Row) (*hook.Delivery, error) {
	var (
		d            hook.Delivery
		payload      sql.NullString
		status       string
		due          sql.NullTime
		httpStatus   sql.NullInt32
		responseBody sql.NullString
		latencyMS    sql.NullInt64
		lastErr      sql.NullString
		deliveredAt  sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.SubscriberID, &d.EventID, &d.EventType, &d.EntityID,
		&payload, &status, &d.Attempts, &d.MaxAttempts, &due,
		&httpStatus, &responseBody, &latencyMS, &lastErr, &deliveredAt,
		&d.CreatedAt); err != nil {
		return nil, err
	}
	d.Status = hook.DeliveryStatus(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &d.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for delivery %s: %w", d.ID, err)
		}
	}
	if due.Valid {
		t := due.Time
		d.NextRetryDue = &t
	}
	if httpStatus.Valid {
		d.HTTPStatus = int(httpStatus.Int32)
	}
	if responseBody.Valid {
		d.ResponseBody = responseBody.String
	}
	if latencyMS.Valid {
		d.LatencyMS = latencyMS.Int64
	}
	if lastErr.Valid {
		d.LastError = lastErr.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

// CreateDelivery inserts a pending row; duplicates of an existing
// (subscriber, event) pair are silently skipped and reported as false.
func (p *Postgres) CreateDelivery(ctx context.Context, d *hook.Delivery) (bool, error) {
	payloadJSON, err := json.Marshal(d.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO mooring.deliveries
			(id, subscriber_id, event_id, event_type, entity_id, payload,
			 status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'pending', 0, $7, $8)
		ON CONFLICT ON CONSTRAINT uq_deliveries_subscriber_event DO NOTHING`,
		d.ID, d.SubscriberID, d.EventID, d.EventType, d.EntityID,
		string(payloadJSON), d.MaxAttempts, d.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimDelivery flips one pending or retrying row to attempting. A nil
// result means another worker already holds it (or it is terminal).
func (p *Postgres) ClaimDelivery(ctx context.Context, id string) (*hook.Delivery, error) {
	d, err := scanDelivery(p.pool.QueryRow(ctx, `
		UPDATE mooring.deliveries
		SET status = 'attempting', claimed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING `+deliveryColumns,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ClaimDue atomically claims up to limit due deliveries joined to their
// subscribers: retrying rows whose due time has passed, pending rows
// abandoned before their first attempt, and attempting rows whose claim
// lease expired. FOR UPDATE SKIP LOCKED keeps concurrent sweeps from
// blocking on each other's candidate rows.
func (p *Postgres) ClaimDue(ctx context.Context, limit int, now time.Time) ([]hook.DueDelivery, error) {
	lease := now.Add(-p.opts.ClaimLease)
	rows, err := p.pool.Query(ctx, `
		UPDATE mooring.deliveries d
		SET status = 'attempting', claimed_at = now(), updated_at = now()
		FROM mooring.subscribers s
		WHERE s.id = d.subscriber_id
		  AND d.id IN (
			SELECT id FROM mooring.deliveries
			WHERE (status = 'retrying' AND next_retry_due <= $1)
			   OR (status = 'pending' AND created_at <= $2)
			   OR (status = 'attempting' AND claimed_at <= $2)
			ORDER BY next_retry_due NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		  )
		RETURNING d.id, d.subscriber_id, d.event_id, d.event_type, d.entity_id,
			d.payload::text, d.attempts, d.max_attempts, d.next_retry_due,
			d.created_at,
			s.id, s.tenant_id, s.url, s.secret, s.event_types, s.active,
			s.consecutive_failures`,
		now, lease, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hook.DueDelivery
	for rows.Next() {
		var (
			item    hook.DueDelivery
			payload sql.NullString
			due     sql.NullTime
		)
		if err := rows.Scan(
			&item.Delivery.ID, &item.Delivery.SubscriberID, &item.Delivery.EventID,
			&item.Delivery.EventType, &item.Delivery.EntityID, &payload,
			&item.Delivery.Attempts, &item.Delivery.MaxAttempts, &due,
			&item.Delivery.CreatedAt,
			&item.Subscriber.ID, &item.Subscriber.TenantID, &item.Subscriber.URL,
			&item.Subscriber.Secret, &item.Subscriber.EventTypes,
			&item.Subscriber.Active, &item.Subscriber.ConsecutiveFailures,
		); err != nil {
			return nil, err
		}
		item.Delivery.Status = hook.StatusAttempting
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &item.Delivery.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for delivery %s: %w", item.Delivery.ID, err)
			}
		}
		if due.Valid {
			t := due.Time
			item.Delivery.NextRetryDue = &t
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CompleteDelivery records terminal success.
func (p *Postgres) CompleteDelivery(ctx context.Context, id string, res hook.AttemptResult) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE mooring.deliveries
		SET status = 'delivered', attempts = $2, http_status = $3,
		    response_body = $4, latency_ms = $5, last_error = NULL,
		    next_retry_due = NULL, claimed_at = NULL,
		    delivered_at = now(), updated_at = now()
		WHERE id = $1`,
		id, res.Attempts, res.HTTPStatus, res.Body, res.Latency.Milliseconds(),
	)
	return err
}

// RescheduleDelivery records a failed attempt with another one due later.
func (p *Postgres) RescheduleDelivery(ctx context.Context, id string, res hook.AttemptResult, due time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE mooring.deliveries
		SET status = 'retrying', attempts = $2, http_status = $3,
		    response_body = $4, latency_ms = $5, last_error = $6,
		    next_retry_due = $7, claimed_at = NULL, updated_at = now()
		WHERE id = $1`,
		id, res.Attempts, res.HTTPStatus, res.Body, res.Latency.Milliseconds(),
		res.Err, due,
	)
	return err
}

// FailDelivery records terminal failure and appends the dead-letter row in
// one transaction.
func (p *Postgres) FailDelivery(ctx context.Context, id string, res hook.AttemptResult, reason string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE mooring.deliveries
		SET status = 'failed', attempts = $2, http_status = $3,
		    response_body = $4, latency_ms = $5, last_error = $6,
		    next_retry_due = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1`,
		id, res.Attempts, res.HTTPStatus, res.Body, res.Latency.Milliseconds(),
		res.Err,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO mooring.dead_letters (delivery_id, reason) VALUES ($1, $2)`,
		id, reason,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeliveriesForEvent lists an event's deliveries for inspection tooling.
func (p *Postgres) DeliveriesForEvent(ctx context.Context, eventID string, limit int) ([]hook.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM mooring.deliveries
		WHERE event_id = $1
		ORDER BY created_at
		LIMIT $2`,
		eventID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeadLetter is one terminal failure with its audit reason.
type DeadLetter struct {
	DeliveryID   string    `json:"delivery_id"`
	SubscriberID string    `json:"subscriber_id"`
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Attempts     int       `json:"attempts"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeadLetters lists the most recent terminal failures.
func (p *Postgres) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT q.delivery_id, d.subscriber_id, d.event_id, d.event_type,
		       d.attempts, q.reason, q.created_at
		FROM mooring.dead_letters q
		JOIN mooring.deliveries d ON d.id = q.delivery_id
		ORDER BY q.created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.DeliveryID, &dl.SubscriberID, &dl.EventID,
			&dl.EventType, &dl.Attempts, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
