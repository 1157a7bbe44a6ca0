package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mooringlabs/mooring/internal/hook"
)

// ErrSubscriberNotFound marks lookups of unknown subscriber ids.
var ErrSubscriberNotFound = errors.New("subscriber not found")

const subscriberColumns = `id, tenant_id, url, secret, event_types, active,
	consecutive_failures, last_error, last_triggered_at`

func scanSubscriber(row pgx.Row) (*hook.Subscriber, error) {
	var (
		s         hook.Subscriber
		lastErr   sql.NullString
		triggered sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.EventTypes,
		&s.Active, &s.ConsecutiveFailures, &lastErr, &triggered); err != nil {
		return nil, err
	}
	if lastErr.Valid {
		s.LastError = lastErr.String
	}
	if triggered.Valid {
		t := triggered.Time
		s.LastTriggeredAt = &t
	}
	return &s, nil
}

// ActiveSubscribers returns the tenant's active endpoints subscribed to the
// event type.
func (p *Postgres) ActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]hook.Subscriber, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+subscriberColumns+`
		FROM mooring.subscribers
		WHERE tenant_id = $1 AND active AND $2 = ANY(event_types)
		ORDER BY id`,
		tenantID, eventType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hook.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Subscriber returns one subscriber regardless of its active flag.
func (p *Postgres) Subscriber(ctx context.Context, id string) (*hook.Subscriber, error) {
	s, err := scanSubscriber(p.pool.QueryRow(ctx, `
		SELECT `+subscriberColumns+`
		FROM mooring.subscribers
		WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	return s, err
}

// MarkSubscriberHealthy resets the failure counter and stamps the last
// successful trigger.
func (p *Postgres) MarkSubscriberHealthy(ctx context.Context, id string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE mooring.subscribers
		SET consecutive_failures = 0, last_error = NULL,
		    last_triggered_at = $2, updated_at = now()
		WHERE id = $1`,
		id, at,
	)
	return err
}

// MarkSubscriberFailing bumps the failure counter and disables the
// subscriber once the freshly incremented value reaches the threshold. The
// increment, the threshold check, and the disable are one statement, so
// concurrent deliveries to the same subscriber cannot act on stale counts.
func (p *Postgres) MarkSubscriberFailing(ctx context.Context, id, lastError string) (int, bool, error) {
	var (
		failures int
		active   bool
	)
	err := p.pool.QueryRow(ctx, `
		UPDATE mooring.subscribers
		SET consecutive_failures = consecutive_failures + 1,
		    last_error = $2,
		    active = active AND consecutive_failures + 1 < $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING consecutive_failures, active`,
		id, lastError, p.opts.DisableThreshold,
	).Scan(&failures, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	return failures, active, err
}
