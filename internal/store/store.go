// Package store persists subscribers, deliveries, and dead letters in
// Postgres. Claim queries are the concurrency boundary: they hand each due
// delivery to exactly one worker.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tune behavior shared by several queries.
type Options struct {
	DisableThreshold int           // consecutive failures before auto-disable
	ClaimLease       time.Duration // how long a claim holds before reclaim
}

// Postgres implements the engine's Store contract on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

// New wraps an existing pool. Zero Options fields get safe defaults.
func New(pool *pgxpool.Pool, opts Options) *Postgres {
	if opts.DisableThreshold <= 0 {
		opts.DisableThreshold = 10
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	return &Postgres{pool: pool, opts: opts}
}

// Connect establishes a connection pool and verifies it with a bounded
// ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Pool exposes the underlying pool for health checks.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

const schema = `
CREATE SCHEMA IF NOT EXISTS mooring;

CREATE TABLE IF NOT EXISTS mooring.subscribers (
	id                   uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	tenant_id            text NOT NULL,
	url                  text NOT NULL,
	secret               text NOT NULL,
	event_types          text[] NOT NULL DEFAULT '{}',
	active               boolean NOT NULL DEFAULT true,
	consecutive_failures integer NOT NULL DEFAULT 0,
	last_error           text,
	last_triggered_at    timestamptz,
	created_at           timestamptz NOT NULL DEFAULT now(),
	updated_at           timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_subscribers_tenant_active
	ON mooring.subscribers (tenant_id) WHERE active;

CREATE TABLE IF NOT EXISTS mooring.deliveries (
	id             uuid PRIMARY KEY,
	subscriber_id  uuid NOT NULL REFERENCES mooring.subscribers(id),
	event_id       text NOT NULL,
	event_type     text NOT NULL,
	entity_id      text NOT NULL DEFAULT '',
	payload        jsonb,
	status         text NOT NULL DEFAULT 'pending',
	attempts       integer NOT NULL DEFAULT 0,
	max_attempts   integer NOT NULL DEFAULT 5,
	next_retry_due timestamptz,
	http_status    integer,
	response_body  text,
	latency_ms     bigint,
	last_error     text,
	claimed_at     timestamptz,
	delivered_at   timestamptz,
	created_at     timestamptz NOT NULL DEFAULT now(),
	updated_at     timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT uq_deliveries_subscriber_event UNIQUE (subscriber_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_due
	ON mooring.deliveries (next_retry_due)
	WHERE status IN ('pending', 'retrying', 'attempting');

CREATE INDEX IF NOT EXISTS idx_deliveries_event
	ON mooring.deliveries (event_id);

CREATE TABLE IF NOT EXISTS mooring.dead_letters (
	id          bigserial PRIMARY KEY,
	delivery_id uuid NOT NULL REFERENCES mooring.deliveries(id),
	reason      text NOT NULL,
	created_at  timestamptz NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}
