// Package dispatch is the delivery engine: event fan-out, per-attempt HTTP
// execution, the retry state machine, and subscriber health tracking. All
// state lives in the injected Store; the engine itself is stateless between
// invocations.
package dispatch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mooringlabs/mooring/internal/backoff"
	"github.com/mooringlabs/mooring/internal/config"
	"github.com/mooringlabs/mooring/internal/deadletter"
	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/logging"
)

// Store is the persistence contract the engine runs against. Claim methods
// must be atomic: a delivery handed out by ClaimDelivery or ClaimDue is
// owned by the caller until its row is updated or the claim lease expires.
type Store interface {
	// ActiveSubscribers returns active subscribers of the tenant that are
	// subscribed to the event type.
	ActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]hook.Subscriber, error)

	// Subscriber returns one subscriber regardless of its active flag.
	Subscriber(ctx context.Context, id string) (*hook.Subscriber, error)

	// CreateDelivery inserts a pending delivery row. It reports false when a
	// row for the same (subscriber, event) pair already exists.
	CreateDelivery(ctx context.Context, d *hook.Delivery) (bool, error)

	// ClaimDelivery flips a pending or retrying delivery to the transient
	// attempting state. A nil result means another worker holds it.
	ClaimDelivery(ctx context.Context, id string) (*hook.Delivery, error)

	// ClaimDue claims up to limit due deliveries joined to their
	// subscribers.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]hook.DueDelivery, error)

	// CompleteDelivery records a successful attempt: terminal delivered.
	CompleteDelivery(ctx context.Context, id string, res hook.AttemptResult) error

	// RescheduleDelivery records a failed attempt with another one due at
	// due.
	RescheduleDelivery(ctx context.Context, id string, res hook.AttemptResult, due time.Time) error

	// FailDelivery records terminal failure and appends a dead-letter row.
	FailDelivery(ctx context.Context, id string, res hook.AttemptResult, reason string) error

	// MarkSubscriberHealthy resets the consecutive-failure counter, clears
	// the last error, and stamps the last trigger time.
	MarkSubscriberHealthy(ctx context.Context, id string, at time.Time) error

	// MarkSubscriberFailing atomically increments the consecutive-failure
	// counter, records lastError, and disables the subscriber once the
	// freshly incremented value reaches the configured threshold. It
	// returns the new counter value and the post-update active flag.
	MarkSubscriberFailing(ctx context.Context, id, lastError string) (failures int, active bool, err error)
}

// QueueResult aggregates the immediate first-attempt pass of one event.
// Deliveries that came out of the pass as retrying count in Queued only.
type QueueResult struct {
	Queued    int `json:"queued"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// SweepResult aggregates one retry sweep.
type SweepResult struct {
	Processed int `json:"processed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// TestResult reflects the single attempt of a diagnostic ping.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Engine coordinates fan-out, attempts, retries, and health bookkeeping.
type Engine struct {
	store  Store
	client *http.Client
	policy backoff.Policy
	dlq    *deadletter.Publisher
	logger *logging.Logger
	cfg    config.Config
}

// New constructs an engine. A nil client gets a default one with the
// configured per-attempt timeout; a nil dlq disables dead-letter
// publishing.
func New(store Store, client *http.Client, policy backoff.Policy, dlq *deadletter.Publisher, cfg config.Config) *Engine {
	if client == nil {
		client = &http.Client{Timeout: cfg.Webhook.AttemptTimeout}
	}
	return &Engine{
		store:  store,
		client: client,
		policy: policy,
		dlq:    dlq,
		logger: logging.New(cfg.AppName),
		cfg:    cfg,
	}
}

// runAll executes fn for every item on a bounded worker pool. Each item is
// isolated: fn's outcome is recorded by fn itself, never allowed to abort
// the rest of the batch.
func runAll[T any](ctx context.Context, items []T, maxInFlight int, fn func(context.Context, T)) {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(it T) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, it)
		}(item)
	}
	wg.Wait()
}

// classifyReason buckets a failed attempt for metrics.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
