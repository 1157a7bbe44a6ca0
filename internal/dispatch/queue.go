package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/metrics"
	"github.com/mooringlabs/mooring/internal/tracing"
)

// ErrInvalidEvent rejects queue requests missing required envelope fields.
var ErrInvalidEvent = errors.New("tenant_id and event_type are required")

// Queue fans an event out to every active, subscribed endpoint of the
// tenant, creating one pending delivery per subscriber, then runs the
// immediate first-attempt pass concurrently. Deliveries that end the pass
// as retrying count only toward Queued.
func (e *Engine) Queue(ctx context.Context, ev hook.Event) (QueueResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.queue",
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("event_type", ev.Type),
	)
	defer span.End()

	if ev.TenantID == "" || ev.Type == "" {
		tracing.SetSpanError(ctx, ErrInvalidEvent)
		return QueueResult{}, ErrInvalidEvent
	}

	subs, err := e.store.ActiveSubscribers(ctx, ev.TenantID, ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return QueueResult{}, fmt.Errorf("select subscribers: %w", err)
	}
	span.SetAttributes(attribute.Int("subscribers_count", len(subs)))
	if len(subs) == 0 {
		return QueueResult{}, nil
	}

	eventID := ev.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("event_id", eventID))

	// Materialize one delivery row per subscriber before anything is
	// attempted, so a half-finished pass leaves re-claimable rows behind.
	type item struct {
		delivery hook.Delivery
		sub      hook.Subscriber
	}
	var items []item
	for _, sub := range subs {
		d := hook.Delivery{
			ID:           uuid.NewString(),
			SubscriberID: sub.ID,
			EventID:      eventID,
			EventType:    ev.Type,
			EntityID:     ev.EntityID,
			Payload:      ev.Payload,
			Status:       hook.StatusPending,
			MaxAttempts:  e.cfg.Retry.MaxAttempts,
			CreatedAt:    time.Now().UTC(),
		}
		created, err := e.store.CreateDelivery(ctx, &d)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return QueueResult{}, fmt.Errorf("create delivery: %w", err)
		}
		if !created {
			// Duplicate (subscriber, event) pair, someone queued it already.
			continue
		}
		items = append(items, item{delivery: d, sub: sub})
	}

	result := QueueResult{Queued: len(items)}
	var mu sync.Mutex

	runAll(ctx, items, e.cfg.Retry.SweepBatchSize, func(ctx context.Context, it item) {
		claimed, err := e.store.ClaimDelivery(ctx, it.delivery.ID)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			e.logger.WithContext(ctx).WithDelivery(it.delivery.ID).WithError(err).Error("claim failed")
			return
		}
		if claimed == nil {
			// A concurrent sweep got there first; its outcome stands.
			return
		}
		out := e.attempt(ctx, *claimed, it.sub)
		mu.Lock()
		switch out.status {
		case hook.StatusDelivered:
			result.Delivered++
		case hook.StatusFailed:
			result.Failed++
		}
		mu.Unlock()
	})

	metrics.RecordEventQueued(ev.TenantID)
	span.SetAttributes(
		attribute.Int("queued", result.Queued),
		attribute.Int("delivered", result.Delivered),
		attribute.Int("failed", result.Failed),
	)
	return result, nil
}
