package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/metrics"
	"github.com/mooringlabs/mooring/internal/tracing"
)

// Sweep claims a bounded batch of due deliveries and re-runs them through
// the executor. The claim is atomic, so overlapping sweeps never attempt
// the same row twice. Idempotent with no due work.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.sweep")
	defer span.End()

	due, err := e.store.ClaimDue(ctx, e.cfg.Retry.SweepBatchSize, time.Now().UTC())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return SweepResult{}, fmt.Errorf("claim due deliveries: %w", err)
	}
	metrics.RecordSweep(len(due))
	span.SetAttributes(attribute.Int("claimed", len(due)))
	if len(due) == 0 {
		return SweepResult{}, nil
	}

	result := SweepResult{Processed: len(due)}
	var mu sync.Mutex

	runAll(ctx, due, e.cfg.Retry.SweepBatchSize, func(ctx context.Context, item hook.DueDelivery) {
		var out outcome
		if !item.Subscriber.Active {
			// Disabled endpoint: short-circuit straight to terminal failure,
			// no network call.
			out = e.failDisabled(ctx, item.Delivery)
		} else {
			out = e.attempt(ctx, item.Delivery, item.Subscriber)
		}
		mu.Lock()
		switch out.status {
		case hook.StatusDelivered:
			result.Delivered++
		case hook.StatusFailed:
			result.Failed++
		}
		mu.Unlock()
	})

	span.SetAttributes(
		attribute.Int("delivered", result.Delivered),
		attribute.Int("failed", result.Failed),
	)
	return result, nil
}

// failDisabled finalizes an already-scheduled delivery whose subscriber was
// disabled before it came due. Attempts are left unchanged: no attempt was
// made.
func (e *Engine) failDisabled(ctx context.Context, d hook.Delivery) outcome {
	const reason = "subscriber disabled"
	res := hook.AttemptResult{Attempts: d.Attempts, Err: reason}
	if err := e.store.FailDelivery(ctx, d.ID, res, reason); err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("short-circuit failed delivery")
	}
	e.publishDeadLetter(ctx, d, res, reason)
	metrics.RecordDeadLetter("subscriber_disabled")
	return outcome{status: hook.StatusFailed, errText: reason}
}
