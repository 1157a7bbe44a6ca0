package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/tracing"
)

// TestEventType is the synthetic event a diagnostic ping delivers.
const TestEventType = "test.ping"

// Test synthesizes a single-shot test.ping delivery for one subscriber and
// runs it once through the executor. MaxAttempts is 1, so the delivery is
// terminal whatever the outcome and never enters the retry schedule.
func (e *Engine) Test(ctx context.Context, subscriberID string) (TestResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.test",
		attribute.String("subscriber_id", subscriberID),
	)
	defer span.End()

	sub, err := e.store.Subscriber(ctx, subscriberID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return TestResult{}, fmt.Errorf("load subscriber: %w", err)
	}

	now := time.Now().UTC()
	d := hook.Delivery{
		ID:           uuid.NewString(),
		SubscriberID: sub.ID,
		EventID:      uuid.NewString(),
		EventType:    TestEventType,
		Payload: map[string]any{
			"message":       "This is a test webhook delivery.",
			"subscriber_id": sub.ID,
			"sent_at":       now.Format(time.RFC3339),
		},
		Status:      hook.StatusPending,
		MaxAttempts: 1,
		CreatedAt:   now,
	}
	if _, err := e.store.CreateDelivery(ctx, &d); err != nil {
		tracing.SetSpanError(ctx, err)
		return TestResult{}, fmt.Errorf("create test delivery: %w", err)
	}
	claimed, err := e.store.ClaimDelivery(ctx, d.ID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return TestResult{}, fmt.Errorf("claim test delivery: %w", err)
	}
	if claimed == nil {
		return TestResult{}, fmt.Errorf("test delivery %s already claimed", d.ID)
	}

	out := e.attempt(ctx, *claimed, *sub)
	return TestResult{
		Success:    out.status == hook.StatusDelivered,
		StatusCode: out.httpStatus,
		Error:      out.errText,
	}, nil
}
