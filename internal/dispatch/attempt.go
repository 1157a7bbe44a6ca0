package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mooringlabs/mooring/internal/deadletter"
	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/metrics"
	"github.com/mooringlabs/mooring/internal/signer"
	"github.com/mooringlabs/mooring/internal/tracing"
)

// outcome is what one executor invocation resolved to.
type outcome struct {
	status     hook.DeliveryStatus // delivered, retrying or failed
	httpStatus int
	errText    string
}

// attempt performs exactly one signed HTTP POST for a claimed delivery and
// records the result: one delivery row update, one subscriber health
// update. It never returns an error; every path resolves to a recorded
// outcome.
func (e *Engine) attempt(ctx context.Context, d hook.Delivery, sub hook.Subscriber) outcome {
	ctx, span := tracing.StartSpan(ctx, "dispatch.attempt",
		attribute.String("delivery_id", d.ID),
		attribute.String("subscriber_id", sub.ID),
		attribute.String("event_type", d.EventType),
		attribute.Int("attempt", d.Attempts+1),
	)
	defer span.End()

	sig, body, err := signer.Sign(signer.NewEnvelope(d.EventType, d.EventID, d.Payload), sub.Secret)
	if err != nil {
		// Configuration error: counts as a failed attempt, no network call.
		tracing.SetSpanError(ctx, err)
		res := hook.AttemptResult{Attempts: d.Attempts + 1, Err: err.Error()}
		return e.recordFailure(ctx, d, sub, res, "config")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		res := hook.AttemptResult{Attempts: d.Attempts + 1, Err: fmt.Sprintf("build request: %v", err)}
		return e.recordFailure(ctx, d, sub, res, "config")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.cfg.Webhook.UserAgent)
	req.Header.Set(e.cfg.Webhook.SignatureHeader, "sha256="+sig)
	req.Header.Set(e.cfg.Webhook.EventHeader, d.EventType)
	req.Header.Set(e.cfg.Webhook.DeliveryHeader, d.ID)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, doErr := e.client.Do(req)
	latency := time.Since(start)

	status := 0
	respBody := ""
	if doErr == nil {
		status = resp.StatusCode
		b, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.cfg.Retry.MaxBodyBytes)))
		respBody = string(b)
		_ = resp.Body.Close()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	res := hook.AttemptResult{
		Attempts:   d.Attempts + 1,
		HTTPStatus: status,
		Body:       respBody,
		Latency:    latency,
	}

	if doErr == nil && status >= 200 && status < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		if err := e.store.CompleteDelivery(ctx, d.ID, res); err != nil {
			tracing.SetSpanError(ctx, err)
			e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("record delivered failed")
		}
		if err := e.store.MarkSubscriberHealthy(ctx, sub.ID, time.Now().UTC()); err != nil {
			tracing.SetSpanError(ctx, err)
			e.logger.WithContext(ctx).WithSubscriber(sub.ID).WithError(err).Error("reset health failed")
		}
		metrics.RecordAttempt("delivered", latency)
		return outcome{status: hook.StatusDelivered, httpStatus: status}
	}

	if doErr != nil {
		res.Err = doErr.Error()
		tracing.SetSpanError(ctx, doErr)
	} else {
		res.Err = fmt.Sprintf("http status %d", status)
	}
	return e.recordFailure(ctx, d, sub, res, classifyReason(doErr, status))
}

// recordFailure applies the backoff policy to a failed attempt, persists
// the resulting state, and bumps the subscriber's health counter.
func (e *Engine) recordFailure(ctx context.Context, d hook.Delivery, sub hook.Subscriber, res hook.AttemptResult, reason string) outcome {
	decision := e.policy.Next(res.Attempts, d.MaxAttempts)

	var status hook.DeliveryStatus
	if decision.Terminal {
		status = hook.StatusFailed
		terminalReason := fmt.Sprintf("max attempts reached (%d)", res.Attempts)
		if err := e.store.FailDelivery(ctx, d.ID, res, terminalReason); err != nil {
			tracing.SetSpanError(ctx, err)
			e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("record terminal failure failed")
		}
		e.publishDeadLetter(ctx, d, res, terminalReason)
		metrics.RecordDeadLetter(reason)
		metrics.RecordAttempt("failed", res.Latency)
	} else {
		status = hook.StatusRetrying
		due := time.Now().UTC().Add(decision.Delay)
		if err := e.store.RescheduleDelivery(ctx, d.ID, res, due); err != nil {
			tracing.SetSpanError(ctx, err)
			e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("reschedule failed")
		}
		metrics.RecordRetry(reason)
		metrics.RecordAttempt("retrying", res.Latency)
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithSubscriber(sub.ID).WithFields(map[string]any{
			"attempt": res.Attempts,
			"delay":   decision.Delay.String(),
			"reason":  reason,
		}).Info("retry scheduled")
	}

	failures, active, err := e.store.MarkSubscriberFailing(ctx, sub.ID, res.Err)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithSubscriber(sub.ID).WithError(err).Error("bump health failed")
	} else if !active && sub.Active {
		metrics.RecordSubscriberDisabled()
		e.logger.WithContext(ctx).WithSubscriber(sub.ID).WithField("consecutive_failures", failures).
			Warn("subscriber auto-disabled")
	}

	return outcome{status: status, httpStatus: res.HTTPStatus, errText: res.Err}
}

func (e *Engine) publishDeadLetter(ctx context.Context, d hook.Delivery, res hook.AttemptResult, reason string) {
	snapshot := d
	snapshot.Attempts = res.Attempts
	snapshot.HTTPStatus = res.HTTPStatus
	snapshot.LastError = res.Err
	env := deadletter.NewEnvelope(snapshot, reason, tracing.InjectHeaders(ctx))
	if err := e.dlq.Publish(env); err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("dead letter publish failed")
	}
}
