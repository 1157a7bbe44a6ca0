package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mooringlabs/mooring/internal/backoff"
	"github.com/mooringlabs/mooring/internal/config"
	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/signer"
)

func testConfig() config.Config {
	return config.Config{
		AppName: "mooring-test",
		Webhook: config.Webhook{
			SignatureHeader: "X-Webhook-Signature",
			EventHeader:     "X-Webhook-Event",
			DeliveryHeader:  "X-Webhook-Delivery",
			UserAgent:       "mooring-webhooks/1.0",
			AttemptTimeout:  5 * time.Second,
		},
		Retry: config.Retry{
			MaxAttempts:      5,
			SweepBatchSize:   50,
			DisableThreshold: 10,
			MaxBodyBytes:     1000,
			ClaimLease:       5 * time.Minute,
		},
	}
}

func newTestEngine(store Store) *Engine {
	return New(store, nil, backoff.New(nil, 0, nil), nil, testConfig())
}

func okServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		http.Error(w, "temporary failure", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sub(id, tenant, url, secret string, eventTypes ...string) hook.Subscriber {
	return hook.Subscriber{
		ID:         id,
		TenantID:   tenant,
		URL:        url,
		Secret:     secret,
		EventTypes: eventTypes,
		Active:     true,
	}
}

func TestQueueFanOut(t *testing.T) {
	store := newFakeStore()
	srv := okServer(t, nil)

	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	store.addSubscriber(sub("s-2", "t-1", srv.URL, "k2", "invoice.paid", "contact.created"))
	// Wrong event type, wrong tenant, and inactive: none should match.
	store.addSubscriber(sub("s-3", "t-1", srv.URL, "k3", "deal.won"))
	store.addSubscriber(sub("s-4", "t-2", srv.URL, "k4", "invoice.paid"))
	inactive := sub("s-5", "t-1", srv.URL, "k5", "invoice.paid")
	inactive.Active = false
	store.addSubscriber(inactive)

	res, err := newTestEngine(store).Queue(context.Background(), hook.Event{
		TenantID: "t-1",
		Type:     "invoice.paid",
		EntityID: "inv-9",
		Payload:  map[string]any{"amount": 1200},
	})
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if res.Queued != 2 || res.Delivered != 2 || res.Failed != 0 {
		t.Errorf("Queue() = %+v, want queued=2 delivered=2 failed=0", res)
	}
	if got := len(store.deliveryIDs()); got != 2 {
		t.Errorf("delivery rows = %d, want 2", got)
	}
	for _, id := range store.deliveryIDs() {
		d := store.delivery(id)
		if d.Status != hook.StatusDelivered {
			t.Errorf("delivery %s status = %s, want delivered", id, d.Status)
		}
		if d.Attempts != 1 {
			t.Errorf("delivery %s attempts = %d, want 1", id, d.Attempts)
		}
		if d.NextRetryDue != nil {
			t.Errorf("delivered row %s has next_retry_due set", id)
		}
	}
}

func TestQueueZeroSubscribers(t *testing.T) {
	store := newFakeStore()
	res, err := newTestEngine(store).Queue(context.Background(), hook.Event{
		TenantID: "t-1",
		Type:     "invoice.paid",
	})
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if res.Queued != 0 || res.Delivered != 0 || res.Failed != 0 {
		t.Errorf("Queue() = %+v, want all zero", res)
	}
	if got := len(store.deliveryIDs()); got != 0 {
		t.Errorf("delivery rows = %d, want 0", got)
	}
}

func TestQueueInvalidEvent(t *testing.T) {
	store := newFakeStore()
	if _, err := newTestEngine(store).Queue(context.Background(), hook.Event{TenantID: "t-1"}); err == nil {
		t.Fatal("Queue() without event type did not error")
	}
}

func TestQueueWireContract(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "sharedkey", "invoice.paid"))

	if _, err := newTestEngine(store).Queue(context.Background(), hook.Event{
		TenantID: "t-1",
		Type:     "invoice.paid",
		Payload:  map[string]any{"invoice_id": "inv-1"},
	}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if ct := headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := headers.Get("User-Agent"); ua != "mooring-webhooks/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
	if et := headers.Get("X-Webhook-Event"); et != "invoice.paid" {
		t.Errorf("X-Webhook-Event = %q", et)
	}
	deliveryID := store.deliveryIDs()[0]
	if got := headers.Get("X-Webhook-Delivery"); got != deliveryID {
		t.Errorf("X-Webhook-Delivery = %q, want %q", got, deliveryID)
	}

	sigHeader := headers.Get("X-Webhook-Signature")
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Fatalf("X-Webhook-Signature = %q, want sha256= prefix", sigHeader)
	}
	if !signer.Verify("sharedkey", body, strings.TrimPrefix(sigHeader, "sha256=")) {
		t.Errorf("signature does not verify over the received body")
	}

	var env signer.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("body not a JSON envelope: %v", err)
	}
	if env.Event != "invoice.paid" {
		t.Errorf("envelope event = %q", env.Event)
	}
	if env.Data["invoice_id"] != "inv-1" {
		t.Errorf("envelope data = %v", env.Data)
	}
}

func TestQueueFailureIsolation(t *testing.T) {
	ok := okServer(t, nil)
	bad := failServer(t, nil)

	store := newFakeStore()
	store.addSubscriber(sub("s-ok", "t-1", ok.URL, "k1", "invoice.paid"))
	store.addSubscriber(sub("s-bad", "t-1", bad.URL, "k2", "invoice.paid"))

	res, err := newTestEngine(store).Queue(context.Background(), hook.Event{
		TenantID: "t-1",
		Type:     "invoice.paid",
	})
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	// The failing endpoint goes to retrying, which counts only as queued.
	if res.Queued != 2 || res.Delivered != 1 || res.Failed != 0 {
		t.Errorf("Queue() = %+v, want queued=2 delivered=1 failed=0", res)
	}

	for _, id := range store.deliveryIDs() {
		d := store.delivery(id)
		switch d.SubscriberID {
		case "s-ok":
			if d.Status != hook.StatusDelivered {
				t.Errorf("s-ok delivery status = %s", d.Status)
			}
		case "s-bad":
			if d.Status != hook.StatusRetrying {
				t.Errorf("s-bad delivery status = %s, want retrying", d.Status)
			}
			if d.NextRetryDue == nil {
				t.Errorf("retrying delivery has no next_retry_due")
			}
			if d.HTTPStatus != http.StatusInternalServerError {
				t.Errorf("s-bad http status = %d", d.HTTPStatus)
			}
		}
	}

	if got := store.subscriber("s-bad").ConsecutiveFailures; got != 1 {
		t.Errorf("s-bad consecutive_failures = %d, want 1", got)
	}
	if got := store.subscriber("s-ok").ConsecutiveFailures; got != 0 {
		t.Errorf("s-ok consecutive_failures = %d, want 0", got)
	}
	if store.subscriber("s-ok").LastTriggeredAt == nil {
		t.Errorf("s-ok last_triggered_at not stamped")
	}
}

func TestQueueMissingSecret(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)

	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "", "invoice.paid"))

	res, err := newTestEngine(store).Queue(context.Background(), hook.Event{
		TenantID: "t-1",
		Type:     "invoice.paid",
	})
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if res.Queued != 1 || res.Delivered != 0 {
		t.Errorf("Queue() = %+v, want queued=1 delivered=0", res)
	}
	if hits.Load() != 0 {
		t.Errorf("endpoint was called despite missing secret")
	}

	d := store.delivery(store.deliveryIDs()[0])
	if d.Status != hook.StatusRetrying || d.Attempts != 1 {
		t.Errorf("delivery = status %s attempts %d, want retrying/1", d.Status, d.Attempts)
	}
	if !strings.Contains(d.LastError, "secret") {
		t.Errorf("last_error = %q, want mention of the secret", d.LastError)
	}
}

func TestQueueDuplicateEventID(t *testing.T) {
	srv := okServer(t, nil)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	ev := hook.Event{EventID: "evt-dup", TenantID: "t-1", Type: "invoice.paid"}
	if _, err := engine.Queue(context.Background(), ev); err != nil {
		t.Fatalf("first Queue() error = %v", err)
	}
	res, err := engine.Queue(context.Background(), ev)
	if err != nil {
		t.Fatalf("second Queue() error = %v", err)
	}
	if res.Queued != 0 {
		t.Errorf("duplicate Queue() queued = %d, want 0", res.Queued)
	}
	if got := len(store.deliveryIDs()); got != 1 {
		t.Errorf("delivery rows = %d, want 1 (one per subscriber/event pair)", got)
	}
}

func TestDeliveryExhaustsAttempts(t *testing.T) {
	srv := failServer(t, nil)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	if _, err := engine.Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	id := store.deliveryIDs()[0]

	// Attempts 2 through 5 happen via sweeps.
	for i := 0; i < 4; i++ {
		store.rewind()
		res, err := engine.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep() #%d error = %v", i+1, err)
		}
		if res.Processed != 1 {
			t.Fatalf("Sweep() #%d processed = %d, want 1", i+1, res.Processed)
		}
	}

	d := store.delivery(id)
	if d.Status != hook.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", d.Attempts)
	}
	if d.NextRetryDue != nil {
		t.Errorf("terminal delivery has next_retry_due set")
	}
	if reason := store.deadLetters[id]; !strings.Contains(reason, "max attempts reached (5)") {
		t.Errorf("dead letter reason = %q", reason)
	}

	// Terminal rows are never selected again.
	store.rewind()
	res, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("final Sweep() error = %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("Sweep() after terminal failure processed = %d, want 0", res.Processed)
	}
}

func TestSweepDisabledSubscriberShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := failServer(t, &hits)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	if _, err := engine.Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	attemptsBefore := store.delivery(store.deliveryIDs()[0]).Attempts
	hitsBefore := hits.Load()

	// Management disables the endpoint before the retry comes due.
	store.mu.Lock()
	store.subs["s-1"].Active = false
	store.mu.Unlock()
	store.rewind()

	res, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 {
		t.Errorf("Sweep() = %+v, want processed=1 failed=1", res)
	}
	if hits.Load() != hitsBefore {
		t.Errorf("disabled subscriber was called over the network")
	}

	d := store.delivery(store.deliveryIDs()[0])
	if d.Status != hook.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.LastError != "subscriber disabled" {
		t.Errorf("last_error = %q, want %q", d.LastError, "subscriber disabled")
	}
	if d.Attempts != attemptsBefore {
		t.Errorf("attempts = %d, want unchanged %d", d.Attempts, attemptsBefore)
	}
}

func TestHealthAutoDisable(t *testing.T) {
	srv := failServer(t, nil)
	store := newFakeStore()
	s := sub("s-1", "t-1", srv.URL, "k1", "invoice.paid")
	s.ConsecutiveFailures = 9
	store.addSubscriber(s)
	engine := newTestEngine(store)

	if _, err := engine.Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}

	got := store.subscriber("s-1")
	if got.Active {
		t.Errorf("subscriber still active after 10th consecutive failure")
	}
	if got.ConsecutiveFailures != 10 {
		t.Errorf("consecutive_failures = %d, want 10", got.ConsecutiveFailures)
	}

	// Fan-out now skips the disabled subscriber entirely.
	res, err := engine.Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"})
	if err != nil {
		t.Fatalf("second Queue() error = %v", err)
	}
	if res.Queued != 0 {
		t.Errorf("Queue() after disable queued = %d, want 0", res.Queued)
	}
	if rows := len(store.deliveryIDs()); rows != 1 {
		t.Errorf("delivery rows = %d, want 1", rows)
	}
}

func TestHealthResetOnSuccess(t *testing.T) {
	srv := okServer(t, nil)
	store := newFakeStore()
	s := sub("s-1", "t-1", srv.URL, "k1", "invoice.paid")
	s.ConsecutiveFailures = 9
	s.LastError = "http status 500"
	store.addSubscriber(s)

	if _, err := newTestEngine(store).Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}

	got := store.subscriber("s-1")
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0 after success", got.ConsecutiveFailures)
	}
	if got.LastError != "" {
		t.Errorf("last_error = %q, want cleared", got.LastError)
	}
	if !got.Active {
		t.Errorf("subscriber inactive after a success before the threshold")
	}
}

func TestTestTriggerSuccess(t *testing.T) {
	srv := okServer(t, nil)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))

	res, err := newTestEngine(store).Test(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Errorf("Test() = %+v, want success with 200", res)
	}

	d := store.delivery(store.deliveryIDs()[0])
	if d.EventType != TestEventType {
		t.Errorf("event type = %q, want %q", d.EventType, TestEventType)
	}
	if d.MaxAttempts != 1 {
		t.Errorf("max_attempts = %d, want 1", d.MaxAttempts)
	}
}

func TestTestTriggerNeverRetries(t *testing.T) {
	srv := failServer(t, nil)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	res, err := engine.Test(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if res.Success {
		t.Errorf("Test() success against a failing endpoint")
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("Test() status = %d, want 500", res.StatusCode)
	}

	d := store.delivery(store.deliveryIDs()[0])
	if d.Status != hook.StatusFailed {
		t.Errorf("test delivery status = %s, want failed (never retrying)", d.Status)
	}
	if d.NextRetryDue != nil {
		t.Errorf("test delivery scheduled for retry")
	}

	// Nothing for a sweep to pick up.
	store.rewind()
	sres, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if sres.Processed != 0 {
		t.Errorf("Sweep() processed = %d, want 0", sres.Processed)
	}
}

func TestTestTriggerUnknownSubscriber(t *testing.T) {
	if _, err := newTestEngine(newFakeStore()).Test(context.Background(), "nope"); err == nil {
		t.Fatal("Test() with unknown subscriber did not error")
	}
}

func TestConcurrentSweepSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := failServer(t, &hits)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	if _, err := engine.Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	store.rewind()
	hitsBefore := hits.Load()

	var wg sync.WaitGroup
	processed := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := engine.Sweep(context.Background())
			if err != nil {
				t.Errorf("Sweep() error = %v", err)
				return
			}
			processed[n] = res.Processed
		}(i)
	}
	wg.Wait()

	if total := processed[0] + processed[1]; total != 1 {
		t.Errorf("concurrent sweeps processed %d deliveries, want exactly 1", total)
	}
	if got := hits.Load() - hitsBefore; got != 1 {
		t.Errorf("endpoint hit %d times during concurrent sweeps, want 1", got)
	}
	if d := store.delivery(store.deliveryIDs()[0]); d.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one queue pass, one sweep)", d.Attempts)
	}
}

func TestSweepReclaimsAbandonedClaim(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	// A worker claims the row and dies before recording an outcome.
	d := hook.Delivery{
		ID:           "d-1",
		SubscriberID: "s-1",
		EventID:      "evt-1",
		EventType:    "invoice.paid",
		Status:       hook.StatusPending,
		MaxAttempts:  5,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := store.CreateDelivery(context.Background(), &d); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}
	claimed, err := store.ClaimDelivery(context.Background(), "d-1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimDelivery() = %v, %v", claimed, err)
	}

	// While the lease holds, the row still belongs to the dead worker.
	res, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("Sweep() within claim lease processed = %d, want 0", res.Processed)
	}
	if hits.Load() != 0 {
		t.Fatalf("endpoint hit while the claim lease held")
	}

	// Once the lease runs out, the next sweep picks the row back up.
	store.expireClaim("d-1")
	res, err = engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Processed != 1 || res.Delivered != 1 {
		t.Errorf("Sweep() after lease expiry = %+v, want processed=1 delivered=1", res)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1", hits.Load())
	}
	got := store.delivery("d-1")
	if got.Status != hook.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestSweepPicksUpAbandonedPendingRow(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)
	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))
	engine := newTestEngine(store)

	// Row created but never claimed: the queueing worker died between the
	// insert and the first attempt.
	d := hook.Delivery{
		ID:           "d-1",
		SubscriberID: "s-1",
		EventID:      "evt-1",
		EventType:    "invoice.paid",
		Status:       hook.StatusPending,
		MaxAttempts:  5,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	if _, err := store.CreateDelivery(context.Background(), &d); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}

	res, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Processed != 1 || res.Delivered != 1 {
		t.Errorf("Sweep() = %+v, want processed=1 delivered=1", res)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1", hits.Load())
	}
}

func TestResponseBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	store := newFakeStore()
	store.addSubscriber(sub("s-1", "t-1", srv.URL, "k1", "invoice.paid"))

	if _, err := newTestEngine(store).Queue(context.Background(), hook.Event{TenantID: "t-1", Type: "invoice.paid"}); err != nil {
		t.Fatalf("Queue() error = %v", err)
	}

	d := store.delivery(store.deliveryIDs()[0])
	if len(d.ResponseBody) != 1000 {
		t.Errorf("retained body length = %d, want 1000", len(d.ResponseBody))
	}
}
