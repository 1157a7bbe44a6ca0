package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mooringlabs/mooring/internal/hook"
)

// fakeStore is an in-memory Store with the same claim and health-counter
// atomicity the Postgres store provides.
type fakeStore struct {
	mu               sync.Mutex
	subs             map[string]*hook.Subscriber
	deliveries       map[string]*hook.Delivery
	deadLetters      map[string]string    // delivery id -> reason
	claimedAt        map[string]time.Time // delivery id -> claim time
	disableThreshold int
	claimLease       time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:             make(map[string]*hook.Subscriber),
		deliveries:       make(map[string]*hook.Delivery),
		deadLetters:      make(map[string]string),
		claimedAt:        make(map[string]time.Time),
		disableThreshold: 10,
		claimLease:       5 * time.Minute,
	}
}

func (f *fakeStore) addSubscriber(s hook.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.subs[s.ID] = &cp
}

func (f *fakeStore) subscriber(id string) hook.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.subs[id]
}

func (f *fakeStore) delivery(id string) hook.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.deliveries[id]
}

func (f *fakeStore) deliveryIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.deliveries))
	for id := range f.deliveries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// expireClaim backdates a claimed delivery's claim past the lease, the way
// a crashed worker's abandoned row looks once the lease runs out.
func (f *fakeStore) expireClaim(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimedAt[id] = time.Now().UTC().Add(-f.claimLease - time.Minute)
}

// rewind makes every non-terminal delivery immediately due.
func (f *fakeStore) rewind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	past := time.Now().UTC().Add(-time.Second)
	for _, d := range f.deliveries {
		if d.Status == hook.StatusRetrying {
			due := past
			d.NextRetryDue = &due
		}
	}
}

func (f *fakeStore) ActiveSubscribers(_ context.Context, tenantID, eventType string) ([]hook.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hook.Subscriber
	for _, s := range f.subs {
		if s.TenantID == tenantID && s.Active && s.Subscribed(eventType) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) Subscriber(_ context.Context, id string) (*hook.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscriber %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) CreateDelivery(_ context.Context, d *hook.Delivery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.deliveries {
		if existing.SubscriberID == d.SubscriberID && existing.EventID == d.EventID {
			return false, nil
		}
	}
	cp := *d
	f.deliveries[d.ID] = &cp
	return true, nil
}

func (f *fakeStore) ClaimDelivery(_ context.Context, id string) (*hook.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s not found", id)
	}
	if d.Status != hook.StatusPending && d.Status != hook.StatusRetrying {
		return nil, nil
	}
	d.Status = hook.StatusAttempting
	f.claimedAt[id] = time.Now().UTC()
	cp := *d
	return &cp, nil
}

func (f *fakeStore) ClaimDue(_ context.Context, limit int, now time.Time) ([]hook.DueDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.deliveries))
	for id := range f.deliveries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cutoff := now.Add(-f.claimLease)
	var out []hook.DueDelivery
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		d := f.deliveries[id]
		due := d.Status == hook.StatusRetrying && d.NextRetryDue != nil && !d.NextRetryDue.After(now)
		stalePending := d.Status == hook.StatusPending && d.CreatedAt.Before(cutoff)
		staleClaim := d.Status == hook.StatusAttempting && f.claimedAt[id].Before(cutoff)
		if !due && !stalePending && !staleClaim {
			continue
		}
		d.Status = hook.StatusAttempting
		f.claimedAt[id] = time.Now().UTC()
		out = append(out, hook.DueDelivery{Delivery: *d, Subscriber: *f.subs[d.SubscriberID]})
	}
	return out, nil
}

func (f *fakeStore) CompleteDelivery(_ context.Context, id string, res hook.AttemptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	now := time.Now().UTC()
	d.Status = hook.StatusDelivered
	d.Attempts = res.Attempts
	d.HTTPStatus = res.HTTPStatus
	d.ResponseBody = res.Body
	d.LatencyMS = res.Latency.Milliseconds()
	d.LastError = ""
	d.NextRetryDue = nil
	d.DeliveredAt = &now
	delete(f.claimedAt, id)
	return nil
}

func (f *fakeStore) RescheduleDelivery(_ context.Context, id string, res hook.AttemptResult, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	d.Status = hook.StatusRetrying
	d.Attempts = res.Attempts
	d.HTTPStatus = res.HTTPStatus
	d.ResponseBody = res.Body
	d.LatencyMS = res.Latency.Milliseconds()
	d.LastError = res.Err
	d.NextRetryDue = &due
	delete(f.claimedAt, id)
	return nil
}

func (f *fakeStore) FailDelivery(_ context.Context, id string, res hook.AttemptResult, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	d.Status = hook.StatusFailed
	d.Attempts = res.Attempts
	d.HTTPStatus = res.HTTPStatus
	d.ResponseBody = res.Body
	d.LatencyMS = res.Latency.Milliseconds()
	d.LastError = res.Err
	d.NextRetryDue = nil
	delete(f.claimedAt, id)
	f.deadLetters[id] = reason
	return nil
}

func (f *fakeStore) MarkSubscriberHealthy(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.LastTriggeredAt = &at
	return nil
}

func (f *fakeStore) MarkSubscriberFailing(_ context.Context, id, lastError string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	s.ConsecutiveFailures++
	s.LastError = lastError
	if s.ConsecutiveFailures >= f.disableThreshold {
		s.Active = false
	}
	return s.ConsecutiveFailures, s.Active, nil
}
