// Package hook holds the domain model shared by the delivery engine and the
// persistence layer: subscribers, deliveries, and the event envelope that
// fans out to them.
package hook

import "time"

// DeliveryStatus is the lifecycle state of a single delivery row.
type DeliveryStatus string

const (
	// StatusPending means the delivery has been created but never attempted.
	StatusPending DeliveryStatus = "pending"
	// StatusAttempting is a transient claim marker: a worker holds the row
	// and is performing (or about to perform) an HTTP attempt. Rows stuck in
	// this state past the claim lease are reclaimable by a later sweep.
	StatusAttempting DeliveryStatus = "attempting"
	// StatusRetrying means the last attempt failed and another is scheduled.
	StatusRetrying DeliveryStatus = "retrying"
	// StatusDelivered is terminal success.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusFailed is terminal failure: the attempt ceiling was reached or
	// the subscriber was disabled before the delivery could complete.
	StatusFailed DeliveryStatus = "failed"
)

// Terminal reports whether the status will never change again.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Event is an incoming domain event before fan-out. EventID is optional: a
// caller that re-emits the same event with the same id gets no second
// delivery row per subscriber; when empty, a fresh id is generated.
type Event struct {
	EventID  string         `json:"event_id,omitempty"`
	TenantID string         `json:"tenant_id"`
	Type     string         `json:"event_type"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload"`
}

// Subscriber is a tenant-registered webhook endpoint. Registration and
// management live outside this subsystem; the engine only reads endpoints
// and mutates their health counters.
type Subscriber struct {
	ID                  string
	TenantID            string
	URL                 string
	Secret              string // shared HMAC key, never logged
	EventTypes          []string
	Active              bool
	ConsecutiveFailures int
	LastError           string
	LastTriggeredAt     *time.Time
}

// Subscribed reports whether the subscriber wants the given event type.
func (s Subscriber) Subscribed(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Delivery is one subscriber's attempt record for one event; the unit of
// retry state. Rows are never deleted, terminal rows are kept for audit.
type Delivery struct {
	ID           string
	SubscriberID string
	EventID      string
	EventType    string
	EntityID     string
	Payload      map[string]any
	Status       DeliveryStatus
	Attempts     int
	MaxAttempts  int
	NextRetryDue *time.Time
	HTTPStatus   int
	ResponseBody string
	LatencyMS    int64
	LastError    string
	DeliveredAt  *time.Time
	CreatedAt    time.Time
}

// DueDelivery is a claimed delivery joined to its owning subscriber, as
// handed to the executor by the sweeper.
type DueDelivery struct {
	Delivery   Delivery
	Subscriber Subscriber
}

// AttemptResult captures the observable outcome of one HTTP attempt for
// recording on the delivery row.
type AttemptResult struct {
	Attempts   int // post-attempt counter value
	HTTPStatus int
	Body       string
	Latency    time.Duration
	Err        string
}
