// Package deadletter publishes terminal delivery failures to an NSQ topic
// so downstream tooling (alerting, replay jobs) can react without polling
// the database.
package deadletter

import (
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/mooringlabs/mooring/internal/hook"
)

// EnvelopeType tags dead-letter messages on the wire.
const EnvelopeType = "webhook.dead_letter"

// Envelope is the versioned message published when a delivery reaches
// terminal failure.
type Envelope struct {
	Type         string            `json:"type"`    // "webhook.dead_letter"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 emit time
	Reason       string            `json:"reason"`  // human/debug text
	DeliveryID   string            `json:"delivery_id"`
	SubscriberID string            `json:"subscriber_id"`
	EventID      string            `json:"event_id"`
	EventType    string            `json:"event_type"`
	Attempts     int               `json:"attempts"`
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewEnvelope snapshots a terminally failed delivery.
func NewEnvelope(d hook.Delivery, reason string, traceHeaders map[string]string) Envelope {
	return Envelope{
		Type:         EnvelopeType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		DeliveryID:   d.ID,
		SubscriberID: d.SubscriberID,
		EventID:      d.EventID,
		EventType:    d.EventType,
		Attempts:     d.Attempts,
		HTTPStatus:   d.HTTPStatus,
		LastError:    d.LastError,
		TraceHeaders: traceHeaders,
	}
}

// Publisher writes envelopes to NSQ. A nil Publisher is valid and drops
// everything, so callers don't branch on whether dead-lettering is
// configured.
type Publisher struct {
	producer *nsq.Producer
	topic    string
}

// NewPublisher connects a producer to nsqd at addr. An empty addr returns
// nil, disabling publishing.
func NewPublisher(addr, topic string) (*Publisher, error) {
	if addr == "" {
		return nil, nil
	}
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &Publisher{producer: producer, topic: topic}, nil
}

// Publish sends one envelope. No-op on a nil Publisher.
func (p *Publisher) Publish(env Envelope) error {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.producer.Publish(p.topic, b)
}

// Stop flushes and stops the underlying producer.
func (p *Publisher) Stop() {
	if p != nil && p.producer != nil {
		p.producer.Stop()
	}
}
