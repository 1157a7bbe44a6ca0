// Package signer serializes the outbound webhook envelope and authenticates
// it with an HMAC-SHA256 signature keyed by the subscriber's shared secret.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingSecret marks a subscriber with no usable shared secret. The
// attempt fails without a network call; the rest of the batch proceeds.
var ErrMissingSecret = errors.New("subscriber secret missing")

// Envelope is the wire body a receiver gets. Receivers must parse it as
// JSON; field order is not part of the contract. The raw bytes returned by
// Sign are what the signature covers, so the executor must send exactly
// those bytes.
type Envelope struct {
	Event     string         `json:"event"`
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"` // RFC3339 UTC
	Data      map[string]any `json:"data"`
}

// NewEnvelope builds the envelope for one delivery at the current instant.
func NewEnvelope(eventType, eventID string, data map[string]any) Envelope {
	return Envelope{
		Event:     eventType,
		EventID:   eventID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// Sign marshals the envelope and computes hex(HMAC-SHA256(secret, body)).
// The returned body is the exact byte sequence the signature covers.
func Sign(env Envelope, secret string) (sig string, body []byte, err error) {
	if secret == "" {
		return "", nil, ErrMissingSecret
	}
	body, err = json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("marshal envelope: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), body, nil
}

// Verify recomputes the signature over body and compares it in constant
// time. Used by receivers (and the fake receiver) to check origin.
func Verify(secret string, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}
