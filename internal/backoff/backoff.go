// Package backoff maps a delivery's attempt count to its next retry delay,
// or declares the delivery terminal once the attempt ceiling is reached.
package backoff

import (
	"math/rand"
	"time"
)

// DefaultSchedule is the fixed retry ladder: 1m, 5m, 15m, 30m, 1h. Attempts
// past the end of the schedule reuse the last entry.
var DefaultSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

// Decision is the policy verdict after a failed attempt.
type Decision struct {
	Terminal bool
	Delay    time.Duration // zero when Terminal
}

// Policy is a pure attempt-count to delay mapping. The zero value is not
// usable; construct with New.
type Policy struct {
	schedule []time.Duration
	jitter   float64 // fraction of the base delay, +/- range
	rnd      *rand.Rand
}

// New returns a policy over the given schedule with +/-jitter applied to
// each delay. A nil schedule uses DefaultSchedule; a nil rnd uses the
// shared global source.
func New(schedule []time.Duration, jitter float64, rnd *rand.Rand) Policy {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	if jitter < 0 {
		jitter = 0
	}
	return Policy{schedule: schedule, jitter: jitter, rnd: rnd}
}

// Next decides the fate of a delivery whose counter has just moved to
// attempts. At or beyond maxAttempts the delivery is terminal; otherwise
// the delay for the attempt that just failed is returned, jittered.
func (p Policy) Next(attempts, maxAttempts int) Decision {
	if attempts >= maxAttempts {
		return Decision{Terminal: true}
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	base := p.schedule[idx]
	if p.jitter == 0 {
		return Decision{Delay: base}
	}
	f := 1 + (p.float64()*2-1)*p.jitter
	if f < 0.1 {
		f = 0.1
	}
	return Decision{Delay: time.Duration(float64(base) * f)}
}

func (p Policy) float64() float64 {
	if p.rnd != nil {
		return p.rnd.Float64()
	}
	return rand.Float64()
}
