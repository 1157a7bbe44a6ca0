// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Webhook struct {
	SignatureHeader string        // HTTP header carrying sha256=<hex>
	EventHeader     string        // HTTP header carrying the event type
	DeliveryHeader  string        // HTTP header carrying the delivery id
	UserAgent       string        // fixed outbound User-Agent
	AttemptTimeout  time.Duration // per-attempt HTTP deadline
}

type Retry struct {
	MaxAttempts      int             // delivery attempt ceiling
	BackoffSchedule  []time.Duration // retry delay ladder
	JitterPercent    float64         // backoff jitter fraction (0.0-1.0)
	SweepBatchSize   int             // due deliveries claimed per sweep
	SweepInterval    time.Duration   // in-process sweep ticker period
	ClaimLease       time.Duration   // how long a claim holds before reclaim
	DisableThreshold int             // consecutive failures before auto-disable
	MaxBodyBytes     int             // retained response body bytes
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150; empty disables dead-letter publish
	DeadLetterTopic string
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	DB       DB
	Webhook  Webhook
	Retry    Retry
	NSQ      NSQ
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

var defaultBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff
	}
	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		if d, err := time.ParseDuration(strings.TrimSpace(part)); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return defaultBackoff
	}
	return durations
}

// FromEnv assembles the full configuration, falling back to defaults for
// anything unset.
func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "mooring"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "mooring"),
		},
		Webhook: Webhook{
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-Webhook-Event"),
			DeliveryHeader:  getenv("WEBHOOK_DELIVERY_HEADER", "X-Webhook-Delivery"),
			UserAgent:       getenv("WEBHOOK_USER_AGENT", "mooring-webhooks/1.0"),
			AttemptTimeout:  getenvDuration("WEBHOOK_ATTEMPT_TIMEOUT", 15*time.Second),
		},
		Retry: Retry{
			MaxAttempts:      getenvInt("MAX_ATTEMPTS", 5),
			BackoffSchedule:  parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:    getenvFloat("BACKOFF_JITTER_PCT", 0.2),
			SweepBatchSize:   getenvInt("SWEEP_BATCH_SIZE", 50),
			SweepInterval:    getenvDuration("SWEEP_INTERVAL", time.Minute),
			ClaimLease:       getenvDuration("CLAIM_LEASE", 5*time.Minute),
			DisableThreshold: getenvInt("DISABLE_THRESHOLD", 10),
			MaxBodyBytes:     getenvInt("MAX_RESPONSE_BODY_BYTES", 1000),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", ""),
			DeadLetterTopic: getenv("NSQ_DEAD_LETTER_TOPIC", "webhook_dead_letters"),
		},
	}
}

// DSN renders the Postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
