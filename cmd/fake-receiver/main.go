package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mooringlabs/mooring/internal/signer"
)

const (
	sigHeader      = "X-Webhook-Signature"
	eventHeader    = "X-Webhook-Event"
	deliveryHeader = "X-Webhook-Delivery"
)

var (
	failFirstN = 0
	reqCount   = 0
	secret     = ""
	maxSkew    = 5 * time.Minute
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	// Parse subscriber secret
	if v := os.Getenv("SUBSCRIBER_SECRET"); v != "" {
		secret = v
	}
	// Parse envelope timestamp leeway
	if v := os.Getenv("SIGNING_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxSkew = time.Duration(n) * time.Second
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	addr := os.Getenv("HTTP_PORT")
	if addr == "" {
		addr = ":8081"
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if secret != "" {
		if ok, msg := verify(secret, b, r.Header.Get(sigHeader), maxSkew); !ok {
			log.Printf("fake-receiver failed to verify signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) event=%s delivery=%s body=%s",
			reqCount, failFirstN, r.Header.Get(eventHeader), r.Header.Get(deliveryHeader), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK event=%s delivery=%s body=%q",
		r.Header.Get(eventHeader), r.Header.Get(deliveryHeader), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verify checks the HMAC over the raw body and the envelope's embedded
// timestamp against the allowed skew.
func verify(secret string, body []byte, sig string, leeway time.Duration) (bool, string) {
	if sig == "" {
		return false, "missing signature header"
	}
	if !signer.Verify(secret, body, sig) {
		return false, "sig mismatch"
	}

	var env signer.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, "body is not an envelope"
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return false, "invalid envelope timestamp"
	}
	if d := time.Since(ts); d > leeway || d < -leeway {
		return false, "timestamp too far from now (outside leeway)"
	}
	return true, ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
