// mockreceiver is a local webhook receiver for exercising the delivery
// engine: it verifies signatures and exposes endpoints with predictable
// failure behavior.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/leadpulse/webhooks/internal/signer"
)

var requestCount atomic.Int64

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	secret := os.Getenv("WEBHOOK_SECRET")

	// Always succeeds.
	http.HandleFunc("/hooks/ok", func(w http.ResponseWriter, r *http.Request) {
		handle(w, r, secret, http.StatusOK, 0)
	})

	// Fails until the configured attempt, then succeeds. Useful for
	// watching the backoff schedule end in a delivered webhook.
	var flakyCalls atomic.Int64
	succeedOn := int64(3)
	http.HandleFunc("/hooks/flaky", func(w http.ResponseWriter, r *http.Request) {
		if flakyCalls.Add(1) < succeedOn {
			handle(w, r, secret, http.StatusInternalServerError, 0)
			return
		}
		handle(w, r, secret, http.StatusOK, 0)
	})

	// Always fails; drives the circuit breaker open.
	http.HandleFunc("/hooks/fail", func(w http.ResponseWriter, r *http.Request) {
		handle(w, r, secret, http.StatusInternalServerError, 0)
	})

	// Responds after a delay to trip subscription timeouts.
	http.HandleFunc("/hooks/slow", func(w http.ResponseWriter, r *http.Request) {
		handle(w, r, secret, http.StatusOK, 3*time.Second)
	})

	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("mock receiver starting on :%s", port)
	log.Printf("  POST /hooks/ok     -> 200")
	log.Printf("  POST /hooks/flaky  -> 500 twice, then 200")
	log.Printf("  POST /hooks/fail   -> 500")
	log.Printf("  POST /hooks/slow   -> 200 after 3s")
	log.Printf("  GET  /stats        -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handle(w http.ResponseWriter, r *http.Request, secret string, status int, delay time.Duration) {
	count := requestCount.Add(1)
	body, _ := io.ReadAll(r.Body)

	verified := "unverified"
	if secret != "" {
		if signer.Verify(secret, body, r.Header.Get("X-Webhook-Signature")) {
			verified = "valid"
		} else {
			verified = "INVALID"
		}
	}

	fmt.Printf("[#%d] %s %s -> %d | event=%s delivery=%s sig=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		r.Header.Get("X-Webhook-Event"),
		truncate(r.Header.Get("X-Webhook-Delivery-ID"), 12),
		verified,
	)

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
