package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nostr-signer/internal/signer"
)

var serverStartTime = time.Now()

// cacheBackendType is set once the store is opened
var cacheBackendType = "memory"

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Signing metrics
var (
	signRequestsTotal   atomic.Int64
	intentWarningsTotal atomic.Int64

	signFailuresMu sync.Mutex
	signFailures   = map[string]int64{}

	signByKindMu sync.Mutex
	signByKind   = map[string]int64{}
)

// recordSign observes one sign attempt routed through the manager
func recordSign(kind signer.Kind, err error) {
	signRequestsTotal.Add(1)
	signByKindMu.Lock()
	signByKind[kind.String()]++
	signByKindMu.Unlock()
	if err != nil {
		signFailuresMu.Lock()
		signFailures[signer.CodeOf(err).String()]++
		signFailuresMu.Unlock()
	}
}

func snapshot(mu *sync.Mutex, m map[string]int64) ([]string, map[string]int64) {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]int64, len(m))
	keys := make([]string, 0, len(m))
	for k, v := range m {
		out[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, out
}

// metricsHandler serves Prometheus-compatible metrics
func (s *server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Build info metric
	fmt.Fprintf(w, "# HELP nostr_signer_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE nostr_signer_build_info gauge\n")
	fmt.Fprintf(w, "nostr_signer_build_info{store_backend=%q,go_version=%q} 1\n\n", cacheBackendType, runtime.Version())

	// Process metrics
	fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n\n", serverStartTime.Unix())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	// HTTP metrics
	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
	fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
	fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

	// Signing metrics
	fmt.Fprintf(w, "# HELP nostr_signer_sign_requests_total Sign requests routed through the manager\n")
	fmt.Fprintf(w, "# TYPE nostr_signer_sign_requests_total counter\n")
	fmt.Fprintf(w, "nostr_signer_sign_requests_total %d\n\n", signRequestsTotal.Load())

	if keys, byKind := snapshot(&signByKindMu, signByKind); len(keys) > 0 {
		fmt.Fprintf(w, "# HELP nostr_signer_sign_requests_by_kind_total Sign requests per backend\n")
		fmt.Fprintf(w, "# TYPE nostr_signer_sign_requests_by_kind_total counter\n")
		for _, k := range keys {
			fmt.Fprintf(w, "nostr_signer_sign_requests_by_kind_total{kind=%q} %d\n", k, byKind[k])
		}
		fmt.Fprintf(w, "\n")
	}

	if keys, failures := snapshot(&signFailuresMu, signFailures); len(keys) > 0 {
		fmt.Fprintf(w, "# HELP nostr_signer_sign_failures_total Failed sign requests by error code\n")
		fmt.Fprintf(w, "# TYPE nostr_signer_sign_failures_total counter\n")
		for _, k := range keys {
			fmt.Fprintf(w, "nostr_signer_sign_failures_total{code=%q} %d\n", k, failures[k])
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "# HELP nostr_signer_intent_warnings_total Intents still unanswered after the warning threshold\n")
	fmt.Fprintf(w, "# TYPE nostr_signer_intent_warnings_total counter\n")
	fmt.Fprintf(w, "nostr_signer_intent_warnings_total %d\n\n", intentWarningsTotal.Load())

	// Active backend
	kind, ok := s.app.manager.SignerKind()
	active := "none"
	if ok {
		active = kind.String()
	}
	fmt.Fprintf(w, "# HELP nostr_signer_active Active signing backend\n")
	fmt.Fprintf(w, "# TYPE nostr_signer_active gauge\n")
	for _, k := range []signer.Kind{signer.InProcess, signer.IntentCallback, signer.RelayRemote} {
		v := 0
		if k.String() == active {
			v = 1
		}
		fmt.Fprintf(w, "nostr_signer_active{kind=%q} %d\n", k.String(), v)
	}
	fmt.Fprintf(w, "\n")

	available := 0
	if s.app.manager.IsAvailable() {
		available = 1
	}
	fmt.Fprintf(w, "# HELP nostr_signer_available Whether the active backend can sign (1) or not (0)\n")
	fmt.Fprintf(w, "# TYPE nostr_signer_available gauge\n")
	fmt.Fprintf(w, "nostr_signer_available %d\n", available)
}
