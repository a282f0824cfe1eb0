package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

// maxSamples bounds each histogram series.
const maxSamples = 1024

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: map[string]map[string]int64{},
		gauges:   map[string]map[string]float64{},
		hist:     map[string]map[string][]float64{},
	}
}

// Reset clears every series. Tests only.
func Reset() {
	fresh := newRegistry()
	reg.mu.Lock()
	reg.counters, reg.gauges, reg.hist = fresh.counters, fresh.gauges, fresh.hist
	reg.mu.Unlock()
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += int64(value)
}

// Counter returns the current value of one counter series.
func Counter(name string, labels map[string]string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name][canonLabels(labels)]
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	samples := append(m[k], value)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	m[k] = samples
}

// RecordDuration records a duration metric
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// Feed status values published on the feed_status gauge.
const (
	FeedFailed   = 0.0
	FeedDegraded = 1.0
	FeedHealthy  = 2.0
	FeedStale    = 3.0
)

// HealthStatus represents overall system health status
type HealthStatus struct {
	Status        string            `json:"status"` // "healthy", "degraded", "failed"
	Timestamp     string            `json:"timestamp"`
	Uptime        string            `json:"uptime"`
	Version       string            `json:"version"`
	Authenticated bool              `json:"authenticated"`
	Feeds         map[string]string `json:"feeds"`
	SuccessRate   float64           `json:"success_rate"`
	LatencyP95Ms  int64             `json:"latency_p95_ms"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports feed status and session presence. Stale feeds
// (no session) degrade the service but never fail it.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := CurrentHealth()

		statusCode := http.StatusOK
		if health.Status == "failed" {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// CurrentHealth computes the health view from the registry.
func CurrentHealth() HealthStatus {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	h := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Version:   version,
		Feeds:     map[string]string{},
	}
	for _, v := range reg.gauges["session_present"] {
		h.Authenticated = v == 1
	}

	failed, degraded := 0, 0
	for labels, v := range reg.gauges["feed_status"] {
		name := strings.TrimPrefix(labels, "feed=")
		switch v {
		case FeedFailed:
			h.Feeds[name] = "failed"
			failed++
		case FeedDegraded:
			h.Feeds[name] = "degraded"
			degraded++
		case FeedStale:
			h.Feeds[name] = "stale"
			degraded++
		default:
			h.Feeds[name] = "healthy"
		}
	}
	switch {
	case failed > 0 && failed == len(h.Feeds):
		h.Status = "failed"
	case failed > 0 || degraded > 0:
		h.Status = "degraded"
	}

	var requests, errs int64
	for _, c := range reg.counters["feed_requests_total"] {
		requests += c
	}
	for _, c := range reg.counters["feed_errors_total"] {
		errs += c
	}
	if requests > 0 {
		h.SuccessRate = float64(requests-errs) / float64(requests)
	}

	var latencies []float64
	for _, samples := range reg.hist["feed_latency_ms"] {
		latencies = append(latencies, samples...)
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		p95Index := int(float64(len(latencies)) * 0.95)
		if p95Index >= len(latencies) {
			p95Index = len(latencies) - 1
		}
		h.LatencyP95Ms = int64(latencies[p95Index])
	}
	return h
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
