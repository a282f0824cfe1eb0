package poller

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

// FeedStatus represents the health state of one polled feed.
type FeedStatus string

const (
	StatusHealthy  FeedStatus = "healthy"
	StatusDegraded FeedStatus = "degraded"
	StatusFailed   FeedStatus = "failed"
	StatusStale    FeedStatus = "stale" // no session; last known data is served
)

// FeedHealth tracks fetch reliability for one feed.
type FeedHealth struct {
	mu                sync.RWMutex
	name              string
	status            FeedStatus
	lastSuccessful    time.Time
	lastError         time.Time
	lastErrorMessage  string
	errorCount        int64
	successCount      int64
	consecutiveErrors int
	latency           time.Duration // moving average

	maxConsecutiveErrors int
}

// HealthSnapshot is a point-in-time view of a FeedHealth.
type HealthSnapshot struct {
	Status            FeedStatus `json:"status"`
	LastSuccessful    time.Time  `json:"last_successful,omitempty"`
	LastError         time.Time  `json:"last_error,omitempty"`
	LastErrorMessage  string     `json:"last_error_message,omitempty"`
	ErrorCount        int64      `json:"error_count"`
	SuccessCount      int64      `json:"success_count"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LatencyMs         int64      `json:"latency_ms"`
}

func NewFeedHealth(name string, maxConsecutiveErrors int) *FeedHealth {
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = 5
	}
	h := &FeedHealth{
		name:                 name,
		status:               StatusHealthy,
		maxConsecutiveErrors: maxConsecutiveErrors,
	}
	h.publish()
	return h
}

// RecordSuccess records a successful fetch. One success restores a healthy
// status.
func (h *FeedHealth) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSuccessful = time.Now()
	h.successCount++
	h.consecutiveErrors = 0
	if h.latency == 0 {
		h.latency = latency
	} else {
		const alpha = 0.1
		h.latency = time.Duration(float64(h.latency)*(1-alpha) + float64(latency)*alpha)
	}
	h.transition(StatusHealthy)
}

// RecordError records a failed fetch.
func (h *FeedHealth) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastError = time.Now()
	h.lastErrorMessage = err.Error()
	h.errorCount++
	h.consecutiveErrors++

	if h.consecutiveErrors >= h.maxConsecutiveErrors {
		h.transition(StatusFailed)
	} else {
		h.transition(StatusDegraded)
	}
}

// MarkStale flags the feed as suspended for lack of a session.
func (h *FeedHealth) MarkStale() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(StatusStale)
}

func (h *FeedHealth) Status() FeedStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *FeedHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Status:            h.status,
		LastSuccessful:    h.lastSuccessful,
		LastError:         h.lastError,
		LastErrorMessage:  h.lastErrorMessage,
		ErrorCount:        h.errorCount,
		SuccessCount:      h.successCount,
		ConsecutiveErrors: h.consecutiveErrors,
		LatencyMs:         h.latency.Milliseconds(),
	}
}

// transition must be called with h.mu held.
func (h *FeedHealth) transition(to FeedStatus) {
	from := h.status
	if from == to {
		return
	}
	h.status = to
	observ.Log("feed_status_changed", map[string]any{
		"feed":               h.name,
		"from":               string(from),
		"to":                 string(to),
		"consecutive_errors": h.consecutiveErrors,
	})
	observ.IncCounter("feed_status_change_total", map[string]string{
		"feed": h.name,
		"from": string(from),
		"to":   string(to),
	})
	h.publish()
}

func (h *FeedHealth) publish() {
	observ.SetGauge("feed_status", statusToFloat(h.status), map[string]string{"feed": h.name})
}

func statusToFloat(s FeedStatus) float64 {
	switch s {
	case StatusHealthy:
		return observ.FeedHealthy
	case StatusDegraded:
		return observ.FeedDegraded
	case StatusStale:
		return observ.FeedStale
	}
	return observ.FeedFailed
}
