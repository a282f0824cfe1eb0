// Package alerts posts dashboard events to a Slack incoming webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/risk"
	"github.com/Rajchodisetti/options-dashboard/internal/signals"
)

type Config struct {
	WebhookURL      string
	Channel         string
	RateLimitPerMin int
	// MinConfidence filters signal alerts; risk and session alerts always go out.
	MinConfidence float64
	DedupeWindow  time.Duration
	MaxAttempts   int
	QueueSize     int
	HTTPClient    *http.Client
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type queued struct {
	key      string
	msg      SlackMessage
	critical bool
}

// Notifier queues messages and delivers them from one worker goroutine.
// Sends never block the caller; a full queue drops the message.
type Notifier struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	queue   chan queued

	mu   sync.Mutex
	sent map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 20
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), cfg.RateLimitPerMin),
		queue:   make(chan queued, cfg.QueueSize),
		sent:    map[string]time.Time{},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.worker()
	return n
}

// Signal announces a freshly generated signal.
func (n *Notifier) Signal(s signals.Signal) {
	if s.Confidence < n.cfg.MinConfidence {
		return
	}
	n.enqueue(queued{
		key: "signal:" + s.ID,
		msg: n.message(fmt.Sprintf(":chart_with_upwards_trend: %s %s %.0f %s", s.Direction, s.Instrument, s.Strike, s.OptionType), "good", []SlackField{
			{Title: "Entry", Value: fmt.Sprintf("%.2f", s.EntryPrice), Short: true},
			{Title: "Target / Stop", Value: fmt.Sprintf("%.2f / %.2f", s.Target, s.StopLoss), Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%.0f", s.Confidence), Short: true},
			{Title: "Rule", Value: s.Rule, Short: true},
		}),
	})
}

// DayLoss announces that the day loss crossed the alert threshold.
func (n *Notifier) DayLoss(a risk.Assessment) {
	n.enqueue(queued{
		key:      fmt.Sprintf("day_loss:%.0f", a.Limits.MaxDayLoss),
		critical: true,
		msg: n.message(":rotating_light: Day loss above alert threshold", "danger", []SlackField{
			{Title: "Day loss", Value: fmt.Sprintf("%.2f", a.DayLoss), Short: true},
			{Title: "Limit", Value: fmt.Sprintf("%.2f", a.Limits.MaxDayLoss), Short: true},
			{Title: "Risk score", Value: fmt.Sprintf("%.0f (%s)", a.RiskScore, a.Level), Short: true},
		}),
	})
}

// SessionLost announces that the broker session ended.
func (n *Notifier) SessionLost(reason string) {
	n.enqueue(queued{
		key:      "session:" + reason,
		critical: true,
		msg:      n.message(":lock: Broker session ended, log in again to resume live data", "warning", []SlackField{{Title: "Reason", Value: reason, Short: true}}),
	})
}

func (n *Notifier) message(text, color string, fields []SlackField) SlackMessage {
	return SlackMessage{
		Channel:     n.cfg.Channel,
		Text:        text,
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

func (n *Notifier) enqueue(q queued) {
	now := time.Now()
	n.mu.Lock()
	if at, ok := n.sent[q.key]; ok && now.Sub(at) < n.cfg.DedupeWindow {
		n.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	n.sent[q.key] = now
	for k, at := range n.sent {
		if now.Sub(at) >= n.cfg.DedupeWindow {
			delete(n.sent, k)
		}
	}
	n.mu.Unlock()

	select {
	case n.queue <- q:
		observ.SetGauge("alerts_queue_depth", float64(len(n.queue)), nil)
	default:
		observ.IncCounter("alerts_dropped_total", map[string]string{"critical": fmt.Sprint(q.critical)})
	}
}

func (n *Notifier) worker() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			return
		case q := <-n.queue:
			observ.SetGauge("alerts_queue_depth", float64(len(n.queue)), nil)
			if !q.critical && !n.limiter.Allow() {
				observ.IncCounter("alerts_rate_limited_total", nil)
				continue
			}
			n.deliver(q)
		}
	}
}

func (n *Notifier) deliver(q queued) {
	b := &backoff.Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		err := n.post(q.msg)
		if err == nil {
			observ.IncCounter("alerts_sent_total", nil)
			return
		}
		if attempt >= n.cfg.MaxAttempts {
			observ.IncCounter("alerts_webhook_errors_total", nil)
			observ.Log("alert_dropped", map[string]any{"key": q.key, "attempts": attempt, "error": err.Error()})
			return
		}
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

func (n *Notifier) post(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the worker. Queued messages are discarded.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}
