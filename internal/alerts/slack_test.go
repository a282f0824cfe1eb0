package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-dashboard/internal/risk"
	"github.com/Rajchodisetti/options-dashboard/internal/signals"
)

type webhook struct {
	mu       sync.Mutex
	messages []SlackMessage
	fail     atomic.Int32
	calls    atomic.Int32
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.calls.Add(1)
	if w.fail.Load() > 0 {
		w.fail.Add(-1)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	var msg SlackMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.messages = append(w.messages, msg)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (w *webhook) received() []SlackMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]SlackMessage(nil), w.messages...)
}

func newTestNotifier(t *testing.T, cfg Config) (*Notifier, *webhook) {
	t.Helper()
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	cfg.WebhookURL = srv.URL
	n := NewNotifier(cfg)
	t.Cleanup(func() {
		n.Close()
		srv.Close()
	})
	return n, hook
}

func testSignal(id string, confidence float64) signals.Signal {
	return signals.Signal{
		ID: id, Rule: "rsi_oversold_macd_bullish", Direction: signals.Buy,
		Instrument: "NIFTY", Strike: 19650, OptionType: "CE",
		EntryPrice: 100, Target: 120, StopLoss: 80, Confidence: confidence,
	}
}

func TestNotifier_SignalAndDedupe(t *testing.T) {
	n, hook := newTestNotifier(t, Config{Channel: "#options", MinConfidence: 60})

	n.Signal(testSignal("s1", 70))
	n.Signal(testSignal("s1", 70))
	n.Signal(testSignal("s2", 55))

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	msgs := hook.received()
	require.Len(t, msgs, 1, "duplicate and low-confidence signals are not sent")
	assert.Equal(t, "#options", msgs[0].Channel)
	assert.Contains(t, msgs[0].Text, "BUY NIFTY 19650 CE")
	assert.Equal(t, "good", msgs[0].Attachments[0].Color)
}

func TestNotifier_RetriesFailedWebhook(t *testing.T) {
	n, hook := newTestNotifier(t, Config{MaxAttempts: 3})
	hook.fail.Store(1)

	n.DayLoss(risk.Evaluate(risk.DefaultLimits(), 0, 8000, 1))

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), hook.calls.Load())
	msg := hook.received()[0]
	assert.Equal(t, "danger", msg.Attachments[0].Color)
	assert.Equal(t, "8000.00", msg.Attachments[0].Fields[0].Value)
}

func TestNotifier_RateLimitSparesCritical(t *testing.T) {
	n, hook := newTestNotifier(t, Config{RateLimitPerMin: 1})

	n.Signal(testSignal("a", 90))
	n.Signal(testSignal("b", 90))
	n.SessionLost("token_rejected")

	require.Eventually(t, func() bool { return len(hook.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	msgs := hook.received()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text, "session ended")
}
