// Package poller runs independent fetch loops per feed and merges their
// results into the canonical State.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

// Result is what one fetch produced. Any subset of the fields may be set.
type Result struct {
	Quotes     []market.Quote
	Chain      *optionchain.Chain
	Technicals *market.Technicals
}

// Empty reports whether r carries nothing.
func (r Result) Empty() bool {
	return len(r.Quotes) == 0 && r.Chain == nil && r.Technicals == nil
}

// Feed describes one polled data kind.
type Feed struct {
	Name            string
	Fetch           func(ctx context.Context) (Result, error)
	RequiresSession bool
}

// Config tunes every loop of a Poller.
type Config struct {
	FetchTimeout         time.Duration
	BackoffMin           time.Duration
	BackoffMax           time.Duration // 0 disables backoff
	MaxConsecutiveErrors int
	Sessions             feed.SessionSource // nil means always authenticated
	OnError              func(feedName string, err error)
}

// Poller owns the canonical State.
type Poller struct {
	cfg   Config
	state *State

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// Handle controls one running feed loop.
type Handle struct {
	feed     Feed
	interval time.Duration
	health   *FeedHealth
	cancel   context.CancelFunc
	done     chan struct{}
	fetches  sync.WaitGroup
	inFlight atomic.Bool
	stopOnce sync.Once

	deliverMu sync.Mutex
	stopped   bool

	backoffMu   sync.Mutex
	backoff     *backoff.Backoff
	nextAllowed time.Time
}

func New(cfg Config) *Poller {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 4 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	return &Poller{
		cfg:     cfg,
		state:   NewState(),
		handles: map[*Handle]struct{}{},
	}
}

// State returns the canonical cache for reading.
func (p *Poller) State() *State { return p.state }

// Start runs f every interval, starting immediately. onResult receives the
// part of each result that won the merge. onResult runs on the fetch
// goroutine and must not call Stop on its own handle.
func (p *Poller) Start(f Feed, interval time.Duration, onResult func(feedName string, merged Result)) (*Handle, error) {
	if f.Fetch == nil {
		return nil, fmt.Errorf("feed %q has no fetch function", f.Name)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("feed %q: interval must be positive, got %v", f.Name, interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		feed:     f,
		interval: interval,
		health:   NewFeedHealth(f.Name, p.cfg.MaxConsecutiveErrors),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if p.cfg.BackoffMax > 0 {
		h.backoff = &backoff.Backoff{Min: p.cfg.BackoffMin, Max: p.cfg.BackoffMax, Factor: 2, Jitter: true}
	}

	p.mu.Lock()
	p.handles[h] = struct{}{}
	p.mu.Unlock()

	go p.run(ctx, h, onResult)
	observ.Log("poller_feed_started", map[string]any{"feed": f.Name, "interval_ms": interval.Milliseconds()})
	return h, nil
}

// Stop cancels the loop and any fetch in flight. After Stop returns no
// further onResult call or merge happens for h.
func (p *Poller) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done

		h.deliverMu.Lock()
		h.stopped = true
		h.deliverMu.Unlock()

		h.fetches.Wait()

		p.mu.Lock()
		delete(p.handles, h)
		p.mu.Unlock()
		observ.Log("poller_feed_stopped", map[string]any{"feed": h.feed.Name})
	})
}

// StopAll stops every running loop.
func (p *Poller) StopAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			p.Stop(h)
		}(h)
	}
	wg.Wait()
}

// Health returns the health of every running feed by name.
func (p *Poller) Health() map[string]HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]HealthSnapshot, len(p.handles))
	for h := range p.handles {
		out[h.feed.Name] = h.health.Snapshot()
	}
	return out
}

func (h *Handle) Name() string { return h.feed.Name }

func (h *Handle) Status() FeedStatus { return h.health.Status() }

func (p *Poller) run(ctx context.Context, h *Handle, onResult func(string, Result)) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	p.tick(ctx, h, onResult)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, h, onResult)
		}
	}
}

func (p *Poller) tick(ctx context.Context, h *Handle, onResult func(string, Result)) {
	labels := map[string]string{"feed": h.feed.Name}
	observ.IncCounter("poll_ticks_total", labels)

	if h.feed.RequiresSession && !p.authenticated() {
		h.health.MarkStale()
		observ.IncCounter("poll_skipped_total", map[string]string{"feed": h.feed.Name, "reason": "unauthenticated"})
		return
	}
	if !h.inFlight.CompareAndSwap(false, true) {
		observ.IncCounter("poll_skipped_total", map[string]string{"feed": h.feed.Name, "reason": "in_flight"})
		return
	}
	if h.backingOff(time.Now()) {
		h.inFlight.Store(false)
		observ.IncCounter("poll_skipped_total", map[string]string{"feed": h.feed.Name, "reason": "backoff"})
		return
	}

	h.fetches.Add(1)
	go func() {
		defer h.fetches.Done()
		defer h.inFlight.Store(false)
		p.fetch(ctx, h, onResult)
	}()
}

func (p *Poller) fetch(ctx context.Context, h *Handle, onResult func(string, Result)) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.feed.Fetch(fctx)
	latency := time.Since(start)
	observ.RecordDuration("poll_fetch", latency, map[string]string{"feed": h.feed.Name})

	if ctx.Err() != nil {
		observ.IncCounter("poll_discarded_total", map[string]string{"feed": h.feed.Name})
		return
	}
	if err != nil {
		p.fail(h, err)
		return
	}
	h.health.RecordSuccess(latency)
	h.resetBackoff()

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.stopped {
		return
	}
	merged := p.merge(res)
	if merged.Empty() {
		return
	}
	observ.IncCounter("poll_merges_total", map[string]string{"feed": h.feed.Name})
	if onResult != nil {
		onResult(h.feed.Name, merged)
	}
}

func (p *Poller) merge(res Result) Result {
	var merged Result
	for _, q := range res.Quotes {
		if p.state.mergeQuote(q) {
			merged.Quotes = append(merged.Quotes, q)
		}
	}
	if res.Chain != nil && p.state.mergeChain(*res.Chain) {
		c := res.Chain.Clone()
		merged.Chain = &c
	}
	if res.Technicals != nil && p.state.mergeTechnicals(*res.Technicals) {
		t := *res.Technicals
		merged.Technicals = &t
	}
	return merged
}

func (p *Poller) fail(h *Handle, err error) {
	kind := feed.KindOf(err)
	observ.Log("poll_fetch_failed", map[string]any{
		"feed":  h.feed.Name,
		"kind":  kind.Label(),
		"error": err.Error(),
	})

	if errors.Is(err, feed.ErrUnauthenticated) {
		h.health.MarkStale()
	} else {
		h.health.RecordError(err)
		h.startBackoff(time.Now())
	}
	if p.cfg.OnError != nil {
		p.cfg.OnError(h.feed.Name, err)
	}
}

func (p *Poller) authenticated() bool {
	if p.cfg.Sessions == nil {
		return true
	}
	_, ok := p.cfg.Sessions.CurrentSession()
	return ok
}

func (h *Handle) backingOff(now time.Time) bool {
	h.backoffMu.Lock()
	defer h.backoffMu.Unlock()
	return now.Before(h.nextAllowed)
}

func (h *Handle) startBackoff(now time.Time) {
	if h.backoff == nil {
		return
	}
	h.backoffMu.Lock()
	defer h.backoffMu.Unlock()
	h.nextAllowed = now.Add(h.backoff.Duration())
}

func (h *Handle) resetBackoff() {
	if h.backoff == nil {
		return
	}
	h.backoffMu.Lock()
	defer h.backoffMu.Unlock()
	h.backoff.Reset()
	h.nextAllowed = time.Time{}
}
