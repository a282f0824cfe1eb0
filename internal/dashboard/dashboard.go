// Package dashboard wires the session, feeds, poller and derived engines
// together and exposes a read-only snapshot for the presentation layer.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/options-dashboard/internal/alerts"
	"github.com/Rajchodisetti/options-dashboard/internal/config"
	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/journal"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
	"github.com/Rajchodisetti/options-dashboard/internal/poller"
	"github.com/Rajchodisetti/options-dashboard/internal/portfolio"
	"github.com/Rajchodisetti/options-dashboard/internal/risk"
	"github.com/Rajchodisetti/options-dashboard/internal/scheduler"
	"github.com/Rajchodisetti/options-dashboard/internal/session"
	"github.com/Rajchodisetti/options-dashboard/internal/signals"
)

// Options overrides the collaborators built from Config, mainly for tests.
type Options struct {
	Config config.Root
	Client feed.Client
	Store  session.Store
	Now    func() time.Time
}

// Dashboard is the composition root.
type Dashboard struct {
	cfg        config.Root
	client     feed.Client
	sessions   *session.Manager
	poller     *poller.Poller
	signals    *signals.Engine
	portfolio  *portfolio.Tracker
	scheduler  *scheduler.Scheduler
	journal    *journal.Journal
	notifier   *alerts.Notifier
	riskAlert  atomic.Bool
	closeStore func() error
	closeOnce  sync.Once
	now        func() time.Time
	demo       bool

	runMu   sync.Mutex
	running bool

	subMu       sync.Mutex
	subscribers map[int]func()
	nextSub     int
}

// New builds the dashboard without starting anything.
func New(opts Options) (*Dashboard, error) {
	cfg := opts.Config
	d := &Dashboard{
		cfg:         cfg,
		now:         opts.Now,
		demo:        cfg.Broker.Provider == "demo",
		subscribers: map[int]func(){},
		closeStore:  func() error { return nil },
	}
	if d.now == nil {
		d.now = time.Now
	}

	store := opts.Store
	if store == nil {
		s, closeFn, err := openStore(cfg.Session)
		if err != nil {
			return nil, err
		}
		store, d.closeStore = s, closeFn
	}

	d.client = opts.Client
	if d.client == nil {
		d.client = newClient(cfg, feed.SessionFunc(func() (market.AuthSession, bool) {
			return d.sessions.CurrentSession()
		}))
	}

	d.sessions = session.NewManager(d.client, session.Config{
		Store:        store,
		LoginTimeout: cfg.Session.LoginTimeout(),
		Now:          d.now,
	})
	d.sessions.OnChange(func(bool) { d.notify() })

	d.poller = poller.New(poller.Config{
		FetchTimeout:         cfg.Poller.FetchTimeout(),
		BackoffMin:           cfg.Poller.BackoffMin(),
		BackoffMax:           cfg.Poller.BackoffMax(),
		MaxConsecutiveErrors: cfg.Poller.MaxConsecutiveErrors,
		Sessions:             d.sessions,
		OnError:              d.onFeedError,
	})
	d.signals = signals.NewEngine(cfg.Signals)
	d.portfolio = portfolio.NewTracker(portfolio.Config{StatePath: cfg.Portfolio.StatePath, Now: d.now})
	if err := d.portfolio.Load(); err != nil {
		return nil, err
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.DedupeWindow())
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		d.notifier = alerts.NewNotifier(alerts.Config{
			WebhookURL:      cfg.Alerts.SlackWebhookURL,
			Channel:         cfg.Alerts.Channel,
			RateLimitPerMin: cfg.Alerts.RateLimitPerMin,
			MinConfidence:   cfg.Alerts.MinConfidence,
		})
	}
	d.scheduler = scheduler.New()
	return d, nil
}

func newClient(cfg config.Root, sessions feed.SessionSource) feed.Client {
	if cfg.Broker.Provider == "demo" {
		return feed.NewDemoClient(cfg.Broker.DemoSeed)
	}
	return feed.NewAngelClient(feed.AngelConfig{
		BaseURL:            cfg.Broker.BaseURL,
		APIKey:             cfg.Broker.APIKey,
		Timeout:            cfg.Broker.Timeout(),
		RateLimitPerSecond: cfg.Broker.RateLimitPerSecond,
		ClientLocalIP:      cfg.Broker.ClientLocalIP,
		ClientPublicIP:     cfg.Broker.ClientPublicIP,
		MACAddress:         cfg.Broker.MACAddress,
	}, sessions)
}

func openStore(cfg config.Session) (session.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store {
	case "memory":
		return &session.MemoryStore{}, noop, nil
	case "sqlite":
		s, err := session.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return session.NewFileStore(cfg.Path), noop, nil
	}
}

// Sessions exposes the session manager for login and logout.
func (d *Dashboard) Sessions() *session.Manager { return d.sessions }

// Start restores the persisted session and starts the feeds and the
// scheduler.
func (d *Dashboard) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return errors.New("dashboard already running")
	}

	if _, err := d.sessions.RestoreFromStore(ctx); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			observ.Log("session_restore_failed", map[string]any{"error": err.Error()})
		}
	}

	for _, inst := range d.cfg.Instruments {
		for _, f := range d.feeds(inst) {
			if _, err := d.poller.Start(f.Feed, f.interval, d.onResult); err != nil {
				d.poller.StopAll()
				return fmt.Errorf("start feed %s: %w", f.Name, err)
			}
		}
	}

	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{d.cfg.Schedule.SessionExpiry, scheduler.JobFunc{JobName: "session_expiry", Fn: d.expireSession}},
		{d.cfg.Schedule.DayReset, scheduler.JobFunc{JobName: "day_reset", Fn: d.ResetDay}},
	}
	for _, j := range jobs {
		if err := d.scheduler.AddJob(j.spec, j.job); err != nil {
			d.poller.StopAll()
			return fmt.Errorf("schedule %s: %w", j.job.Name(), err)
		}
	}
	d.scheduler.Start()
	d.running = true

	observ.Log("dashboard_started", map[string]any{
		"provider":      d.cfg.Broker.Provider,
		"instruments":   len(d.cfg.Instruments),
		"authenticated": d.sessions.Authenticated(),
	})
	return nil
}

// Stop stops every feed and the scheduler. No update is delivered after
// Stop returns.
func (d *Dashboard) Stop() {
	d.runMu.Lock()
	running := d.running
	d.running = false
	d.runMu.Unlock()

	d.poller.StopAll()
	if running {
		d.scheduler.Stop()
	}
	d.closeOnce.Do(func() {
		if d.notifier != nil {
			d.notifier.Close()
		}
		if err := d.closeStore(); err != nil {
			observ.Log("session_store_close_failed", map[string]any{"error": err.Error()})
		}
	})
	observ.Log("dashboard_stopped", map[string]any{"was_running": running})
}

// Subscribe registers fn to run after every state change. fn must not
// block. The returned func removes the subscription.
func (d *Dashboard) Subscribe(fn func()) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subscribers, id)
	}
}

func (d *Dashboard) notify() {
	d.subMu.Lock()
	fns := make([]func(), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Login authenticates with the broker.
func (d *Dashboard) Login(ctx context.Context, clientCode, password, totp string) error {
	if clientCode == "" {
		clientCode = d.cfg.Broker.ClientCode
	}
	_, err := d.sessions.Login(ctx, clientCode, password, totp)
	return err
}

func (d *Dashboard) Logout(ctx context.Context) error {
	return d.sessions.Logout(ctx)
}

// OpenPosition records a position bought at avgPrice. The position is
// marked to the latest chain premium when one is known.
func (d *Dashboard) OpenPosition(c market.Contract, quantity int, avgPrice float64) (portfolio.Position, error) {
	p, err := d.portfolio.Open(c, quantity, avgPrice)
	if err != nil {
		return p, err
	}
	if chain, ok := d.chain(c.Instrument); ok {
		if e, found := chain.At(c.Strike); found {
			d.portfolio.ApplyQuote(market.ContractQuote{Contract: c, LastPrice: e.Premium(c.OptionType), Timestamp: chain.FetchedAt})
		}
	}
	d.record(journal.PositionOpened, journal.Key(p.ID, "open"), p)
	d.afterPortfolioChange()
	return p, nil
}

func (d *Dashboard) ClosePosition(id string, exitPrice float64) (portfolio.PositionView, error) {
	v, err := d.portfolio.Close(id, exitPrice)
	if err != nil {
		return v, err
	}
	d.record(journal.PositionClosed, journal.Key(id, "closed"), v)
	d.afterPortfolioChange()
	return v, nil
}

// ResetDay re-baselines day P&L at market open.
func (d *Dashboard) ResetDay() error {
	err := d.portfolio.ResetDay()
	d.afterPortfolioChange()
	return err
}

func (d *Dashboard) expireSession() error {
	if d.sessions.Authenticated() {
		d.invalidateSession("day_end")
	}
	return nil
}

func (d *Dashboard) invalidateSession(reason string) {
	d.sessions.Invalidate(reason)
	if d.notifier != nil {
		d.notifier.SessionLost(reason)
	}
}

// Journal returns the journal entries recorded after since. It is empty
// when no journal is configured.
func (d *Dashboard) Journal(since time.Time) ([]journal.Entry, error) {
	if d.journal == nil {
		return nil, nil
	}
	return d.journal.Read(since)
}

func (d *Dashboard) record(typ, key string, data any) {
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Append(typ, key, data); err != nil {
		observ.Log("journal_write_failed", map[string]any{"type": typ, "error": err.Error()})
	}
}

func (d *Dashboard) Signals() []signals.Signal { return d.signals.Signals() }

func (d *Dashboard) Positions() []portfolio.PositionView { return d.portfolio.Positions() }

func (d *Dashboard) Portfolio() portfolio.Summary { return d.portfolio.Summary() }

// Risk recomputes the assessment from the current portfolio.
func (d *Dashboard) Risk() risk.Assessment {
	s := d.portfolio.Summary()
	return risk.Evaluate(d.cfg.Risk, s.TotalValue, s.DayLoss, s.OpenCount)
}

// Chain returns the latest option chain of the named instrument.
func (d *Dashboard) Chain(instrument string) (optionchain.Chain, bool) {
	return d.chain(instrument)
}

func (d *Dashboard) chain(instrument string) (optionchain.Chain, bool) {
	inst, ok := d.instrument(instrument)
	if !ok {
		return optionchain.Chain{}, false
	}
	return d.poller.State().Chain(optionchain.Key{Instrument: inst.Name, Expiry: inst.Expiry})
}

func (d *Dashboard) instrument(name string) (market.Instrument, bool) {
	for _, inst := range d.cfg.Instruments {
		if inst.Name == name {
			return inst, true
		}
	}
	return market.Instrument{}, false
}

// SessionStatus is the session part of the snapshot. Tokens are never
// exposed.
type SessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (d *Dashboard) SessionStatus() SessionStatus {
	s, ok := d.sessions.CurrentSession()
	if !ok {
		return SessionStatus{}
	}
	st := SessionStatus{Authenticated: true}
	if !s.IssuedAt.IsZero() {
		st.IssuedAt = &s.IssuedAt
	}
	if !s.ExpiresAt.IsZero() {
		st.ExpiresAt = &s.ExpiresAt
	}
	return st
}

// Snapshot is everything the presentation layer renders.
type Snapshot struct {
	GeneratedAt time.Time                        `json:"generated_at"`
	Provider    string                           `json:"provider"`
	Session     SessionStatus                    `json:"session"`
	Feeds       map[string]poller.HealthSnapshot `json:"feeds"`
	Quotes      map[string]market.Quote          `json:"quotes"`
	Chains      map[string]optionchain.Chain     `json:"chains"`
	Technicals  map[string]market.Technicals     `json:"technicals"`
	Signals     []signals.Signal                 `json:"signals"`
	Positions   []portfolio.PositionView         `json:"positions"`
	Portfolio   portfolio.Summary                `json:"portfolio"`
	Risk        risk.Assessment                  `json:"risk"`
}

func (d *Dashboard) Snapshot() Snapshot {
	state := d.poller.State().Snapshot()
	return Snapshot{
		GeneratedAt: d.now().UTC(),
		Provider:    d.cfg.Broker.Provider,
		Session:     d.SessionStatus(),
		Feeds:       d.poller.Health(),
		Quotes:      state.Quotes,
		Chains:      state.Chains,
		Technicals:  state.Technicals,
		Signals:     d.signals.Signals(),
		Positions:   d.portfolio.Positions(),
		Portfolio:   d.portfolio.Summary(),
		Risk:        d.Risk(),
	}
}

// FeedNames lists the running feeds, sorted.
func (d *Dashboard) FeedNames() []string {
	health := d.poller.Health()
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
