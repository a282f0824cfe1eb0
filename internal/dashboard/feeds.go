package dashboard

import (
	"context"
	"time"

	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/indicators"
	"github.com/Rajchodisetti/options-dashboard/internal/journal"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
	"github.com/Rajchodisetti/options-dashboard/internal/poller"
	"github.com/Rajchodisetti/options-dashboard/internal/session"
	"github.com/Rajchodisetti/options-dashboard/internal/signals"
)

type scheduledFeed struct {
	poller.Feed
	interval time.Duration
}

// feeds returns the quote, option chain and technicals loops of inst.
func (d *Dashboard) feeds(inst market.Instrument) []scheduledFeed {
	needsSession := !d.demo
	pc := d.cfg.Poller
	return []scheduledFeed{
		{
			Feed: poller.Feed{
				Name:            "quote/" + inst.Name,
				RequiresSession: needsSession,
				Fetch: func(ctx context.Context) (poller.Result, error) {
					q, err := d.client.GetQuote(ctx, feed.QuoteRequest{
						Exchange:    inst.Exchange,
						Symbol:      inst.Symbol,
						SymbolToken: inst.SymbolToken,
					})
					if err != nil {
						return poller.Result{}, err
					}
					return poller.Result{Quotes: []market.Quote{q}}, nil
				},
			},
			interval: pc.QuoteInterval(),
		},
		{
			Feed: poller.Feed{
				Name:            "option_chain/" + inst.Name,
				RequiresSession: needsSession,
				Fetch: func(ctx context.Context) (poller.Result, error) {
					raw, err := d.client.GetOptionChain(ctx, feed.ChainRequest{Name: inst.Name, Expiry: inst.Expiry})
					if err != nil {
						return poller.Result{}, err
					}
					chain := optionchain.New(inst.Name, inst.Expiry, raw, d.now())
					if len(chain.Entries) == 0 {
						// keep the last known chain
						return poller.Result{}, &feed.Error{Kind: feed.ErrMalformedResponse, Op: "option_chain", Message: "no usable strikes for " + inst.Name}
					}
					return poller.Result{Chain: &chain}, nil
				},
			},
			interval: pc.ChainInterval(),
		},
		{
			Feed: poller.Feed{
				Name:            "technicals/" + inst.Name,
				RequiresSession: needsSession,
				Fetch: func(ctx context.Context) (poller.Result, error) {
					now := d.now()
					candles, err := d.client.GetCandles(ctx, feed.CandleRequest{
						Exchange:    inst.Exchange,
						SymbolToken: inst.SymbolToken,
						Interval:    pc.CandleInterval,
						From:        now.Add(-pc.CandleLookback()),
						To:          now,
					})
					if err != nil {
						return poller.Result{}, err
					}
					t, err := indicators.Compute(inst.Name, candles, indicators.Params{}, now)
					if err != nil {
						return poller.Result{}, err
					}
					return poller.Result{Technicals: &t}, nil
				},
			},
			interval: pc.TechnicalsInterval(),
		},
	}
}

// onResult fans a merged result out to the derived engines. It runs on
// poller goroutines; the engines serialise internally.
func (d *Dashboard) onResult(feedName string, merged poller.Result) {
	if merged.Empty() {
		return
	}
	now := d.now()

	var closed []signals.Signal
	if merged.Chain != nil {
		for _, q := range merged.Chain.ContractQuotes() {
			d.portfolio.ApplyQuote(q)
			closed = append(closed, d.signals.ApplyQuote(q)...)
		}
	}
	closed = append(closed, d.signals.ExpireStale(now)...)
	for _, s := range closed {
		d.record(journal.SignalClosed, journal.Key(s.ID, s.Status), s)
	}
	if merged.Chain != nil || merged.Technicals != nil {
		if s, ok := d.signals.Evaluate(now, d.signalInputs()...); ok {
			d.record(journal.SignalGenerated, journal.Key(s.ID, s.Status), s)
			if d.notifier != nil {
				d.notifier.Signal(s)
			}
		}
	}
	d.publishRisk()
	d.notify()
}

// signalInputs collects the instruments that have a spot, technicals and
// a chain.
func (d *Dashboard) signalInputs() []signals.Inputs {
	state := d.poller.State()
	inputs := make([]signals.Inputs, 0, len(d.cfg.Instruments))
	for _, inst := range d.cfg.Instruments {
		q, ok := state.Quote(inst.QuoteKey())
		if !ok {
			continue
		}
		t, ok := state.Technicals(inst.Name)
		if !ok {
			continue
		}
		c, ok := state.Chain(optionchain.Key{Instrument: inst.Name, Expiry: inst.Expiry})
		if !ok {
			continue
		}
		inputs = append(inputs, signals.Inputs{Instrument: inst.Name, Spot: q.LastPrice, Technicals: t, Chain: c})
	}
	return inputs
}

// onFeedError drops a session the broker no longer accepts so every feed
// goes stale together instead of failing one by one.
func (d *Dashboard) onFeedError(feedName string, err error) {
	observ.Log("feed_error", map[string]any{
		"feed":  feedName,
		"kind":  feed.KindOf(err).Label(),
		"error": err.Error(),
	})
	if session.IsAuthError(err) && d.sessions.Authenticated() {
		d.invalidateSession("token_rejected")
	}
}

func (d *Dashboard) afterPortfolioChange() {
	d.publishRisk()
	d.notify()
}

func (d *Dashboard) publishRisk() {
	a := d.Risk()
	alert := 0.0
	if a.Alert {
		alert = 1
	}
	observ.SetGauge("risk_alert_active", alert, nil)
	observ.SetGauge("risk_score", a.RiskScore, nil)

	// notify on the rising edge only; the alert itself stays a predicate
	if was := d.riskAlert.Swap(a.Alert); a.Alert && !was && d.notifier != nil {
		d.notifier.DayLoss(a)
	}
}
