// Package signals turns canonical market state into advisory option signals
// and tracks each signal until it hits its target, its stop-loss or expires.
// Signals are advisory only; nothing here places orders.
package signals

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

type Status string

const (
	Active      Status = "ACTIVE"
	HitTarget   Status = "HIT_TARGET"
	HitStopLoss Status = "HIT_STOPLOSS"
	Expired     Status = "EXPIRED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s != Active }

// Signal is one advisory trade idea on an option contract.
type Signal struct {
	ID          string            `json:"id"`
	Rule        string            `json:"rule"`
	Direction   Direction         `json:"direction"`
	Instrument  string            `json:"instrument"`
	Strike      float64           `json:"strike"`
	OptionType  market.OptionType `json:"option_type"`
	EntryPrice  float64           `json:"entry_price"`
	Target      float64           `json:"target"`
	StopLoss    float64           `json:"stop_loss"`
	Confidence  float64           `json:"confidence"`
	GeneratedAt time.Time         `json:"generated_at"`
	Status      Status            `json:"status"`
	Rationale   string            `json:"rationale"`
	LastPrice   float64           `json:"last_price"`
	ClosedAt    time.Time         `json:"closed_at,omitempty"`
}

func (s Signal) Contract() market.Contract {
	return market.Contract{Instrument: s.Instrument, Strike: s.Strike, OptionType: s.OptionType}
}

// Config holds the rule thresholds.
type Config struct {
	Oversold      float64       `yaml:"oversold"`
	Overbought    float64       `yaml:"overbought"`
	MinConfidence float64       `yaml:"min_confidence"`
	TargetPct     float64       `yaml:"target_pct"`
	StopLossPct   float64       `yaml:"stop_loss_pct"`
	Expiry        time.Duration `yaml:"expiry"`
	HistorySize   int           `yaml:"history_size"`
}

func (c Config) withDefaults() Config {
	if c.Oversold <= 0 {
		c.Oversold = 40
	}
	if c.Overbought <= 0 {
		c.Overbought = 60
	}
	if c.TargetPct <= 0 {
		c.TargetPct = 0.20
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		c.StopLossPct = 0.20
	}
	if c.Expiry <= 0 {
		c.Expiry = 30 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 5
	}
	return c
}

// Inputs is the canonical state one evaluation looks at.
type Inputs struct {
	Instrument string
	Spot       float64
	Technicals market.Technicals
	Chain      optionchain.Chain
}

// Engine owns the signal history.
type Engine struct {
	cfg   Config
	rules []Rule
	newID func() string

	mu      sync.Mutex
	signals []*Signal // oldest first
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg.withDefaults(),
		rules: DefaultRules(),
		newID: uuid.NewString,
	}
}

// Evaluate runs every rule over every input and emits at most one new
// ACTIVE signal: the candidate with the highest confidence that passes the
// confidence floor and does not duplicate an ACTIVE signal on the same
// contract.
func (e *Engine) Evaluate(now time.Time, inputs ...Inputs) (Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var best *Signal
	for _, in := range inputs {
		if in.Spot <= 0 || len(in.Chain.Entries) == 0 {
			continue
		}
		atm, ok := in.Chain.ATM(in.Spot)
		if !ok {
			continue
		}
		for _, rule := range e.rules {
			c, fired := rule.Check(e.cfg, in)
			if !fired {
				continue
			}
			entry := atm.Premium(c.OptionType)
			confidence := clamp(c.Confidence, 0, 100)
			if entry <= 0 || confidence < e.cfg.MinConfidence || c.Rationale == "" {
				continue
			}
			contract := market.Contract{Instrument: in.Instrument, Strike: atm.Strike, OptionType: c.OptionType}
			if e.activeOn(contract) {
				observ.IncCounter("signals_suppressed_total", map[string]string{"rule": rule.Name, "reason": "duplicate"})
				continue
			}
			if best != nil && best.Confidence >= confidence {
				continue
			}
			target, stop := round2(entry*(1+e.cfg.TargetPct)), round2(entry*(1-e.cfg.StopLossPct))
			if target <= entry || stop >= entry {
				observ.IncCounter("signals_suppressed_total", map[string]string{"rule": rule.Name, "reason": "levels"})
				continue
			}
			best = &Signal{
				Rule:        rule.Name,
				Direction:   c.Direction,
				Instrument:  in.Instrument,
				Strike:      atm.Strike,
				OptionType:  c.OptionType,
				EntryPrice:  entry,
				Target:      target,
				StopLoss:    stop,
				Confidence:  round2(confidence),
				GeneratedAt: now,
				Status:      Active,
				Rationale:   c.Rationale,
				LastPrice:   entry,
			}
		}
	}
	if best == nil {
		return Signal{}, false
	}

	best.ID = e.newID()
	e.signals = append(e.signals, best)
	e.trim()

	observ.IncCounter("signals_generated_total", map[string]string{"rule": best.Rule})
	observ.Log("signal_generated", map[string]any{
		"id":         best.ID,
		"rule":       best.Rule,
		"contract":   best.Contract().String(),
		"entry":      best.EntryPrice,
		"target":     best.Target,
		"stop_loss":  best.StopLoss,
		"confidence": best.Confidence,
	})
	return *best, true
}

// ApplyQuote moves every ACTIVE signal on the quoted contract to its next
// status. It returns the signals that reached a terminal status.
func (e *Engine) ApplyQuote(q market.ContractQuote) []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	var closed []Signal
	for _, s := range e.signals {
		if s.Status.Terminal() || s.Contract() != q.Contract {
			continue
		}
		s.LastPrice = q.LastPrice
		switch {
		case q.LastPrice >= s.Target:
			e.close(s, HitTarget, q.Timestamp)
		case q.LastPrice <= s.StopLoss:
			e.close(s, HitStopLoss, q.Timestamp)
		case q.Timestamp.Sub(s.GeneratedAt) > e.cfg.Expiry:
			e.close(s, Expired, q.Timestamp)
		default:
			continue
		}
		closed = append(closed, *s)
	}
	if len(closed) > 0 {
		e.trim()
	}
	return closed
}

// ExpireStale expires ACTIVE signals older than the expiry window even when
// no quote arrives for them.
func (e *Engine) ExpireStale(now time.Time) []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	var closed []Signal
	for _, s := range e.signals {
		if !s.Status.Terminal() && now.Sub(s.GeneratedAt) > e.cfg.Expiry {
			e.close(s, Expired, now)
			closed = append(closed, *s)
		}
	}
	if len(closed) > 0 {
		e.trim()
	}
	return closed
}

// Signals returns the history, newest first.
func (e *Engine) Signals() []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Signal, 0, len(e.signals))
	for i := len(e.signals) - 1; i >= 0; i-- {
		out = append(out, *e.signals[i])
	}
	return out
}

// Active returns the ACTIVE signals, newest first.
func (e *Engine) Active() []Signal {
	all := e.Signals()
	out := all[:0]
	for _, s := range all {
		if s.Status == Active {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) activeOn(c market.Contract) bool {
	for _, s := range e.signals {
		if s.Status == Active && s.Contract() == c {
			return true
		}
	}
	return false
}

func (e *Engine) close(s *Signal, to Status, at time.Time) {
	s.Status = to
	s.ClosedAt = at
	observ.IncCounter("signals_closed_total", map[string]string{"status": string(to)})
	observ.Log("signal_closed", map[string]any{
		"id":       s.ID,
		"contract": s.Contract().String(),
		"status":   string(to),
		"price":    s.LastPrice,
	})
}

// trim drops the oldest terminal signals beyond HistorySize. ACTIVE signals
// are never dropped.
func (e *Engine) trim() {
	excess := len(e.signals) - e.cfg.HistorySize
	if excess <= 0 {
		return
	}
	kept := e.signals[:0]
	for _, s := range e.signals {
		if excess > 0 && s.Status.Terminal() {
			excess--
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(e.signals); i++ {
		e.signals[i] = nil
	}
	e.signals = kept
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s @%.2f [%s]", s.Direction, s.Contract(), s.EntryPrice, s.Status)
}
