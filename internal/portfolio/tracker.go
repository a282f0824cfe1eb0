// Package portfolio tracks open option positions and derives their P&L from
// the latest premiums. P&L is never stored: every figure is recomputed from
// quantity, average price and last price.
package portfolio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidPosition  = errors.New("invalid position")
)

// Position is one open option position. LastPrice starts at AvgPrice and
// follows the quotes applied to the tracker.
type Position struct {
	ID         string            `json:"id"`
	Instrument string            `json:"instrument"`
	Strike     float64           `json:"strike"`
	OptionType market.OptionType `json:"option_type"`
	Quantity   int               `json:"quantity"`
	AvgPrice   float64           `json:"avg_price"`
	LastPrice  float64           `json:"last_price"`
	OpenedAt   time.Time         `json:"opened_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (p Position) Contract() market.Contract {
	return market.Contract{Instrument: p.Instrument, Strike: p.Strike, OptionType: p.OptionType}
}

// PositionView is a position with its derived P&L.
type PositionView struct {
	Position
	Value      float64 `json:"value"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
}

// Summary holds the portfolio aggregates.
type Summary struct {
	TotalValue    float64 `json:"total_value"`
	Invested      float64 `json:"invested"`
	TotalPnL      float64 `json:"total_pnl"`
	PnLPercent    float64 `json:"pnl_percent"`
	RealizedToday float64 `json:"realized_today"`
	DayPnL        float64 `json:"day_pnl"`
	DayLoss       float64 `json:"day_loss"`
	OpenCount     int     `json:"open_count"`
}

type Config struct {
	// StatePath, when set, persists the position set after every
	// Open, Close and ResetDay. A failed write leaves the tracker unchanged.
	StatePath string
	Now       func() time.Time
}

// Tracker owns the position set.
type Tracker struct {
	cfg   Config
	now   func() time.Time
	newID func() string

	mu        sync.RWMutex
	positions map[string]*Position
	realized  decimal.Decimal // realised since the last day reset
	baseline  decimal.Decimal // unrealised P&L at the last day reset
	dayStart  time.Time
	version   int64
}

func NewTracker(cfg Config) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		cfg:       cfg,
		now:       now,
		newID:     uuid.NewString,
		positions: make(map[string]*Position),
		dayStart:  now().UTC(),
	}
}

// Open adds a position and returns it.
func (t *Tracker) Open(c market.Contract, quantity int, avgPrice float64) (Position, error) {
	if c.Instrument == "" || c.Strike <= 0 || (c.OptionType != market.Call && c.OptionType != market.Put) {
		return Position{}, fmt.Errorf("%w: contract %q", ErrInvalidPosition, c.String())
	}
	if quantity <= 0 || avgPrice <= 0 {
		return Position{}, fmt.Errorf("%w: quantity %d at %.2f", ErrInvalidPosition, quantity, avgPrice)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p := &Position{
		ID:         t.newID(),
		Instrument: c.Instrument,
		Strike:     c.Strike,
		OptionType: c.OptionType,
		Quantity:   quantity,
		AvgPrice:   avgPrice,
		LastPrice:  avgPrice,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	t.positions[p.ID] = p
	if err := t.saveLocked(); err != nil {
		delete(t.positions, p.ID)
		return Position{}, err
	}
	t.publishLocked()

	observ.Log("position_opened", map[string]any{
		"id":        p.ID,
		"contract":  c.String(),
		"quantity":  quantity,
		"avg_price": avgPrice,
	})
	return *p, nil
}

// Close removes a position and realises its P&L at exitPrice. A
// non-positive exitPrice closes at the last known price.
func (t *Tracker) Close(id string, exitPrice float64) (PositionView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[id]
	if !ok {
		return PositionView{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	prev, realized := *p, t.realized
	if exitPrice > 0 {
		p.LastPrice = exitPrice
		p.UpdatedAt = t.now()
	}
	view := viewOf(*p)
	t.realized = t.realized.Add(pnlOf(*p))
	delete(t.positions, id)
	if err := t.saveLocked(); err != nil {
		*p = prev
		t.positions[id] = p
		t.realized = realized
		return PositionView{}, err
	}
	t.publishLocked()

	observ.Log("position_closed", map[string]any{
		"id":         id,
		"contract":   p.Contract().String(),
		"exit_price": p.LastPrice,
		"pnl":        view.PnL,
	})
	return view, nil
}

// ApplyQuote reprices every open position on the quoted contract and
// returns how many were updated.
func (t *Tracker) ApplyQuote(q market.ContractQuote) int {
	if q.LastPrice <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.positions {
		if p.Contract() != q.Contract {
			continue
		}
		p.LastPrice = q.LastPrice
		p.UpdatedAt = q.Timestamp
		n++
	}
	if n > 0 {
		t.publishLocked()
	}
	return n
}

// Positions returns the open positions with derived P&L, oldest first.
func (t *Tracker) Positions() []PositionView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PositionView, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, viewOf(*p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Summary recomputes the aggregates from the current position set.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaryLocked()
}

// ResetDay starts a new trading day: realised P&L goes back to zero and the
// current unrealised P&L becomes the day baseline.
func (t *Tracker) ResetDay() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	realized, baseline, dayStart := t.realized, t.baseline, t.dayStart
	t.realized = decimal.Zero
	t.baseline = t.unrealizedLocked()
	t.dayStart = t.now().UTC()
	if err := t.saveLocked(); err != nil {
		t.realized, t.baseline, t.dayStart = realized, baseline, dayStart
		return err
	}
	t.publishLocked()

	observ.Log("portfolio_day_reset", map[string]any{
		"open_positions": len(t.positions),
		"baseline":       t.baseline.InexactFloat64(),
	})
	return nil
}

func (t *Tracker) unrealizedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(pnlOf(*p))
	}
	return total
}

func (t *Tracker) summaryLocked() Summary {
	value, invested, pnl := decimal.Zero, decimal.Zero, decimal.Zero
	for _, p := range t.positions {
		qty := decimal.NewFromInt(int64(p.Quantity))
		value = value.Add(decimal.NewFromFloat(p.LastPrice).Mul(qty))
		invested = invested.Add(decimal.NewFromFloat(p.AvgPrice).Mul(qty))
		pnl = pnl.Add(pnlOf(*p))
	}
	day := t.realized.Add(pnl).Sub(t.baseline)

	s := Summary{
		TotalValue:    value.InexactFloat64(),
		Invested:      invested.InexactFloat64(),
		TotalPnL:      pnl.InexactFloat64(),
		RealizedToday: t.realized.InexactFloat64(),
		DayPnL:        day.InexactFloat64(),
		OpenCount:     len(t.positions),
	}
	if day.IsNegative() {
		s.DayLoss = day.Neg().InexactFloat64()
	}
	if invested.IsPositive() {
		s.PnLPercent = pnl.Div(invested).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return s
}

func (t *Tracker) publishLocked() {
	s := t.summaryLocked()
	observ.SetGauge("portfolio_open_positions", float64(s.OpenCount), nil)
	observ.SetGauge("portfolio_total_pnl", s.TotalPnL, nil)
	observ.SetGauge("portfolio_day_pnl", s.DayPnL, nil)
}

func pnlOf(p Position) decimal.Decimal {
	return decimal.NewFromFloat(p.LastPrice).
		Sub(decimal.NewFromFloat(p.AvgPrice)).
		Mul(decimal.NewFromInt(int64(p.Quantity)))
}

func viewOf(p Position) PositionView {
	pnl := pnlOf(p)
	v := PositionView{
		Position: p,
		Value:    decimal.NewFromFloat(p.LastPrice).Mul(decimal.NewFromInt(int64(p.Quantity))).InexactFloat64(),
		PnL:      pnl.InexactFloat64(),
	}
	cost := decimal.NewFromFloat(p.AvgPrice).Mul(decimal.NewFromInt(int64(p.Quantity)))
	if cost.IsPositive() {
		v.PnLPercent = pnl.Div(cost).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return v
}

// persisted is the on-disk form of the tracker.
type persisted struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	DayStart  time.Time       `json:"day_start"`
	Realized  decimal.Decimal `json:"realized_today"`
	Baseline  decimal.Decimal `json:"day_baseline"`
	Positions []Position      `json:"positions"`
}

// Load replaces the tracker state with the file at StatePath. A missing
// file leaves the tracker empty.
func (t *Tracker) Load() error {
	if t.cfg.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(t.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read portfolio state: %w", err)
	}
	var st persisted
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to unmarshal portfolio state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]*Position, len(st.Positions))
	for i := range st.Positions {
		p := st.Positions[i]
		t.positions[p.ID] = &p
	}
	t.realized = st.Realized
	t.baseline = st.Baseline
	t.dayStart = st.DayStart
	t.version = st.Version
	t.publishLocked()
	return nil
}

// saveLocked writes the state atomically using temp file + rename.
func (t *Tracker) saveLocked() error {
	if t.cfg.StatePath == "" {
		return nil
	}
	t.version++
	st := persisted{
		Version:   t.version,
		UpdatedAt: t.now().UTC(),
		DayStart:  t.dayStart,
		Realized:  t.realized,
		Baseline:  t.baseline,
		Positions: make([]Position, 0, len(t.positions)),
	}
	for _, p := range t.positions {
		st.Positions = append(st.Positions, *p)
	}
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].ID < st.Positions[j].ID })

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.StatePath), 0o755); err != nil {
		return fmt.Errorf("failed to create portfolio state dir: %w", err)
	}
	tempPath := t.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp portfolio state: %w", err)
	}
	if err := os.Rename(tempPath, t.cfg.StatePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename portfolio state: %w", err)
	}
	return nil
}
