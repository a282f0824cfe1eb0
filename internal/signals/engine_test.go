package signals

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

var t0 = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func testChain(instrument string, callOI, putOI float64) optionchain.Chain {
	return optionchain.Chain{
		Instrument: instrument,
		Expiry:     "30OCT2026",
		FetchedAt:  t0,
		Entries: []optionchain.Entry{
			{Strike: 19600, CallPrice: 120, PutPrice: 40, CallOpenInterest: callOI, PutOpenInterest: putOI},
			{Strike: 19650, CallPrice: 100, PutPrice: 60, CallOpenInterest: callOI, PutOpenInterest: putOI},
			{Strike: 19700, CallPrice: 70, PutPrice: 90, CallOpenInterest: callOI, PutOpenInterest: putOI},
		},
	}
}

func bullishInputs() Inputs {
	return Inputs{
		Instrument: "NIFTY",
		Spot:       19660,
		Technicals: market.Technicals{Instrument: "NIFTY", RSI: 35, MACD: 5, MACDSignal: 3, MACDHist: 2},
		Chain:      testChain("NIFTY", 1000, 1000),
	}
}

func newTestEngine(cfg Config) *Engine {
	e := NewEngine(cfg)
	n := 0
	e.newID = func() string { n++; return fmt.Sprintf("sig-%d", n) }
	return e
}

func TestEngine_BullishMomentum(t *testing.T) {
	e := newTestEngine(Config{})

	s, ok := e.Evaluate(t0, bullishInputs())
	require.True(t, ok)
	assert.Equal(t, "sig-1", s.ID)
	assert.Equal(t, RuleMomentumBullish, s.Rule)
	assert.Equal(t, Buy, s.Direction)
	assert.Equal(t, market.Call, s.OptionType)
	assert.Equal(t, 19650.0, s.Strike)
	assert.Equal(t, 100.0, s.EntryPrice)
	assert.Equal(t, 120.0, s.Target)
	assert.Equal(t, 80.0, s.StopLoss)
	assert.Equal(t, Active, s.Status)
	// 50 + 2*(40-35) + 2/5*20
	assert.InDelta(t, 68, s.Confidence, 1e-9)
	assert.NotEmpty(t, s.Rationale)
	assert.Equal(t, t0, s.GeneratedAt)
}

func TestEngine_BearishMomentum(t *testing.T) {
	e := newTestEngine(Config{})
	in := bullishInputs()
	in.Technicals = market.Technicals{RSI: 72, MACD: -4, MACDSignal: -2, MACDHist: -2}
	in.Chain = testChain("NIFTY", 1000, 500) // PCR 0.5 confirms downside

	s, ok := e.Evaluate(t0, in)
	require.True(t, ok)
	assert.Equal(t, market.Put, s.OptionType)
	assert.Equal(t, 60.0, s.EntryPrice)
	// 50 + 2*12 + 10 + 10
	assert.InDelta(t, 94, s.Confidence, 1e-9)
	assert.Contains(t, s.Rationale, "PCR 0.50")
}

func TestEngine_NoSignal(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		mutate func(*Inputs)
	}{
		{"neutral rsi", Config{}, func(in *Inputs) { in.Technicals.RSI = 50 }},
		{"histogram against", Config{}, func(in *Inputs) { in.Technicals.MACDHist = -1 }},
		{"no spot", Config{}, func(in *Inputs) { in.Spot = 0 }},
		{"empty chain", Config{}, func(in *Inputs) { in.Chain.Entries = nil }},
		{"no premium", Config{}, func(in *Inputs) {
			for i := range in.Chain.Entries {
				in.Chain.Entries[i].CallPrice = 0
			}
		}},
		{"below confidence floor", Config{MinConfidence: 90}, func(*Inputs) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.cfg)
			in := bullishInputs()
			in.Chain.Entries = append([]optionchain.Entry(nil), in.Chain.Entries...)
			tt.mutate(&in)
			_, ok := e.Evaluate(t0, in)
			assert.False(t, ok)
			assert.Empty(t, e.Signals())
		})
	}
}

func TestEngine_SkipsDegenerateLevels(t *testing.T) {
	e := newTestEngine(Config{})
	in := bullishInputs()
	in.Chain.Entries[1].CallPrice = 0.01

	_, ok := e.Evaluate(t0, in)
	assert.False(t, ok, "target and stop round onto the entry price")
	assert.Empty(t, e.Signals())
}

func TestEngine_SuppressesDuplicateActive(t *testing.T) {
	e := newTestEngine(Config{})
	_, ok := e.Evaluate(t0, bullishInputs())
	require.True(t, ok)

	_, ok = e.Evaluate(t0.Add(10*time.Second), bullishInputs())
	assert.False(t, ok)
	assert.Len(t, e.Active(), 1)
}

func TestEngine_AtMostOnePerCycle(t *testing.T) {
	e := newTestEngine(Config{})
	weak := bullishInputs()
	strong := bullishInputs()
	strong.Instrument = "BANKNIFTY"
	strong.Chain = testChain("BANKNIFTY", 1000, 2000)
	strong.Technicals.RSI = 30

	s, ok := e.Evaluate(t0, weak, strong)
	require.True(t, ok)
	assert.Equal(t, "BANKNIFTY", s.Instrument)
	assert.Len(t, e.Signals(), 1)
}

func TestEngine_ConfidenceClamped(t *testing.T) {
	e := newTestEngine(Config{})
	in := bullishInputs()
	in.Technicals = market.Technicals{RSI: 1, MACD: 1, MACDSignal: 0.5, MACDHist: 10}
	in.Chain = testChain("NIFTY", 1000, 2000)

	s, ok := e.Evaluate(t0, in)
	require.True(t, ok)
	assert.Equal(t, 100.0, s.Confidence)
}

func TestEngine_TargetIsTerminal(t *testing.T) {
	e := newTestEngine(Config{})
	s, ok := e.Evaluate(t0, bullishInputs())
	require.True(t, ok)
	require.Equal(t, 120.0, s.Target)
	require.Equal(t, 80.0, s.StopLoss)

	q := market.ContractQuote{Contract: s.Contract(), LastPrice: 125, Timestamp: t0.Add(time.Minute)}
	closed := e.ApplyQuote(q)
	require.Len(t, closed, 1)
	assert.Equal(t, HitTarget, closed[0].Status)

	for _, price := range []float64{70, 100, 130} {
		assert.Empty(t, e.ApplyQuote(market.ContractQuote{Contract: s.Contract(), LastPrice: price, Timestamp: t0.Add(2 * time.Hour)}))
	}
	assert.Empty(t, e.ExpireStale(t0.Add(24*time.Hour)))

	got := e.Signals()
	require.Len(t, got, 1)
	assert.Equal(t, HitTarget, got[0].Status)
	assert.Equal(t, 125.0, got[0].LastPrice)
}

func TestEngine_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		after time.Duration
		want  Status
	}{
		{"stop loss", 80, time.Minute, HitStopLoss},
		{"below stop loss", 50, time.Minute, HitStopLoss},
		{"target exactly", 120, time.Minute, HitTarget},
		{"expired", 100, 31 * time.Minute, Expired},
		{"stays active", 100, time.Minute, Active},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(Config{})
			s, ok := e.Evaluate(t0, bullishInputs())
			require.True(t, ok)

			// quotes for other contracts are ignored
			other := s.Contract()
			other.OptionType = market.Put
			assert.Empty(t, e.ApplyQuote(market.ContractQuote{Contract: other, LastPrice: 1000, Timestamp: t0}))

			e.ApplyQuote(market.ContractQuote{Contract: s.Contract(), LastPrice: tt.price, Timestamp: t0.Add(tt.after)})
			assert.Equal(t, tt.want, e.Signals()[0].Status)
		})
	}
}

func TestEngine_ExpireStale(t *testing.T) {
	e := newTestEngine(Config{Expiry: 10 * time.Minute})
	_, ok := e.Evaluate(t0, bullishInputs())
	require.True(t, ok)

	assert.Empty(t, e.ExpireStale(t0.Add(5*time.Minute)))
	closed := e.ExpireStale(t0.Add(11 * time.Minute))
	require.Len(t, closed, 1)
	assert.Equal(t, Expired, closed[0].Status)
	assert.Empty(t, e.Active())

	// the contract is free again
	_, ok = e.Evaluate(t0.Add(12*time.Minute), bullishInputs())
	assert.True(t, ok)
}

func TestEngine_HistoryKeepsActive(t *testing.T) {
	e := newTestEngine(Config{HistorySize: 2})
	spots := []float64{19600, 19650, 19700}
	for i, spot := range spots {
		in := bullishInputs()
		in.Spot = spot
		_, ok := e.Evaluate(t0.Add(time.Duration(i)*time.Second), in)
		require.True(t, ok)
	}
	// all three are active, none may be dropped
	assert.Len(t, e.Signals(), 3)

	e.ExpireStale(t0.Add(time.Hour))
	got := e.Signals()
	require.Len(t, got, 2)
	assert.Equal(t, "sig-3", got[0].ID)
	assert.Equal(t, "sig-2", got[1].ID)
}
