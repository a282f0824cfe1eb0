package signals

import (
	"fmt"
	"math"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
)

// Candidate is what a rule proposes when it fires.
type Candidate struct {
	Direction  Direction
	OptionType market.OptionType
	Confidence float64 // unclamped; the engine clamps to [0,100]
	Rationale  string
}

// Rule is one deterministic trigger over Inputs.
type Rule struct {
	Name  string
	Check func(cfg Config, in Inputs) (Candidate, bool)
}

const (
	RuleMomentumBullish = "momentum_bullish"
	RuleMomentumBearish = "momentum_bearish"
)

// DefaultRules is the built-in rule set.
//
// momentum_bullish: RSI at or below Oversold with a positive MACD histogram,
// i.e. momentum turning up from a depressed level. Buys the ATM call.
//
// momentum_bearish: RSI at or above Overbought with a negative MACD
// histogram. Buys the ATM put.
//
// Confidence starts at 50, adds 2 points per RSI point beyond the threshold,
// up to 20 points for histogram strength relative to the MACD line, and
// +/-10 when the put/call open interest ratio confirms or contradicts.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleMomentumBullish, Check: momentumBullish},
		{Name: RuleMomentumBearish, Check: momentumBearish},
	}
}

func momentumBullish(cfg Config, in Inputs) (Candidate, bool) {
	t := in.Technicals
	if t.RSI > cfg.Oversold || t.MACDHist <= 0 {
		return Candidate{}, false
	}
	pcr := in.Chain.PutCallRatio()
	confidence := 50 + 2*(cfg.Oversold-t.RSI) + macdStrength(t) + pcrConfirmation(pcr, true)
	return Candidate{
		Direction:  Buy,
		OptionType: market.Call,
		Confidence: confidence,
		Rationale: fmt.Sprintf("RSI %.1f at or below %.0f with MACD histogram %+.2f turning up%s",
			t.RSI, cfg.Oversold, t.MACDHist, pcrNote(pcr)),
	}, true
}

func momentumBearish(cfg Config, in Inputs) (Candidate, bool) {
	t := in.Technicals
	if t.RSI < cfg.Overbought || t.MACDHist >= 0 {
		return Candidate{}, false
	}
	pcr := in.Chain.PutCallRatio()
	confidence := 50 + 2*(t.RSI-cfg.Overbought) + macdStrength(t) + pcrConfirmation(pcr, false)
	return Candidate{
		Direction:  Buy,
		OptionType: market.Put,
		Confidence: confidence,
		Rationale: fmt.Sprintf("RSI %.1f at or above %.0f with MACD histogram %+.2f turning down%s",
			t.RSI, cfg.Overbought, t.MACDHist, pcrNote(pcr)),
	}, true
}

func macdStrength(t market.Technicals) float64 {
	ref := math.Max(math.Abs(t.MACD), math.Abs(t.MACDSignal))
	if ref == 0 {
		return 20
	}
	return math.Min(math.Abs(t.MACDHist)/ref, 1) * 20
}

// pcrConfirmation: a high put/call OI ratio supports upside, a low one
// supports downside.
func pcrConfirmation(pcr float64, bullish bool) float64 {
	switch {
	case pcr == 0:
		return 0
	case pcr >= 1.2:
		if bullish {
			return 10
		}
		return -10
	case pcr <= 0.8:
		if bullish {
			return -10
		}
		return 10
	}
	return 0
}

func pcrNote(pcr float64) string {
	if pcr == 0 {
		return ""
	}
	return fmt.Sprintf("; PCR %.2f", pcr)
}
