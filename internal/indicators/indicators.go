// Package indicators derives the technicals card (RSI, MACD, volatility,
// trend) from historical candles.
package indicators

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
)

// Params holds indicator periods. Zero values get the usual defaults.
type Params struct {
	RSIPeriod     int
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	PeriodsPerDay float64 // bars per trading day, for annualising volatility
}

const (
	TrendBullish = "Bullish"
	TrendBearish = "Bearish"
	TrendNeutral = "Neutral"

	tradingDays = 252
)

func (p Params) withDefaults() Params {
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = 14
	}
	if p.MACDFast <= 0 {
		p.MACDFast = 12
	}
	if p.MACDSlow <= 0 {
		p.MACDSlow = 26
	}
	if p.MACDSignal <= 0 {
		p.MACDSignal = 9
	}
	if p.PeriodsPerDay <= 0 {
		p.PeriodsPerDay = 75 // five-minute bars, 09:15 to 15:30
	}
	return p
}

// MinCandles is the number of bars Compute needs for p.
func (p Params) MinCandles() int {
	p = p.withDefaults()
	n := p.MACDSlow + p.MACDSignal
	if p.RSIPeriod+1 > n {
		n = p.RSIPeriod + 1
	}
	return n
}

// Compute returns the technicals for the closing prices of candles, which
// must be in time order. Too few candles is a malformed response.
func Compute(instrument string, candles []market.Candle, p Params, now time.Time) (market.Technicals, error) {
	p = p.withDefaults()
	if len(candles) < p.MinCandles() {
		return market.Technicals{}, &feed.Error{
			Kind:    feed.ErrMalformedResponse,
			Op:      "candles",
			Message: fmt.Sprintf("need %d candles for indicators, got %d", p.MinCandles(), len(candles)),
		}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		if c.Close <= 0 || math.IsNaN(c.Close) {
			return market.Technicals{}, &feed.Error{
				Kind:    feed.ErrMalformedResponse,
				Op:      "candles",
				Message: fmt.Sprintf("candle %d has close %v", i, c.Close),
			}
		}
		closes[i] = c.Close
	}

	rsi := last(talib.Rsi(closes, p.RSIPeriod))
	macd, signal, hist := talib.Macd(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)

	return market.Technicals{
		Instrument: instrument,
		RSI:        round2(rsi),
		MACD:       round2(last(macd)),
		MACDSignal: round2(last(signal)),
		MACDHist:   round2(last(hist)),
		Volatility: round2(Volatility(closes, p.PeriodsPerDay)),
		Trend:      Trend(rsi),
		Timestamp:  now,
	}, nil
}

// Trend labels an RSI reading.
func Trend(rsi float64) string {
	switch {
	case rsi > 60:
		return TrendBullish
	case rsi < 40:
		return TrendBearish
	}
	return TrendNeutral
}

// Volatility is the annualised standard deviation of log returns, in percent.
func Volatility(closes []float64, periodsPerDay float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	return stat.StdDev(returns, nil) * math.Sqrt(periodsPerDay*tradingDays) * 100
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
