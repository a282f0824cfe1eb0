package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
)

func series(n int, next func(i int) float64) []market.Candle {
	start := time.Date(2026, 10, 16, 9, 15, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		c := next(i)
		out[i] = market.Candle{Time: start.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestTrend(t *testing.T) {
	tests := []struct {
		rsi  float64
		want string
	}{
		{75, TrendBullish},
		{60.01, TrendBullish},
		{60, TrendNeutral},
		{50, TrendNeutral},
		{40, TrendNeutral},
		{39.9, TrendBearish},
		{0, TrendBearish},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Trend(tt.rsi), "rsi %v", tt.rsi)
	}
}

func TestCompute_RisingAndFalling(t *testing.T) {
	now := time.Date(2026, 10, 16, 15, 30, 0, 0, time.UTC)

	up, err := Compute("NIFTY", series(60, func(i int) float64 { return 19000 + float64(i)*10 }), Params{}, now)
	require.NoError(t, err)
	assert.Equal(t, "NIFTY", up.Instrument)
	assert.Greater(t, up.RSI, 60.0)
	assert.Equal(t, TrendBullish, up.Trend)
	assert.Greater(t, up.MACD, 0.0)
	assert.Equal(t, now, up.Timestamp)

	down, err := Compute("NIFTY", series(60, func(i int) float64 { return 20000 - float64(i)*10 }), Params{}, now)
	require.NoError(t, err)
	assert.Less(t, down.RSI, 40.0)
	assert.Equal(t, TrendBearish, down.Trend)
	assert.Less(t, down.MACD, 0.0)
}

func TestCompute_InsufficientCandles(t *testing.T) {
	p := Params{}
	_, err := Compute("NIFTY", series(p.MinCandles()-1, func(int) float64 { return 100 }), p, time.Now())
	assert.ErrorIs(t, err, feed.ErrMalformedResponse)

	_, err = Compute("NIFTY", series(40, func(i int) float64 {
		if i == 10 {
			return 0
		}
		return 100
	}), p, time.Now())
	assert.ErrorIs(t, err, feed.ErrMalformedResponse)
}

func TestVolatility(t *testing.T) {
	constant := make([]float64, 30)
	for i := range constant {
		constant[i] = 100 * math.Pow(1.01, float64(i))
	}
	assert.InDelta(t, 0, Volatility(constant, 75), 1e-9)

	choppy := []float64{100, 102, 100, 102, 100, 102}
	assert.Greater(t, Volatility(choppy, 75), 0.0)
	assert.Zero(t, Volatility([]float64{100, 101}, 75))
}

func TestMinCandles(t *testing.T) {
	assert.Equal(t, 35, Params{}.MinCandles())
	assert.Equal(t, 51, Params{RSIPeriod: 50}.MinCandles())
}
