package optionchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
)

func TestNormalize_SortsAndDefaults(t *testing.T) {
	raw := []RawRecord{
		{StrikePrice: 19700.0, CE: map[string]any{"lastPrice": "58.8"}, PE: map[string]any{"lastPrice": "40.1"}},
		{StrikePrice: 19650.0, CE: map[string]any{"lastPrice": "92.3"}},
	}

	got := Normalize(raw)
	require.Len(t, got, 2)

	assert.Equal(t, 19650.0, got[0].Strike)
	assert.Equal(t, 92.3, got[0].CallPrice)
	assert.Zero(t, got[0].PutPrice)
	assert.Zero(t, got[0].PutChange)
	assert.Zero(t, got[0].PutOpenInterest)
	assert.Zero(t, got[0].PutImpliedVol)

	assert.Equal(t, 19700.0, got[1].Strike)
	assert.Equal(t, 58.8, got[1].CallPrice)
	assert.Equal(t, 40.1, got[1].PutPrice)
}

func TestNormalize_Records(t *testing.T) {
	tests := []struct {
		name    string
		raw     []RawRecord
		strikes []float64
		check   func(t *testing.T, got []Entry)
	}{
		{
			name:    "empty input",
			raw:     nil,
			strikes: []float64{},
		},
		{
			name: "missing strike dropped",
			raw: []RawRecord{
				{CE: map[string]any{"lastPrice": 10.0}},
				{StrikePrice: 100.0},
			},
			strikes: []float64{100},
		},
		{
			name: "unparseable strike dropped",
			raw: []RawRecord{
				{StrikePrice: "abc"},
				{StrikePrice: map[string]any{}},
				{StrikePrice: "200"},
			},
			strikes: []float64{200},
		},
		{
			name: "duplicate strike keeps last occurrence",
			raw: []RawRecord{
				{StrikePrice: 100.0, CE: map[string]any{"lastPrice": 1.0}},
				{StrikePrice: 50.0},
				{StrikePrice: "100", CE: map[string]any{"lastPrice": 2.0}},
			},
			strikes: []float64{50, 100},
			check: func(t *testing.T, got []Entry) {
				assert.Equal(t, 2.0, got[1].CallPrice)
			},
		},
		{
			name: "garbage numeric fields default to zero",
			raw: []RawRecord{
				{StrikePrice: 100.0, CE: map[string]any{"lastPrice": "n/a", "openInterest": true, "iv": "NaN"}},
			},
			strikes: []float64{100},
			check: func(t *testing.T, got []Entry) {
				assert.Zero(t, got[0].CallPrice)
				assert.Zero(t, got[0].CallOpenInterest)
				assert.Zero(t, got[0].CallImpliedVol)
			},
		},
		{
			name: "aliases accepted",
			raw: []RawRecord{
				{StrikePrice: 100.0, PE: map[string]any{"ltp": 3.5, "netChange": -1.0, "oi": 1200.0, "impliedVolatility": "14.2"}},
			},
			strikes: []float64{100},
			check: func(t *testing.T, got []Entry) {
				assert.Equal(t, 3.5, got[0].PutPrice)
				assert.Equal(t, -1.0, got[0].PutChange)
				assert.Equal(t, 1200.0, got[0].PutOpenInterest)
				assert.Equal(t, 14.2, got[0].PutImpliedVol)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw)
			strikes := make([]float64, 0, len(got))
			for _, e := range got {
				strikes = append(strikes, e.Strike)
			}
			assert.Equal(t, tt.strikes, strikes)
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := []RawRecord{
		{StrikePrice: 300.0, CE: map[string]any{"lastPrice": 1.0}},
		{StrikePrice: 100.0, PE: map[string]any{"lastPrice": "2"}},
		{StrikePrice: 200.0},
		{StrikePrice: 100.0, PE: map[string]any{"lastPrice": "4"}},
		{StrikePrice: nil},
	}

	first := Normalize(raw)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Normalize(raw))
	}
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].Strike, first[i].Strike, "strikes must be unique and ascending")
	}
}

func TestDecode(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		recs, err := Decode([]byte(`[{"strikePrice":19700,"CE":{"lastPrice":"58.8"}}]`))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, 58.8, Normalize(recs)[0].CallPrice)
	})

	t.Run("envelope", func(t *testing.T) {
		recs, err := Decode([]byte(`{"status":true,"message":"SUCCESS","data":[{"strikePrice":"100"},{"strikePrice":50}]}`))
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("envelope without data", func(t *testing.T) {
		recs, err := Decode([]byte(`{"status":true,"data":null}`))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("rejected envelope", func(t *testing.T) {
		_, err := Decode([]byte(`{"status":false,"message":"Invalid Token"}`))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := Decode([]byte(`<html>`))
		assert.Error(t, err)
		_, err = Decode(nil)
		assert.Error(t, err)
	})
}

func TestChain_Lookups(t *testing.T) {
	fetched := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	c := New("NIFTY", "30OCT2026", []RawRecord{
		{StrikePrice: 19600.0, CE: map[string]any{"lastPrice": 120.0, "oi": 1000.0}, PE: map[string]any{"lastPrice": 20.0, "oi": 3000.0}},
		{StrikePrice: 19650.0, CE: map[string]any{"lastPrice": 92.3, "oi": 1000.0}},
		{StrikePrice: 19700.0, PE: map[string]any{"lastPrice": 40.1, "oi": 1000.0}},
	}, fetched)

	atm, ok := c.ATM(19660)
	require.True(t, ok)
	assert.Equal(t, 19650.0, atm.Strike)

	atm, ok = c.ATM(19675)
	require.True(t, ok)
	assert.Equal(t, 19650.0, atm.Strike, "ties go to the lower strike")

	e, ok := c.At(19700)
	require.True(t, ok)
	assert.Equal(t, 40.1, e.Premium(market.Put))
	_, ok = c.At(19725)
	assert.False(t, ok)

	assert.InDelta(t, 2.0, c.PutCallRatio(), 1e-9)

	quotes := c.ContractQuotes()
	require.Len(t, quotes, 4)
	assert.Equal(t, market.Contract{Instrument: "NIFTY", Strike: 19600, OptionType: market.Call}, quotes[0].Contract)
	assert.Equal(t, fetched, quotes[0].Timestamp)

	_, ok = Chain{}.ATM(100)
	assert.False(t, ok)

	clone := c.Clone()
	clone.Entries[0].CallPrice = 1
	assert.Equal(t, 120.0, c.Entries[0].CallPrice)
}
