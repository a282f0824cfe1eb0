package optionchain

import (
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
)

// Key identifies a chain in canonical state.
type Key struct {
	Instrument string
	Expiry     string
}

func (k Key) String() string { return k.Instrument + "@" + k.Expiry }

// Chain is the normalized chain for one (instrument, expiry).
type Chain struct {
	Instrument string    `json:"instrument"`
	Expiry     string    `json:"expiry"`
	Entries    []Entry   `json:"entries"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// New normalizes raw records into a chain.
func New(instrument, expiry string, raw []RawRecord, fetchedAt time.Time) Chain {
	return Chain{
		Instrument: instrument,
		Expiry:     expiry,
		Entries:    Normalize(raw),
		FetchedAt:  fetchedAt,
	}
}

func (c Chain) Key() Key { return Key{Instrument: c.Instrument, Expiry: c.Expiry} }

// Clone returns a copy that shares no memory with c.
func (c Chain) Clone() Chain {
	out := c
	out.Entries = append([]Entry(nil), c.Entries...)
	return out
}

// At returns the entry for an exact strike.
func (c Chain) At(strike float64) (Entry, bool) {
	i := sort.Search(len(c.Entries), func(i int) bool { return c.Entries[i].Strike >= strike })
	if i < len(c.Entries) && c.Entries[i].Strike == strike {
		return c.Entries[i], true
	}
	return Entry{}, false
}

// ATM returns the entry whose strike is closest to spot; ties go to the
// lower strike.
func (c Chain) ATM(spot float64) (Entry, bool) {
	if len(c.Entries) == 0 {
		return Entry{}, false
	}
	best := c.Entries[0]
	for _, e := range c.Entries[1:] {
		if math.Abs(e.Strike-spot) < math.Abs(best.Strike-spot) {
			best = e
		}
	}
	return best, true
}

// PutCallRatio is total put open interest over total call open interest.
func (c Chain) PutCallRatio() float64 {
	var calls, puts float64
	for _, e := range c.Entries {
		calls += e.CallOpenInterest
		puts += e.PutOpenInterest
	}
	if calls == 0 {
		return 0
	}
	return puts / calls
}

// ContractQuotes expands the chain into per-contract premiums. Legs without
// a price are skipped.
func (c Chain) ContractQuotes() []market.ContractQuote {
	out := make([]market.ContractQuote, 0, 2*len(c.Entries))
	for _, e := range c.Entries {
		if e.CallPrice > 0 {
			out = append(out, market.ContractQuote{
				Contract:  market.Contract{Instrument: c.Instrument, Strike: e.Strike, OptionType: market.Call},
				LastPrice: e.CallPrice,
				Timestamp: c.FetchedAt,
			})
		}
		if e.PutPrice > 0 {
			out = append(out, market.ContractQuote{
				Contract:  market.Contract{Instrument: c.Instrument, Strike: e.Strike, OptionType: market.Put},
				LastPrice: e.PutPrice,
				Timestamp: c.FetchedAt,
			})
		}
	}
	return out
}

// Premium returns the leg price of an entry for the given option type.
func (e Entry) Premium(t market.OptionType) float64 {
	if t == market.Put {
		return e.PutPrice
	}
	return e.CallPrice
}
