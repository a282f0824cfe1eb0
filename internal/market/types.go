// Package market holds the canonical value types exchanged between the
// session, feed, poller and analytics packages.
package market

import (
	"fmt"
	"strings"
	"time"
)

// AuthSession is the broker session. It is valid only when all three tokens
// are present.
type AuthSession struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	FeedToken    string    `json:"-"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Complete reports whether every token is set.
func (s AuthSession) Complete() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && s.FeedToken != ""
}

// Expired reports whether the session carries an expiry that has passed.
func (s AuthSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Quote is an immutable last-traded-price snapshot for one instrument.
type Quote struct {
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	SymbolToken   string    `json:"symbol_token"`
	LastPrice     float64   `json:"last_price"`
	NetChange     float64   `json:"net_change"`
	PercentChange float64   `json:"percent_change"`
	Timestamp     time.Time `json:"timestamp"`
}

// QuoteKey identifies a quote series in canonical state.
type QuoteKey struct {
	Exchange    string
	SymbolToken string
}

func (k QuoteKey) String() string { return k.Exchange + ":" + k.SymbolToken }

// Key returns the merge key of the quote.
func (q Quote) Key() QuoteKey {
	return QuoteKey{Exchange: q.Exchange, SymbolToken: q.SymbolToken}
}

// Candle is one OHLCV bar from the historical endpoint.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// OptionType is CE (call) or PE (put).
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// ParseOptionType accepts CE/PE and CALL/PUT in any case.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CE", "CALL":
		return Call, nil
	case "PE", "PUT":
		return Put, nil
	}
	return "", fmt.Errorf("unknown option type %q", s)
}

// Contract identifies one option series.
type Contract struct {
	Instrument string     `json:"instrument"`
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"option_type"`
}

func (c Contract) String() string {
	return fmt.Sprintf("%s %.0f %s", c.Instrument, c.Strike, c.OptionType)
}

// ContractQuote is the latest premium for one contract.
type ContractQuote struct {
	Contract
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Technicals is the indicator set refreshed from historical candles.
type Technicals struct {
	Instrument string    `json:"instrument"`
	RSI        float64   `json:"rsi"`
	MACD       float64   `json:"macd"`
	MACDSignal float64   `json:"macd_signal"`
	MACDHist   float64   `json:"macd_hist"`
	Volatility float64   `json:"volatility"`
	Trend      string    `json:"trend"`
	Timestamp  time.Time `json:"timestamp"`
}

// Instrument is one watch-list entry: the index plus its option series.
type Instrument struct {
	Name           string  `yaml:"name" json:"name"`
	Exchange       string  `yaml:"exchange" json:"exchange"`
	Symbol         string  `yaml:"symbol" json:"symbol"`
	SymbolToken    string  `yaml:"symbol_token" json:"symbol_token"`
	Expiry         string  `yaml:"expiry" json:"expiry"`
	StrikeInterval float64 `yaml:"strike_interval" json:"strike_interval"`
}

// QuoteKey returns the merge key for the index quote.
func (i Instrument) QuoteKey() QuoteKey {
	return QuoteKey{Exchange: i.Exchange, SymbolToken: i.SymbolToken}
}
