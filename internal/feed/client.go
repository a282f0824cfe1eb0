// Package feed is the typed RPC boundary to the broker. A Client never
// mutates canonical state and never retries; pacing and retry belong to the
// poller.
package feed

import (
	"context"
	"time"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

// Credentials are forwarded to the broker on login and never stored.
type Credentials struct {
	ClientCode string
	Password   string
	TOTP       string
}

type QuoteRequest struct {
	Exchange    string
	Symbol      string
	SymbolToken string
}

type ChainRequest struct {
	Name   string
	Expiry string
}

type CandleRequest struct {
	Exchange    string
	SymbolToken string
	Interval    string // ONE_MINUTE, FIVE_MINUTE, ONE_DAY ...
	From        time.Time
	To          time.Time
}

// SessionSource supplies the current session for authenticated calls.
type SessionSource interface {
	CurrentSession() (market.AuthSession, bool)
}

// Client is implemented by the live broker client and the demo provider.
type Client interface {
	Authenticate(ctx context.Context, creds Credentials) (market.AuthSession, error)
	RefreshSession(ctx context.Context, current market.AuthSession) (market.AuthSession, error)
	GetQuote(ctx context.Context, req QuoteRequest) (market.Quote, error)
	GetOptionChain(ctx context.Context, req ChainRequest) ([]optionchain.RawRecord, error)
	GetCandles(ctx context.Context, req CandleRequest) ([]market.Candle, error)
}

// NoSession is a SessionSource that never has a session.
type NoSession struct{}

func (NoSession) CurrentSession() (market.AuthSession, bool) { return market.AuthSession{}, false }

// SessionFunc adapts a function to SessionSource.
type SessionFunc func() (market.AuthSession, bool)

func (f SessionFunc) CurrentSession() (market.AuthSession, bool) { return f() }
