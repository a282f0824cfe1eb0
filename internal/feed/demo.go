package feed

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

// DemoClient is the demo data provider. It serves a seeded random walk
// around fixed base prices so every downstream component can run without a
// broker account. Data calls do not require a session.
type DemoClient struct {
	mu     sync.Mutex
	random *rand.Rand
	series map[string]*demoSeries // symbol token -> series
	names  map[string]string      // chain name -> symbol token
	now    func() time.Time
}

type demoSeries struct {
	Name           string
	Symbol         string
	Price          float64
	PrevClose      float64
	Volatility     float64 // daily, as a fraction
	StrikeInterval float64
}

// NewDemoClient creates a demo provider. The same seed yields the same
// sequence of values.
func NewDemoClient(seed int64) *DemoClient {
	d := &DemoClient{
		random: rand.New(rand.NewSource(seed)),
		series: map[string]*demoSeries{},
		names:  map[string]string{},
		now:    time.Now,
	}
	d.AddInstrument(market.Instrument{Name: "NIFTY", Symbol: "NIFTY 50", SymbolToken: "99926000", StrikeInterval: 50}, 19650, 0.011)
	d.AddInstrument(market.Instrument{Name: "BANKNIFTY", Symbol: "NIFTY BANK", SymbolToken: "99926009", StrikeInterval: 100}, 44850, 0.014)
	return d
}

// AddInstrument registers or replaces a simulated instrument.
func (d *DemoClient) AddInstrument(inst market.Instrument, basePrice, dailyVol float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	interval := inst.StrikeInterval
	if interval <= 0 {
		interval = 50
	}
	d.series[inst.SymbolToken] = &demoSeries{
		Name:           inst.Name,
		Symbol:         inst.Symbol,
		Price:          basePrice,
		PrevClose:      basePrice,
		Volatility:     dailyVol,
		StrikeInterval: interval,
	}
	d.names[inst.Name] = inst.SymbolToken
}

// Authenticate accepts any non-empty credentials and issues random tokens.
func (d *DemoClient) Authenticate(ctx context.Context, creds Credentials) (market.AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return market.AuthSession{}, newError(ErrUpstreamUnavailable, "login", "cancelled", err)
	}
	if creds.ClientCode == "" || creds.Password == "" || creds.TOTP == "" {
		return market.AuthSession{}, newError(ErrInvalidCredentials, "login", "client code, password and totp are required", nil)
	}
	return d.issue(""), nil
}

func (d *DemoClient) RefreshSession(ctx context.Context, current market.AuthSession) (market.AuthSession, error) {
	if !current.Complete() {
		return market.AuthSession{}, newError(ErrUnauthenticated, "refresh", "no session to refresh", nil)
	}
	return d.issue(current.FeedToken), nil
}

func (d *DemoClient) issue(feedToken string) market.AuthSession {
	if feedToken == "" {
		feedToken = "demo-feed-" + uuid.NewString()
	}
	return market.AuthSession{
		AccessToken:  "demo-access-" + uuid.NewString(),
		RefreshToken: "demo-refresh-" + uuid.NewString(),
		FeedToken:    feedToken,
		IssuedAt:     d.now(),
	}
}

// GetQuote advances the walk by one step and returns the new price.
func (d *DemoClient) GetQuote(ctx context.Context, req QuoteRequest) (market.Quote, error) {
	if err := ctx.Err(); err != nil {
		return market.Quote{}, newError(ErrUpstreamUnavailable, "quote", "cancelled", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.series[req.SymbolToken]
	if !ok {
		return market.Quote{}, newError(ErrMalformedResponse, "quote", "symbol not supported by demo provider: "+req.SymbolToken, nil)
	}
	s.Price = roundToTick(s.Price*(1+d.step(s.Volatility)), 0.05)
	change := s.Price - s.PrevClose
	return market.Quote{
		Exchange:      req.Exchange,
		Symbol:        s.Symbol,
		SymbolToken:   req.SymbolToken,
		LastPrice:     s.Price,
		NetChange:     change,
		PercentChange: change / s.PrevClose * 100,
		Timestamp:     d.now(),
	}, nil
}

// GetOptionChain prices ten strikes either side of the current level with
// intrinsic value plus a decaying time value.
func (d *DemoClient) GetOptionChain(ctx context.Context, req ChainRequest) ([]optionchain.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ErrUpstreamUnavailable, "option_chain", "cancelled", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.series[d.names[req.Name]]
	if !ok {
		return nil, newError(ErrMalformedResponse, "option_chain", "instrument not supported by demo provider: "+req.Name, nil)
	}
	atm := math.Round(s.Price/s.StrikeInterval) * s.StrikeInterval
	records := make([]optionchain.RawRecord, 0, 21)
	for i := -10; i <= 10; i++ {
		strike := atm + float64(i)*s.StrikeInterval
		records = append(records, optionchain.RawRecord{
			StrikePrice: strike,
			CE:          d.leg(s, math.Max(0, s.Price-strike), strike),
			PE:          d.leg(s, math.Max(0, strike-s.Price), strike),
		})
	}
	return records, nil
}

func (d *DemoClient) leg(s *demoSeries, intrinsic, strike float64) map[string]any {
	moneyness := math.Abs(s.Price-strike) / s.Price
	timeValue := s.Price * 0.004 * math.Exp(-moneyness*100)
	price := roundToTick(intrinsic+timeValue*(0.9+0.2*d.random.Float64()), 0.05)
	if price < 0.05 {
		price = 0.05
	}
	return map[string]any{
		"lastPrice":         price,
		"change":            roundToTick(price*d.step(0.2), 0.05),
		"openInterest":      math.Round(50000 * math.Exp(-moneyness*60) * (0.5 + d.random.Float64())),
		"impliedVolatility": math.Round((12+moneyness*200+d.random.Float64()*2)*100) / 100,
	}
}

// GetCandles builds bars backwards from the current price so the series ends
// at the live level.
func (d *DemoClient) GetCandles(ctx context.Context, req CandleRequest) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ErrUpstreamUnavailable, "candles", "cancelled", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.series[req.SymbolToken]
	if !ok {
		return nil, newError(ErrMalformedResponse, "candles", "symbol not supported by demo provider: "+req.SymbolToken, nil)
	}
	step := candleInterval(req.Interval)
	n := int(req.To.Sub(req.From) / step)
	if n <= 0 {
		return nil, nil
	}
	if n > 500 {
		n = 500
	}
	barVol := s.Volatility * math.Sqrt(step.Hours()/6.25)

	candles := make([]market.Candle, n)
	closePrice := s.Price
	for i := n - 1; i >= 0; i-- {
		open := closePrice / (1 + d.random.NormFloat64()*barVol)
		high := math.Max(open, closePrice) * (1 + math.Abs(d.random.NormFloat64())*barVol/2)
		low := math.Min(open, closePrice) * (1 - math.Abs(d.random.NormFloat64())*barVol/2)
		candles[i] = market.Candle{
			Time:   req.To.Add(-time.Duration(n-i) * step),
			Open:   roundToTick(open, 0.05),
			High:   roundToTick(high, 0.05),
			Low:    roundToTick(low, 0.05),
			Close:  roundToTick(closePrice, 0.05),
			Volume: math.Round(100000 * (0.7 + d.random.Float64()*0.6)),
		}
		closePrice = open
	}
	return candles, nil
}

// step draws a per-poll move from a daily volatility.
func (d *DemoClient) step(dailyVol float64) float64 {
	return d.random.NormFloat64() * dailyVol / math.Sqrt(375)
}

func candleInterval(name string) time.Duration {
	switch name {
	case "ONE_MINUTE":
		return time.Minute
	case "THREE_MINUTE":
		return 3 * time.Minute
	case "TEN_MINUTE":
		return 10 * time.Minute
	case "FIFTEEN_MINUTE":
		return 15 * time.Minute
	case "THIRTY_MINUTE":
		return 30 * time.Minute
	case "ONE_HOUR":
		return time.Hour
	case "ONE_DAY":
		return 24 * time.Hour
	}
	return 5 * time.Minute
}

func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}
