package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/risk"
	"github.com/Rajchodisetti/options-dashboard/internal/signals"
)

type Broker struct {
	Provider           string  `yaml:"provider"` // angel | demo
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	ClientCode         string  `yaml:"client_code"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	ClientLocalIP      string  `yaml:"client_local_ip"`
	ClientPublicIP     string  `yaml:"client_public_ip"`
	MACAddress         string  `yaml:"mac_address"`
	DemoSeed           int64   `yaml:"demo_seed"`
}

type Poller struct {
	QuoteIntervalMs      int    `yaml:"quote_interval_ms"`
	ChainIntervalMs      int    `yaml:"chain_interval_ms"`
	TechnicalsIntervalMs int    `yaml:"technicals_interval_ms"`
	FetchTimeoutMs       int    `yaml:"fetch_timeout_ms"`
	BackoffMinMs         int    `yaml:"backoff_min_ms"`
	BackoffMaxMs         int    `yaml:"backoff_max_ms"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"`
	CandleInterval       string `yaml:"candle_interval"`
	CandleLookbackHours  int    `yaml:"candle_lookback_hours"`
}

type Session struct {
	Store          string `yaml:"store"` // file | sqlite | memory
	Path           string `yaml:"path"`
	LoginTimeoutMs int    `yaml:"login_timeout_ms"`
}

type Portfolio struct {
	StatePath string `yaml:"state_path"`
}

// Journal is disabled when Path is empty.
type Journal struct {
	Path           string `yaml:"path"`
	DedupeWindowMs int    `yaml:"dedupe_window_ms"`
}

// Alerts is disabled when SlackWebhookURL is empty.
type Alerts struct {
	SlackWebhookURL string  `yaml:"slack_webhook_url"`
	Channel         string  `yaml:"channel"`
	RateLimitPerMin int     `yaml:"rate_limit_per_min"`
	MinConfidence   float64 `yaml:"min_confidence"`
}

type Server struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Schedule struct {
	SessionExpiry string `yaml:"session_expiry"`
	DayReset      string `yaml:"day_reset"`
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Root struct {
	Broker      Broker              `yaml:"broker"`
	Poller      Poller              `yaml:"poller"`
	Instruments []market.Instrument `yaml:"instruments"`
	Signals     signals.Config      `yaml:"signals"`
	Risk        risk.Limits         `yaml:"risk"`
	Session     Session             `yaml:"session"`
	Portfolio   Portfolio           `yaml:"portfolio"`
	Journal     Journal             `yaml:"journal"`
	Alerts      Alerts              `yaml:"alerts"`
	Server      Server              `yaml:"server"`
	Schedule    Schedule            `yaml:"schedule"`
	Log         Log                 `yaml:"log"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults. An empty path yields the defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Root) applyEnv() {
	if v := os.Getenv("ANGEL_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("ANGEL_CLIENT_CODE"); v != "" {
		c.Broker.ClientCode = v
	}
	if v := os.Getenv("DASHBOARD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerts.SlackWebhookURL = v
	}
}

func (c *Root) applyDefaults() {
	c.Broker.Provider = strings.ToLower(strings.TrimSpace(c.Broker.Provider))
	if c.Broker.Provider == "" {
		c.Broker.Provider = "demo"
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 4000
	}
	if c.Broker.RateLimitPerSecond == 0 {
		c.Broker.RateLimitPerSecond = 3
	}
	if c.Broker.DemoSeed == 0 {
		c.Broker.DemoSeed = 1
	}

	// Poll cadences
	if c.Poller.QuoteIntervalMs == 0 {
		c.Poller.QuoteIntervalMs = 5000
	}
	if c.Poller.ChainIntervalMs == 0 {
		c.Poller.ChainIntervalMs = 10000
	}
	if c.Poller.TechnicalsIntervalMs == 0 {
		c.Poller.TechnicalsIntervalMs = 10000
	}
	if c.Poller.FetchTimeoutMs == 0 {
		c.Poller.FetchTimeoutMs = 4000
	}
	if c.Poller.BackoffMinMs == 0 {
		c.Poller.BackoffMinMs = 1000
	}
	if c.Poller.BackoffMaxMs == 0 {
		c.Poller.BackoffMaxMs = 30000
	}
	if c.Poller.MaxConsecutiveErrors == 0 {
		c.Poller.MaxConsecutiveErrors = 5
	}
	if c.Poller.CandleInterval == "" {
		c.Poller.CandleInterval = "FIVE_MINUTE"
	}
	if c.Poller.CandleLookbackHours == 0 {
		c.Poller.CandleLookbackHours = 72
	}

	if len(c.Instruments) == 0 {
		c.Instruments = DefaultInstruments()
	}
	for i := range c.Instruments {
		if c.Instruments[i].Exchange == "" {
			c.Instruments[i].Exchange = "NSE"
		}
		if c.Instruments[i].StrikeInterval == 0 {
			c.Instruments[i].StrikeInterval = 50
		}
	}

	if c.Signals.MinConfidence == 0 {
		c.Signals.MinConfidence = 50
	}

	defaults := risk.DefaultLimits()
	if c.Risk.MaxPositionSize == 0 {
		c.Risk.MaxPositionSize = defaults.MaxPositionSize
	}
	if c.Risk.StopLossPercent == 0 {
		c.Risk.StopLossPercent = defaults.StopLossPercent
	}
	if c.Risk.MaxDayLoss == 0 {
		c.Risk.MaxDayLoss = defaults.MaxDayLoss
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = defaults.MaxOpenPositions
	}

	if c.Session.Store == "" {
		c.Session.Store = "file"
	}
	if c.Session.Path == "" {
		switch c.Session.Store {
		case "sqlite":
			c.Session.Path = "data/session.db"
		default:
			c.Session.Path = "data/session.bin"
		}
	}
	if c.Session.LoginTimeoutMs == 0 {
		c.Session.LoginTimeoutMs = 10000
	}

	if c.Journal.DedupeWindowMs == 0 {
		c.Journal.DedupeWindowMs = 24 * 60 * 60 * 1000
	}

	if c.Alerts.RateLimitPerMin == 0 {
		c.Alerts.RateLimitPerMin = 20
	}
	if c.Alerts.MinConfidence == 0 {
		c.Alerts.MinConfidence = 70
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if c.Schedule.SessionExpiry == "" {
		c.Schedule.SessionExpiry = "CRON_TZ=Asia/Kolkata 0 0 * * *"
	}
	if c.Schedule.DayReset == "" {
		c.Schedule.DayReset = "CRON_TZ=Asia/Kolkata 15 9 * * 1-5"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the dashboard cannot run with.
func (c Root) Validate() error {
	switch c.Broker.Provider {
	case "demo":
	case "angel":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key (or ANGEL_API_KEY) is required for provider angel")
		}
	default:
		return fmt.Errorf("unknown broker.provider %q", c.Broker.Provider)
	}
	switch c.Session.Store {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown session.store %q", c.Session.Store)
	}
	seen := map[string]bool{}
	for _, inst := range c.Instruments {
		if inst.Name == "" || inst.SymbolToken == "" {
			return fmt.Errorf("instrument needs name and symbol_token: %+v", inst)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instrument %q", inst.Name)
		}
		seen[inst.Name] = true
	}
	if c.Signals.Oversold != 0 && c.Signals.Overbought != 0 && c.Signals.Oversold >= c.Signals.Overbought {
		return fmt.Errorf("signals.oversold (%v) must be below signals.overbought (%v)", c.Signals.Oversold, c.Signals.Overbought)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

// DefaultInstruments is the index watch-list: NIFTY 50 and NIFTY BANK.
func DefaultInstruments() []market.Instrument {
	return []market.Instrument{
		{Name: "NIFTY", Exchange: "NSE", Symbol: "NIFTY 50", SymbolToken: "99926000", StrikeInterval: 50},
		{Name: "BANKNIFTY", Exchange: "NSE", Symbol: "NIFTY BANK", SymbolToken: "99926009", StrikeInterval: 100},
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (b Broker) Timeout() time.Duration { return ms(b.TimeoutMs) }

func (p Poller) QuoteInterval() time.Duration      { return ms(p.QuoteIntervalMs) }
func (p Poller) ChainInterval() time.Duration      { return ms(p.ChainIntervalMs) }
func (p Poller) TechnicalsInterval() time.Duration { return ms(p.TechnicalsIntervalMs) }
func (p Poller) FetchTimeout() time.Duration       { return ms(p.FetchTimeoutMs) }
func (p Poller) BackoffMin() time.Duration         { return ms(p.BackoffMinMs) }
func (p Poller) BackoffMax() time.Duration         { return ms(p.BackoffMaxMs) }
func (p Poller) CandleLookback() time.Duration     { return time.Duration(p.CandleLookbackHours) * time.Hour }

func (s Session) LoginTimeout() time.Duration { return ms(s.LoginTimeoutMs) }

func (j Journal) DedupeWindow() time.Duration { return ms(j.DedupeWindowMs) }
