package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "demo", c.Broker.Provider)
	assert.Equal(t, 5*time.Second, c.Poller.QuoteInterval())
	assert.Equal(t, 10*time.Second, c.Poller.ChainInterval())
	assert.Equal(t, 10*time.Second, c.Poller.TechnicalsInterval())
	assert.Equal(t, 4*time.Second, c.Poller.FetchTimeout())
	assert.Equal(t, 30*time.Second, c.Poller.BackoffMax())
	assert.Len(t, c.Instruments, 2)
	assert.Equal(t, "99926000", c.Instruments[0].SymbolToken)
	assert.Equal(t, 50000.0, c.Risk.MaxPositionSize)
	assert.Equal(t, 20.0, c.Risk.StopLossPercent)
	assert.Equal(t, 10000.0, c.Risk.MaxDayLoss)
	assert.Equal(t, 5, c.Risk.MaxOpenPositions)
	assert.Equal(t, 50.0, c.Signals.MinConfidence)
	assert.Equal(t, "file", c.Session.Store)
	assert.Equal(t, ":8090", c.Server.Addr)
	assert.Empty(t, c.Journal.Path, "journal is opt-in")
	assert.Equal(t, 24*time.Hour, c.Journal.DedupeWindow())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "dashboard.yaml", `
broker:
  provider: Angel
  api_key: from-file
poller:
  quote_interval_ms: 2000
instruments:
  - name: FINNIFTY
    symbol: NIFTY FIN SERVICE
    symbol_token: "99926037"
    expiry: 28OCT2026
signals:
  oversold: 35
  expiry: 45m
risk:
  max_day_loss: 5000
session:
  store: sqlite
server:
  addr: ":9000"
`)
	t.Setenv("ANGEL_API_KEY", "from-env")
	t.Setenv("ANGEL_CLIENT_CODE", "C1")
	t.Setenv("DASHBOARD_ADDR", "127.0.0.1:9100")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "angel", c.Broker.Provider)
	assert.Equal(t, "from-env", c.Broker.APIKey)
	assert.Equal(t, "C1", c.Broker.ClientCode)
	assert.Equal(t, "127.0.0.1:9100", c.Server.Addr)
	assert.Equal(t, 2*time.Second, c.Poller.QuoteInterval())
	assert.Equal(t, 10*time.Second, c.Poller.ChainInterval())
	require.Len(t, c.Instruments, 1)
	assert.Equal(t, "NSE", c.Instruments[0].Exchange)
	assert.Equal(t, 50.0, c.Instruments[0].StrikeInterval)
	assert.Equal(t, "28OCT2026", c.Instruments[0].Expiry)
	assert.Equal(t, 35.0, c.Signals.Oversold)
	assert.Equal(t, 45*time.Minute, c.Signals.Expiry)
	assert.Equal(t, 5000.0, c.Risk.MaxDayLoss)
	assert.Equal(t, 50000.0, c.Risk.MaxPositionSize)
	assert.Equal(t, "data/session.db", c.Session.Path)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"angel without key":  "broker:\n  provider: angel\n",
		"unknown provider":   "broker:\n  provider: zerodha\n",
		"unknown store":      "session:\n  store: redis\n",
		"duplicate":          "instruments:\n  - {name: NIFTY, symbol_token: '1'}\n  - {name: NIFTY, symbol_token: '2'}\n",
		"missing token":      "instruments:\n  - {name: NIFTY}\n",
		"inverted rsi bands": "signals:\n  oversold: 70\n  overbought: 30\n",
		"bad stop loss":      "risk:\n  stop_loss_percent: 150\n",
		"not yaml":           "broker: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("ANGEL_API_KEY", "")
			_, err := Load(writeFile(t, "c.yaml", body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	path := writeFile(t, ".env", "ANGEL_CLIENT_CODE=FROMDOTENV\n")
	t.Setenv("ANGEL_CLIENT_CODE", "")
	os.Unsetenv("ANGEL_CLIENT_CODE")

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "FROMDOTENV", os.Getenv("ANGEL_CLIENT_CODE"))
}

func TestLoad_ExampleFile(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "demo", c.Broker.Provider)
	assert.Len(t, c.Instruments, 2)
	assert.Equal(t, 30*time.Minute, c.Signals.Expiry)
	assert.Equal(t, "data/journal.jsonl", c.Journal.Path)
	assert.Equal(t, 70.0, c.Alerts.MinConfidence)
}
