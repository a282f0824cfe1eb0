package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-dashboard/internal/config"
	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/journal"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
	"github.com/Rajchodisetti/options-dashboard/internal/poller"
	"github.com/Rajchodisetti/options-dashboard/internal/session"
)

func testConfig(t *testing.T) config.Root {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Poller.QuoteIntervalMs = 20
	cfg.Poller.ChainIntervalMs = 20
	cfg.Poller.TechnicalsIntervalMs = 20
	cfg.Poller.BackoffMaxMs = 50
	return cfg
}

// rejectingClient is the demo provider with a switch that makes every
// data call fail the way the broker rejects an expired token.
type rejectingClient struct {
	*feed.DemoClient
	reject atomic.Bool
}

func (c *rejectingClient) GetQuote(ctx context.Context, req feed.QuoteRequest) (market.Quote, error) {
	if c.reject.Load() {
		return market.Quote{}, &feed.Error{Kind: feed.ErrUnauthenticated, Op: "quote", Message: "AG8001 invalid token"}
	}
	return c.DemoClient.GetQuote(ctx, req)
}

// emptyChainClient is the demo provider whose option chain can be switched
// to an empty reply.
type emptyChainClient struct {
	*feed.DemoClient
	empty atomic.Bool
}

func (c *emptyChainClient) GetOptionChain(ctx context.Context, req feed.ChainRequest) ([]optionchain.RawRecord, error) {
	if c.empty.Load() {
		return nil, nil
	}
	return c.DemoClient.GetOptionChain(ctx, req)
}

func TestDashboard_DemoPipeline(t *testing.T) {
	d, err := New(Options{Config: testConfig(t), Store: &session.MemoryStore{}})
	require.NoError(t, err)

	var updates int32
	unsubscribe := d.Subscribe(func() { atomic.AddInt32(&updates, 1) })
	defer unsubscribe()

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	assert.Error(t, d.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool {
		s := d.Snapshot()
		return len(s.Quotes) == 2 && len(s.Chains) == 2 && len(s.Technicals) == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{
		"option_chain/BANKNIFTY", "option_chain/NIFTY",
		"quote/BANKNIFTY", "quote/NIFTY",
		"technicals/BANKNIFTY", "technicals/NIFTY",
	}, d.FeedNames())
	assert.Greater(t, atomic.LoadInt32(&updates), int32(0))

	snap := d.Snapshot()
	assert.Equal(t, "demo", snap.Provider)
	assert.False(t, snap.Session.Authenticated, "demo data needs no session")
	for name, h := range snap.Feeds {
		assert.NotEqual(t, poller.StatusStale, h.Status, name)
	}
	tech := snap.Technicals["NIFTY"]
	assert.Contains(t, []string{"Bullish", "Bearish", "Neutral"}, tech.Trend)
	assert.GreaterOrEqual(t, snap.Risk.RiskScore, 0.0)
	assert.Equal(t, 10000.0, snap.Risk.SuggestedPositionSize)
}

func TestDashboard_PositionsFollowChain(t *testing.T) {
	d, err := New(Options{Config: testConfig(t), Store: &session.MemoryStore{}})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		_, ok := d.Chain("NIFTY")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	chain, _ := d.Chain("NIFTY")
	quote, ok := d.poller.State().Quote(d.cfg.Instruments[0].QuoteKey())
	require.True(t, ok)
	atm, ok := chain.ATM(quote.LastPrice)
	require.True(t, ok)

	c := market.Contract{Instrument: "NIFTY", Strike: atm.Strike, OptionType: market.Call}
	p, err := d.OpenPosition(c, 50, 1)
	require.NoError(t, err)

	// the position is marked to the chain immediately
	views := d.Positions()
	require.Len(t, views, 1)
	assert.NotEqual(t, 1.0, views[0].LastPrice)
	assert.Equal(t, 1, d.Portfolio().OpenCount)
	assert.Equal(t, 1, d.Risk().OpenPositionCount)

	_, err = d.OpenPosition(market.Contract{Instrument: "NIFTY", Strike: atm.Strike, OptionType: "XX"}, 1, 1)
	assert.Error(t, err)

	closed, err := d.ClosePosition(p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, p.ID, closed.ID)
	assert.Zero(t, d.Portfolio().OpenCount)
	assert.NotZero(t, d.Portfolio().RealizedToday)

	require.NoError(t, d.ResetDay())
	assert.Zero(t, d.Portfolio().RealizedToday)
}

func TestDashboard_EmptyChainKeepsLastKnown(t *testing.T) {
	client := &emptyChainClient{DemoClient: feed.NewDemoClient(5)}
	d, err := New(Options{Config: testConfig(t), Client: client, Store: &session.MemoryStore{}})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		c, ok := d.Chain("NIFTY")
		return ok && len(c.Entries) > 0
	}, 5*time.Second, 20*time.Millisecond)
	before, _ := d.Chain("NIFTY")

	client.empty.Store(true)
	require.Eventually(t, func() bool {
		h, ok := d.poller.Health()["option_chain/NIFTY"]
		return ok && h.ConsecutiveErrors >= 2
	}, 2*time.Second, 10*time.Millisecond)

	after, ok := d.Chain("NIFTY")
	require.True(t, ok)
	assert.Len(t, after.Entries, len(before.Entries))
	assert.Equal(t, before.FetchedAt, after.FetchedAt)
}

func TestDashboard_TokenRejectionInvalidatesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Provider = "angel"
	client := &rejectingClient{DemoClient: feed.NewDemoClient(3)}
	store := &session.MemoryStore{}

	d, err := New(Options{Config: cfg, Client: client, Store: store})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	// without a session the live feeds stay stale
	require.Eventually(t, func() bool {
		h, ok := d.poller.Health()["quote/NIFTY"]
		return ok && h.Status == poller.StatusStale
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, d.Snapshot().Quotes)

	require.NoError(t, d.Login(context.Background(), "C1", "p", "123456"))
	require.True(t, d.SessionStatus().Authenticated)
	require.Eventually(t, func() bool { return len(d.Snapshot().Quotes) == 2 }, 2*time.Second, 10*time.Millisecond)

	client.reject.Store(true)
	require.Eventually(t, func() bool { return !d.Sessions().Authenticated() }, 2*time.Second, 10*time.Millisecond)
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, session.ErrNotFound, "a rejected session is not kept for the next start")

	// last known values stay visible
	assert.Len(t, d.Snapshot().Quotes, 2)
}

func TestDashboard_RestoresPersistedSession(t *testing.T) {
	cfg := testConfig(t)
	store := &session.MemoryStore{}
	blob, err := session.Encode(market.AuthSession{AccessToken: "a", RefreshToken: "r", FeedToken: "f", IssuedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), blob))

	d, err := New(Options{Config: cfg, Store: store})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	st := d.SessionStatus()
	assert.True(t, st.Authenticated)
	assert.NotNil(t, st.IssuedAt)

	require.NoError(t, d.Logout(context.Background()))
	assert.False(t, d.SessionStatus().Authenticated)
}

func TestDashboard_JournalRecordsPositions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.jsonl")
	d, err := New(Options{Config: cfg, Store: &session.MemoryStore{}})
	require.NoError(t, err)
	defer d.Stop()

	p, err := d.OpenPosition(market.Contract{Instrument: "NIFTY", Strike: 19650, OptionType: market.Call}, 50, 100)
	require.NoError(t, err)
	_, err = d.ClosePosition(p.ID, 110)
	require.NoError(t, err)

	entries, err := d.Journal(time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.PositionOpened, entries[0].Type)
	assert.Equal(t, journal.PositionClosed, entries[1].Type)

	off, err := New(Options{Config: testConfig(t), Store: &session.MemoryStore{}})
	require.NoError(t, err)
	none, err := off.Journal(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDashboard_DayLossAlertNotifiesOnce(t *testing.T) {
	var posts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := testConfig(t)
	cfg.Alerts.SlackWebhookURL = hook.URL
	d, err := New(Options{Config: cfg, Store: &session.MemoryStore{}})
	require.NoError(t, err)
	defer d.Stop()

	for _, strike := range []float64{19600, 19700} {
		p, err := d.OpenPosition(market.Contract{Instrument: "NIFTY", Strike: strike, OptionType: market.Put}, 100, 200)
		require.NoError(t, err)
		_, err = d.ClosePosition(p.ID, 100)
		require.NoError(t, err)
	}
	assert.True(t, d.Risk().Alert)

	require.Eventually(t, func() bool { return posts.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), posts.Load(), "the alert stays raised, so only the rising edge is announced")
}
