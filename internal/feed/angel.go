package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/optionchain"
)

const (
	DefaultBaseURL = "https://apiconnect.angelbroking.com"

	loginPath   = "/rest/auth/angelbroking/user/v1/loginByPassword"
	refreshPath = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	ltpPath     = "/rest/secure/angelbroking/order/v1/getLTP"
	chainPath   = "/rest/secure/angelbroking/market/v1/optionChain"
	candlePath  = "/rest/secure/angelbroking/historical/v1/getCandleData"

	candleTimeLayout = "2006-01-02 15:04"
	maxBodyBytes     = 8 << 20
)

// Token error codes the broker returns with HTTP 200 and status=false.
var tokenErrorCodes = map[string]bool{
	"AG8001": true, // invalid token
	"AG8002": true, // token expired
	"AG8003": true, // token missing
}

// AngelConfig holds configuration for the Angel One SmartAPI client.
type AngelConfig struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	RateLimitPerSecond float64
	ClientLocalIP      string
	ClientPublicIP     string
	MACAddress         string
}

// AngelClient implements Client against the Angel One REST API.
type AngelClient struct {
	cfg        AngelConfig
	sessions   SessionSource
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewAngelClient creates a client. Authenticated calls read the bearer token
// from sessions on every request.
func NewAngelClient(cfg AngelConfig, sessions SessionSource) *AngelClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 3
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = "127.0.0.1"
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = "127.0.0.1"
	}
	if cfg.MACAddress == "" {
		cfg.MACAddress = "00:00:00:00:00:00"
	}
	if sessions == nil {
		sessions = NoSession{}
	}
	burst := int(cfg.RateLimitPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &AngelClient{
		cfg:      cfg,
		sessions: sessions,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst),
		now:     time.Now,
	}
}

type envelope struct {
	Status    *bool           `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

type tokenData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// Authenticate exchanges client credentials for a session.
func (a *AngelClient) Authenticate(ctx context.Context, creds Credentials) (market.AuthSession, error) {
	const op = "login"
	body := map[string]string{
		"clientcode": creds.ClientCode,
		"password":   creds.Password,
		"totp":       creds.TOTP,
	}
	data, err := a.do(ctx, op, http.MethodPost, loginPath, nil, body, "")
	if err != nil {
		return market.AuthSession{}, err
	}
	return a.decodeTokens(op, data, "")
}

// RefreshSession exchanges the refresh token of current for a new session.
func (a *AngelClient) RefreshSession(ctx context.Context, current market.AuthSession) (market.AuthSession, error) {
	const op = "refresh"
	if !current.Complete() {
		return market.AuthSession{}, a.fail(op, newError(ErrUnauthenticated, op, "no session to refresh", nil))
	}
	body := map[string]string{"refreshToken": current.RefreshToken}
	data, err := a.do(ctx, op, http.MethodPost, refreshPath, nil, body, current.AccessToken)
	if err != nil {
		return market.AuthSession{}, err
	}
	return a.decodeTokens(op, data, current.FeedToken)
}

func (a *AngelClient) decodeTokens(op string, data json.RawMessage, fallbackFeed string) (market.AuthSession, error) {
	var t tokenData
	if err := json.Unmarshal(data, &t); err != nil {
		return market.AuthSession{}, a.fail(op, newError(ErrMalformedResponse, op, "failed to parse tokens", err))
	}
	if t.FeedToken == "" {
		t.FeedToken = fallbackFeed
	}
	s := market.AuthSession{
		AccessToken:  strings.TrimPrefix(t.JWTToken, "Bearer "),
		RefreshToken: t.RefreshToken,
		FeedToken:    t.FeedToken,
		IssuedAt:     a.now(),
	}
	if !s.Complete() {
		return market.AuthSession{}, a.fail(op, newError(ErrMalformedResponse, op, "reply is missing one or more tokens", nil))
	}
	return s, nil
}

// GetQuote fetches the last traded price of one instrument. The quote is
// stamped with the client clock when the response arrives.
func (a *AngelClient) GetQuote(ctx context.Context, req QuoteRequest) (market.Quote, error) {
	const op = "quote"
	body := map[string]string{
		"exchange":      req.Exchange,
		"tradingsymbol": req.Symbol,
		"symboltoken":   req.SymbolToken,
	}
	token, err := a.bearer(op)
	if err != nil {
		return market.Quote{}, err
	}
	data, err := a.do(ctx, op, http.MethodPost, ltpPath, nil, body, token)
	if err != nil {
		return market.Quote{}, err
	}

	var d struct {
		Exchange      string   `json:"exchange"`
		TradingSymbol string   `json:"tradingsymbol"`
		SymbolToken   string   `json:"symboltoken"`
		LTP           *float64 `json:"ltp"`
		Close         float64  `json:"close"`
		NetChange     *float64 `json:"netChange"`
		NetChg        *float64 `json:"netChg"`
		PercentChange *float64 `json:"percentChange"`
		PrcntChg      *float64 `json:"prcntChg"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return market.Quote{}, a.fail(op, newError(ErrMalformedResponse, op, "failed to parse quote", err))
	}
	if d.LTP == nil {
		return market.Quote{}, a.fail(op, newError(ErrMalformedResponse, op, "quote has no ltp", nil))
	}

	q := market.Quote{
		Exchange:    firstNonEmpty(d.Exchange, req.Exchange),
		Symbol:      firstNonEmpty(d.TradingSymbol, req.Symbol),
		SymbolToken: firstNonEmpty(d.SymbolToken, req.SymbolToken),
		LastPrice:   *d.LTP,
		Timestamp:   a.now(),
	}
	switch {
	case d.NetChange != nil:
		q.NetChange = *d.NetChange
	case d.NetChg != nil:
		q.NetChange = *d.NetChg
	case d.Close > 0:
		q.NetChange = q.LastPrice - d.Close
	}
	switch {
	case d.PercentChange != nil:
		q.PercentChange = *d.PercentChange
	case d.PrcntChg != nil:
		q.PercentChange = *d.PrcntChg
	case d.Close > 0:
		q.PercentChange = q.NetChange / d.Close * 100
	}
	return q, nil
}

// GetOptionChain fetches the raw per-strike chain for one expiry.
func (a *AngelClient) GetOptionChain(ctx context.Context, req ChainRequest) ([]optionchain.RawRecord, error) {
	const op = "option_chain"
	token, err := a.bearer(op)
	if err != nil {
		return nil, err
	}
	query := url.Values{"name": {req.Name}, "expiry": {req.Expiry}}
	data, err := a.do(ctx, op, http.MethodGet, chainPath, query, nil, token)
	if err != nil {
		return nil, err
	}
	if isNull(data) {
		return nil, a.fail(op, newError(ErrMalformedResponse, op, "option chain reply has no data", nil))
	}
	var records []optionchain.RawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, a.fail(op, newError(ErrMalformedResponse, op, "failed to parse option chain", err))
	}
	if len(records) == 0 {
		return nil, a.fail(op, newError(ErrMalformedResponse, op, "option chain reply is empty", nil))
	}
	return records, nil
}

// GetCandles fetches historical OHLCV bars. Rows are
// [timestamp, open, high, low, close, volume].
func (a *AngelClient) GetCandles(ctx context.Context, req CandleRequest) ([]market.Candle, error) {
	const op = "candles"
	token, err := a.bearer(op)
	if err != nil {
		return nil, err
	}
	body := map[string]string{
		"exchange":    req.Exchange,
		"symboltoken": req.SymbolToken,
		"interval":    req.Interval,
		"fromdate":    req.From.Format(candleTimeLayout),
		"todate":      req.To.Format(candleTimeLayout),
	}
	data, err := a.do(ctx, op, http.MethodPost, candlePath, nil, body, token)
	if err != nil {
		return nil, err
	}
	if isNull(data) {
		return nil, nil
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, a.fail(op, newError(ErrMalformedResponse, op, "failed to parse candles", err))
	}
	candles := make([]market.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseCandle(row)
		if err != nil {
			return nil, a.fail(op, newError(ErrMalformedResponse, op, fmt.Sprintf("candle %d", i), err))
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseCandle(row []json.RawMessage) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("expected 6 columns, got %d", len(row))
	}
	var ts string
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return market.Candle{}, fmt.Errorf("timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return market.Candle{}, fmt.Errorf("timestamp: %w", err)
	}
	var v [5]float64
	for i := range v {
		if err := json.Unmarshal(row[i+1], &v[i]); err != nil {
			return market.Candle{}, fmt.Errorf("column %d: %w", i+1, err)
		}
	}
	return market.Candle{Time: t, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4]}, nil
}

// bearer checks the preconditions of an authenticated call. No request is
// made when either the session or the API key is missing.
func (a *AngelClient) bearer(op string) (string, error) {
	s, ok := a.sessions.CurrentSession()
	if !ok || !s.Complete() {
		return "", a.fail(op, newError(ErrUnauthenticated, op, "no active session", nil))
	}
	return s.AccessToken, nil
}

// do performs one request and returns the data member of the envelope. A
// bare JSON array body is returned as is.
func (a *AngelClient) do(ctx context.Context, op, method, path string, query url.Values, body any, token string) (json.RawMessage, error) {
	if a.cfg.APIKey == "" {
		return nil, a.fail(op, newError(ErrUnauthenticated, op, "broker api key not configured", nil))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, a.fail(op, newError(ErrUpstreamUnavailable, op, "rate limit wait cancelled", err))
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, a.fail(op, newError(ErrMalformedResponse, op, "failed to encode request", err))
		}
		reader = bytes.NewReader(buf)
	}
	target := a.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, a.fail(op, newError(ErrUpstreamUnavailable, op, "failed to create request", err))
	}
	a.setHeaders(req, token)

	labels := map[string]string{"op": op}
	observ.IncCounter("feed_requests_total", labels)
	start := time.Now()
	resp, err := a.httpClient.Do(req)
	observ.RecordDuration("feed_latency", time.Since(start), labels)
	if err != nil {
		return nil, a.fail(op, newError(ErrUpstreamUnavailable, op, "request failed", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, a.fail(op, newError(ErrUpstreamUnavailable, op, "failed to read response", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, a.fail(op, newError(ErrUnauthenticated, op, fmt.Sprintf("HTTP %d", resp.StatusCode), nil))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, a.fail(op, newError(ErrUpstreamUnavailable, op, fmt.Sprintf("HTTP %d", resp.StatusCode), nil))
	case resp.StatusCode >= 400 && op == "login":
		return nil, a.fail(op, newError(ErrInvalidCredentials, op, fmt.Sprintf("HTTP %d", resp.StatusCode), nil))
	case resp.StatusCode != http.StatusOK:
		return nil, a.fail(op, newError(ErrMalformedResponse, op, fmt.Sprintf("HTTP %d", resp.StatusCode), nil))
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return trimmed, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, a.fail(op, newError(ErrMalformedResponse, op, "failed to parse envelope", err))
	}
	if env.Status != nil && !*env.Status {
		return nil, a.fail(op, rejection(op, env))
	}
	return env.Data, nil
}

func rejection(op string, env envelope) *Error {
	msg := strings.TrimSpace(env.ErrorCode + " " + env.Message)
	switch {
	case tokenErrorCodes[env.ErrorCode] || strings.Contains(strings.ToLower(env.Message), "token"):
		return newError(ErrUnauthenticated, op, msg, nil)
	case op == "login":
		return newError(ErrInvalidCredentials, op, msg, nil)
	}
	return newError(ErrUpstreamUnavailable, op, msg, nil)
}

func (a *AngelClient) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", a.cfg.ClientLocalIP)
	req.Header.Set("X-ClientPublicIP", a.cfg.ClientPublicIP)
	req.Header.Set("X-MACAddress", a.cfg.MACAddress)
	req.Header.Set("X-PrivateKey", a.cfg.APIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// fail records the error metric and returns err.
func (a *AngelClient) fail(op string, err *Error) error {
	observ.IncCounter("feed_errors_total", map[string]string{"op": op, "kind": err.Kind.Label()})
	return err
}

func isNull(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
