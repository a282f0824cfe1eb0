// Package session owns the broker authentication session: login, refresh,
// invalidation and persistence across restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

// Authenticator is the part of feed.Client the manager needs.
type Authenticator interface {
	Authenticate(ctx context.Context, creds feed.Credentials) (market.AuthSession, error)
	RefreshSession(ctx context.Context, current market.AuthSession) (market.AuthSession, error)
}

// Config tunes the manager. Zero values get defaults.
type Config struct {
	Store        Store
	LoginTimeout time.Duration
	Now          func() time.Time
}

// Manager holds at most one complete session. All methods are safe for
// concurrent use.
type Manager struct {
	auth         Authenticator
	store        Store
	loginTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group

	mu        sync.RWMutex
	current   *market.AuthSession
	listeners []func(present bool)
}

func NewManager(auth Authenticator, cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = &MemoryStore{}
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		auth:         auth,
		store:        cfg.Store,
		loginTimeout: cfg.LoginTimeout,
		now:          cfg.Now,
	}
}

// OnChange registers fn to be called after the session appears or
// disappears. fn must not block.
func (m *Manager) OnChange(fn func(present bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Login authenticates with the broker. Concurrent calls share the result of
// the one upstream attempt in flight. The attempt itself is not cancelled
// when a waiting caller gives up.
func (m *Manager) Login(ctx context.Context, clientCode, password, totp string) (market.AuthSession, error) {
	creds := feed.Credentials{
		ClientCode: strings.TrimSpace(clientCode),
		Password:   password,
		TOTP:       strings.TrimSpace(totp),
	}
	if creds.ClientCode == "" || creds.Password == "" || creds.TOTP == "" {
		observ.IncCounter("session_logins_total", map[string]string{"result": feed.ErrInvalidCredentials.Label()})
		return market.AuthSession{}, fmt.Errorf("client code, password and totp are required: %w", feed.ErrInvalidCredentials)
	}

	ch := m.group.DoChan("login", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout)
		defer cancel()

		s, err := m.auth.Authenticate(lctx, creds)
		if err == nil && !s.Complete() {
			err = &feed.Error{Kind: feed.ErrMalformedResponse, Op: "login", Message: "reply is missing one or more tokens"}
		}
		if err != nil {
			observ.IncCounter("session_logins_total", map[string]string{"result": feed.KindOf(err).Label()})
			observ.Log("session_login_failed", map[string]any{"client_code": creds.ClientCode, "error": err.Error()})
			return market.AuthSession{}, err
		}

		s.ExpiresAt = tokenExpiry(s.AccessToken)
		m.set(&s, "login")
		m.persist(lctx, s)
		observ.IncCounter("session_logins_total", map[string]string{"result": "ok"})
		return s, nil
	})

	select {
	case <-ctx.Done():
		return market.AuthSession{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return market.AuthSession{}, r.Err
		}
		return r.Val.(market.AuthSession), nil
	}
}

// CurrentSession returns the session if one is present and unexpired.
func (m *Manager) CurrentSession() (market.AuthSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.Expired(m.now()) {
		return market.AuthSession{}, false
	}
	return *m.current, true
}

// Authenticated reports whether CurrentSession would return a session.
func (m *Manager) Authenticated() bool {
	_, ok := m.CurrentSession()
	return ok
}

// Restore hydrates the manager from a persisted blob. On any failure the
// manager is left without a session.
func (m *Manager) Restore(blob []byte) (market.AuthSession, error) {
	s, err := Decode(blob)
	if err != nil {
		m.set(nil, "restore_failed")
		return market.AuthSession{}, err
	}
	if s.Expired(m.now()) {
		m.set(nil, "restore_expired")
		return market.AuthSession{}, ErrExpired
	}
	m.set(&s, "restore")
	return s, nil
}

// RestoreFromStore loads and restores the persisted session. A corrupt or
// expired blob is removed from the store.
func (m *Manager) RestoreFromStore(ctx context.Context) (market.AuthSession, error) {
	blob, err := m.store.Load(ctx)
	if err != nil {
		return market.AuthSession{}, err
	}
	s, err := m.Restore(blob)
	if err != nil {
		if cerr := m.store.Clear(ctx); cerr != nil {
			observ.Log("session_store_clear_failed", map[string]any{"error": cerr.Error()})
		}
		return market.AuthSession{}, err
	}
	return s, nil
}

// Refresh exchanges the refresh token for a new session. A failed refresh
// destroys the session it started from; a session installed by a Login in
// the meantime is left alone.
func (m *Manager) Refresh(ctx context.Context) (market.AuthSession, error) {
	current, ok := m.CurrentSession()
	if !ok {
		return market.AuthSession{}, fmt.Errorf("refresh: %w", feed.ErrUnauthenticated)
	}
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		s, err := m.auth.RefreshSession(ctx, current)
		if err == nil && !s.Complete() {
			err = &feed.Error{Kind: feed.ErrMalformedResponse, Op: "refresh", Message: "reply is missing one or more tokens"}
		}
		if err != nil {
			observ.Log("session_refresh_failed", map[string]any{"error": err.Error()})
			if m.replace(current.AccessToken, nil, "refresh_failed") {
				if cerr := m.store.Clear(ctx); cerr != nil {
					observ.Log("session_store_clear_failed", map[string]any{"reason": "refresh_failed", "error": cerr.Error()})
				}
			}
			return market.AuthSession{}, err
		}
		s.ExpiresAt = tokenExpiry(s.AccessToken)
		if !m.replace(current.AccessToken, &s, "refresh") {
			observ.Log("session_refresh_superseded", nil)
			if latest, ok := m.CurrentSession(); ok {
				return latest, nil
			}
			return market.AuthSession{}, fmt.Errorf("refresh: %w", feed.ErrUnauthenticated)
		}
		m.persist(ctx, s)
		return s, nil
	})
	if err != nil {
		return market.AuthSession{}, err
	}
	return v.(market.AuthSession), nil
}

// Invalidate drops the session and its persisted copy. Pollers observe the
// cleared state on their next tick.
func (m *Manager) Invalidate(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.clear(ctx, reason)
}

// Logout is Invalidate with the store error surfaced to the caller.
func (m *Manager) Logout(ctx context.Context) error {
	m.set(nil, "logout")
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (m *Manager) clear(ctx context.Context, reason string) {
	m.set(nil, reason)
	if err := m.store.Clear(ctx); err != nil {
		observ.Log("session_store_clear_failed", map[string]any{"reason": reason, "error": err.Error()})
	}
}

func (m *Manager) persist(ctx context.Context, s market.AuthSession) {
	blob, err := Encode(s)
	if err == nil {
		err = m.store.Save(ctx, blob)
	}
	if err != nil {
		observ.Log("session_persist_failed", map[string]any{"error": err.Error()})
	}
}

// set swaps the session and notifies listeners on presence changes.
func (m *Manager) set(s *market.AuthSession, reason string) {
	m.mu.Lock()
	was := m.current != nil
	m.current = s
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	m.announce(was, s, reason, listeners)
}

// replace is set guarded by the access token of the session being replaced.
func (m *Manager) replace(token string, s *market.AuthSession, reason string) bool {
	m.mu.Lock()
	if m.current == nil || m.current.AccessToken != token {
		m.mu.Unlock()
		return false
	}
	m.current = s
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	m.announce(true, s, reason, listeners)
	return true
}

func (m *Manager) announce(was bool, s *market.AuthSession, reason string, listeners []func(bool)) {
	present := s != nil
	gauge := 0.0
	if present {
		gauge = 1
	}
	observ.SetGauge("session_present", gauge, nil)

	if was == present && reason != "refresh" {
		return
	}
	fields := map[string]any{"present": present, "reason": reason}
	if present && !s.ExpiresAt.IsZero() {
		fields["expires_at"] = s.ExpiresAt.Format(time.RFC3339)
	}
	observ.Log("session_changed", fields)
	if was != present {
		for _, fn := range listeners {
			fn(present)
		}
	}
}

// tokenExpiry reads the exp claim of a JWT without verifying it. Tokens
// without one never expire client-side.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// IsAuthError reports whether err means the session is unusable.
func IsAuthError(err error) bool {
	return errors.Is(err, feed.ErrUnauthenticated)
}
