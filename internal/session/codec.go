package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Rajchodisetti/options-dashboard/internal/market"
)

var (
	// ErrCorrupt means a persisted blob could not be decoded into a complete
	// session.
	ErrCorrupt = errors.New("session: corrupt")
	// ErrExpired means a restored session is past its expiry.
	ErrExpired = errors.New("session: expired")
)

const blobVersion = 1

// record is the persisted form. Times are unix nanoseconds, 0 meaning unset.
type record struct {
	Version      int    `msgpack:"v"`
	AccessToken  string `msgpack:"access"`
	RefreshToken string `msgpack:"refresh"`
	FeedToken    string `msgpack:"feed"`
	IssuedAt     int64  `msgpack:"issued"`
	ExpiresAt    int64  `msgpack:"expires"`
}

// Encode serializes a complete session into an opaque blob.
func Encode(s market.AuthSession) ([]byte, error) {
	if !s.Complete() {
		return nil, fmt.Errorf("encode session: %w", ErrCorrupt)
	}
	return msgpack.Marshal(record{
		Version:      blobVersion,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		FeedToken:    s.FeedToken,
		IssuedAt:     unixNano(s.IssuedAt),
		ExpiresAt:    unixNano(s.ExpiresAt),
	})
}

// Decode parses a blob. Anything other than a complete session of a known
// version is ErrCorrupt.
func Decode(blob []byte) (market.AuthSession, error) {
	if len(blob) == 0 {
		return market.AuthSession{}, fmt.Errorf("empty blob: %w", ErrCorrupt)
	}
	var r record
	if err := msgpack.Unmarshal(blob, &r); err != nil {
		return market.AuthSession{}, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	if r.Version != blobVersion {
		return market.AuthSession{}, fmt.Errorf("unknown blob version %d: %w", r.Version, ErrCorrupt)
	}
	s := market.AuthSession{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		FeedToken:    r.FeedToken,
		IssuedAt:     fromUnixNano(r.IssuedAt),
		ExpiresAt:    fromUnixNano(r.ExpiresAt),
	}
	if !s.Complete() {
		return market.AuthSession{}, fmt.Errorf("partial session: %w", ErrCorrupt)
	}
	return s, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
