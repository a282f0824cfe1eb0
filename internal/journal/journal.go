// Package journal appends signal and position lifecycle events to a JSONL
// file so a trading day can be reviewed after the fact.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry types.
const (
	SignalGenerated = "signal_generated"
	SignalClosed    = "signal_closed"
	PositionOpened  = "position_opened"
	PositionClosed  = "position_closed"
)

type Entry struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Journal is safe for concurrent use. Entries whose key was already written
// inside the dedupe window are skipped.
type Journal struct {
	path         string
	dedupeWindow time.Duration
	now          func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// Open prepares the journal at path and loads the keys written inside the
// dedupe window.
func Open(path string, dedupeWindow time.Duration) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	j := &Journal{
		path:         path,
		dedupeWindow: dedupeWindow,
		now:          time.Now,
		seen:         map[string]time.Time{},
	}
	entries, err := j.Read(time.Time{})
	if err != nil {
		return nil, err
	}
	cutoff := j.now().UTC().Add(-dedupeWindow)
	for _, e := range entries {
		if e.Event.After(cutoff) {
			j.seen[e.Key] = e.Event
		}
	}
	return j, nil
}

// Key derives a stable idempotency key from parts.
func Key(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

// Append writes one entry. It reports false when the key is a duplicate.
func (j *Journal) Append(typ, key string, data any) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	if at, ok := j.seen[key]; ok && now.Sub(at) <= j.dedupeWindow {
		return false, nil
	}
	line, err := json.Marshal(Entry{Type: typ, Key: key, Data: raw, Event: now})
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, err
	}
	j.seen[key] = now
	j.prune(now)
	return true, nil
}

func (j *Journal) prune(now time.Time) {
	for k, at := range j.seen {
		if now.Sub(at) > j.dedupeWindow {
			delete(j.seen, k)
		}
	}
}

// Read returns the entries recorded after since, oldest first. Lines that
// do not parse are skipped.
func (j *Journal) Read(since time.Time) ([]Entry, error) {
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Event.After(since) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
