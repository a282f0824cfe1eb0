package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestJournal_AppendAndDedupe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.jsonl")
	j, err := Open(path, time.Minute)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	j.now = clock.now

	key := Key("sig-1", "ACTIVE")
	ok, err := j.Append(SignalGenerated, key, map[string]any{"id": "sig-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = j.Append(SignalGenerated, key, map[string]any{"id": "sig-1"})
	require.NoError(t, err)
	assert.False(t, ok, "same key inside the window")

	clock.t = clock.t.Add(2 * time.Minute)
	ok, err = j.Append(SignalGenerated, key, map[string]any{"id": "sig-1"})
	require.NoError(t, err)
	assert.True(t, ok, "window elapsed")

	entries, err := j.Read(time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, SignalGenerated, entries[0].Type)
	var data map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Data, &data))
	assert.Equal(t, "sig-1", data["id"])

	later, err := j.Read(entries[0].Event)
	require.NoError(t, err)
	assert.Len(t, later, 1)
}

func TestJournal_ReopenKeepsRecentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, time.Hour)
	require.NoError(t, err)
	ok, err := j.Append(PositionOpened, "p1", struct{ ID string }{"p1"})
	require.NoError(t, err)
	require.True(t, ok)

	reopened, err := Open(path, time.Hour)
	require.NoError(t, err)
	ok, err = reopened.Append(PositionOpened, "p1", struct{ ID string }{"p1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJournal_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n\n"), 0644))

	j, err := Open(path, time.Hour)
	require.NoError(t, err)
	_, err = j.Append(PositionClosed, "p1", map[string]float64{"pnl": 12.5})
	require.NoError(t, err)

	entries, err := j.Read(time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PositionClosed, entries[0].Type)
}

func TestJournal_MissingFileReadsEmpty(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "none.jsonl"), time.Hour)
	require.NoError(t, err)
	entries, err := j.Read(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestKey_Stable(t *testing.T) {
	assert.Equal(t, Key("a", 1, 2.5), Key("a", 1, 2.5))
	assert.NotEqual(t, Key("a", 1), Key("a", 2))
	assert.Len(t, Key("x"), 16)
}
