package greeks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(id models.OptionIdentity, delta float64, capturedAt time.Time) models.GreeksSnapshot {
	return models.GreeksSnapshot{
		Identity:   id,
		Delta:      delta,
		Gamma:      0.02,
		Theta:      -0.05,
		Vega:       0.11,
		CapturedAt: capturedAt,
		Source:     models.SourceLive,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := NewFileStore(filepath.Join(t.TempDir(), "cache.json"), DefaultMaxAge, logger)

	id := testIdentity("AAPL", 150)
	snap := testSnapshot(id, 0.55, time.Now().Add(-time.Minute))
	require.NoError(t, store.Put(snap))

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestStoreExpiry(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := NewFileStore(filepath.Join(t.TempDir(), "cache.json"), DefaultMaxAge, logger)

	base := time.Now()
	id := testIdentity("AAPL", 150)
	require.NoError(t, store.Put(testSnapshot(id, 0.55, base)))

	store.now = func() time.Time { return base.Add(47 * time.Hour) }
	_, ok := store.Get(id)
	assert.True(t, ok, "47h-old record is still inside the horizon")

	store.now = func() time.Time { return base.Add(48 * time.Hour) }
	_, ok = store.Get(id)
	assert.False(t, ok, "48h-old record is logically absent")
}

func TestStoreCapturedAtMonotonic(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := NewFileStore(filepath.Join(t.TempDir(), "cache.json"), DefaultMaxAge, logger)

	id := testIdentity("AAPL", 150)
	newer := testSnapshot(id, 0.60, time.Now().Add(-time.Minute))
	older := testSnapshot(id, 0.40, time.Now().Add(-time.Hour))

	require.NoError(t, store.Put(newer))
	require.NoError(t, store.Put(older))

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0.60, got.Delta, "an older write must not supersede a newer record")
}

func TestStoreRejectsFutureTimestamp(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := NewFileStore(filepath.Join(t.TempDir(), "cache.json"), DefaultMaxAge, logger)

	id := testIdentity("AAPL", 150)
	err := store.Put(testSnapshot(id, 0.55, time.Now().Add(time.Hour)))
	assert.Error(t, err)

	_, ok := store.Get(id)
	assert.False(t, ok)
}

func TestStoreFlushAndReload(t *testing.T) {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "cache.json")

	store := NewFileStore(path, DefaultMaxAge, logger)
	id := testIdentity("AAPL", 150)
	snap := testSnapshot(id, 0.55, time.Now().Add(-10*time.Hour).Truncate(time.Second))
	require.NoError(t, store.Put(snap))
	require.NoError(t, store.Flush())

	reloaded := NewFileStore(path, DefaultMaxAge, logger)
	got, ok := reloaded.Get(id)
	require.True(t, ok)
	assert.Equal(t, snap.Delta, got.Delta)
	assert.Equal(t, snap.Gamma, got.Gamma)
	assert.Equal(t, snap.Theta, got.Theta)
	assert.Equal(t, snap.Vega, got.Vega)
	assert.True(t, snap.CapturedAt.Equal(got.CapturedAt))
	assert.Equal(t, models.SourceCache, got.Source)
}

func TestStoreCorruptFileStartsEmpty(t *testing.T) {
	logger, hook := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewFileStore(path, DefaultMaxAge, logger)
	assert.Empty(t, store.LoadAll())

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned, "corrupt cache must be logged as a warning")
}

func TestStoreExpiredRecordsSurviveFlush(t *testing.T) {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "cache.json")
	store := NewFileStore(path, DefaultMaxAge, logger)

	base := time.Now()
	fresh := testIdentity("AAPL", 150)
	stale := testIdentity("MSFT", 400)
	require.NoError(t, store.Put(testSnapshot(fresh, 0.55, base)))
	require.NoError(t, store.Put(testSnapshot(stale, 0.30, base)))

	store.now = func() time.Time { return base.Add(49 * time.Hour) }
	require.NoError(t, store.Put(testSnapshot(fresh, 0.58, base.Add(48*time.Hour))))

	// The stale record is logically absent but stays on disk for audit.
	all := store.LoadAll()
	assert.Len(t, all, 1)
	assert.Contains(t, all, fresh.Key())

	require.NoError(t, store.Flush())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file struct {
		Entries map[string]json.RawMessage `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.Len(t, file.Entries, 2)
	assert.Contains(t, file.Entries, stale.Key())
}

func TestMemoryStoreSemanticsMatch(t *testing.T) {
	store := NewMemoryStore(DefaultMaxAge)

	base := time.Now()
	id := testIdentity("AAPL", 150)
	require.NoError(t, store.Put(testSnapshot(id, 0.55, base)))

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0.55, got.Delta)

	assert.Error(t, store.Put(testSnapshot(id, 0.55, base.Add(time.Hour))))

	store.now = func() time.Time { return base.Add(48 * time.Hour) }
	_, ok = store.Get(id)
	assert.False(t, ok)
	assert.Empty(t, store.LoadAll())

	assert.NoError(t, store.Flush())
}
