package vitalsync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// advance replaces the cache clock with one offset into the future.
func advance(c *Cache, d time.Duration) {
	base := time.Now()
	c.now = func() time.Time { return base.Add(d) }
}

type userData struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

func TestCacheSetGetRoundtrip(t *testing.T) {
	c := newTestCache(t)

	in := userData{Name: "sam", Weight: 72}
	require.NoError(t, c.Set(CacheKeyUserData, in, TTLShort))

	var out userData
	require.True(t, c.GetInto(CacheKeyUserData, &out))
	require.Equal(t, in, out)
	require.True(t, c.Exists(CacheKeyUserData))
}

func TestCacheMiss(t *testing.T) {
	c := newTestCache(t)

	require.Nil(t, c.Get("missing"))
	require.False(t, c.Exists("missing"))
	require.True(t, c.IsExpired("missing"))
	require.True(t, c.NeedsBackgroundRefresh("missing"))

	var out userData
	require.False(t, c.GetInto("missing", &out))
}

func TestCacheFreshnessOrdering(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(CacheKeyUserData, userData{Name: "sam"}, TTLShort))

	// Fresh: well under the 30-minute soft threshold.
	advance(c, 10*time.Minute)
	require.True(t, c.Exists(CacheKeyUserData))
	require.False(t, c.NeedsBackgroundRefresh(CacheKeyUserData))
	require.False(t, c.IsExpired(CacheKeyUserData))

	// Stale: past the refresh threshold but still served.
	advance(c, 40*time.Minute)
	require.True(t, c.Exists(CacheKeyUserData))
	require.True(t, c.NeedsBackgroundRefresh(CacheKeyUserData))
	require.False(t, c.IsExpired(CacheKeyUserData))

	// Expired: past the hard TTL, no longer served.
	advance(c, 61*time.Minute)
	require.Nil(t, c.Get(CacheKeyUserData))
	require.False(t, c.Exists(CacheKeyUserData))
	require.True(t, c.IsExpired(CacheKeyUserData))
	require.True(t, c.NeedsBackgroundRefresh(CacheKeyUserData))
}

func TestCacheTTLTiers(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("short", 1, TTLShort))
	require.NoError(t, c.Set("long", 1, TTLLong))
	require.NoError(t, c.Set("very_long", 1, TTLVeryLong))

	advance(c, 2*time.Hour)
	require.True(t, c.IsExpired("short"))
	require.False(t, c.IsExpired("long"))
	require.False(t, c.IsExpired("very_long"))

	advance(c, 25*time.Hour)
	require.True(t, c.IsExpired("long"))
	require.False(t, c.IsExpired("very_long"))

	advance(c, 8*24*time.Hour)
	require.True(t, c.IsExpired("very_long"))
}

func TestCacheRemove(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(CacheKeyUserData, 1, TTLShort))
	require.NoError(t, c.Remove(CacheKeyUserData))
	require.False(t, c.Exists(CacheKeyUserData))

	// Removing an absent key is not an error.
	require.NoError(t, c.Remove(CacheKeyUserData))
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(CacheKeyUserData, 1, TTLShort))
	require.NoError(t, c.Set(CacheKeyAllPrograms, 2, TTLLong))
	require.NoError(t, c.Set(ProgramDaysKey("p1"), 3, TTLLong))

	require.NoError(t, c.Clear())

	require.Zero(t, c.Stats().Total)
	require.False(t, c.Exists(CacheKeyUserData))

	// The bucket is recreated, so the cache stays usable.
	require.NoError(t, c.Set(CacheKeyUserData, 4, TTLShort))
	require.True(t, c.Exists(CacheKeyUserData))
}

func TestCacheOverwriteResetsTimestamp(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(CacheKeyUserData, 1, TTLShort))

	advance(c, 45*time.Minute)
	require.True(t, c.NeedsBackgroundRefresh(CacheKeyUserData))

	require.NoError(t, c.Set(CacheKeyUserData, 2, TTLShort))
	require.False(t, c.NeedsBackgroundRefresh(CacheKeyUserData))
}

func TestCacheStats(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("fresh", 1, TTLLong))
	require.NoError(t, c.Set("stale", 1, TTLShort))
	require.NoError(t, c.Set("expired", 1, TTLShort))

	// Age the short entries past their thresholds, then re-set the ones that
	// should stay fresh or merely stale.
	advance(c, 61*time.Minute)
	require.NoError(t, c.Set("fresh", 1, TTLLong))

	stats := c.Stats()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.Fresh)
	require.Equal(t, 2, stats.Expired)
}

func TestCacheStatsStaleCount(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("stale", 1, TTLShort))

	advance(c, 40*time.Minute)
	stats := c.Stats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Stale)
}

func TestProgramDaysKeyDeterministic(t *testing.T) {
	require.Equal(t, "program_days_p1", ProgramDaysKey("p1"))
	require.Equal(t, ProgramDaysKey("p2"), ProgramDaysKey("p2"))
}
