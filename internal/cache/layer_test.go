package cache

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupLayer(t *testing.T, limits map[string]int) (*Layer, *fakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := NewLayer(s, config.CacheConfig{SizeLimits: limits}, nil, WithClock(clock.Now))
	return l, clock
}

func schoolItems(ids ...string) []Item {
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, Item{Key: id, Value: models.School{ID: id, Name: "School " + id, Active: true}})
	}
	return items
}

var swr = models.CacheStrategy{
	Refresh:   models.RefreshStaleWhileRevalidate,
	Priority:  models.PriorityHigh,
	StaleTime: 10 * time.Minute,
}

func keys(records []store.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key
	}
	sort.Strings(out)
	return out
}

func TestCacheDataStampsItems(t *testing.T) {
	l, clock := setupLayer(t, nil)
	ctx := context.Background()

	require.NoError(t, l.CacheData(ctx, store.Schools, schoolItems("s1"), swr))

	res, err := l.GetCachedData(ctx, store.Schools, nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)

	var stamped struct {
		ID        string    `json:"id"`
		CachedAt  time.Time `json:"_cachedAt"`
		ExpiresAt time.Time `json:"_expiresAt"`
	}
	require.NoError(t, res.Data[0].Decode(&stamped))
	assert.Equal(t, "s1", stamped.ID)
	assert.True(t, stamped.CachedAt.Equal(clock.t))
	assert.True(t, stamped.ExpiresAt.Equal(clock.t.Add(10*time.Minute)))

	schools, err := Decode[models.School](res.Data)
	require.NoError(t, err)
	assert.Equal(t, "School s1", schools[0].Name)

	meta, err := l.Metadata(ctx, store.Schools)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)
	assert.Equal(t, 1, meta.Size)
}

func TestCacheDataRejectsBadInput(t *testing.T) {
	l, _ := setupLayer(t, nil)
	ctx := context.Background()

	err := l.CacheData(ctx, store.Schools, schoolItems("s1"), models.CacheStrategy{Refresh: "sometimes"})
	assert.Error(t, err)

	err = l.CacheData(ctx, store.Schools, []Item{{Key: "x", Value: 42}}, swr)
	assert.Error(t, err)

	err = l.CacheData(ctx, store.Schools, []Item{{Value: models.School{}}}, swr)
	assert.Error(t, err)
}

func TestIdempotentReads(t *testing.T) {
	l, _ := setupLayer(t, nil)
	ctx := context.Background()
	require.NoError(t, l.CacheData(ctx, store.Schools, schoolItems("s1", "s2"), swr))

	first, err := l.GetCachedData(ctx, store.Schools, nil)
	require.NoError(t, err)
	m1, err := l.Metadata(ctx, store.Schools)
	require.NoError(t, err)

	second, err := l.GetCachedData(ctx, store.Schools, nil)
	require.NoError(t, err)
	m2, err := l.Metadata(ctx, store.Schools)
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Greater(t, m2.AccessCount, m1.AccessCount)
}

func TestExpiryOrdering(t *testing.T) {
	l, clock := setupLayer(t, nil)
	ctx := context.Background()
	require.NoError(t, l.CacheData(ctx, store.Schools, schoolItems("s1"), swr))

	cases := []struct {
		elapsed      time.Duration
		stale, needs bool
	}{
		{0, false, false},
		{7*time.Minute + 59*time.Second, false, false},
		{8 * time.Minute, true, false},
		{9*time.Minute + 59*time.Second, true, false},
		{10 * time.Minute, true, true},
		{time.Hour, true, true},
	}

	start := clock.t
	for _, tc := range cases {
		clock.t = start.Add(tc.elapsed)
		res, err := l.GetCachedData(ctx, store.Schools, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.stale, res.IsStale, "stale at %v", tc.elapsed)
		assert.Equal(t, tc.needs, res.NeedsRefresh, "needs refresh at %v", tc.elapsed)
		if res.NeedsRefresh {
			assert.True(t, res.IsStale)
		}
	}
}

func TestEmptyPartitionNeedsRefresh(t *testing.T) {
	l, _ := setupLayer(t, nil)
	res, err := l.GetCachedData(context.Background(), store.Sessions, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.True(t, res.NeedsRefresh)
	assert.Equal(t, "empty", res.Freshness())
}

func TestFilters(t *testing.T) {
	l, _ := setupLayer(t, nil)
	ctx := context.Background()

	items := []Item{
		{Key: "sess-1", UserID: "u1", SchoolID: "s1", Status: models.SessionActive, Value: models.Session{ID: "sess-1"}},
		{Key: "sess-2", UserID: "u2", SchoolID: "s1", Status: models.SessionCompleted, Value: models.Session{ID: "sess-2"}},
		{Key: "sess-3", UserID: "u1", SchoolID: "s2", Status: models.SessionCompleted, Value: models.Session{ID: "sess-3"}},
	}
	require.NoError(t, l.CacheData(ctx, store.Sessions, items, swr))

	res, err := l.GetCachedData(ctx, store.Sessions, &Filter{Index: store.IndexUser, Value: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1", "sess-3"}, keys(res.Data))

	res, err = l.GetCachedData(ctx, store.Sessions, &Filter{
		Index: store.IndexSchool,
		Value: "s1",
		Match: func(r store.Record) bool { return r.Status == models.SessionCompleted },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-2"}, keys(res.Data))
}

func TestLRUEviction(t *testing.T) {
	l, clock := setupLayer(t, map[string]int{"schools": 3})
	ctx := context.Background()

	require.NoError(t, l.CacheData(ctx, store.Schools, schoolItems("s1", "s2", "s3"), swr))

	clock.Advance(time.Minute)
	_, err := l.GetCachedData(ctx, store.Schools, &Filter{Match: func(r store.Record) bool { return r.Key == "s1" }})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, l.CacheData(ctx, store.Schools, schoolItems("s4", "s5"), swr))

	n, err := l.Count(ctx, store.Schools)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := l.GetCachedData(ctx, store.Schools, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s4", "s5"}, keys(res.Data))

	meta, err := l.Metadata(ctx, store.Schools)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Size)
	assert.Equal(t, 3, l.Limit(store.Schools))
}

func TestClearExpiredCache(t *testing.T) {
	l, clock := setupLayer(t, nil)
	ctx := context.Background()

	short := swr
	short.StaleTime = time.Minute
	require.NoError(t, l.CacheData(ctx, store.LocationPings, []Item{{Key: "p1", Value: models.LocationPing{ID: "p1"}}}, short))
	require.NoError(t, l.CacheData(ctx, store.Schools, schoolItems("s1"), swr))

	clock.Advance(2 * time.Minute)
	removed, err := l.ClearExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := l.Count(ctx, store.LocationPings)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = l.Count(ctx, store.Schools)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInvalidate(t *testing.T) {
	l, _ := setupLayer(t, nil)
	ctx := context.Background()
	require.NoError(t, l.CacheData(ctx, store.Sessions, []Item{{Key: "x", Value: models.Session{ID: "x"}}}, swr))

	require.NoError(t, l.Invalidate(ctx, store.Sessions))

	res, err := l.GetCachedData(ctx, store.Sessions, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.True(t, res.NeedsRefresh)

	all, err := l.AllMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(Partitions))
}
