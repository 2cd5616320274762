package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/metrics"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/store"

	"github.com/rs/zerolog"
)

// Partitions holds every partition managed by the cache layer.
var Partitions = []store.Partition{store.Schools, store.Sessions, store.UserData, store.LocationPings}

// Item is a domain object to cache. Value must encode to a JSON object.
type Item struct {
	Key       string
	UserID    string
	SchoolID  string
	Status    string
	Timestamp time.Time
	Value     any
}

// Filter narrows a read to an index value and/or a predicate.
type Filter struct {
	Index store.Index
	Value string
	Match func(store.Record) bool
}

// Result is the outcome of a cache read.
type Result struct {
	Data         []store.Record
	IsStale      bool
	NeedsRefresh bool
	CachedAt     time.Time
	ExpiresAt    time.Time
}

// Freshness labels the result for logs and metrics.
func (r Result) Freshness() string {
	switch {
	case r.CachedAt.IsZero():
		return "empty"
	case r.NeedsRefresh:
		return "expired"
	case r.IsStale:
		return "stale"
	}
	return "fresh"
}

// Decode unmarshals every record into a slice of T.
func Decode[T any](records []store.Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := r.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

type Option func(*Layer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) {
		l.now = now
	}
}

// Layer stores domain objects with cache timestamps on top of the durable store.
type Layer struct {
	store  *store.Store
	limits map[store.Partition]int
	now    func() time.Time
	logger zerolog.Logger
}

func NewLayer(s *store.Store, cfg config.CacheConfig, logger *zerolog.Logger, opts ...Option) *Layer {
	limits := make(map[store.Partition]int, len(cfg.SizeLimits))
	for name, n := range cfg.SizeLimits {
		limits[store.Partition(name)] = n
	}
	l := &Layer{
		store:  s,
		limits: limits,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	if logger != nil {
		l.logger = logger.With().Str("component", "cache").Logger()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func stamp(value any, cachedAt, expiresAt time.Time) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("cached value must be a JSON object")
	}
	fields["_cachedAt"], _ = json.Marshal(cachedAt)
	fields["_expiresAt"], _ = json.Marshal(expiresAt)
	return json.Marshal(fields)
}

// CacheData writes items stamped with _cachedAt and _expiresAt, resets the partition
// metadata and then enforces the partition size limit.
func (l *Layer) CacheData(ctx context.Context, p store.Partition, items []Item, strategy models.CacheStrategy) error {
	if !strategy.Refresh.Valid() {
		return fmt.Errorf("invalid refresh strategy %q", strategy.Refresh)
	}

	now := l.now()
	expiresAt := now.Add(strategy.StaleTime)

	records := make([]store.Record, 0, len(items))
	for _, it := range items {
		if it.Key == "" {
			return errors.New("cache item key is required")
		}
		data, err := stamp(it.Value, now, expiresAt)
		if err != nil {
			return fmt.Errorf("cache item %s: %w", it.Key, err)
		}
		ts := it.Timestamp
		if ts.IsZero() {
			ts = now
		}
		records = append(records, store.Record{
			Key:          it.Key,
			UserID:       it.UserID,
			SchoolID:     it.SchoolID,
			Status:       it.Status,
			Timestamp:    ts,
			LastAccessed: now,
			ExpiresAt:    expiresAt,
			Data:         data,
		})
	}

	if err := l.store.PutMany(ctx, p, records); err != nil {
		return err
	}

	if err := l.updateMetadata(ctx, p, func(m *models.CacheMetadata) {
		m.CachedAt = now
		m.ExpiresAt = expiresAt
		m.Version++
	}); err != nil {
		return err
	}

	if _, err := l.EnforceCacheSizeLimit(ctx, p); err != nil {
		return err
	}

	l.logger.Debug().
		Str("partition", string(p)).
		Int("items", len(items)).
		Str("strategy", string(strategy.Refresh)).
		Str("priority", strategy.Priority.String()).
		Msg("Cached data")
	return nil
}

// GetCachedData returns the cached records with their freshness. Every read counts as
// an access of the partition and of each returned record.
func (l *Layer) GetCachedData(ctx context.Context, p store.Partition, filter *Filter) (Result, error) {
	var (
		records []store.Record
		err     error
	)
	if filter != nil && filter.Index != "" {
		records, err = l.store.GetByIndex(ctx, p, filter.Index, filter.Value)
	} else {
		records, err = l.store.GetAll(ctx, p)
	}
	if err != nil {
		return Result{}, err
	}

	if filter != nil && filter.Match != nil {
		matched := records[:0]
		for _, r := range records {
			if filter.Match(r) {
				matched = append(matched, r)
			}
		}
		records = matched
	}

	now := l.now()
	var meta models.CacheMetadata
	if err := l.updateMetadata(ctx, p, func(m *models.CacheMetadata) {
		m.AccessCount++
		m.LastAccessed = now
		meta = *m
	}); err != nil {
		return Result{}, err
	}

	keys := make([]string, len(records))
	for i := range records {
		keys[i] = records[i].Key
		records[i].LastAccessed = now
	}
	if err := l.store.Touch(ctx, p, now, keys...); err != nil {
		return Result{}, err
	}

	res := Result{Data: records, CachedAt: meta.CachedAt, ExpiresAt: meta.ExpiresAt}
	res.IsStale, res.NeedsRefresh = classify(meta.CachedAt, meta.ExpiresAt, now)

	metrics.ObserveCacheRead(string(p), res.Freshness())
	return res, nil
}

// classify reports stale once StaleThreshold of the window elapsed and needs-refresh
// once all of it elapsed. A partition never written to needs refresh.
func classify(cachedAt, expiresAt, now time.Time) (isStale, needsRefresh bool) {
	if cachedAt.IsZero() {
		return true, true
	}
	window := expiresAt.Sub(cachedAt)
	staleAt := cachedAt.Add(time.Duration(float64(window) * models.StaleThreshold))
	return !now.Before(staleAt), !now.Before(expiresAt)
}

// EnforceCacheSizeLimit deletes the least recently accessed records beyond the
// partition limit. A zero limit disables eviction.
func (l *Layer) EnforceCacheSizeLimit(ctx context.Context, p store.Partition) (int, error) {
	count, err := l.store.Count(ctx, p)
	if err != nil {
		return 0, err
	}

	evicted := 0
	if limit := l.limits[p]; limit > 0 && count > limit {
		keys, err := l.store.OldestAccessed(ctx, p, count-limit)
		if err != nil {
			return 0, err
		}
		evicted, err = l.store.Delete(ctx, p, keys...)
		if err != nil {
			return 0, err
		}
		count -= evicted
		metrics.AddCacheEvictions(string(p), "lru", evicted)
		l.logger.Info().Str("partition", string(p)).Int("evicted", evicted).Int("limit", limit).Msg("Evicted cache entries")
	}

	if err := l.updateMetadata(ctx, p, func(m *models.CacheMetadata) {
		m.Size = count
	}); err != nil {
		return evicted, err
	}
	return evicted, nil
}

// ClearExpiredCache deletes expired records from every cache partition and returns
// how many were removed.
func (l *Layer) ClearExpiredCache(ctx context.Context) (int, error) {
	now := l.now()
	total := 0
	for _, p := range Partitions {
		n, err := l.store.DeleteExpired(ctx, p, now)
		if err != nil {
			return total, err
		}
		if n == 0 {
			continue
		}
		total += n
		metrics.AddCacheEvictions(string(p), "expired", n)

		count, err := l.store.Count(ctx, p)
		if err != nil {
			return total, err
		}
		if err := l.updateMetadata(ctx, p, func(m *models.CacheMetadata) {
			m.Size = count
		}); err != nil {
			return total, err
		}
	}
	if total > 0 {
		l.logger.Info().Int("removed", total).Msg("Cleared expired cache entries")
	}
	return total, nil
}

// Invalidate drops every record and the metadata of a partition so the next read
// reports NeedsRefresh.
func (l *Layer) Invalidate(ctx context.Context, p store.Partition) error {
	if _, err := l.store.Clear(ctx, p); err != nil {
		return err
	}
	if _, err := l.store.Delete(ctx, store.CacheMetadata, string(p)); err != nil {
		return err
	}
	l.logger.Debug().Str("partition", string(p)).Msg("Invalidated cache partition")
	return nil
}

// Metadata returns the partition metadata. A partition never cached has zero metadata.
func (l *Layer) Metadata(ctx context.Context, p store.Partition) (models.CacheMetadata, error) {
	r, err := l.store.Get(ctx, store.CacheMetadata, string(p))
	if errors.Is(err, store.ErrNotFound) {
		return models.CacheMetadata{Partition: string(p)}, nil
	}
	if err != nil {
		return models.CacheMetadata{}, err
	}
	var m models.CacheMetadata
	if err := r.Decode(&m); err != nil {
		return models.CacheMetadata{}, err
	}
	return m, nil
}

// AllMetadata returns the metadata of every cache partition.
func (l *Layer) AllMetadata(ctx context.Context) (map[store.Partition]models.CacheMetadata, error) {
	out := make(map[store.Partition]models.CacheMetadata, len(Partitions))
	for _, p := range Partitions {
		m, err := l.Metadata(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = m
	}
	return out, nil
}

// Limit returns the size limit of a partition.
func (l *Layer) Limit(p store.Partition) int {
	return l.limits[p]
}

// Count returns the number of records in a partition.
func (l *Layer) Count(ctx context.Context, p store.Partition) (int, error) {
	return l.store.Count(ctx, p)
}

// Now returns the layer clock.
func (l *Layer) Now() time.Time {
	return l.now()
}

func (l *Layer) updateMetadata(ctx context.Context, p store.Partition, fn func(m *models.CacheMetadata)) error {
	_, err := l.store.Update(ctx, store.CacheMetadata, string(p), func(r *store.Record) error {
		var m models.CacheMetadata
		if err := r.Decode(&m); err != nil {
			return err
		}
		fn(&m)
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		r.Data = data
		r.LastAccessed = m.LastAccessed
		return nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	m := models.CacheMetadata{Partition: string(p)}
	fn(&m)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, store.CacheMetadata, store.Record{
		Key:       string(p),
		Timestamp: l.now(),
		Data:      data,
	})
}
