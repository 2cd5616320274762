package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schoolcheckin/internal/cache"
	"schoolcheckin/internal/config"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const refreshTimeout = 30 * time.Second

// Refresher fetches fresh content for a partition from the document database.
type Refresher interface {
	Refresh(ctx context.Context, p store.Partition) ([]cache.Item, error)
}

type RefresherFunc func(ctx context.Context, p store.Partition) ([]cache.Item, error)

func (f RefresherFunc) Refresh(ctx context.Context, p store.Partition) ([]cache.Item, error) {
	return f(ctx, p)
}

// Cached is a typed cache read.
type Cached[T any] struct {
	Items        []T       `json:"items"`
	IsStale      bool      `json:"is_stale"`
	NeedsRefresh bool      `json:"needs_refresh"`
	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func decode[T any](res cache.Result) (Cached[T], error) {
	items, err := cache.Decode[T](res.Data)
	if err != nil {
		return Cached[T]{}, err
	}
	return Cached[T]{
		Items:        items,
		IsStale:      res.IsStale,
		NeedsRefresh: res.NeedsRefresh,
		CachedAt:     res.CachedAt,
		ExpiresAt:    res.ExpiresAt,
	}, nil
}

type Option func(*Manager)

func WithRefresher(p store.Partition, r Refresher) Option {
	return func(m *Manager) { m.refreshers[p] = r }
}

// Manager binds a fixed strategy to each cache partition and keeps them fresh.
type Manager struct {
	layer      *cache.Layer
	cfg        config.CacheConfig
	strategies map[store.Partition]models.CacheStrategy
	refreshers map[store.Partition]Refresher
	logger     zerolog.Logger

	mu       sync.Mutex
	inflight map[store.Partition]bool
	cron     *cron.Cron
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(layer *cache.Layer, cfg config.CacheConfig, logger *zerolog.Logger, opts ...Option) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = models.DefaultCacheRefreshInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = models.DefaultCacheCleanupInterval
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		layer:      layer,
		cfg:        cfg,
		strategies: Strategies(cfg),
		refreshers: make(map[store.Partition]Refresher),
		logger:     zerolog.Nop(),
		inflight:   make(map[store.Partition]bool),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	if logger != nil {
		m.logger = logger.With().Str("component", "cache_manager").Logger()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Strategies returns the fixed per-partition strategies, with stale times taken from
// the configured expirations.
func Strategies(cfg config.CacheConfig) map[store.Partition]models.CacheStrategy {
	staleTime := func(p store.Partition, def time.Duration) time.Duration {
		if d, ok := cfg.Expiration[string(p)]; ok && d > 0 {
			return d
		}
		return def
	}
	return map[store.Partition]models.CacheStrategy{
		store.Schools: {
			Refresh:           models.RefreshStaleWhileRevalidate,
			Priority:          models.PriorityHigh,
			BackgroundRefresh: true,
			StaleTime:         staleTime(store.Schools, models.SchoolsExpiration),
		},
		store.Sessions: {
			Refresh:           models.RefreshStaleWhileRevalidate,
			Priority:          models.PriorityHigh,
			BackgroundRefresh: true,
			StaleTime:         staleTime(store.Sessions, models.SessionsExpiration),
		},
		store.UserData: {
			Refresh:           models.RefreshBackground,
			Priority:          models.PriorityMedium,
			BackgroundRefresh: true,
			StaleTime:         staleTime(store.UserData, models.UserDataExpiration),
		},
		store.LocationPings: {
			Refresh:   models.RefreshOnDemand,
			Priority:  models.PriorityLow,
			StaleTime: staleTime(store.LocationPings, models.LocationPingsExpiration),
		},
	}
}

// SetRefresher registers the refresh source of a partition.
func (m *Manager) SetRefresher(p store.Partition, r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshers[p] = r
}

func (m *Manager) refresher(p store.Partition) Refresher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshers[p]
}

// Strategy returns the strategy bound to a partition.
func (m *Manager) Strategy(p store.Partition) models.CacheStrategy {
	return m.strategies[p]
}

func (m *Manager) CacheSchools(ctx context.Context, schools []models.School) error {
	return m.layer.CacheData(ctx, store.Schools, SchoolItems(schools), m.strategies[store.Schools])
}

func (m *Manager) GetCachedSchools(ctx context.Context) (Cached[models.School], error) {
	res, err := m.read(ctx, store.Schools, nil)
	if err != nil {
		return Cached[models.School]{}, err
	}
	return decode[models.School](res)
}

func (m *Manager) CacheSessions(ctx context.Context, sessions []models.Session) error {
	return m.layer.CacheData(ctx, store.Sessions, SessionItems(sessions), m.strategies[store.Sessions])
}

// GetCachedSessions returns cached sessions, only those of userID when set.
func (m *Manager) GetCachedSessions(ctx context.Context, userID string) (Cached[models.Session], error) {
	res, err := m.read(ctx, store.Sessions, userFilter(userID))
	if err != nil {
		return Cached[models.Session]{}, err
	}
	return decode[models.Session](res)
}

func (m *Manager) CacheUserData(ctx context.Context, users ...models.UserProfile) error {
	return m.layer.CacheData(ctx, store.UserData, UserItems(users), m.strategies[store.UserData])
}

// GetCachedUserData returns the cached profile of userID. Found is false when absent.
func (m *Manager) GetCachedUserData(ctx context.Context, userID string) (models.UserProfile, bool, Cached[models.UserProfile], error) {
	res, err := m.read(ctx, store.UserData, userFilter(userID))
	if err != nil {
		return models.UserProfile{}, false, Cached[models.UserProfile]{}, err
	}
	out, err := decode[models.UserProfile](res)
	if err != nil {
		return models.UserProfile{}, false, out, err
	}
	if len(out.Items) == 0 {
		return models.UserProfile{}, false, out, nil
	}
	return out.Items[0], true, out, nil
}

func (m *Manager) CacheLocationData(ctx context.Context, pings []models.LocationPing) error {
	return m.layer.CacheData(ctx, store.LocationPings, LocationItems(pings), m.strategies[store.LocationPings])
}

func (m *Manager) GetCachedLocationData(ctx context.Context, userID string) (Cached[models.LocationPing], error) {
	res, err := m.read(ctx, store.LocationPings, userFilter(userID))
	if err != nil {
		return Cached[models.LocationPing]{}, err
	}
	return decode[models.LocationPing](res)
}

// Invalidate drops a partition; stale-while-revalidate partitions refill in the background.
func (m *Manager) Invalidate(ctx context.Context, p store.Partition) error {
	if err := m.layer.Invalidate(ctx, p); err != nil {
		return err
	}
	if m.strategies[p].Refresh == models.RefreshStaleWhileRevalidate {
		m.refreshAsync(p)
	}
	return nil
}

func userFilter(userID string) *cache.Filter {
	if userID == "" {
		return nil
	}
	return &cache.Filter{Index: store.IndexUser, Value: userID}
}

func (m *Manager) read(ctx context.Context, p store.Partition, filter *cache.Filter) (cache.Result, error) {
	res, err := m.layer.GetCachedData(ctx, p, filter)
	if err != nil {
		return cache.Result{}, err
	}
	if res.IsStale && m.strategies[p].Refresh == models.RefreshStaleWhileRevalidate {
		m.refreshAsync(p)
	}
	return res, nil
}

// refreshAsync refreshes p in the background unless a refresh is already running.
func (m *Manager) refreshAsync(p store.Partition) {
	if m.refresher(p) == nil {
		return
	}
	m.mu.Lock()
	if m.inflight[p] || m.baseCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.inflight[p] = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, p)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.baseCtx, refreshTimeout)
		defer cancel()
		if err := m.Refresh(ctx, p); err != nil {
			m.logger.Warn().Err(err).Str("partition", string(p)).Msg("Background refresh failed")
		}
	}()
}

// Refresh refetches a partition through its refresher and rewrites it.
func (m *Manager) Refresh(ctx context.Context, p store.Partition) error {
	r := m.refresher(p)
	if r == nil {
		return fmt.Errorf("no refresher for %s", p)
	}
	items, err := r.Refresh(ctx, p)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", p, err)
	}
	if err := m.layer.CacheData(ctx, p, items, m.strategies[p]); err != nil {
		return fmt.Errorf("refresh %s: %w", p, err)
	}
	m.logger.Debug().Str("partition", string(p)).Int("items", len(items)).Msg("Cache refreshed")
	return nil
}

// RefreshSweep refreshes every background-refreshed partition that is stale or was
// never cached, and returns how many partitions were refreshed.
func (m *Manager) RefreshSweep(ctx context.Context) (int, error) {
	now := m.layer.Now()
	refreshed := 0
	var errs []error
	for _, p := range cache.Partitions {
		s := m.strategies[p]
		if !s.BackgroundRefresh || m.refresher(p) == nil {
			continue
		}
		meta, err := m.layer.Metadata(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !meta.CachedAt.IsZero() && now.Before(staleAt(meta)) {
			continue
		}
		if err := m.Refresh(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// CleanupSweep removes expired entries from every partition.
func (m *Manager) CleanupSweep(ctx context.Context) (int, error) {
	return m.layer.ClearExpiredCache(ctx)
}

func staleAt(meta models.CacheMetadata) time.Time {
	window := meta.ExpiresAt.Sub(meta.CachedAt)
	return meta.CachedAt.Add(time.Duration(float64(window) * models.StaleThreshold))
}

// Start schedules the refresh and cleanup sweeps.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return errors.New("cache manager already started")
	}
	if m.baseCtx.Err() != nil {
		return errors.New("cache manager stopped")
	}

	c := cron.New()
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) (int, error)
	}{
		{"refresh", m.cfg.RefreshInterval, m.RefreshSweep},
		{"cleanup", m.cfg.CleanupInterval, m.CleanupSweep},
	}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc("@every "+job.interval.String(), func() {
			n, err := job.run(m.baseCtx)
			if err != nil {
				m.logger.Error().Err(err).Str("job", job.name).Msg("Cache sweep failed")
				return
			}
			m.logger.Debug().Str("job", job.name).Int("count", n).Msg("Cache sweep finished")
		}); err != nil {
			return fmt.Errorf("schedule %s sweep: %w", job.name, err)
		}
	}
	c.Start()
	m.cron = c

	m.logger.Info().
		Dur("refresh_interval", m.cfg.RefreshInterval).
		Dur("cleanup_interval", m.cfg.CleanupInterval).
		Msg("Cache manager started")
	return nil
}

// Stop waits for running sweeps and background refreshes.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Cache manager stopped")
}
