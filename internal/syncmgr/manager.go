package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/events"
	"schoolcheckin/internal/metrics"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/network"
	"schoolcheckin/internal/queue"

	"github.com/rs/zerolog"
)

// ErrSyncInProgress is returned by an unforced SyncNow while another run is active.
var ErrSyncInProgress = errors.New("sync already in progress")

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep replaces the inter-batch wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

func WithEventBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// Manager decides whether, how aggressively and in which order to drain the queue.
type Manager struct {
	queue   *queue.Queue
	network network.Provider
	bus     *events.Bus
	cfg     config.SyncConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger

	syncing atomic.Bool

	mu      sync.Mutex
	history []models.SyncResult
}

func New(q *queue.Queue, p network.Provider, cfg config.SyncConfig, logger *zerolog.Logger, opts ...Option) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = models.DefaultSyncHistorySize
	}
	m := &Manager{
		queue:   q,
		network: p,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepCtx,
		logger:  zerolog.Nop(),
	}
	if logger != nil {
		m.logger = logger.With().Str("component", "sync").Logger()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Quality scores the current connectivity.
func (m *Manager) Quality(ctx context.Context) Quality {
	return QualityOf(m.network.Conditions(ctx))
}

// IsSyncing reports whether a guarded sync run is active.
func (m *Manager) IsSyncing() bool {
	return m.syncing.Load()
}

// ExecuteSyncStrategy attempts the actions in order using the strategy batch size,
// concurrency and timeout. Actions below the priority floor are skipped. Slow
// strategies wait progressively longer between batches.
func (m *Manager) ExecuteSyncStrategy(ctx context.Context, actions []models.QueuedAction, s Strategy) models.SyncResult {
	res := models.SyncResult{StartedAt: m.now(), Strategy: s.Name}
	if !s.Syncs() {
		res.Skipped = len(actions)
		return res
	}

	attempt, skipped := m.split(actions, s, res.StartedAt)
	res.Skipped = len(skipped)

	for i, batch := 0, 0; i < len(attempt); i, batch = i+s.BatchSize, batch+1 {
		end := min(i+s.BatchSize, len(attempt))

		if batch > 0 && s.BatchDelay > 0 {
			if err := m.sleep(ctx, time.Duration(batch)*s.BatchDelay); err != nil {
				res.Skipped += len(attempt) - i
				break
			}
		}
		if ctx.Err() != nil {
			res.Skipped += len(attempt) - i
			break
		}

		ids := make([]string, 0, end-i)
		for _, a := range attempt[i:end] {
			ids = append(ids, a.ID)
		}
		for _, out := range m.queue.SyncBatch(ctx, ids, s.Concurrency, s.Timeout) {
			out.AddTo(&res)
		}
	}

	res.Duration = m.now().Sub(res.StartedAt)
	return res
}

// SyncNow runs one sync cycle over the eligible queue. Unforced runs are rejected while
// another unforced run is active; forced runs bypass the guard and ignore retry backoff.
func (m *Manager) SyncNow(ctx context.Context, force bool) (models.SyncResult, error) {
	if !force {
		if !m.syncing.CompareAndSwap(false, true) {
			return models.SyncResult{}, ErrSyncInProgress
		}
		defer m.syncing.Store(false)
	}

	start := m.now()
	q := m.Quality(ctx)
	strategy := m.DetermineSyncStrategy(q)

	actions, err := m.queue.Eligible(ctx, force)
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("load eligible actions: %w", err)
	}

	var res models.SyncResult
	if len(actions) > 0 {
		res = m.ExecuteSyncStrategy(ctx, m.PrioritizeActions(actions, start), strategy)
	}
	res.StartedAt = start
	res.Strategy = strategy.Name
	res.NetworkScore = q.Score
	res.Duration = m.now().Sub(start)

	m.record(res)
	metrics.ObserveSyncCycle(res.Strategy, res.Duration, res.NetworkScore)
	if err := m.bus.PublishJSON(events.EventSyncCompleted, res); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to publish sync result")
	}

	evt := m.logger.Info()
	if res.Processed == 0 && res.Skipped == 0 {
		evt = m.logger.Debug()
	}
	evt.Str("strategy", res.Strategy).
		Int("score", res.NetworkScore).
		Bool("force", force).
		Int("processed", res.Processed).
		Int("synced", res.Synced).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Dur("duration", res.Duration).
		Msg("Sync cycle finished")

	return res, nil
}

func (m *Manager) record(res models.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, res)
	if extra := len(m.history) - m.cfg.HistorySize; extra > 0 {
		m.history = append([]models.SyncResult(nil), m.history[extra:]...)
	}
}

// Recommendation tells the UI whether syncing now is worthwhile.
type Recommendation struct {
	ShouldSync        bool          `json:"should_sync"`
	Strategy          string        `json:"strategy"`
	Reason            string        `json:"reason"`
	PendingActions    int           `json:"pending_actions"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RetryDelay        time.Duration `json:"retry_delay,omitempty"`
	NetworkScore      int           `json:"network_score"`
	// WaitingActions are queued but still backing off; NextRetryAt is the earliest of them.
	WaitingActions int        `json:"waiting_actions,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

// RetryDelay scales from 90s at score 0 down to 30s at score 100.
func RetryDelay(score int) time.Duration {
	score = max(0, min(score, 100))
	return 90*time.Second - time.Duration(score)*60*time.Second/100
}

// GetSyncRecommendations evaluates the current queue and connectivity without syncing.
func (m *Manager) GetSyncRecommendations(ctx context.Context) (Recommendation, error) {
	q := m.Quality(ctx)
	s := m.DetermineSyncStrategy(q)

	actions, err := m.queue.Eligible(ctx, false)
	if err != nil {
		return Recommendation{}, err
	}
	rec := Recommendation{Strategy: s.Name, PendingActions: len(actions), NetworkScore: q.Score}

	if len(actions) == 0 {
		if err := m.backingOff(ctx, &rec); err != nil {
			return Recommendation{}, err
		}
		return rec, nil
	}

	switch {
	case !q.Conditions.Online:
		rec.Reason = "device is offline"
		rec.RetryDelay = RetryDelay(q.Score)
	case !s.Syncs():
		rec.Reason = fmt.Sprintf("connection too poor to sync (score %d)", q.Score)
		rec.RetryDelay = RetryDelay(q.Score)
	case m.IsSyncing():
		rec.Reason = "sync already in progress"
		rec.RetryDelay = RetryDelay(q.Score)
	default:
		attempt, skipped := m.split(actions, s, m.now())
		if len(attempt) == 0 {
			rec.Reason = fmt.Sprintf("%s connection: %d low priority actions deferred", s.Name, len(skipped))
			rec.RetryDelay = RetryDelay(q.Score)
			break
		}
		rec.ShouldSync = true
		rec.EstimatedDuration = m.EstimateSyncDuration(len(attempt), s)
		rec.Reason = fmt.Sprintf("%s connection: %d actions ready", s.Name, len(attempt))
		if len(skipped) > 0 {
			rec.Reason += fmt.Sprintf(", %d deferred", len(skipped))
		}
	}
	return rec, nil
}

// backingOff fills rec for a queue whose actions are all waiting out their retry delay.
func (m *Manager) backingOff(ctx context.Context, rec *Recommendation) error {
	waiting, err := m.queue.Eligible(ctx, true)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		rec.Reason = "no pending actions"
		return nil
	}

	var next *time.Time
	for _, a := range waiting {
		if a.NextRetryAt != nil && (next == nil || a.NextRetryAt.Before(*next)) {
			t := *a.NextRetryAt
			next = &t
		}
	}
	rec.WaitingActions = len(waiting)
	rec.NextRetryAt = next
	rec.Reason = fmt.Sprintf("%d actions waiting for retry backoff", len(waiting))
	if next != nil {
		rec.RetryDelay = max(next.Sub(m.now()), 0)
	}
	return nil
}

var defaultPerAction = map[string]time.Duration{
	StrategyAggressive:   300 * time.Millisecond,
	StrategyNormal:       500 * time.Millisecond,
	StrategyConservative: time.Second,
	StrategyMinimal:      2 * time.Second,
}

// EstimateSyncDuration predicts how long syncing n actions takes with the strategy,
// using the observed per-action time when history has any.
func (m *Manager) EstimateSyncDuration(n int, s Strategy) time.Duration {
	if n <= 0 || !s.Syncs() {
		return 0
	}

	perAction := defaultPerAction[s.Name]
	m.mu.Lock()
	var total time.Duration
	processed := 0
	for _, r := range m.history {
		total += r.Duration
		processed += r.Processed
	}
	m.mu.Unlock()
	if processed > 0 {
		perAction = total / time.Duration(processed)
	}

	var est time.Duration
	for i, batch := 0, 0; i < n; i, batch = i+s.BatchSize, batch+1 {
		size := min(s.BatchSize, n-i)
		rounds := int(math.Ceil(float64(size) / float64(s.Concurrency)))
		est += time.Duration(rounds) * perAction
		if batch > 0 {
			est += time.Duration(batch) * s.BatchDelay
		}
	}
	return est
}

// Stats aggregates the sync history.
type Stats struct {
	TotalSyncs          int                `json:"total_syncs"`
	SuccessRate         float64            `json:"success_rate"`
	AverageDuration     time.Duration      `json:"average_duration"`
	AverageNetworkScore float64            `json:"average_network_score"`
	StrategyUsage       map[string]int     `json:"strategy_usage"`
	TotalSynced         int                `json:"total_synced"`
	TotalFailed         int                `json:"total_failed"`
	LastResult          *models.SyncResult `json:"last_result,omitempty"`
}

// Statistics summarizes the retained history. SuccessRate is the share of cycles
// without failures.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{TotalSyncs: len(m.history), StrategyUsage: make(map[string]int)}
	if len(m.history) == 0 {
		return st
	}

	var (
		successes int
		duration  time.Duration
		score     int
	)
	for _, r := range m.history {
		if r.Success() {
			successes++
		}
		duration += r.Duration
		score += r.NetworkScore
		st.StrategyUsage[r.Strategy]++
		st.TotalSynced += r.Synced
		st.TotalFailed += r.Failed
	}
	n := len(m.history)
	st.SuccessRate = float64(successes) / float64(n)
	st.AverageDuration = duration / time.Duration(n)
	st.AverageNetworkScore = float64(score) / float64(n)
	last := m.history[n-1]
	st.LastResult = &last
	return st
}
