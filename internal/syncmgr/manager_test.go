package syncmgr

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/network"
	"schoolcheckin/internal/queue"
	"schoolcheckin/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	excellent = network.Conditions{Online: true, Downlink: 10, RTT: 40 * time.Millisecond, EffectiveType: network.Type4G}
	// 24 + 16 + 12 = 52
	fair = network.Conditions{Online: true, Downlink: 2, RTT: 300 * time.Millisecond, EffectiveType: network.Type3G}
	// 16 + 16 + 6 = 38
	poor    = network.Conditions{Online: true, Downlink: 1, RTT: 300 * time.Millisecond, EffectiveType: network.Type2G}
	offline = network.Conditions{Online: false}
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BaseBatchSize:    10,
		MaxConcurrency:   4,
		CriticalAge:      5 * time.Minute,
		HistorySize:      100,
		ProgressiveDelay: 500 * time.Millisecond,
		Timeouts: config.TimeoutsConfig{
			Aggressive:   10 * time.Second,
			Normal:       15 * time.Second,
			Conservative: 30 * time.Second,
			Minimal:      45 * time.Second,
		},
	}
}

type recorder struct {
	mu    sync.Mutex
	calls []models.QueuedAction
	fail  func(a models.QueuedAction) error
}

func (r *recorder) Dispatch(ctx context.Context, a models.QueuedAction) (queue.DispatchResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, a)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(a); err != nil {
			return queue.DispatchResult{}, err
		}
	}
	return queue.DispatchResult{}, ctx.Err()
}

func (r *recorder) types() []models.ActionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ActionType, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Type
	}
	return out
}

type fixture struct {
	m     *Manager
	q     *queue.Queue
	net   *network.StaticProvider
	rec   *recorder
	sleep []time.Duration
}

func setup(t *testing.T, cond network.Conditions, cfg config.SyncConfig) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{net: network.NewStaticProvider(cond), rec: &recorder{}}
	f.q = queue.New(s, f.rec, f.net, config.QueueConfig{
		MaxRetryAttempts:     3,
		RetryDelayBase:       time.Second,
		RetryDelayMultiplier: 2,
		MaxQueueSize:         100,
		BatchSize:            10,
	}, nil)
	f.m = New(f.q, f.net, cfg, nil, WithSleep(func(_ context.Context, d time.Duration) error {
		f.sleep = append(f.sleep, d)
		return nil
	}))
	return f
}

var loc = models.Location{Latitude: 41.9, Longitude: -87.6, Accuracy: 10}

func TestDetermineSyncStrategy(t *testing.T) {
	m := New(nil, nil, testSyncConfig(), nil)

	online := func(score int, downlink float64, rtt time.Duration) Quality {
		return Quality{Score: score, Conditions: network.Conditions{Online: true, Downlink: downlink, RTT: rtt}}
	}

	tests := []struct {
		name        string
		q           Quality
		want        string
		batch, conc int
		minPriority models.Priority
	}{
		{"offline with high score", Quality{Score: 95, Conditions: network.Conditions{Online: false, Downlink: 10, RTT: time.Millisecond}}, StrategyNoSync, 0, 0, 0},
		{"score 19", online(19, 10, 10*time.Millisecond), StrategyNoSync, 0, 0, 0},
		{"score 20", online(20, 0.5, time.Second), StrategyMinimal, 2, 1, models.PriorityHigh},
		{"score 39", online(39, 1, 300*time.Millisecond), StrategyMinimal, 2, 1, models.PriorityHigh},
		{"score 40", online(40, 1, 300*time.Millisecond), StrategyConservative, 5, 1, models.PriorityLow},
		{"score 59", online(59, 2, 200*time.Millisecond), StrategyConservative, 5, 1, models.PriorityLow},
		{"score 60", online(60, 2, 200*time.Millisecond), StrategyNormal, 10, 3, models.PriorityLow},
		{"score 79", online(79, 10, 10*time.Millisecond), StrategyNormal, 10, 3, models.PriorityLow},
		{"score 80 fast link", online(80, 5, 50*time.Millisecond), StrategyAggressive, 20, 4, models.PriorityLow},
		{"score 80 slow downlink", online(80, 4.9, 50*time.Millisecond), StrategyNormal, 10, 3, models.PriorityLow},
		{"score 80 high rtt", online(80, 5, 51*time.Millisecond), StrategyNormal, 10, 3, models.PriorityLow},
		{"score 80 unknown rtt", online(80, 5, 0), StrategyNormal, 10, 3, models.PriorityLow},
		{"save data caps at minimal", Quality{Score: 90, Conditions: network.Conditions{Online: true, Downlink: 10, RTT: 10 * time.Millisecond, SaveData: true}}, StrategyMinimal, 2, 1, models.PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := m.DetermineSyncStrategy(tt.q)
			assert.Equal(t, tt.want, s.Name)
			assert.Equal(t, tt.batch, s.BatchSize)
			assert.Equal(t, tt.conc, s.Concurrency)
			if s.Syncs() {
				assert.Equal(t, tt.minPriority, s.MinPriority)
				assert.Positive(t, s.Timeout)
			}
		})
	}
}

func TestDetermineSyncStrategySmallConfig(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BaseBatchSize = 4
	cfg.MaxConcurrency = 2
	m := New(nil, nil, cfg, nil)

	normal := m.DetermineSyncStrategy(Quality{Score: 70, Conditions: network.Conditions{Online: true}})
	assert.Equal(t, 2, normal.Concurrency, "normal keeps at least two in flight")

	conservative := m.DetermineSyncStrategy(Quality{Score: 45, Conditions: network.Conditions{Online: true}})
	assert.Equal(t, 3, conservative.BatchSize, "conservative batches at least three")
	assert.Equal(t, cfg.Timeouts.Conservative, conservative.Timeout)
}

func TestPrioritizeActions(t *testing.T) {
	m := New(nil, nil, testSyncConfig(), nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	action := func(id string, typ models.ActionType, age time.Duration, retries int) models.QueuedAction {
		return models.QueuedAction{ID: id, Type: typ, Timestamp: now.Add(-age), RetryCount: retries}
	}

	t.Run("type priority dominates", func(t *testing.T) {
		in := []models.QueuedAction{
			action("out", models.ActionCheckOut, time.Minute, 0),
			action("ping", models.ActionLocationUpdate, 10*time.Minute, 0),
			action("in", models.ActionCheckIn, 2*time.Minute, 0),
		}
		got := m.PrioritizeActions(in, now)
		assert.Equal(t, []string{"out", "in", "ping"}, ids(got))
		assert.Equal(t, "out", in[0].ID, "input untouched")
	})

	t.Run("aged action overtakes same level", func(t *testing.T) {
		got := m.PrioritizeActions([]models.QueuedAction{
			action("fresh-in", models.ActionCheckIn, time.Minute, 0),
			action("old-update", models.ActionSessionUpdate, 6*time.Minute, 0),
		}, now)
		assert.Equal(t, []string{"old-update", "fresh-in"}, ids(got))
	})

	t.Run("fewer retries then fifo", func(t *testing.T) {
		got := m.PrioritizeActions([]models.QueuedAction{
			action("retried", models.ActionCheckIn, 3*time.Minute, 2),
			action("newer", models.ActionCheckIn, time.Minute, 0),
			action("older", models.ActionCheckIn, 2*time.Minute, 0),
		}, now)
		assert.Equal(t, []string{"older", "newer", "retried"}, ids(got))
	})

	t.Run("critical stays critical", func(t *testing.T) {
		got := m.PrioritizeActions([]models.QueuedAction{
			action("new-out", models.ActionCheckOut, time.Minute, 0),
			action("old-out", models.ActionCheckOut, time.Hour, 0),
		}, now)
		assert.Equal(t, []string{"old-out", "new-out"}, ids(got))
	})
}

func ids(actions []models.QueuedAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func TestSyncNowEndToEnd(t *testing.T) {
	f := setup(t, offline, testSyncConfig())
	ctx := context.Background()

	_, err := f.q.QueueCheckIn(ctx, "school-1", "user-1", models.Location{Latitude: 41.9, Longitude: -87.6})
	require.NoError(t, err)
	st, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)

	f.net.Set(excellent)
	res, err := f.m.SyncNow(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StrategyAggressive, res.Strategy)
	assert.Equal(t, 100, res.NetworkScore)
	assert.Equal(t, 1, res.Synced)

	st, err = f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Synced)

	_, err = f.q.RemoveCompletedActions(ctx)
	require.NoError(t, err)
	st, err = f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Total)
}

func TestSyncNowMinimalSkipsLowPriority(t *testing.T) {
	f := setup(t, poor, testSyncConfig())
	ctx := context.Background()

	_, err := f.q.QueueLocationUpdate(ctx, "user-1", "", loc)
	require.NoError(t, err)
	_, err = f.q.QueueCheckIn(ctx, "school-1", "user-1", loc)
	require.NoError(t, err)
	_, err = f.q.QueueCheckOut(ctx, "session-1", "user-1", loc)
	require.NoError(t, err)

	res, err := f.m.SyncNow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, StrategyMinimal, res.Strategy)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []models.ActionType{models.ActionCheckOut, models.ActionCheckIn}, f.rec.types())

	pending, err := f.q.GetPendingActions(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionLocationUpdate, pending[0].Type)
}

func TestSyncNowProgressiveDelay(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BaseBatchSize = 4
	cfg.ProgressiveDelay = 10 * time.Millisecond
	f := setup(t, fair, cfg)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := f.q.QueueCheckIn(ctx, "school-1", "user-1", loc)
		require.NoError(t, err)
	}

	res, err := f.m.SyncNow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, StrategyConservative, res.Strategy)
	assert.Equal(t, 7, res.Synced)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleep)
}

func TestSyncNowOffline(t *testing.T) {
	f := setup(t, offline, testSyncConfig())
	ctx := context.Background()
	_, err := f.q.QueueCheckIn(ctx, "school-1", "user-1", loc)
	require.NoError(t, err)

	res, err := f.m.SyncNow(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StrategyNoSync, res.Strategy)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.rec.types())
}

func TestSyncNowGuard(t *testing.T) {
	f := setup(t, excellent, testSyncConfig())
	ctx := context.Background()

	f.m.syncing.Store(true)
	_, err := f.m.SyncNow(ctx, false)
	assert.True(t, errors.Is(err, ErrSyncInProgress))

	_, err = f.m.SyncNow(ctx, true)
	assert.NoError(t, err, "forced sync bypasses the guard")
	assert.True(t, f.m.IsSyncing(), "forced sync leaves the guard alone")

	f.m.syncing.Store(false)
	_, err = f.m.SyncNow(ctx, false)
	require.NoError(t, err)
	assert.False(t, f.m.IsSyncing())
}

func TestSyncNowFailureRequeues(t *testing.T) {
	f := setup(t, excellent, testSyncConfig())
	f.rec.fail = func(models.QueuedAction) error { return errors.New("backend returned 502") }
	ctx := context.Background()

	a, err := f.q.QueueCheckOut(ctx, "session-1", "user-1", loc)
	require.NoError(t, err)

	res, err := f.m.SyncNow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, a.ID, res.Errors[0].ActionID)
	assert.True(t, res.Errors[0].WillRetry)
	assert.False(t, res.Success())

	// Backing off: an unforced run finds nothing, a forced one retries.
	res, err = f.m.SyncNow(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	res, err = f.m.SyncNow(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = f.m.SyncNow(ctx, true)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.False(t, res.Errors[0].WillRetry, "third failure is terminal")

	got, err := f.q.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, got.Status)

	ok, err := f.q.RetryAction(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncNowTimeout(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Timeouts.Aggressive = 20 * time.Millisecond
	f := setup(t, excellent, cfg)
	f.rec.fail = func(models.QueuedAction) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	ctx := context.Background()

	_, err := f.q.QueueCheckIn(ctx, "school-1", "user-1", loc)
	require.NoError(t, err)

	res, err := f.m.SyncNow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "deadline exceeded")
}

func TestGetSyncRecommendations(t *testing.T) {
	f := setup(t, excellent, testSyncConfig())
	ctx := context.Background()

	rec, err := f.m.GetSyncRecommendations(ctx)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSync)
	assert.Equal(t, "no pending actions", rec.Reason)

	for i := 0; i < 3; i++ {
		_, err := f.q.QueueCheckIn(ctx, "school-1", "user-1", loc)
		require.NoError(t, err)
	}

	rec, err = f.m.GetSyncRecommendations(ctx)
	require.NoError(t, err)
	assert.True(t, rec.ShouldSync)
	assert.Equal(t, StrategyAggressive, rec.Strategy)
	assert.Equal(t, 3, rec.PendingActions)
	assert.Equal(t, 300*time.Millisecond, rec.EstimatedDuration)
	assert.Zero(t, rec.RetryDelay)

	f.net.Set(offline)
	rec, err = f.m.GetSyncRecommendations(ctx)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSync)
	assert.Equal(t, 90*time.Second, rec.RetryDelay)

	f.net.Set(network.Conditions{Online: true, Downlink: 0.25, RTT: 1500 * time.Millisecond, EffectiveType: network.Type2G})
	rec, err = f.m.GetSyncRecommendations(ctx)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSync)
	assert.Equal(t, StrategyNoSync, rec.Strategy)
	assert.Greater(t, rec.RetryDelay, 80*time.Second)
	assert.Empty(t, f.rec.types(), "recommendations never sync")
}

func TestGetSyncRecommendationsBackingOff(t *testing.T) {
	f := setup(t, excellent, testSyncConfig())
	f.rec.fail = func(models.QueuedAction) error { return errors.New("backend returned 503") }
	ctx := context.Background()

	_, err := f.q.QueueCheckIn(ctx, "school-1", "user-1", loc)
	require.NoError(t, err)
	_, err = f.m.SyncNow(ctx, false)
	require.NoError(t, err)

	rec, err := f.m.GetSyncRecommendations(ctx)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSync)
	assert.Zero(t, rec.PendingActions)
	assert.Equal(t, 1, rec.WaitingActions)
	require.NotNil(t, rec.NextRetryAt)
	assert.Equal(t, "1 actions waiting for retry backoff", rec.Reason)
	assert.LessOrEqual(t, rec.RetryDelay, time.Second)
}

func TestGetSyncRecommendationsDefersLowPriority(t *testing.T) {
	f := setup(t, poor, testSyncConfig())
	ctx := context.Background()
	_, err := f.q.QueueLocationUpdate(ctx, "user-1", "", loc)
	require.NoError(t, err)

	rec, err := f.m.GetSyncRecommendations(ctx)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSync)
	assert.Equal(t, StrategyMinimal, rec.Strategy)
	assert.Equal(t, RetryDelay(38), rec.RetryDelay)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 90*time.Second, RetryDelay(0))
	assert.Equal(t, 60*time.Second, RetryDelay(50))
	assert.Equal(t, 30*time.Second, RetryDelay(100))
	assert.Equal(t, 90*time.Second, RetryDelay(-5))
	assert.Equal(t, 30*time.Second, RetryDelay(250))
}

func TestEstimateSyncDuration(t *testing.T) {
	m := New(nil, nil, testSyncConfig(), nil)
	s := Strategy{Name: StrategyConservative, BatchSize: 3, Concurrency: 1, BatchDelay: 10 * time.Millisecond}

	assert.Equal(t, 7*time.Second+30*time.Millisecond, m.EstimateSyncDuration(7, s))
	assert.Zero(t, m.EstimateSyncDuration(0, s))
	assert.Zero(t, m.EstimateSyncDuration(5, Strategy{Name: StrategyNoSync}))

	m.record(models.SyncResult{Processed: 4, Duration: 2 * time.Second})
	assert.Equal(t, 3*500*time.Millisecond, m.EstimateSyncDuration(3, Strategy{Name: StrategyNormal, BatchSize: 10, Concurrency: 1}))
}

func TestStatistics(t *testing.T) {
	cfg := testSyncConfig()
	cfg.HistorySize = 3
	m := New(nil, nil, cfg, nil)

	assert.Zero(t, m.Statistics().TotalSyncs)

	m.record(models.SyncResult{Strategy: StrategyNormal, Synced: 1, Processed: 1, NetworkScore: 70, Duration: time.Second})
	m.record(models.SyncResult{Strategy: StrategyNormal, Failed: 1, Processed: 1, NetworkScore: 60, Duration: 3 * time.Second})
	m.record(models.SyncResult{Strategy: StrategyAggressive, Synced: 2, Processed: 2, NetworkScore: 90, Duration: time.Second})
	m.record(models.SyncResult{Strategy: StrategyMinimal, Synced: 1, Processed: 1, NetworkScore: 30, Duration: 2 * time.Second})

	st := m.Statistics()
	assert.Equal(t, 3, st.TotalSyncs, "history is bounded")
	assert.InDelta(t, 2.0/3.0, st.SuccessRate, 0.001)
	assert.Equal(t, 2*time.Second, st.AverageDuration)
	assert.InDelta(t, 60.0, st.AverageNetworkScore, 0.001)
	assert.Equal(t, map[string]int{StrategyNormal: 1, StrategyAggressive: 1, StrategyMinimal: 1}, st.StrategyUsage)
	assert.Equal(t, 3, st.TotalSynced)
	assert.Equal(t, 1, st.TotalFailed)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, StrategyMinimal, st.LastResult.Strategy)
}
