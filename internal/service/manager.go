package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schoolcheckin/internal/cachemanager"
	"schoolcheckin/internal/config"
	"schoolcheckin/internal/events"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/network"
	"schoolcheckin/internal/queue"
	"schoolcheckin/internal/store"
	"schoolcheckin/internal/syncmgr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrOfflineUnavailable is returned when an action can neither reach the backend nor be queued.
	ErrOfflineUnavailable = errors.New("offline storage unavailable")
	ErrInvalidAction      = errors.New("invalid action")
)

type CheckInResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Offline   bool   `json:"offline"`
	ActionID  string `json:"action_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type CheckOutResult struct {
	Success  bool   `json:"success"`
	Offline  bool   `json:"offline"`
	ActionID string `json:"action_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Deps are the collaborators of the Manager. Cache and Bus are optional.
type Deps struct {
	Queue      *queue.Queue
	Sync       *syncmgr.Manager
	Cache      *cachemanager.Manager
	Dispatcher queue.Dispatcher
	Network    network.Provider
	Bus        *events.Bus
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDirectTimeout bounds the online attempt before an action is queued.
func WithDirectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.directTimeout = d
		}
	}
}

// WithNetworkPoll sets how often connectivity is checked for offline to online transitions.
func WithNetworkPoll(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.networkPoll = d
		}
	}
}

// Manager is the entry point for UI actions: it tries the backend directly when online,
// queues otherwise, and keeps the queue draining in the background.
type Manager struct {
	queue      *queue.Queue
	sync       *syncmgr.Manager
	cache      *cachemanager.Manager
	dispatcher queue.Dispatcher
	network    network.Provider
	bus        *events.Bus
	cfg        config.QueueConfig
	logger     zerolog.Logger
	now        func() time.Time

	directTimeout time.Duration
	networkPoll   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(d Deps, cfg config.QueueConfig, logger *zerolog.Logger, opts ...Option) *Manager {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = models.DefaultSyncInterval
	}
	if cfg.ProcessDelay <= 0 {
		cfg.ProcessDelay = models.DefaultProcessDelay
	}
	m := &Manager{
		queue:         d.Queue,
		sync:          d.Sync,
		cache:         d.Cache,
		dispatcher:    d.Dispatcher,
		network:       d.Network,
		bus:           d.Bus,
		cfg:           cfg,
		logger:        zerolog.Nop(),
		now:           time.Now,
		directTimeout: 15 * time.Second,
		networkPoll:   5 * time.Second,
	}
	if logger != nil {
		m.logger = logger.With().Str("component", "service").Logger()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) online(ctx context.Context) bool {
	return m.network != nil && m.network.Conditions(ctx).Online
}

// direct dispatches an action without persisting it.
func (m *Manager) direct(ctx context.Context, t models.ActionType, payload models.ActionPayload) (queue.DispatchResult, error) {
	a := models.QueuedAction{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Status:    models.ActionSyncing,
		Timestamp: payload.Timestamp,
		UserID:    payload.UserID,
		SessionID: payload.SessionID,
		SchoolID:  payload.SchoolID,
		Location:  payload.Location,
		Metadata:  &models.ClientMetadata{NetworkStatus: "online"},
	}
	return queue.DispatchWithTimeout(ctx, m.dispatcher, a, m.directTimeout)
}

func (m *Manager) payload(userID, schoolID, sessionID string, loc models.Location) models.ActionPayload {
	now := m.now()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	return models.ActionPayload{SchoolID: schoolID, SessionID: sessionID, UserID: userID, Location: &loc, Timestamp: now}
}

// CheckIn records the arrival of userID at schoolID.
func (m *Manager) CheckIn(ctx context.Context, schoolID, userID string, loc models.Location) (CheckInResult, error) {
	p := m.payload(userID, schoolID, "", loc)
	if err := m.validate(models.ActionCheckIn, p); err != nil {
		return CheckInResult{}, err
	}

	var directErr error
	if m.online(ctx) {
		res, err := m.direct(ctx, models.ActionCheckIn, p)
		if err == nil {
			m.invalidateSessions(ctx)
			m.logger.Info().Str("user_id", userID).Str("school_id", schoolID).Str("session_id", res.SessionID).Msg("Checked in")
			return CheckInResult{Success: true, SessionID: res.SessionID, Message: "checked in"}, nil
		}
		directErr = err
		m.directFailed()
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("Direct check-in failed, queueing")
	}

	a, err := m.queue.QueueCheckIn(ctx, schoolID, userID, loc)
	if err != nil {
		return CheckInResult{}, m.queueFailure(err, directErr)
	}
	return CheckInResult{Success: true, Offline: true, ActionID: a.ID, Message: "check-in queued, will sync when online"}, nil
}

// CheckOut closes sessionID.
func (m *Manager) CheckOut(ctx context.Context, sessionID, userID string, loc models.Location) (CheckOutResult, error) {
	p := m.payload(userID, "", sessionID, loc)
	if err := m.validate(models.ActionCheckOut, p); err != nil {
		return CheckOutResult{}, err
	}

	var directErr error
	if m.online(ctx) {
		if _, err := m.direct(ctx, models.ActionCheckOut, p); err == nil {
			m.invalidateSessions(ctx)
			m.logger.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("Checked out")
			return CheckOutResult{Success: true, Message: "checked out"}, nil
		} else {
			directErr = err
			m.directFailed()
			m.logger.Warn().Err(err).Str("user_id", userID).Msg("Direct check-out failed, queueing")
		}
	}

	a, err := m.queue.QueueCheckOut(ctx, sessionID, userID, loc)
	if err != nil {
		return CheckOutResult{}, m.queueFailure(err, directErr)
	}
	return CheckOutResult{Success: true, Offline: true, ActionID: a.ID, Message: "check-out queued, will sync when online"}, nil
}

// UpdateSession queues notes or field changes for a session.
func (m *Manager) UpdateSession(ctx context.Context, sessionID, userID, notes string, fields map[string]string) (models.QueuedAction, error) {
	p := models.ActionPayload{SessionID: sessionID, UserID: userID, Notes: notes, Fields: fields}
	if err := m.validate(models.ActionSessionUpdate, p); err != nil {
		return models.QueuedAction{}, err
	}
	a, err := m.queue.QueueSessionUpdate(ctx, sessionID, userID, notes, fields)
	if err != nil {
		return models.QueuedAction{}, m.queueFailure(err, nil)
	}
	return a, nil
}

// RecordLocation queues a location ping and keeps it in the local location cache.
func (m *Manager) RecordLocation(ctx context.Context, userID, sessionID string, loc models.Location) (models.QueuedAction, error) {
	if err := m.validate(models.ActionLocationUpdate, m.payload(userID, "", sessionID, loc)); err != nil {
		return models.QueuedAction{}, err
	}
	a, err := m.queue.QueueLocationUpdate(ctx, userID, sessionID, loc)
	if err != nil {
		return models.QueuedAction{}, m.queueFailure(err, nil)
	}
	if m.cache != nil && a.Location != nil {
		ping := models.LocationPing{ID: a.ID, UserID: userID, SessionID: sessionID, Location: *a.Location}
		if err := m.cache.CacheLocationData(ctx, []models.LocationPing{ping}); err != nil {
			m.logger.Warn().Err(err).Str("action_id", a.ID).Msg("Failed to cache location ping")
		}
	}
	return a, nil
}

// directFailed drops any cached network measurement so the next poll sees the real state.
func (m *Manager) directFailed() {
	if inv, ok := m.network.(network.Invalidator); ok {
		inv.Invalidate()
	}
}

func (m *Manager) validate(t models.ActionType, p models.ActionPayload) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidAction)
	}
	if err := models.ValidatePayload(t, p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	return nil
}

func (m *Manager) queueFailure(err, directErr error) error {
	if directErr != nil {
		return fmt.Errorf("%w: %w (direct attempt: %v)", ErrOfflineUnavailable, err, directErr)
	}
	return fmt.Errorf("%w: %w", ErrOfflineUnavailable, err)
}

func (m *Manager) invalidateSessions(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, store.Sessions); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to invalidate cached sessions")
	}
}

// SyncNow runs one sync cycle, then invalidates cached sessions when anything synced
// and removes completed actions.
func (m *Manager) SyncNow(ctx context.Context, force bool) (models.SyncResult, error) {
	res, err := m.sync.SyncNow(ctx, force)
	if err != nil {
		return res, err
	}
	if res.Synced > 0 {
		m.invalidateSessions(ctx)
	}
	if _, err := m.queue.RemoveCompletedActions(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Cleanup after sync failed")
	}
	return res, nil
}

func (m *Manager) GetQueueStats(ctx context.Context) (models.QueueStats, error) {
	return m.queue.Stats(ctx)
}

func (m *Manager) GetPendingActions(ctx context.Context, userID string) ([]models.QueuedAction, error) {
	return m.queue.GetPendingActions(ctx, userID)
}

// DeadLetters lists up to n actions whose retries are exhausted.
func (m *Manager) DeadLetters(ctx context.Context, n int64) ([]models.QueuedAction, error) {
	return m.queue.DeadLetters(ctx, n)
}

func (m *Manager) RetryAction(ctx context.Context, id string) (bool, error) {
	return m.queue.RetryAction(ctx, id)
}

func (m *Manager) CancelAction(ctx context.Context, id string) error {
	return m.queue.CancelAction(ctx, id)
}

func (m *Manager) Recommendations(ctx context.Context) (syncmgr.Recommendation, error) {
	return m.sync.GetSyncRecommendations(ctx)
}

func (m *Manager) SyncStatistics() syncmgr.Stats {
	return m.sync.Statistics()
}

// CacheStatistics reports cache usage. It fails when no cache manager is configured.
func (m *Manager) CacheStatistics(ctx context.Context) (cachemanager.Statistics, error) {
	if m.cache == nil {
		return cachemanager.Statistics{}, errors.New("cache manager not configured")
	}
	return m.cache.GetCacheStatistics(ctx)
}

// Subscribe registers a queue stats listener and returns its unsubscribe func.
func (m *Manager) Subscribe(fn func(models.QueueStats)) func() {
	return m.queue.Subscribe(fn)
}

// Bus returns the event bus, nil when none is configured.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}
