package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/events"
	"schoolcheckin/internal/metrics"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/network"
	"schoolcheckin/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull         = errors.New("action queue is full")
	ErrActionNotFound    = errors.New("action not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetriesExhausted  = errors.New("retries exhausted")
)

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithDeadLetter(d DeadLetter) Option {
	return func(q *Queue) { q.deadLetter = d }
}

func WithEventBus(b *events.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithConcurrency bounds in-flight dispatches per batch in ProcessQueue.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithActionTimeout bounds each dispatch in ProcessQueue and any SyncAction call
// made without its own timeout.
func WithActionTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func WithClientMetadata(m models.ClientMetadata) Option {
	return func(q *Queue) { q.clientMeta = m }
}

// Queue is the durable log of user actions awaiting backend confirmation.
type Queue struct {
	store       *store.Store
	dispatcher  Dispatcher
	network     network.Provider
	deadLetter  DeadLetter
	bus         *events.Bus
	cfg         config.QueueConfig
	backoff     Backoff
	limiter     *rate.Limiter
	concurrency int
	timeout     time.Duration
	clientMeta  models.ClientMetadata
	now         func() time.Time
	logger      zerolog.Logger

	triggers chan struct{}

	mu        sync.Mutex
	nextSub   uint64
	listeners map[uint64]func(models.QueueStats)
}

func New(s *store.Store, d Dispatcher, p network.Provider, cfg config.QueueConfig, logger *zerolog.Logger, opts ...Option) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = models.DefaultMaxRetryAttempts
	}
	if cfg.ExpirationTime <= 0 {
		cfg.ExpirationTime = models.DefaultExpirationTime
	}

	pacing := rate.Inf
	if cfg.BatchDelay > 0 {
		pacing = rate.Every(cfg.BatchDelay)
	}

	q := &Queue{
		store:       s,
		dispatcher:  d,
		network:     p,
		cfg:         cfg,
		backoff:     BackoffFromConfig(cfg),
		limiter:     rate.NewLimiter(pacing, 1),
		concurrency: models.DefaultMaxConcurrency,
		timeout:     15 * time.Second,
		clientMeta:  models.ClientMetadata{UserAgent: "schoolcheckin-agent"},
		now:         time.Now,
		logger:      zerolog.Nop(),
		triggers:    make(chan struct{}, 1),
		listeners:   make(map[uint64]func(models.QueueStats)),
	}
	if logger != nil {
		q.logger = logger.With().Str("component", "queue").Logger()
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func toRecord(a models.QueuedAction, now time.Time) (store.Record, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	return store.Record{
		Key:          a.ID,
		UserID:       a.UserID,
		SchoolID:     a.SchoolID,
		Status:       string(a.Status),
		Timestamp:    a.Timestamp,
		LastAccessed: now,
		ExpiresAt:    a.ExpiresAt,
		Data:         data,
	}, nil
}

func fromRecord(r store.Record) (models.QueuedAction, error) {
	var a models.QueuedAction
	if err := r.Decode(&a); err != nil {
		return models.QueuedAction{}, fmt.Errorf("decode action %s: %w", r.Key, err)
	}
	return a, nil
}

func fromRecords(records []store.Record) ([]models.QueuedAction, error) {
	actions := make([]models.QueuedAction, 0, len(records))
	for _, r := range records {
		a, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// QueueAction persists a new pending action and, when online, asks for a processing run.
func (q *Queue) QueueAction(ctx context.Context, t models.ActionType, payload models.ActionPayload, userID string, meta *models.ClientMetadata) (models.QueuedAction, error) {
	if userID == "" {
		return models.QueuedAction{}, errors.New("user id is required")
	}
	if payload.UserID == "" {
		payload.UserID = userID
	}
	if err := models.ValidatePayload(t, payload); err != nil {
		return models.QueuedAction{}, err
	}

	if err := q.ensureCapacity(ctx); err != nil {
		return models.QueuedAction{}, err
	}

	now := q.now()
	if payload.Timestamp.IsZero() {
		payload.Timestamp = now
	}
	action := models.QueuedAction{
		ID:         uuid.NewString(),
		Type:       t,
		Payload:    payload,
		Status:     models.ActionPending,
		MaxRetries: q.cfg.MaxRetryAttempts,
		Timestamp:  now,
		UserID:     userID,
		SessionID:  payload.SessionID,
		SchoolID:   payload.SchoolID,
		Location:   payload.Location,
		Metadata:   meta,
		CachedAt:   now,
		ExpiresAt:  now.Add(q.cfg.ExpirationTime),
	}

	rec, err := toRecord(action, now)
	if err != nil {
		return models.QueuedAction{}, err
	}
	if err := q.store.Add(ctx, store.PendingActions, rec); err != nil {
		return models.QueuedAction{}, fmt.Errorf("queue action: %w", err)
	}

	metrics.IncQueued(string(t))
	q.logger.Info().
		Str("action_id", action.ID).
		Str("action_type", string(t)).
		Str("user_id", userID).
		Msg("Action queued")
	q.publish(events.EventActionQueued, action)
	q.notifyStats(ctx)

	if q.network != nil && q.network.Conditions(ctx).Online {
		q.signal()
	}
	return action, nil
}

func (q *Queue) ensureCapacity(ctx context.Context) error {
	if q.cfg.MaxQueueSize <= 0 {
		return nil
	}
	n, err := q.store.Count(ctx, store.PendingActions)
	if err != nil {
		return err
	}
	if n < q.cfg.MaxQueueSize {
		return nil
	}
	// Completed entries may still occupy the queue.
	if _, err := q.RemoveCompletedActions(ctx); err != nil {
		return err
	}
	if n, err = q.store.Count(ctx, store.PendingActions); err != nil {
		return err
	}
	if n >= q.cfg.MaxQueueSize {
		return fmt.Errorf("%w: %d actions", ErrQueueFull, n)
	}
	return nil
}

func (q *Queue) metadata(ctx context.Context) *models.ClientMetadata {
	m := q.clientMeta
	if q.network != nil {
		m.NetworkStatus = q.network.Conditions(ctx).Status()
	}
	return &m
}

func (q *Queue) snapshot(loc models.Location) *models.Location {
	if loc.Timestamp.IsZero() {
		loc.Timestamp = q.now()
	}
	return &loc
}

// QueueCheckIn queues a check-in at a school.
func (q *Queue) QueueCheckIn(ctx context.Context, schoolID, userID string, loc models.Location) (models.QueuedAction, error) {
	return q.QueueAction(ctx, models.ActionCheckIn, models.ActionPayload{
		SchoolID: schoolID,
		UserID:   userID,
		Location: q.snapshot(loc),
	}, userID, q.metadata(ctx))
}

// QueueCheckOut queues the check-out of a session.
func (q *Queue) QueueCheckOut(ctx context.Context, sessionID, userID string, loc models.Location) (models.QueuedAction, error) {
	return q.QueueAction(ctx, models.ActionCheckOut, models.ActionPayload{
		SessionID: sessionID,
		UserID:    userID,
		Location:  q.snapshot(loc),
	}, userID, q.metadata(ctx))
}

// QueueSessionUpdate queues a correction of session fields.
func (q *Queue) QueueSessionUpdate(ctx context.Context, sessionID, userID, notes string, fields map[string]string) (models.QueuedAction, error) {
	return q.QueueAction(ctx, models.ActionSessionUpdate, models.ActionPayload{
		SessionID: sessionID,
		UserID:    userID,
		Notes:     notes,
		Fields:    fields,
	}, userID, q.metadata(ctx))
}

// QueueLocationUpdate queues a location ping, optionally tied to a session.
func (q *Queue) QueueLocationUpdate(ctx context.Context, userID, sessionID string, loc models.Location) (models.QueuedAction, error) {
	return q.QueueAction(ctx, models.ActionLocationUpdate, models.ActionPayload{
		SessionID: sessionID,
		UserID:    userID,
		Location:  q.snapshot(loc),
	}, userID, q.metadata(ctx))
}

// GetAction returns one action by id.
func (q *Queue) GetAction(ctx context.Context, id string) (models.QueuedAction, error) {
	r, err := q.store.Get(ctx, store.PendingActions, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.QueuedAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if err != nil {
		return models.QueuedAction{}, err
	}
	return fromRecord(r)
}

// GetPendingActions returns pending and failed actions, oldest first. An empty userID
// returns every user's actions.
func (q *Queue) GetPendingActions(ctx context.Context, userID string) ([]models.QueuedAction, error) {
	var (
		records []store.Record
		err     error
	)
	if userID != "" {
		records, err = q.store.GetByIndex(ctx, store.PendingActions, store.IndexUser, userID)
	} else {
		records, err = q.store.GetAll(ctx, store.PendingActions)
	}
	if err != nil {
		return nil, err
	}
	actions, err := fromRecords(records)
	if err != nil {
		return nil, err
	}

	out := actions[:0]
	for _, a := range actions {
		if a.Status == models.ActionPending || a.Status == models.ActionFailed {
			out = append(out, a)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

// Eligible returns the actions a sync run may attempt now: pending ones and failed ones
// with retry budget, skipping expired actions and those still backing off unless force.
func (q *Queue) Eligible(ctx context.Context, force bool) ([]models.QueuedAction, error) {
	actions, err := q.GetPendingActions(ctx, "")
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := actions[:0]
	for _, a := range actions {
		if a.Expired(now) {
			continue
		}
		if a.Status == models.ActionFailed && !a.Retriable() {
			continue
		}
		if !force && a.NextRetryAt != nil && a.NextRetryAt.After(now) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func sortOldestFirst(actions []models.QueuedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
}

// UpdateActionStatus moves an action through the state machine in one store transaction.
// failed increments the retry count and schedules the next attempt; synced stamps the
// sync time. Exhausted failures are handed to the dead letter.
func (q *Queue) UpdateActionStatus(ctx context.Context, id string, status models.ActionStatus, errMsg string) (models.QueuedAction, error) {
	if !status.Valid() {
		return models.QueuedAction{}, fmt.Errorf("unknown status %q", status)
	}

	var updated models.QueuedAction
	_, err := q.store.Update(ctx, store.PendingActions, id, func(r *store.Record) error {
		a, err := fromRecord(*r)
		if err != nil {
			return err
		}
		if err := q.apply(&a, status, errMsg); err != nil {
			return err
		}
		rec, err := toRecord(a, q.now())
		if err != nil {
			return err
		}
		*r = rec
		updated = a
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.QueuedAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if err != nil {
		return models.QueuedAction{}, err
	}

	if updated.Exhausted() {
		q.exhausted(ctx, updated)
	}
	q.notifyStats(ctx)
	return updated, nil
}

func (q *Queue) apply(a *models.QueuedAction, status models.ActionStatus, errMsg string) error {
	if !a.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}
	if a.Status == models.ActionFailed && status == models.ActionPending && !a.Retriable() {
		return fmt.Errorf("%w: %d of %d", ErrRetriesExhausted, a.RetryCount, a.MaxRetries)
	}

	now := q.now()
	switch status {
	case models.ActionFailed:
		a.RetryCount++
		a.LastError = errMsg
		a.NextRetryAt = nil
		if a.Retriable() {
			next := now.Add(q.backoff.Delay(a.RetryCount))
			a.NextRetryAt = &next
		}
	case models.ActionSynced:
		a.SyncedAt = &now
		a.LastError = ""
		a.NextRetryAt = nil
	case models.ActionPending, models.ActionSyncing, models.ActionCancelled:
	}
	a.Status = status
	return nil
}

// DeadLetters returns up to n exhausted actions from the dead letter. It returns an
// empty list when the dead letter cannot be read back.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]models.QueuedAction, error) {
	r, ok := q.deadLetter.(DeadLetterReader)
	if !ok {
		return []models.QueuedAction{}, nil
	}
	letters, err := r.List(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

func (q *Queue) exhausted(ctx context.Context, a models.QueuedAction) {
	metrics.ObserveAction(string(a.Type), "exhausted")
	q.logger.Error().
		Str("action_id", a.ID).
		Str("action_type", string(a.Type)).
		Int("retry_count", a.RetryCount).
		Str("error", a.LastError).
		Msg("Action retries exhausted")

	if q.deadLetter == nil {
		return
	}
	if err := q.deadLetter.Push(context.WithoutCancel(ctx), a); err != nil {
		q.logger.Warn().Err(err).Str("action_id", a.ID).Msg("Failed to push dead letter")
	}
}

// SyncOutcome is the result of one SyncAction call.
type SyncOutcome struct {
	Action    models.QueuedAction
	Synced    bool
	Skipped   bool
	WillRetry bool
	SessionID string
	Err       error
}

// AddTo folds the outcome into a sync result.
func (o SyncOutcome) AddTo(res *models.SyncResult) {
	switch {
	case o.Skipped:
		res.Skipped++
	case o.Synced:
		res.Processed++
		res.Synced++
	default:
		res.Processed++
		res.Failed++
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		res.Errors = append(res.Errors, models.SyncError{
			ActionID:   o.Action.ID,
			ActionType: o.Action.Type,
			Message:    msg,
			WillRetry:  o.WillRetry,
		})
	}
}

// SyncAction dispatches a single action. It claims the action (pending or retriable
// failed to syncing), calls the backend with the timeout and records synced or failed.
// Cancelling ctx after the claim does not interrupt the call.
// A failure with retry budget left goes back to pending. Backend errors are reported in
// the outcome; the returned error is reserved for store failures.
func (q *Queue) SyncAction(ctx context.Context, id string, timeout time.Duration) (SyncOutcome, error) {
	action, err := q.claim(ctx, id)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrActionNotFound) {
		return SyncOutcome{Action: action, Skipped: true, Err: err}, nil
	}
	if err != nil {
		return SyncOutcome{Action: action, Skipped: true, Err: err}, err
	}

	if timeout <= 0 {
		timeout = q.timeout
	}
	// A claimed action finishes its call even if the caller stops waiting; only the
	// per-action timeout counts against it.
	sctx := context.WithoutCancel(ctx)
	res, dispatchErr := DispatchWithTimeout(sctx, q.dispatcher, action, timeout)

	if dispatchErr == nil {
		synced, err := q.UpdateActionStatus(sctx, id, models.ActionSynced, "")
		if err != nil {
			return SyncOutcome{Action: action, Err: err}, err
		}
		metrics.ObserveAction(string(synced.Type), "synced")
		q.logger.Info().Str("action_id", id).Str("action_type", string(synced.Type)).Msg("Action synced")
		q.publish(events.EventActionSynced, synced)
		return SyncOutcome{Action: synced, Synced: true, SessionID: res.SessionID}, nil
	}

	failed, err := q.UpdateActionStatus(sctx, id, models.ActionFailed, dispatchErr.Error())
	if err != nil {
		return SyncOutcome{Action: action, Err: err}, err
	}
	metrics.ObserveAction(string(failed.Type), "failed")
	q.logger.Warn().
		Err(dispatchErr).
		Str("action_id", id).
		Str("action_type", string(failed.Type)).
		Int("retry_count", failed.RetryCount).
		Msg("Action sync failed")
	q.publish(events.EventActionFailed, failed)

	out := SyncOutcome{Action: failed, Err: dispatchErr, WillRetry: failed.Retriable()}
	if out.WillRetry {
		requeued, err := q.UpdateActionStatus(sctx, id, models.ActionPending, "")
		if err != nil {
			return out, err
		}
		out.Action = requeued
	}
	return out, nil
}

func (q *Queue) claim(ctx context.Context, id string) (models.QueuedAction, error) {
	var claimed models.QueuedAction
	_, err := q.store.Update(ctx, store.PendingActions, id, func(r *store.Record) error {
		a, err := fromRecord(*r)
		if err != nil {
			return err
		}
		if a.Expired(q.now()) {
			return fmt.Errorf("%w: action expired", ErrInvalidTransition)
		}
		if a.Status == models.ActionFailed {
			if err := q.apply(&a, models.ActionPending, ""); err != nil {
				return err
			}
		}
		if err := q.apply(&a, models.ActionSyncing, ""); err != nil {
			return err
		}
		rec, err := toRecord(a, q.now())
		if err != nil {
			return err
		}
		*r = rec
		claimed = a
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.QueuedAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if err == nil {
		q.notifyStats(ctx)
	}
	return claimed, err
}

// SyncBatch runs SyncAction for every id with at most concurrency calls in flight.
// Outcomes are returned in input order.
func (q *Queue) SyncBatch(ctx context.Context, ids []string, concurrency int, timeout time.Duration) []SyncOutcome {
	if concurrency < 1 {
		concurrency = 1
	}
	outcomes := make([]SyncOutcome, len(ids))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out, err := q.SyncAction(ctx, id, timeout)
			if err != nil {
				q.logger.Error().Err(err).Str("action_id", id).Msg("Store failure during sync")
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ProcessQueue drains eligible actions in batches, pacing batches with the configured
// delay, then removes completed actions. Nothing is attempted while offline.
func (q *Queue) ProcessQueue(ctx context.Context) (models.SyncResult, error) {
	start := q.now()
	res := models.SyncResult{StartedAt: start, Strategy: "queue"}

	actions, err := q.Eligible(ctx, false)
	if err != nil {
		return res, err
	}

	if q.network != nil {
		c := q.network.Conditions(ctx)
		res.NetworkScore = network.Score(c)
		if !c.Online {
			res.Skipped = len(actions)
			return res, nil
		}
	}

	for i := 0; i < len(actions); i += q.cfg.BatchSize {
		end := min(i+q.cfg.BatchSize, len(actions))
		if err := q.limiter.Wait(ctx); err != nil {
			res.Skipped += len(actions) - i
			res.Duration = q.now().Sub(start)
			return res, err
		}

		ids := make([]string, 0, end-i)
		for _, a := range actions[i:end] {
			ids = append(ids, a.ID)
		}
		for _, out := range q.SyncBatch(ctx, ids, q.concurrency, q.timeout) {
			out.AddTo(&res)
		}
	}

	if _, err := q.RemoveCompletedActions(ctx); err != nil {
		q.logger.Error().Err(err).Msg("Cleanup after processing failed")
	}

	res.Duration = q.now().Sub(start)
	q.logger.Info().
		Int("processed", res.Processed).
		Int("synced", res.Synced).
		Int("failed", res.Failed).
		Msg("Queue processed")
	return res, nil
}

// RemoveCompletedActions deletes synced, cancelled, expired and exhausted actions.
// Actions in flight are left alone.
func (q *Queue) RemoveCompletedActions(ctx context.Context) (int, error) {
	records, err := q.store.GetAll(ctx, store.PendingActions)
	if err != nil {
		return 0, err
	}
	actions, err := fromRecords(records)
	if err != nil {
		return 0, err
	}

	now := q.now()
	var keys []string
	for _, a := range actions {
		switch {
		case a.Status == models.ActionSyncing:
		case a.Status == models.ActionSynced, a.Status == models.ActionCancelled:
			keys = append(keys, a.ID)
		case a.Exhausted(), a.Expired(now):
			keys = append(keys, a.ID)
		}
	}

	n, err := q.store.Delete(ctx, store.PendingActions, keys...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Debug().Int("removed", n).Msg("Removed completed actions")
		q.notifyStats(ctx)
	}
	return n, nil
}

// CancelAction stops future processing of a pending or failed action.
func (q *Queue) CancelAction(ctx context.Context, id string) error {
	_, err := q.UpdateActionStatus(ctx, id, models.ActionCancelled, "")
	if err == nil {
		q.logger.Info().Str("action_id", id).Msg("Action cancelled")
	}
	return err
}

var errRetryRefused = errors.New("retry refused")

// RetryAction gives a pending or failed action one more attempt: the retry count drops
// by one and backoff is cleared. It returns false without changes once the retry
// budget is spent.
func (q *Queue) RetryAction(ctx context.Context, id string) (bool, error) {
	_, err := q.store.Update(ctx, store.PendingActions, id, func(r *store.Record) error {
		a, err := fromRecord(*r)
		if err != nil {
			return err
		}
		if a.RetryCount >= a.MaxRetries {
			return errRetryRefused
		}
		switch a.Status {
		case models.ActionFailed:
			if err := q.apply(&a, models.ActionPending, ""); err != nil {
				return err
			}
		case models.ActionPending:
		default:
			return fmt.Errorf("%w: cannot retry %s action", ErrInvalidTransition, a.Status)
		}
		if a.RetryCount > 0 {
			a.RetryCount--
		}
		a.NextRetryAt = nil

		rec, err := toRecord(a, q.now())
		if err != nil {
			return err
		}
		*r = rec
		return nil
	})
	switch {
	case errors.Is(err, errRetryRefused):
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	case err != nil:
		return false, err
	}

	q.logger.Info().Str("action_id", id).Msg("Action retry requested")
	q.notifyStats(ctx)
	q.signal()
	return true, nil
}

// Recover fails actions left in syncing by an interrupted process so they re-enter
// the retry cycle.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	records, err := q.store.GetByIndex(ctx, store.PendingActions, store.IndexStatus, string(models.ActionSyncing))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, r := range records {
		a, err := q.UpdateActionStatus(ctx, r.Key, models.ActionFailed, "interrupted during sync")
		if err != nil {
			return recovered, err
		}
		if a.Retriable() {
			if _, err := q.UpdateActionStatus(ctx, r.Key, models.ActionPending, ""); err != nil {
				return recovered, err
			}
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Warn().Int("count", recovered).Msg("Recovered interrupted actions")
	}
	return recovered, nil
}

// Stats counts actions per status and the pending time range.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	counts, err := q.store.CountBy(ctx, store.PendingActions, store.IndexStatus)
	if err != nil {
		return models.QueueStats{}, err
	}
	st := models.QueueStats{
		Pending:   counts[string(models.ActionPending)],
		Syncing:   counts[string(models.ActionSyncing)],
		Synced:    counts[string(models.ActionSynced)],
		Failed:    counts[string(models.ActionFailed)],
		Cancelled: counts[string(models.ActionCancelled)],
	}
	for _, n := range counts {
		st.Total += n
	}

	if st.Pending > 0 {
		pending, err := q.store.GetByIndex(ctx, store.PendingActions, store.IndexStatus, string(models.ActionPending))
		if err != nil {
			return models.QueueStats{}, err
		}
		if len(pending) > 0 {
			oldest := pending[0].Timestamp
			newest := pending[len(pending)-1].Timestamp
			st.OldestPending = &oldest
			st.NewestPending = &newest
		}
	}
	return st, nil
}

// Subscribe registers a listener called with fresh stats after every queue change.
func (q *Queue) Subscribe(fn func(models.QueueStats)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	id := q.nextSub
	q.listeners[id] = fn
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Triggers delivers a signal whenever the queue wants a processing run.
func (q *Queue) Triggers() <-chan struct{} {
	return q.triggers
}

func (q *Queue) signal() {
	select {
	case q.triggers <- struct{}{}:
	default:
	}
}

func (q *Queue) notifyStats(ctx context.Context) {
	st, err := q.Stats(context.WithoutCancel(ctx))
	if err != nil {
		q.logger.Warn().Err(err).Msg("Failed to compute queue stats")
		return
	}

	metrics.SetQueueDepth(string(models.ActionPending), st.Pending)
	metrics.SetQueueDepth(string(models.ActionSyncing), st.Syncing)
	metrics.SetQueueDepth(string(models.ActionSynced), st.Synced)
	metrics.SetQueueDepth(string(models.ActionFailed), st.Failed)
	metrics.SetQueueDepth(string(models.ActionCancelled), st.Cancelled)

	q.mu.Lock()
	listeners := make([]func(models.QueueStats), 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
	if err := q.bus.PublishJSON(events.EventQueueStatsChanged, st); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to publish queue stats")
	}
}

func (q *Queue) publish(eventType string, a models.QueuedAction) {
	err := q.bus.PublishJSON(eventType, events.ActionEventPayload{
		ActionID:   a.ID,
		ActionType: string(a.Type),
		UserID:     a.UserID,
		Status:     string(a.Status),
		RetryCount: a.RetryCount,
		Error:      a.LastError,
		At:         q.now(),
	})
	if err != nil {
		q.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
