package service

import (
	"context"
	"errors"
	"time"

	"schoolcheckin/internal/syncmgr"
)

var errAlreadyStarted = errors.New("service already started")

// Start recovers interrupted actions and launches the background sync loop and the
// cache manager jobs. Stop ends them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errAlreadyStarted
	}

	if n, err := m.queue.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		m.logger.Info().Int("recovered", n).Msg("Recovered interrupted actions")
	}

	if m.cache != nil {
		if err := m.cache.Start(); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	online := m.online(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(loopCtx, online)
	}()
	m.logger.Info().Dur("sync_interval", m.cfg.SyncInterval).Msg("Service started")
	return nil
}

// Stop halts the background loops and waits for an in-flight cycle to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	if m.cache != nil {
		m.cache.Stop()
	}
	m.logger.Info().Msg("Service stopped")
}

func (m *Manager) run(ctx context.Context, wasOnline bool) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	poll := time.NewTicker(m.networkPoll)
	defer poll.Stop()

	// debounce is nil until a trigger arrives.
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx, "interval")
		case <-m.queue.Triggers():
			if debounce == nil {
				debounce = time.After(m.cfg.ProcessDelay)
			}
		case <-debounce:
			debounce = nil
			m.cycle(ctx, "queued")
		case <-poll.C:
			online := m.online(ctx)
			if online && !wasOnline {
				m.logger.Info().Msg("Connection restored")
				m.cycle(ctx, "reconnect")
			}
			wasOnline = online
		}
	}
}

func (m *Manager) cycle(ctx context.Context, reason string) {
	res, err := m.SyncNow(ctx, false)
	switch {
	case errors.Is(err, syncmgr.ErrSyncInProgress):
		m.logger.Debug().Str("reason", reason).Msg("Sync skipped, another cycle is running")
	case err != nil:
		if ctx.Err() == nil {
			m.logger.Error().Err(err).Str("reason", reason).Msg("Background sync failed")
		}
	default:
		m.logger.Debug().Str("reason", reason).Int("synced", res.Synced).Msg("Background sync done")
	}
}
