package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"schoolcheckin/internal/config"

	"github.com/rs/zerolog"
)

const backupPrefix = "checkin_"

// ErrNotPersistent is returned when backing up an in-memory store.
var ErrNotPersistent = errors.New("in-memory store has nothing to back up")

// BackupService periodically snapshots the durable store so queued actions survive
// a corrupted database file.
type BackupService struct {
	store  *Store
	config config.BackupConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewBackupService(s *Store, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "backup").Logger()
	}
	return &BackupService{store: s, config: cfg, logger: l, now: time.Now}
}

// Start blocks until ctx is done, taking a snapshot right away and then on every interval.
func (b *BackupService) Start(ctx context.Context) {
	if !b.config.Enabled {
		b.logger.Info().Msg("Backup service is disabled")
		return
	}

	interval := 24 * time.Hour
	if b.config.Schedule != "" {
		if d, err := time.ParseDuration(b.config.Schedule); err == nil && d > 0 {
			interval = d
		} else {
			b.logger.Warn().Str("schedule", b.config.Schedule).Msg("Invalid backup schedule, using 24h")
		}
	}
	b.logger.Info().Dur("interval", interval).Str("db_path", b.store.Path()).Msg("Backup service started")

	if _, err := b.PerformBackup(ctx); err != nil {
		b.logger.Error().Err(err).Msg("Initial backup failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.PerformBackup(ctx); err != nil {
				b.logger.Error().Err(err).Msg("Scheduled backup failed")
			}
			b.CleanupOldBackups()
		}
	}
}

// PerformBackup writes a consistent copy of the store with VACUUM INTO and returns its path.
func (b *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if b.store.closed.Load() {
		return "", ErrClosed
	}
	if b.store.Path() == memoryPath {
		return "", ErrNotPersistent
	}
	if err := os.MkdirAll(b.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("%s%s.db", backupPrefix, b.now().Format("20060102_150405.000"))
	dest := filepath.Join(b.config.StoragePath, name)

	if _, err := b.store.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", dest, err)
	}

	b.logger.Info().Str("path", dest).Msg("Backup completed")
	return dest, nil
}

// CleanupOldBackups removes snapshots older than the retention window and returns how many.
func (b *BackupService) CleanupOldBackups() int {
	if b.config.RetentionDays <= 0 {
		return 0
	}

	files, err := os.ReadDir(b.config.StoragePath)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return 0
	}

	cutoff := b.now().AddDate(0, 0, -b.config.RetentionDays)
	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) {
			continue
		}
		info, err := file.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.config.StoragePath, file.Name())); err != nil {
			b.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
			continue
		}
		removed++
	}
	return removed
}
