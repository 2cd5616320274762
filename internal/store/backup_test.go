package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"schoolcheckin/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, PendingActions, rec("a1", "u1", "pending", time.Now())))

	storagePath := filepath.Join(t.TempDir(), "backups")
	b := NewBackupService(s, config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}, nil)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := b.PerformBackup(ctx)
		require.NoError(t, err)

		restored, err := Open(path, nil)
		require.NoError(t, err)
		defer restored.Close()

		got, err := restored.Get(ctx, PendingActions, "a1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, backupPrefix+"old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
		unrelated := filepath.Join(storagePath, "notes.txt")
		require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o644))

		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))
		require.NoError(t, os.Chtimes(unrelated, oldTime, oldTime))

		assert.Equal(t, 1, b.CleanupOldBackups())

		files, err := os.ReadDir(storagePath)
		require.NoError(t, err)
		assert.Len(t, files, 2)
		_, err = os.Stat(oldFile)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("ClosedStore", func(t *testing.T) {
		closed := setupTestStore(t)
		closed.Close()
		_, err := NewBackupService(closed, config.BackupConfig{StoragePath: storagePath}, nil).PerformBackup(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestBackupInMemoryStore(t *testing.T) {
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	b := NewBackupService(s, config.BackupConfig{Enabled: true, StoragePath: t.TempDir()}, nil)
	_, err = b.PerformBackup(context.Background())
	assert.ErrorIs(t, err, ErrNotPersistent)
}

func TestBackupServiceDisabled(_ *testing.T) {
	b := NewBackupService(nil, config.BackupConfig{Enabled: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Start(ctx)
}
