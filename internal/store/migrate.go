package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func partitionTable(p Partition) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            key TEXT PRIMARY KEY,
            user_id TEXT NOT NULL DEFAULT '',
            school_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT '',
            ts INTEGER NOT NULL,
            last_accessed INTEGER NOT NULL,
            expires_at INTEGER,
            data TEXT NOT NULL
        )`, p),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s(user_id)`, p, p),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_school_id ON %s(school_id)`, p, p),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, p, p),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts)`, p, p),
	}
}

func cacheIndexes(p Partition) []string {
	return []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_last_accessed ON %s(last_accessed)`, p, p),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s(expires_at)`, p, p),
	}
}

// migrations are applied in order; the index+1 is the schema version they produce.
// Steps must only add tables and indexes so upgrades never lose data.
var migrations = []func() []string{
	func() []string {
		var q []string
		for _, p := range []Partition{Schools, Sessions, UserData, CacheMetadata, PendingActions} {
			q = append(q, partitionTable(p)...)
		}
		return q
	},
	func() []string {
		q := partitionTable(LocationPings)
		for _, p := range []Partition{Schools, Sessions, UserData, LocationPings, PendingActions} {
			q = append(q, cacheIndexes(p)...)
		}
		return q
	},
}

// LatestSchemaVersion is the version Open migrates to.
var LatestSchemaVersion = len(migrations)

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
            version INTEGER PRIMARY KEY,
            applied_at DATETIME NOT NULL
        )`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := current; v < len(migrations); v++ {
		if err := s.applyMigration(ctx, v+1, migrations[v]()); err != nil {
			return err
		}
		s.logger.Info().Int("version", v+1).Msg("Applied schema migration")
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, queries []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration %d: error executing query %s: %w", version, query, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		version, time.Now()); err != nil {
		return fmt.Errorf("migration %d: failed to record version: %w", version, err)
	}
	return tx.Commit()
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.schemaVersion(ctx)
}
