package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicate        = errors.New("record already exists")
	ErrClosed           = errors.New("store is closed")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrUnknownIndex     = errors.New("unknown index")
)

// Partition names a table holding one kind of record.
type Partition string

const (
	Schools        Partition = "schools"
	Sessions       Partition = "sessions"
	UserData       Partition = "user_data"
	LocationPings  Partition = "location_pings"
	CacheMetadata  Partition = "cache_metadata"
	PendingActions Partition = "pending_actions"
)

// Partitions lists every partition known to the current schema.
var Partitions = []Partition{Schools, Sessions, UserData, LocationPings, CacheMetadata, PendingActions}

func (p Partition) valid() bool {
	for _, known := range Partitions {
		if p == known {
			return true
		}
	}
	return false
}

// Index is a secondary index usable with GetByIndex.
type Index string

const (
	IndexUser   Index = "user_id"
	IndexSchool Index = "school_id"
	IndexStatus Index = "status"
)

func (i Index) valid() bool {
	switch i {
	case IndexUser, IndexSchool, IndexStatus:
		return true
	}
	return false
}

// Record is a single row of a partition. Data holds the JSON encoded value.
type Record struct {
	Key          string
	UserID       string
	SchoolID     string
	Status       string
	Timestamp    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	Data         json.RawMessage
}

// Decode unmarshals the record data into v.
func (r Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("record %s has no data", r.Key)
	}
	return json.Unmarshal(r.Data, v)
}

// Store is the sqlite backed durable store.
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
	logger zerolog.Logger
}

const memoryPath = ":memory:"

// Open creates the database directory if needed, opens the database and migrates it
// to the latest schema version.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; sqlite allows only one at a time anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "store").Logger()
	}

	s := &Store{db: db, path: path, logger: l}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	l.Info().Str("path", path).Msg("Durable store initialized")
	return s, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) check(p Partition) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	return nil
}

const columns = "key, user_id, school_id, status, ts, last_accessed, expires_at, data"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func recordArgs(r Record) []any {
	var expires any
	if !r.ExpiresAt.IsZero() {
		expires = r.ExpiresAt.UnixNano()
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	accessed := r.LastAccessed
	if accessed.IsZero() {
		accessed = ts
	}
	data := []byte(r.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	return []any{r.Key, r.UserID, r.SchoolID, r.Status, ts.UnixNano(), accessed.UnixNano(), expires, string(data)}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r            Record
		ts, accessed int64
		expires      sql.NullInt64
		data         string
	)
	if err := row.Scan(&r.Key, &r.UserID, &r.SchoolID, &r.Status, &ts, &accessed, &expires, &data); err != nil {
		return Record{}, err
	}
	r.Timestamp = time.Unix(0, ts)
	r.LastAccessed = time.Unix(0, accessed)
	if expires.Valid {
		r.ExpiresAt = time.Unix(0, expires.Int64)
	}
	r.Data = json.RawMessage(data)
	return r, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Add inserts a new record and fails with ErrDuplicate when the key exists.
func (s *Store) Add(ctx context.Context, p Partition, r Record) error {
	if err := s.check(p); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, p, columns)
	if _, err := s.db.ExecContext(ctx, query, recordArgs(r)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, p, r.Key)
		}
		return fmt.Errorf("failed to add %s record: %w", p, err)
	}
	return nil
}

func putRecord(ctx context.Context, ex execer, p Partition, r Record) error {
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, p, columns)
	_, err := ex.ExecContext(ctx, query, recordArgs(r)...)
	return err
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, p Partition, r Record) error {
	if err := s.check(p); err != nil {
		return err
	}
	if err := putRecord(ctx, s.db, p, r); err != nil {
		return fmt.Errorf("failed to put %s record: %w", p, err)
	}
	return nil
}

// PutMany upserts records in one transaction.
func (s *Store) PutMany(ctx context.Context, p Partition, records []Record) error {
	if err := s.check(p); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, r := range records {
		if err := putRecord(ctx, tx, p, r); err != nil {
			return fmt.Errorf("failed to put %s record %s: %w", p, r.Key, err)
		}
	}
	return tx.Commit()
}

// Get returns a record by key.
func (s *Store) Get(ctx context.Context, p Partition, key string) (Record, error) {
	if err := s.check(p); err != nil {
		return Record{}, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key = ?`, columns, p)
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, p, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s record: %w", p, err)
	}
	return r, nil
}

func (s *Store) query(ctx context.Context, p Partition, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", p, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", p, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetAll returns every record of a partition, oldest first.
func (s *Store) GetAll(ctx context.Context, p Partition) ([]Record, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	return s.query(ctx, p, fmt.Sprintf(`SELECT %s FROM %s ORDER BY ts ASC, key ASC`, columns, p))
}

// GetByIndex returns the records whose indexed column equals value, oldest first.
func (s *Store) GetByIndex(ctx context.Context, p Partition, idx Index, value string) ([]Record, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	if !idx.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, idx)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY ts ASC, key ASC`, columns, p, idx)
	return s.query(ctx, p, query, value)
}

// Delete removes records by key and returns how many existed.
func (s *Store) Delete(ctx context.Context, p Partition, keys ...string) (int, error) {
	if err := s.check(p); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key IN (%s)`, p, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s records: %w", p, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Clear removes every record of a partition.
func (s *Store) Clear(ctx context.Context, p Partition) (int, error) {
	if err := s.check(p); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, p))
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", p, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Count(ctx context.Context, p Partition) (int, error) {
	if err := s.check(p); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", p, err)
	}
	return n, nil
}

// CountBy groups a partition by an indexed column.
func (s *Store) CountBy(ctx context.Context, p Partition, idx Index) (map[string]int, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	if !idx.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, idx)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM %s GROUP BY %s`, idx, p, idx))
	if err != nil {
		return nil, fmt.Errorf("failed to count %s by %s: %w", p, idx, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			value string
			n     int
		)
		if err := rows.Scan(&value, &n); err != nil {
			return nil, err
		}
		counts[value] = n
	}
	return counts, rows.Err()
}

// Update reads a record, applies fn and writes the result back in one transaction.
// The record is left untouched when fn returns an error.
func (s *Store) Update(ctx context.Context, p Partition, key string, fn func(r *Record) error) (Record, error) {
	if err := s.check(p); err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key = ?`, columns, p)
	r, err := scanRecord(tx.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, p, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read %s record: %w", p, err)
	}

	if err := fn(&r); err != nil {
		return Record{}, err
	}
	r.Key = key

	if err := putRecord(ctx, tx, p, r); err != nil {
		return Record{}, fmt.Errorf("failed to write %s record: %w", p, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit %s update: %w", p, err)
	}
	return r, nil
}

// Touch sets last_accessed on the given keys.
func (s *Store) Touch(ctx context.Context, p Partition, at time.Time, keys ...string) error {
	if err := s.check(p); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, at.UnixNano())
	for _, k := range keys {
		args = append(args, k)
	}
	query := fmt.Sprintf(`UPDATE %s SET last_accessed = ? WHERE key IN (%s)`, p, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to touch %s records: %w", p, err)
	}
	return nil
}

// OldestAccessed returns up to n keys ordered by least recent access.
func (s *Store) OldestAccessed(ctx context.Context, p Partition, n int) ([]string, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT key FROM %s ORDER BY last_accessed ASC, ts ASC, key ASC LIMIT ?`, p)
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list oldest %s records: %w", p, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteExpired removes records whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, p Partition, now time.Time) (int, error) {
	if err := s.check(p); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at < ?`, p)
	res, err := s.db.ExecContext(ctx, query, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired %s records: %w", p, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
