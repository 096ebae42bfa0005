package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists the artifact index and cleanup log in one SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store for the database at path. Call Init before
// use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One controller process; a small pool is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db

	return s.migrate()
}

// migrate applies the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertCollection registers an artifact collection in the index.
func (s *SQLiteStore) InsertCollection(ctx context.Context, rec *CollectionRecord) error {
	query := `
		INSERT INTO collections
			(id, session_id, environment, success, archived, path, size_bytes, duration_ms, artifact_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.Environment,
		boolToInt(rec.Success), boolToInt(rec.Archived),
		rec.Path, rec.SizeBytes, rec.DurationMS, rec.ArtifactTypes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	return nil
}

// GetCollection retrieves one collection by ID.
func (s *SQLiteStore) GetCollection(ctx context.Context, id string) (*CollectionRecord, error) {
	query := `
		SELECT id, session_id, environment, success, archived, path, size_bytes, duration_ms, artifact_types, created_at
		FROM collections WHERE id = ?
	`
	rec, err := scanCollection(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("collection %s not found", id)
		}
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return rec, nil
}

// ListCollections queries the index with the given filter, newest first.
func (s *SQLiteStore) ListCollections(ctx context.Context, filter CollectionFilter) ([]*CollectionRecord, error) {
	var conds []string
	var args []any

	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Environment != "" {
		conds = append(conds, "environment = ?")
		args = append(args, filter.Environment)
	}
	if filter.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, boolToInt(*filter.Success))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since)
	}

	query := `
		SELECT id, session_id, environment, success, archived, path, size_bytes, duration_ms, artifact_types, created_at
		FROM collections
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*CollectionRecord
	for rows.Next() {
		rec, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OldestCollections returns all collections ordered oldest first, for
// storage-limit enforcement.
func (s *SQLiteStore) OldestCollections(ctx context.Context) ([]*CollectionRecord, error) {
	query := `
		SELECT id, session_id, environment, success, archived, path, size_bytes, duration_ms, artifact_types, created_at
		FROM collections ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest collections: %w", err)
	}
	defer rows.Close()

	var out []*CollectionRecord
	for rows.Next() {
		rec, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCollection removes a collection from the index.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// TotalCollectionSize sums the indexed size of all collections.
func (s *SQLiteStore) TotalCollectionSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT SUM(size_bytes) FROM collections").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum collection sizes: %w", err)
	}
	return total.Int64, nil
}

// AppendCleanupOperation appends one record to the cleanup log and trims the
// log to the bound.
func (s *SQLiteStore) AppendCleanupOperation(ctx context.Context, rec *CleanupRecord, keep int) error {
	query := `
		INSERT INTO cleanup_operations (op_type, environment, success, bytes_freed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query,
		rec.OpType, rec.Environment, boolToInt(rec.Success),
		rec.BytesFreed, rec.Error, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to append cleanup record: %w", err)
	}

	if keep > 0 {
		trim := `
			DELETE FROM cleanup_operations WHERE id NOT IN
				(SELECT id FROM cleanup_operations ORDER BY id DESC LIMIT ?)
		`
		if _, err := s.db.ExecContext(ctx, trim, keep); err != nil {
			return fmt.Errorf("failed to trim cleanup log: %w", err)
		}
	}
	return nil
}

// ListCleanupOperations returns the newest entries of the cleanup log.
func (s *SQLiteStore) ListCleanupOperations(ctx context.Context, limit int) ([]*CleanupRecord, error) {
	query := `
		SELECT id, op_type, environment, success, bytes_freed, error, created_at
		FROM cleanup_operations ORDER BY id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup operations: %w", err)
	}
	defer rows.Close()

	var out []*CleanupRecord
	for rows.Next() {
		var rec CleanupRecord
		var success int
		if err := rows.Scan(&rec.ID, &rec.OpType, &rec.Environment, &success,
			&rec.BytesFreed, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup record: %w", err)
		}
		rec.Success = success != 0
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetCleanupStats aggregates the cleanup log.
func (s *SQLiteStore) GetCleanupStats(ctx context.Context) (*CleanupStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_freed), 0)
		FROM cleanup_operations
	`
	var stats CleanupStats
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalOperations, &stats.Failures, &stats.TotalBytesFreed); err != nil {
		return nil, fmt.Errorf("failed to aggregate cleanup stats: %w", err)
	}
	return &stats, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanCollection.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCollection scans one collection row.
func scanCollection(row rowScanner) (*CollectionRecord, error) {
	var rec CollectionRecord
	var success, archived int
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Environment, &success, &archived,
		&rec.Path, &rec.SizeBytes, &rec.DurationMS, &rec.ArtifactTypes, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Success = success != 0
	rec.Archived = archived != 0
	return &rec, nil
}

// boolToInt converts a bool to SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
