package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/tablestage/internal/pipeline"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps metadata in a SQLite database. Working and base
// records share one table per kind and are told apart by the
// in_working_schema flag, so a swap is a single transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) {
		s.logger = l
	}
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ResetWorking discards every working record of schema.
func (s *SQLiteStore) ResetWorking(ctx context.Context, schema string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"tasks", "lazy_tables"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE schema_name = ? AND in_working_schema = 1`, schema); err != nil {
			return fmt.Errorf("reset working %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Swap drops the base records of schema and promotes its working records.
func (s *SQLiteStore) Swap(ctx context.Context, schema string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var promoted int64
	for _, table := range []string{"tasks", "lazy_tables"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE schema_name = ? AND in_working_schema = 0`, schema); err != nil {
			return fmt.Errorf("drop base %s: %w", table, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET in_working_schema = 0 WHERE schema_name = ?`, schema)
		if err != nil {
			return fmt.Errorf("promote working %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		promoted += n
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Debug("metadata swapped",
		"component", "metadata",
		"schema", schema,
		"promoted", promoted,
	)
	return nil
}

// StoreTask writes md into the working area.
func (s *SQLiteStore) StoreTask(ctx context.Context, md TaskMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (name, schema_name, version, timestamp, run_id, cache_key, output_json, in_working_schema)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	`, md.Name, md.Schema, md.Version, md.Timestamp.UTC().Format(time.RFC3339Nano), md.RunID, md.CacheKey, md.OutputJSON)
	if err != nil {
		return fmt.Errorf("insert task metadata: %w", err)
	}
	return nil
}

// CopyTaskToWorking copies the base task record into the working area.
func (s *SQLiteStore) CopyTaskToWorking(ctx context.Context, schema, version, cacheKey string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (name, schema_name, version, timestamp, run_id, cache_key, output_json, in_working_schema)
		SELECT name, schema_name, version, timestamp, run_id, cache_key, output_json, 1
		FROM tasks
		WHERE id = (
			SELECT id FROM tasks
			WHERE schema_name = ? AND version = ? AND cache_key = ? AND in_working_schema = 0
			ORDER BY id DESC
			LIMIT 1
		)
	`, schema, version, cacheKey)
	if err != nil {
		return fmt.Errorf("copy task metadata: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no task metadata for cache key %q in schema %q", pipeline.ErrCacheMiss, cacheKey, schema)
	}
	return nil
}

// RetrieveTask returns the most recent base task record.
func (s *SQLiteStore) RetrieveTask(ctx context.Context, schema, version, cacheKey string) (*TaskMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, schema_name, version, timestamp, run_id, cache_key, output_json
		FROM tasks
		WHERE schema_name = ? AND version = ? AND cache_key = ? AND in_working_schema = 0
		ORDER BY id DESC
		LIMIT 1
	`, schema, version, cacheKey)

	md, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no task metadata for cache key %q in schema %q", pipeline.ErrCacheMiss, cacheKey, schema)
		}
		return nil, fmt.Errorf("scan task metadata: %w", err)
	}
	return md, nil
}

// StoreLazyTable writes md into the working area.
func (s *SQLiteStore) StoreLazyTable(ctx context.Context, md LazyTableMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lazy_tables (name, schema_name, cache_key, in_working_schema)
		VALUES (?, ?, ?, 1)
	`, md.Name, md.Schema, md.CacheKey)
	if err != nil {
		return fmt.Errorf("insert lazy table metadata: %w", err)
	}
	return nil
}

// RetrieveLazyTable returns the most recent base lazy-table record.
func (s *SQLiteStore) RetrieveLazyTable(ctx context.Context, schema, cacheKey string) (*LazyTableMetadata, error) {
	var md LazyTableMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT name, schema_name, cache_key
		FROM lazy_tables
		WHERE schema_name = ? AND cache_key = ? AND in_working_schema = 0
		ORDER BY id DESC
		LIMIT 1
	`, schema, cacheKey).Scan(&md.Name, &md.Schema, &md.CacheKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no lazy table for cache key %q in schema %q", pipeline.ErrCacheMiss, cacheKey, schema)
		}
		return nil, fmt.Errorf("scan lazy table metadata: %w", err)
	}
	return &md, nil
}

// DeleteLazyTable removes the base lazy-table records of schema named name.
func (s *SQLiteStore) DeleteLazyTable(ctx context.Context, schema, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM lazy_tables
		WHERE schema_name = ? AND name = ? AND in_working_schema = 0
	`, schema, name)
	if err != nil {
		return 0, fmt.Errorf("delete lazy table metadata: %w", err)
	}
	return res.RowsAffected()
}

// ListTasks returns the task records of one area of schema, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, schema string, working bool) ([]TaskMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, schema_name, version, timestamp, run_id, cache_key, output_json
		FROM tasks
		WHERE schema_name = ? AND in_working_schema = ?
		ORDER BY id ASC
	`, schema, boolToInt(working))
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var result []TaskMetadata
	for rows.Next() {
		md, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, *md)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// ListLazyTables returns the lazy-table records of one area of schema, oldest first.
func (s *SQLiteStore) ListLazyTables(ctx context.Context, schema string, working bool) ([]LazyTableMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, schema_name, cache_key
		FROM lazy_tables
		WHERE schema_name = ? AND in_working_schema = ?
		ORDER BY id ASC
	`, schema, boolToInt(working))
	if err != nil {
		return nil, fmt.Errorf("query lazy tables: %w", err)
	}
	defer rows.Close()

	var result []LazyTableMetadata
	for rows.Next() {
		var md LazyTableMetadata
		if err := rows.Scan(&md.Name, &md.Schema, &md.CacheKey); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, md)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// ListSchemas summarises every schema with at least one record.
func (s *SQLiteStore) ListSchemas(ctx context.Context) ([]SchemaSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schema_name,
		       SUM(CASE WHEN kind = 'task' AND in_working_schema = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN kind = 'lazy' AND in_working_schema = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN kind = 'task' AND in_working_schema = 1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN kind = 'lazy' AND in_working_schema = 1 THEN 1 ELSE 0 END)
		FROM (
			SELECT schema_name, in_working_schema, 'task' AS kind FROM tasks
			UNION ALL
			SELECT schema_name, in_working_schema, 'lazy' AS kind FROM lazy_tables
		)
		GROUP BY schema_name
		ORDER BY schema_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query schemas: %w", err)
	}
	defer rows.Close()

	var result []SchemaSummary
	for rows.Next() {
		var sum SchemaSummary
		if err := rows.Scan(&sum.Name, &sum.Tasks, &sum.LazyTables, &sum.WorkingTasks, &sum.WorkingLazyTables); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// scanTask scans a row into a TaskMetadata, parsing the timestamp.
func scanTask(scanner interface{ Scan(...any) error }) (*TaskMetadata, error) {
	var md TaskMetadata
	var ts string

	if err := scanner.Scan(&md.Name, &md.Schema, &md.Version, &ts, &md.RunID, &md.CacheKey, &md.OutputJSON); err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		md.Timestamp = t
	}
	return &md, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
