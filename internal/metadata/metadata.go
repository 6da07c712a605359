// Package metadata persists the bookkeeping records that make task and
// lazy-table cache lookups work across runs. Every record belongs either
// to the working area of a schema (written during the current run) or to
// its base area (promoted by the last swap). Lookups only ever consult
// the base area.
package metadata

import (
	"context"
	"time"
)

// TaskMetadata describes one executed task.
type TaskMetadata struct {
	Name       string    `json:"name"`
	Schema     string    `json:"schema"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	CacheKey   string    `json:"cache_key"`
	OutputJSON string    `json:"output_json"`
}

// LazyTableMetadata describes one cached lazy-table result.
type LazyTableMetadata struct {
	Name     string `json:"name"`
	Schema   string `json:"schema"`
	CacheKey string `json:"cache_key"`
}

// SchemaSummary counts the records of one schema.
type SchemaSummary struct {
	Name              string `json:"name"`
	Tasks             int64  `json:"tasks"`
	LazyTables        int64  `json:"lazy_tables"`
	WorkingTasks      int64  `json:"working_tasks"`
	WorkingLazyTables int64  `json:"working_lazy_tables"`
}

// Store defines the metadata operations. Schema arguments are always the
// base (stable) schema name.
type Store interface {
	// ResetWorking discards every working record of schema.
	ResetWorking(ctx context.Context, schema string) error

	// Swap replaces the base records of schema with its working records.
	Swap(ctx context.Context, schema string) error

	// StoreTask writes md into the working area of md.Schema.
	StoreTask(ctx context.Context, md TaskMetadata) error

	// CopyTaskToWorking copies a base task record into the working area.
	// Fails with pipeline.ErrCacheMiss if no base record exists.
	CopyTaskToWorking(ctx context.Context, schema, version, cacheKey string) error

	// RetrieveTask returns the base task record for (schema, version, cacheKey).
	// Fails with pipeline.ErrCacheMiss if none exists.
	RetrieveTask(ctx context.Context, schema, version, cacheKey string) (*TaskMetadata, error)

	// StoreLazyTable writes md into the working area of md.Schema.
	StoreLazyTable(ctx context.Context, md LazyTableMetadata) error

	// RetrieveLazyTable returns the base lazy-table record for (schema, cacheKey).
	// Fails with pipeline.ErrCacheMiss if none exists.
	RetrieveLazyTable(ctx context.Context, schema, cacheKey string) (*LazyTableMetadata, error)

	// DeleteLazyTable removes base lazy-table records of schema named name.
	DeleteLazyTable(ctx context.Context, schema, name string) (int64, error)

	// ListTasks returns the task records of one area of schema.
	ListTasks(ctx context.Context, schema string, working bool) ([]TaskMetadata, error)

	// ListLazyTables returns the lazy-table records of one area of schema.
	ListLazyTables(ctx context.Context, schema string, working bool) ([]LazyTableMetadata, error)

	// ListSchemas summarises every schema with at least one record.
	ListSchemas(ctx context.Context) ([]SchemaSummary, error)

	Close() error
}
