// Package worker holds background maintenance jobs run by the server.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/metadata"
)

// VacuumStore defines the metadata operations needed by the vacuum worker.
type VacuumStore interface {
	ListSchemas(ctx context.Context) ([]metadata.SchemaSummary, error)
	ListLazyTables(ctx context.Context, schema string, working bool) ([]metadata.LazyTableMetadata, error)
	DeleteLazyTable(ctx context.Context, schema, name string) (int64, error)
}

// VacuumWorker periodically removes base lazy-table records whose table
// no longer exists in the base namespace. Such records would otherwise
// produce a lookup hit followed by a failed copy on every run.
type VacuumWorker struct {
	meta     VacuumStore
	storage  backend.Storage
	interval time.Duration
	logger   *slog.Logger
}

// NewVacuumWorker creates a worker that checks meta against storage every
// interval.
func NewVacuumWorker(meta VacuumStore, storage backend.Storage, interval time.Duration) *VacuumWorker {
	return &VacuumWorker{
		meta:     meta,
		storage:  storage,
		interval: interval,
		logger:   slog.Default().With("component", "worker", "worker", "metadata-vacuum"),
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT run immediately on start.
func (w *VacuumWorker) Run(ctx context.Context) {
	w.logger.Info("worker started", "interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			w.runVacuum(ctx)
		}
	}
}

// runVacuum executes a single vacuum cycle.
func (w *VacuumWorker) runVacuum(ctx context.Context) {
	start := time.Now()
	w.logger.Debug("vacuum cycle started", "action", "vacuum_start")

	removed, err := w.Vacuum(ctx)
	if err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("vacuum failed", "action", "vacuum_failed", "error", err)
		return
	}

	w.logger.Info("vacuum cycle completed",
		"action", "vacuum_complete",
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Vacuum runs one pass and returns the number of records removed.
func (w *VacuumWorker) Vacuum(ctx context.Context) (int64, error) {
	schemas, err := w.meta.ListSchemas(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schemas: %w", err)
	}

	var removed int64
	for _, s := range schemas {
		if s.LazyTables == 0 {
			continue
		}
		records, err := w.meta.ListLazyTables(ctx, s.Name, false)
		if err != nil {
			return removed, fmt.Errorf("list lazy tables of %s: %w", s.Name, err)
		}

		// One record per table name is enough to decide.
		checked := make(map[string]bool)
		for _, rec := range records {
			if checked[rec.Name] {
				continue
			}
			checked[rec.Name] = true

			exists, err := w.storage.HasTable(ctx, s.Name, rec.Name)
			if err != nil && !errors.Is(err, backend.ErrNamespaceNotFound) {
				return removed, fmt.Errorf("check table %s.%s: %w", s.Name, rec.Name, err)
			}
			if exists {
				continue
			}

			n, err := w.meta.DeleteLazyTable(ctx, s.Name, rec.Name)
			if err != nil {
				return removed, fmt.Errorf("delete lazy table %s.%s: %w", s.Name, rec.Name, err)
			}
			w.logger.Debug("removed stale lazy table record", "schema", s.Name, "table", rec.Name, "rows", n)
			removed += n
		}
	}
	return removed, nil
}
