package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/hyperengineering/tablestage/internal/archive"
	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/backend/fs"
	"github.com/hyperengineering/tablestage/internal/backend/memory"
	"github.com/hyperengineering/tablestage/internal/config"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/lock"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/tablestore"
)

// loadConfig loads the configuration from --config when given, otherwise
// from TABLESTAGE_CONFIG_PATH or the default path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// setupLogger installs the default logger described by cfg.
func setupLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openMetadata opens the configured metadata store.
func openMetadata(cfg config.MetadataConfig, logger *slog.Logger) (metadata.Store, error) {
	if cfg.Backend == "memory" {
		return metadata.NewMemoryStore(), nil
	}
	return metadata.NewSQLiteStore(cfg.Path, metadata.WithLogger(logger))
}

// openBackend opens a backend of the configured kind rooted at root.
// Tables and blobs use separate roots.
func openBackend(cfg config.StorageConfig, root string, logger *slog.Logger) (backend.Backend, error) {
	if cfg.Backend == "memory" {
		return memory.New(), nil
	}
	compression, err := fs.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return fs.New(root, fs.WithCompression(compression), fs.WithLogger(logger))
}

// openLocks returns the schema lock manager. File locks are shared with
// other processes using the same storage; memory storage is private to
// this process.
func openLocks(cfg config.StorageConfig, logger *slog.Logger) (lock.Manager, error) {
	if cfg.Backend == "memory" {
		return lock.NewLocal(), nil
	}
	return lock.NewFile(cfg.LockDirPath(), lock.WithLogger(logger))
}

// openStore wires the backends, metadata store, schema locks, default
// hook registry and archiver into a table store. Closing the store closes
// all of them.
func openStore(cfg *config.Config, logger *slog.Logger) (*tablestore.Store, error) {
	initHooks()

	meta, err := openMetadata(cfg.Metadata, logger)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	b, err := openBackend(cfg.Storage, cfg.Storage.Root, logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open storage: %w", err), meta.Close())
	}
	blobs, err := openBackend(cfg.Storage, cfg.Storage.BlobRootPath(), logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open blob storage: %w", err), meta.Close(), b.Close())
	}
	locks, err := openLocks(cfg.Storage, logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open schema locks: %w", err), meta.Close(), b.Close(), blobs.Close())
	}
	arch, err := archive.New(cfg.Archive, b, logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open archive: %w", err), meta.Close(), b.Close(), blobs.Close())
	}

	return tablestore.New(b, meta, hook.Default(),
		tablestore.WithLogger(logger),
		tablestore.WithBlobBackend(blobs),
		tablestore.WithLockManager(locks),
		tablestore.WithSwapListener(archive.SwapListener(arch)),
	), nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// stderrLogger is used by offline commands so logs never mix with output.
func stderrLogger(cfg *config.Config) *slog.Logger {
	return setupLogger(cfg.Log, os.Stderr)
}
