// Package fs implements a table backend on the local filesystem. Each
// namespace is a directory under the root holding a meta.yaml and one
// <table>.tbl file per table.
package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

const (
	metaFile  = "meta.yaml"
	tableExt  = ".tbl"
	tmpPrefix = "."
)

// Backend stores tables as files. Table writes are atomic renames, so
// readers take the shared lock and only swaps take the exclusive one.
type Backend struct {
	root        string
	compression Compression
	logger      *slog.Logger

	mu sync.RWMutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithCompression sets the encoding of newly written tables.
func WithCompression(c Compression) Option {
	return func(b *Backend) {
		b.compression = c
	}
}

// WithLogger sets the logger used by the backend.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Backend, error) {
	// Expand ~ to home directory
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, root[2:])
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root directory: %w", err)
	}

	b := &Backend{
		root:        root,
		compression: CompressionNone,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Root returns the storage root directory.
func (b *Backend) Root() string { return b.root }

func (b *Backend) nsPath(namespace string) string {
	return filepath.Join(b.root, namespace)
}

func (b *Backend) tablePath(namespace, table string) string {
	return filepath.Join(b.root, namespace, table+tableExt)
}

// CreateSchema ensures base exists and recreates working empty.
func (b *Backend) CreateSchema(_ context.Context, base, working string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureNamespace(base); err != nil {
		return err
	}
	if err := os.RemoveAll(b.nsPath(working)); err != nil {
		return fmt.Errorf("clear namespace %q: %w", working, err)
	}
	return b.ensureNamespace(working)
}

// ensureNamespace creates the namespace directory and its meta.yaml.
// Callers must hold b.mu exclusively.
func (b *Backend) ensureNamespace(namespace string) error {
	dir := b.nsPath(namespace)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create namespace %q: %w", namespace, err)
	}
	meta := &NamespaceMeta{Created: time.Now().UTC()}
	if err := SaveNamespaceMeta(filepath.Join(dir, metaFile), meta); err != nil {
		return fmt.Errorf("write namespace metadata: %w", err)
	}
	return nil
}

// SwapSchema renames working to a temporary name, base to working and the
// temporary directory to base, then empties working.
func (b *Backend) SwapSchema(_ context.Context, base, working string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	basePath := b.nsPath(base)
	workingPath := b.nsPath(working)
	tmpPath := b.nsPath(tmpPrefix + "swap-" + base)

	if _, err := os.Stat(workingPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, working)
		}
		return fmt.Errorf("stat namespace %q: %w", working, err)
	}

	if err := os.RemoveAll(tmpPath); err != nil {
		return fmt.Errorf("clear swap directory: %w", err)
	}
	if err := os.Rename(workingPath, tmpPath); err != nil {
		return fmt.Errorf("move working aside: %w", err)
	}
	if _, err := os.Stat(basePath); err == nil {
		if err := os.Rename(basePath, workingPath); err != nil {
			return fmt.Errorf("move base to working: %w", err)
		}
	}
	if err := os.Rename(tmpPath, basePath); err != nil {
		return fmt.Errorf("move working to base: %w", err)
	}

	if err := os.RemoveAll(workingPath); err != nil {
		return fmt.Errorf("clear old base: %w", err)
	}
	if err := b.ensureNamespace(working); err != nil {
		return err
	}

	metaPath := filepath.Join(basePath, metaFile)
	meta, err := LoadNamespaceMeta(metaPath)
	if err != nil {
		meta = &NamespaceMeta{Created: time.Now().UTC()}
	}
	meta.LastSwapped = time.Now().UTC()
	if err := SaveNamespaceMeta(metaPath, meta); err != nil {
		b.logger.Warn("failed to update namespace metadata",
			"component", "backend",
			"namespace", base,
			"error", err,
		)
	}

	b.logger.Debug("namespace swapped",
		"component", "backend",
		"action", "swap",
		"base", base,
		"working", working,
	)
	return nil
}

// WriteTable encodes data and writes it atomically.
func (b *Backend) WriteTable(_ context.Context, namespace, table string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw, err := encodeTableFile(data, b.compression)
	if err != nil {
		return err
	}
	return b.writeRaw(namespace, table, raw)
}

// writeRaw writes raw into a temporary file and renames it into place.
func (b *Backend) writeRaw(namespace, table string, raw []byte) error {
	dir := b.nsPath(namespace)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, namespace)
		}
		return fmt.Errorf("stat namespace %q: %w", namespace, err)
	}

	f, err := os.CreateTemp(dir, tmpPrefix+table+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write table %s.%s: %w", namespace, table, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close table %s.%s: %w", namespace, table, err)
	}
	if err := os.Rename(tmp, b.tablePath(namespace, table)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename table %s.%s: %w", namespace, table, err)
	}
	return nil
}

// ReadTable reads and verifies a table.
func (b *Backend) ReadTable(_ context.Context, namespace, table string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.readVerified(namespace, table)
}

func (b *Backend) readVerified(namespace, table string) ([]byte, error) {
	raw, err := os.ReadFile(b.tablePath(namespace, table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s.%s", backend.ErrTableNotFound, namespace, table)
		}
		return nil, fmt.Errorf("read table %s.%s: %w", namespace, table, err)
	}
	payload, err := decodeTableFile(raw)
	if err != nil {
		return nil, fmt.Errorf("table %s.%s: %w", namespace, table, err)
	}
	return payload, nil
}

func (b *Backend) HasTable(_ context.Context, namespace, table string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := os.Stat(b.tablePath(namespace, table))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat table %s.%s: %w", namespace, table, err)
}

// CopyTable verifies the source before copying its file bytes verbatim.
func (b *Backend) CopyTable(_ context.Context, srcNamespace, srcTable, dstNamespace, dstTable string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw, err := os.ReadFile(b.tablePath(srcNamespace, srcTable))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: source table %s.%s missing", pipeline.ErrCacheMiss, srcNamespace, srcTable)
		}
		return fmt.Errorf("read table %s.%s: %w", srcNamespace, srcTable, err)
	}
	if _, err := decodeTableFile(raw); err != nil {
		return fmt.Errorf("%w: source table %s.%s: %v", pipeline.ErrCacheMiss, srcNamespace, srcTable, err)
	}
	return b.writeRaw(dstNamespace, dstTable, raw)
}

func (b *Backend) DeleteTable(_ context.Context, namespace, table string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	err := os.Remove(b.tablePath(namespace, table))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete table %s.%s: %w", namespace, table, err)
	}
	return nil
}

func (b *Backend) ListTables(_ context.Context, namespace string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := os.ReadDir(b.nsPath(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, namespace)
		}
		return nil, fmt.Errorf("read namespace %q: %w", namespace, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, tableExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, tableExt))
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) ListNamespaces(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.root, e.Name(), metaFile)); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// NamespaceMeta returns the meta.yaml contents of a namespace.
func (b *Backend) NamespaceMeta(namespace string) (*NamespaceMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	meta, err := LoadNamespaceMeta(filepath.Join(b.nsPath(namespace), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, namespace)
		}
		return nil, err
	}
	return meta, nil
}

func (b *Backend) Close() error { return nil }
