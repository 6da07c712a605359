// Package memory implements an in-process table backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Backend keeps namespaces in a map of maps. Payloads are copied on the
// way in and out so callers cannot mutate stored data.
type Backend struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{namespaces: make(map[string]map[string][]byte)}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) CreateSchema(_ context.Context, base, working string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.namespaces[base]; !ok {
		b.namespaces[base] = make(map[string][]byte)
	}
	b.namespaces[working] = make(map[string][]byte)
	return nil
}

func (b *Backend) SwapSchema(_ context.Context, base, working string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.namespaces[working]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, working)
	}
	b.namespaces[base] = w
	b.namespaces[working] = make(map[string][]byte)
	return nil
}

func (b *Backend) WriteTable(_ context.Context, namespace, table string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns, ok := b.namespaces[namespace]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, namespace)
	}
	ns[table] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) ReadTable(_ context.Context, namespace, table string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.namespaces[namespace][table]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", backend.ErrTableNotFound, namespace, table)
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) HasTable(_ context.Context, namespace, table string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.namespaces[namespace][table]
	return ok, nil
}

func (b *Backend) CopyTable(_ context.Context, srcNamespace, srcTable, dstNamespace, dstTable string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.namespaces[srcNamespace][srcTable]
	if !ok {
		return fmt.Errorf("%w: source table %s.%s missing", pipeline.ErrCacheMiss, srcNamespace, srcTable)
	}
	dst, ok := b.namespaces[dstNamespace]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, dstNamespace)
	}
	dst[dstTable] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) DeleteTable(_ context.Context, namespace, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.namespaces[namespace], table)
	return nil
}

func (b *Backend) ListTables(_ context.Context, namespace string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ns, ok := b.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNamespaceNotFound, namespace)
	}
	names := make([]string, 0, len(ns))
	for name := range ns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) ListNamespaces(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.namespaces))
	for name := range b.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) Close() error { return nil }
