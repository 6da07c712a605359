package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperengineering/tablestage/internal/pipeline"
)

type memTask struct {
	TaskMetadata
	working bool
}

type memLazy struct {
	LazyTableMetadata
	working bool
}

// MemoryStore is a process-local Store. Records are kept in insertion
// order so "most recent" lookups mirror the SQLite store.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks []memTask
	lazy  []memLazy
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) ResetWorking(_ context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks = filterTasks(m.tasks, func(r memTask) bool { return !(r.Schema == schema && r.working) })
	m.lazy = filterLazy(m.lazy, func(r memLazy) bool { return !(r.Schema == schema && r.working) })
	return nil
}

func (m *MemoryStore) Swap(_ context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks = filterTasks(m.tasks, func(r memTask) bool { return !(r.Schema == schema && !r.working) })
	m.lazy = filterLazy(m.lazy, func(r memLazy) bool { return !(r.Schema == schema && !r.working) })
	for i := range m.tasks {
		if m.tasks[i].Schema == schema {
			m.tasks[i].working = false
		}
	}
	for i := range m.lazy {
		if m.lazy[i].Schema == schema {
			m.lazy[i].working = false
		}
	}
	return nil
}

func (m *MemoryStore) StoreTask(_ context.Context, md TaskMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, memTask{TaskMetadata: md, working: true})
	return nil
}

func (m *MemoryStore) CopyTaskToWorking(_ context.Context, schema, version, cacheKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.findTask(schema, version, cacheKey)
	if i < 0 {
		return fmt.Errorf("%w: no task metadata for cache key %q in schema %q", pipeline.ErrCacheMiss, cacheKey, schema)
	}
	m.tasks = append(m.tasks, memTask{TaskMetadata: m.tasks[i].TaskMetadata, working: true})
	return nil
}

func (m *MemoryStore) RetrieveTask(_ context.Context, schema, version, cacheKey string) (*TaskMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.findTask(schema, version, cacheKey)
	if i < 0 {
		return nil, fmt.Errorf("%w: no task metadata for cache key %q in schema %q", pipeline.ErrCacheMiss, cacheKey, schema)
	}
	md := m.tasks[i].TaskMetadata
	return &md, nil
}

// findTask returns the index of the newest matching base record, or -1.
// Callers must hold m.mu.
func (m *MemoryStore) findTask(schema, version, cacheKey string) int {
	for i := len(m.tasks) - 1; i >= 0; i-- {
		r := m.tasks[i]
		if !r.working && r.Schema == schema && r.Version == version && r.CacheKey == cacheKey {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) StoreLazyTable(_ context.Context, md LazyTableMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazy = append(m.lazy, memLazy{LazyTableMetadata: md, working: true})
	return nil
}

func (m *MemoryStore) RetrieveLazyTable(_ context.Context, schema, cacheKey string) (*LazyTableMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.lazy) - 1; i >= 0; i-- {
		r := m.lazy[i]
		if !r.working && r.Schema == schema && r.CacheKey == cacheKey {
			md := r.LazyTableMetadata
			return &md, nil
		}
	}
	return nil, fmt.Errorf("%w: no lazy table for cache key %q in schema %q", pipeline.ErrCacheMiss, cacheKey, schema)
}

func (m *MemoryStore) DeleteLazyTable(_ context.Context, schema, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.lazy)
	m.lazy = filterLazy(m.lazy, func(r memLazy) bool { return !(r.Schema == schema && r.Name == name && !r.working) })
	return int64(before - len(m.lazy)), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, schema string, working bool) ([]TaskMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TaskMetadata
	for _, r := range m.tasks {
		if r.Schema == schema && r.working == working {
			out = append(out, r.TaskMetadata)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListLazyTables(_ context.Context, schema string, working bool) ([]LazyTableMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LazyTableMetadata
	for _, r := range m.lazy {
		if r.Schema == schema && r.working == working {
			out = append(out, r.LazyTableMetadata)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSchemas(_ context.Context) ([]SchemaSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]*SchemaSummary)
	get := func(name string) *SchemaSummary {
		s, ok := sums[name]
		if !ok {
			s = &SchemaSummary{Name: name}
			sums[name] = s
		}
		return s
	}
	for _, r := range m.tasks {
		if r.working {
			get(r.Schema).WorkingTasks++
		} else {
			get(r.Schema).Tasks++
		}
	}
	for _, r := range m.lazy {
		if r.working {
			get(r.Schema).WorkingLazyTables++
		} else {
			get(r.Schema).LazyTables++
		}
	}

	out := make([]SchemaSummary, 0, len(sums))
	for _, s := range sums {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func filterTasks(in []memTask, keep func(memTask) bool) []memTask {
	out := in[:0]
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func filterLazy(in []memLazy, keep func(memLazy) bool) []memLazy {
	out := in[:0]
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
