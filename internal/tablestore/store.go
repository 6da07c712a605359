// Package tablestore applies cache policy on top of hooks, a physical
// backend and a metadata store. Hooks decide how a payload is written;
// the store decides whether it needs writing at all.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/backend/memory"
	"github.com/hyperengineering/tablestage/internal/cachekey"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/lock"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// SwapListener is called after a schema swap committed.
type SwapListener func(ctx context.Context, s *pipeline.Schema) error

// Store materialises tables into the working area of their schema and
// reuses cached results from the base area.
type Store struct {
	backend   backend.Backend
	blobs     backend.Backend
	locks     lock.Manager
	meta      metadata.Store
	hooks     *hook.Registry
	logger    *slog.Logger
	listeners []SwapListener
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithSwapListener adds fn to the listeners run after each swap.
func WithSwapListener(fn SwapListener) Option {
	return func(s *Store) {
		s.listeners = append(s.listeners, fn)
	}
}

// WithBlobBackend sets where blobs are kept. The default keeps them in
// memory.
func WithBlobBackend(b backend.Backend) Option {
	return func(s *Store) {
		s.blobs = b
	}
}

// WithLockManager makes the store hold the lock of a schema from
// CreateSchema until its swap. Writes into a schema whose lock is not held
// fail with pipeline.ErrLock.
func WithLockManager(m lock.Manager) Option {
	return func(s *Store) {
		s.locks = m
	}
}

var _ pipeline.SchemaCreator = (*Store)(nil)

// New creates a Store. A nil registry means hook.Default().
func New(b backend.Backend, meta metadata.Store, hooks *hook.Registry, opts ...Option) *Store {
	if hooks == nil {
		hooks = hook.Default()
	}
	s := &Store{
		backend: b,
		meta:    meta,
		hooks:   hooks,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blobs == nil {
		s.blobs = memory.New()
	}
	return s
}

// Backend returns the physical backend.
func (s *Store) Backend() backend.Backend { return s.backend }

// Metadata returns the metadata store.
func (s *Store) Metadata() metadata.Store { return s.meta }

// Hooks returns the hook registry.
func (s *Store) Hooks() *hook.Registry { return s.hooks }

// Blobs returns the blob backend.
func (s *Store) Blobs() backend.Backend { return s.blobs }

// CreateSchema ensures the base area of sc exists and that its working
// area exists and is empty, along with its working metadata. With a lock
// manager it first waits for the lock of sc.
func (s *Store) CreateSchema(ctx context.Context, sc *pipeline.Schema) error {
	if s.locks != nil {
		if err := s.locks.Acquire(ctx, sc.Name()); err != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrLock, err)
		}
	}

	err := s.createSchema(ctx, sc)
	if err != nil && s.locks != nil {
		err = errors.Join(err, s.locks.Release(sc.Name()))
	}
	return err
}

func (s *Store) createSchema(ctx context.Context, sc *pipeline.Schema) error {
	if err := s.backend.CreateSchema(ctx, sc.Name(), sc.WorkingName()); err != nil {
		return err
	}
	if err := s.blobs.CreateSchema(ctx, sc.Name(), sc.WorkingName()); err != nil {
		return fmt.Errorf("create blob schema: %w", err)
	}
	if err := s.meta.ResetWorking(ctx, sc.Name()); err != nil {
		return fmt.Errorf("reset working metadata: %w", err)
	}
	return nil
}

// ReleaseSchema gives up the lock of sc. Flows call it for schemas that
// were not swapped; a swap releases the lock itself.
func (s *Store) ReleaseSchema(sc *pipeline.Schema) error {
	if s.locks == nil {
		return nil
	}
	return s.locks.Release(sc.Name())
}

// checkLock fails with pipeline.ErrLock if a lock manager is configured
// and does not hold the lock of sc.
func (s *Store) checkLock(sc *pipeline.Schema) error {
	if s.locks != nil && !s.locks.Held(sc.Name()) {
		return fmt.Errorf("%w: lock of schema %q is not held", pipeline.ErrLock, sc.Name())
	}
	return nil
}

// SwapSchema exchanges the base and working areas of sc and replaces its
// base metadata with the working metadata. Readers going through
// Schema.WithCurrentName never observe a partial swap.
func (s *Store) SwapSchema(ctx context.Context, sc *pipeline.Schema) error {
	err := sc.PerformSwap(func() error {
		if err := s.checkLock(sc); err != nil {
			return err
		}
		if err := s.backend.SwapSchema(ctx, sc.Name(), sc.WorkingName()); err != nil {
			return err
		}
		if err := s.blobs.SwapSchema(ctx, sc.Name(), sc.WorkingName()); err != nil {
			return fmt.Errorf("swap blobs: %w", err)
		}
		if err := s.meta.Swap(ctx, sc.Name()); err != nil {
			return fmt.Errorf("swap metadata: %w", err)
		}
		return nil
	})
	if !errors.Is(err, pipeline.ErrSchemaAlreadySwapped) {
		if relErr := s.ReleaseSchema(sc); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}
	if err != nil {
		return err
	}

	s.logger.Info("schema swapped",
		"component", "tablestore",
		"action", "swap",
		"schema", sc.Name(),
	)

	for _, fn := range s.listeners {
		if err := fn(ctx, sc); err != nil {
			s.logger.Warn("swap listener failed",
				"component", "tablestore",
				"schema", sc.Name(),
				"error", err,
			)
		}
	}
	return nil
}

// writable checks that t can be written into the working area of its schema.
func writable(t *pipeline.Table) error {
	if t.Schema == nil {
		return fmt.Errorf("%w: table %q is not bound to a schema", pipeline.ErrSchema, t.Name)
	}
	if t.Schema.DidSwap() {
		return fmt.Errorf("%w: schema %q already swapped, cannot write %q", pipeline.ErrSchema, t.Schema.Name(), t.Name)
	}
	return pipeline.ValidateTableName(t.Name)
}

// writableNew is writable plus a check that no table named t.Name exists
// in the working area yet.
func (s *Store) writableNew(ctx context.Context, t *pipeline.Table) error {
	if err := writable(t); err != nil {
		return err
	}
	if err := s.checkLock(t.Schema); err != nil {
		return err
	}
	exists, err := s.backend.HasTable(ctx, t.Schema.WorkingName(), t.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: table %q already exists in %q", pipeline.ErrSchema, t.Name, t.Schema.WorkingName())
	}
	return nil
}

// StoreTable materialises t into the working area of its schema. It never
// consults the cache.
func (s *Store) StoreTable(ctx context.Context, t *pipeline.Table) error {
	if err := writable(t); err != nil {
		return err
	}

	h, err := s.hooks.ResolveForMaterialize(reflect.TypeOf(t.Obj))
	if err != nil {
		return fmt.Errorf("store table %s: %w", t, err)
	}

	if err := s.writableNew(ctx, t); err != nil {
		return err
	}

	if err := h.Materialize(ctx, s.backend, t, t.Schema.WorkingName()); err != nil {
		return fmt.Errorf("store table %s: %w", t, err)
	}

	s.logger.Debug("table stored",
		"component", "tablestore",
		"schema", t.Schema.Name(),
		"table", t.Name,
		"hook", h.Name(),
	)
	return nil
}

// StoreTableLazy stores t, reusing the result of a previous run when the
// payload is a lazy query whose canonical text and producing task cache key
// are unchanged. On return t.CacheKey holds the lazy cache key, so tasks
// downstream of t derive their keys from the query text.
func (s *Store) StoreTableLazy(ctx context.Context, t *pipeline.Table) error {
	if err := s.writableNew(ctx, t); err != nil {
		return err
	}

	h, err := s.hooks.ResolveForMaterialize(reflect.TypeOf(t.Obj))
	if err != nil {
		return fmt.Errorf("store table %s: %w", t, err)
	}
	lh, ok := h.(hook.LazyHook)
	if !ok {
		return s.StoreTable(ctx, t)
	}

	query, err := lh.LazyQueryString(ctx, s.backend, t.Obj)
	if errors.Is(err, pipeline.ErrUnsupportedLazy) {
		return s.StoreTable(ctx, t)
	}
	if err != nil {
		return fmt.Errorf("lazy query of %s: %w", t, err)
	}

	t.CacheKey = cachekey.LazyTable(t.CacheKey, query)

	// Any failure to find or copy the cached result means recompute.
	md, err := s.RetrieveLazyTableMetadata(ctx, t.Schema, t.CacheKey)
	if err == nil {
		err = s.CopyLazyTableToWorkingSchema(ctx, md, t)
	}
	if err == nil {
		s.logger.Info("lazy table cache hit",
			"component", "tablestore",
			"schema", t.Schema.Name(),
			"table", t.Name,
			"cache_key", t.CacheKey,
		)
	} else {
		level := slog.LevelInfo
		if !errors.Is(err, pipeline.ErrCacheMiss) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "lazy table cache miss",
			"component", "tablestore",
			"schema", t.Schema.Name(),
			"table", t.Name,
			"cache_key", t.CacheKey,
			"reason", err,
		)
		if err := s.StoreTable(ctx, t); err != nil {
			return err
		}
	}

	return s.StoreLazyTableMetadata(ctx, metadata.LazyTableMetadata{
		Name:     t.Name,
		Schema:   t.Schema.Name(),
		CacheKey: t.CacheKey,
	})
}

// CopyTableToWorkingSchema copies t from the base area into the working
// area under the same name. The base copy is untouched. A table of that
// name already in the working area fails with pipeline.ErrSchema.
func (s *Store) CopyTableToWorkingSchema(ctx context.Context, t *pipeline.Table) error {
	if err := s.writableNew(ctx, t); err != nil {
		return err
	}
	return s.backend.CopyTable(ctx, t.Schema.Name(), t.Name, t.Schema.WorkingName(), t.Name)
}

// CopyLazyTableToWorkingSchema copies the base table recorded in md into
// the working area under t.Name.
func (s *Store) CopyLazyTableToWorkingSchema(ctx context.Context, md *metadata.LazyTableMetadata, t *pipeline.Table) error {
	if err := s.writableNew(ctx, t); err != nil {
		return err
	}
	return s.backend.CopyTable(ctx, t.Schema.Name(), md.Name, t.Schema.WorkingName(), t.Name)
}

// DeleteTableFromWorkingSchema removes t from the working area. A missing
// table is not an error.
func (s *Store) DeleteTableFromWorkingSchema(ctx context.Context, t *pipeline.Table) error {
	if t.Schema == nil {
		return fmt.Errorf("%w: table %q is not bound to a schema", pipeline.ErrSchema, t.Name)
	}
	return s.backend.DeleteTable(ctx, t.Schema.WorkingName(), t.Name)
}

// RetrieveTableObj loads t as a value of asType. With fromCache it reads
// the base area; otherwise it reads wherever the data of this run
// currently lives.
func (s *Store) RetrieveTableObj(ctx context.Context, t *pipeline.Table, asType reflect.Type, fromCache bool) (any, error) {
	if asType == nil {
		return nil, fmt.Errorf("%w: no target type for %s", pipeline.ErrUnsupportedType, t)
	}
	if t.Schema == nil {
		return nil, fmt.Errorf("%w: table %q is not bound to a schema", pipeline.ErrSchema, t.Name)
	}

	h, err := s.hooks.ResolveForRetrieve(asType)
	if err != nil {
		return nil, fmt.Errorf("retrieve table %s: %w", t, err)
	}

	if fromCache {
		return h.Retrieve(ctx, s.backend, t.Schema.Name(), t.Name, asType)
	}

	var obj any
	err = t.Schema.WithCurrentName(func(ns string) error {
		var err error
		obj, err = h.Retrieve(ctx, s.backend, ns, t.Name, asType)
		return err
	})
	return obj, err
}

// Retrieve loads t as a T.
func Retrieve[T any](ctx context.Context, s *Store, t *pipeline.Table, fromCache bool) (T, error) {
	var zero T
	obj, err := s.RetrieveTableObj(ctx, t, reflect.TypeOf((*T)(nil)).Elem(), fromCache)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: hook returned %T", pipeline.ErrUnsupportedType, obj)
	}
	return v, nil
}

// StoreTaskMetadata records an executed task in the working area.
func (s *Store) StoreTaskMetadata(ctx context.Context, md metadata.TaskMetadata) error {
	return s.meta.StoreTask(ctx, md)
}

// CopyTaskMetadataToWorkingSchema carries a cached task record forward.
func (s *Store) CopyTaskMetadataToWorkingSchema(ctx context.Context, sc *pipeline.Schema, version, cacheKey string) error {
	if sc.DidSwap() {
		return fmt.Errorf("%w: schema %q already swapped", pipeline.ErrSchema, sc.Name())
	}
	if err := s.checkLock(sc); err != nil {
		return err
	}
	return s.meta.CopyTaskToWorking(ctx, sc.Name(), version, cacheKey)
}

// RetrieveTaskMetadata looks up a task record of a previous run.
func (s *Store) RetrieveTaskMetadata(ctx context.Context, sc *pipeline.Schema, version, cacheKey string) (*metadata.TaskMetadata, error) {
	return s.meta.RetrieveTask(ctx, sc.Name(), version, cacheKey)
}

// StoreLazyTableMetadata records a lazy table in the working area.
func (s *Store) StoreLazyTableMetadata(ctx context.Context, md metadata.LazyTableMetadata) error {
	return s.meta.StoreLazyTable(ctx, md)
}

// RetrieveLazyTableMetadata looks up a lazy table of a previous run.
func (s *Store) RetrieveLazyTableMetadata(ctx context.Context, sc *pipeline.Schema, cacheKey string) (*metadata.LazyTableMetadata, error) {
	return s.meta.RetrieveLazyTable(ctx, sc.Name(), cacheKey)
}

// Close releases held schema locks, both backends and the metadata store.
func (s *Store) Close() error {
	var errs []error
	if s.locks != nil {
		if err := s.locks.ReleaseAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.blobs.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.meta.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
