// Package engine executes a flow: it runs every task node through the
// task cache and every swap node through the table store, in an order that
// respects the graph edges.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hyperengineering/tablestage/internal/cachekey"
	"github.com/hyperengineering/tablestage/internal/dag"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/pipeline"
	"github.com/hyperengineering/tablestage/internal/tablestore"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

// Engine runs flows against one table store.
type Engine struct {
	store    *tablestore.Store
	executor Executor
	logger   *slog.Logger
	config   pipeline.ConfigContext
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the executor. The default is Sequential.
func WithExecutor(x Executor) Option {
	return func(e *Engine) {
		e.executor = x
	}
}

// WithLogger sets the logger passed to tasks and used by the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithConfig sets the attributes every task sees in its ConfigContext.
func WithConfig(attrs map[string]string) Option {
	return func(e *Engine) {
		e.config = pipeline.ConfigContext{Attrs: attrs}
	}
}

// New creates an Engine.
func New(store *tablestore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		executor: Sequential{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report summarises one run.
type Report struct {
	RunID    string
	Executed []string
	Cached   []string
	Swapped  []string
	Failed   []string
	Skipped  []string
	Duration time.Duration
}

// Run executes f once. The returned report is populated even when some
// tasks failed; the error then combines every failure.
func (e *Engine) Run(ctx context.Context, f *pipeline.Flow) (*Report, error) {
	start := e.now()
	runID := ulid.Make().String()
	rc := pipeline.RunContext{
		RunID:  runID,
		Flow:   f,
		Logger: e.logger.With("component", "engine", "run_id", runID),
	}

	rep := &Report{RunID: rc.RunID}
	var mu sync.Mutex
	record := func(list *[]string, name string) {
		mu.Lock()
		defer mu.Unlock()
		*list = append(*list, name)
	}

	rc.Logger.Info("run started", "flow", f.Name(), "nodes", f.Graph().Len())

	g := f.Graph()
	outcome, err := e.executor.Execute(ctx, g, func(ctx context.Context, id dag.NodeID) error {
		switch n := g.Node(id).(type) {
		case *pipeline.Task:
			cached, err := e.runTask(ctx, rc, n)
			if err != nil {
				return fmt.Errorf("task %s: %w", n.Name(), err)
			}
			if cached {
				record(&rep.Cached, n.Name())
			} else {
				record(&rep.Executed, n.Name())
			}
		case *pipeline.SwapTask:
			if err := e.store.SwapSchema(ctx, n.Schema); err != nil {
				return fmt.Errorf("%s: %w", n.Name(), err)
			}
			record(&rep.Swapped, n.Schema.Name())
		default:
			return fmt.Errorf("%w: unexpected graph node %T", pipeline.ErrFlow, n)
		}
		return nil
	})

	for _, id := range outcome.Failed {
		rep.Failed = append(rep.Failed, nodeName(g, id))
	}
	for _, id := range outcome.Skipped {
		rep.Skipped = append(rep.Skipped, nodeName(g, id))
	}
	rep.Duration = e.now().Sub(start)

	// Schemas left unswapped by failures keep their lock otherwise.
	for _, sc := range f.Schemas() {
		if sc.DidSwap() {
			continue
		}
		if relErr := e.store.ReleaseSchema(sc); relErr != nil {
			rc.Logger.Warn("release schema lock", "schema", sc.Name(), "error", relErr)
		}
	}

	if err != nil {
		rc.Logger.Error("run failed",
			"failed", len(rep.Failed),
			"skipped", len(rep.Skipped),
			"error", err,
		)
		return rep, err
	}

	rc.Logger.Info("run finished",
		"executed", len(rep.Executed),
		"cached", len(rep.Cached),
		"swapped", len(rep.Swapped),
		"duration", rep.Duration,
	)
	return rep, nil
}

func nodeName(g *dag.Graph, id dag.NodeID) string {
	switch n := g.Node(id).(type) {
	case *pipeline.Task:
		return n.Name()
	case *pipeline.SwapTask:
		return n.Name()
	}
	return fmt.Sprintf("node %d", id)
}

// taskOutput is the JSON stored as TaskMetadata.OutputJSON.
type taskOutput struct {
	Tables []pipeline.TableRef `json:"tables"`
	Blobs  []pipeline.TableRef `json:"blobs,omitempty"`
}

// runTask materialises t, reusing the output of a previous run when its
// cache key and version match. It reports whether the cache was used.
func (e *Engine) runTask(ctx context.Context, rc pipeline.RunContext, t *pipeline.Task) (bool, error) {
	inputs := make([][]*pipeline.Table, len(t.Inputs()))
	blobs := make([][]*pipeline.Blob, len(t.Inputs()))
	for i, in := range t.Inputs() {
		inputs[i] = in.Output()
		blobs[i] = in.Blobs()
	}

	inputJSON, err := InputJSON(inputs, blobs)
	if err != nil {
		return false, err
	}
	key := cachekey.Task(t.BaseName(), t.Version(), inputJSON)
	t.SetCacheKey(key)

	logger := rc.Logger.With("task", t.Name(), "cache_key", key)

	if !t.Lazy() {
		tables, restored, err := e.restore(ctx, t, key)
		if err == nil {
			t.SetOutput(tables)
			t.SetBlobs(restored)
			logger.Info("task cache hit")
			return true, nil
		}
		if !errors.Is(err, pipeline.ErrCacheMiss) {
			return false, err
		}
		logger.Debug("task cache miss", "reason", err)
	}

	inv := &pipeline.Invocation{
		Task:   t,
		Tables: inputs,
		Blobs:  blobs,
		Run:    rc,
		Config: e.config,
	}
	if typ := t.InputType(); typ != nil {
		inv.Values = make([][]any, len(inputs))
		for i, tables := range inputs {
			inv.Values[i] = make([]any, len(tables))
			for j, tbl := range tables {
				v, err := e.store.RetrieveTableObj(ctx, tbl, typ, false)
				if err != nil {
					return false, fmt.Errorf("retrieve input %s: %w", tbl, err)
				}
				inv.Values[i][j] = v
			}
		}
	}

	tables, err := t.Call(ctx, inv)
	if err != nil {
		return false, err
	}

	refs := make([]pipeline.TableRef, 0, len(tables))
	for i, tbl := range tables {
		if tbl == nil {
			return false, fmt.Errorf("%w: output %d is nil", pipeline.ErrFlow, i)
		}
		if tbl.Name == "" {
			tbl.Name = fmt.Sprintf("%s_%s_%04d", t.BaseName(), key, i)
		}
		tbl.Schema = t.Schema()
		tbl.CacheKey = key

		if t.Lazy() {
			err = e.store.StoreTableLazy(ctx, tbl)
		} else {
			err = e.store.StoreTable(ctx, tbl)
		}
		if err != nil {
			return false, err
		}
		refs = append(refs, tbl.Ref())
	}

	emitted := inv.Emitted()
	blobRefs := make([]pipeline.TableRef, 0, len(emitted))
	for i, b := range emitted {
		if b.Name == "" {
			b.Name = fmt.Sprintf("%s_%s_blob_%04d", t.BaseName(), key, i)
		}
		b.Schema = t.Schema()
		b.CacheKey = key
		if err := e.store.StoreBlob(ctx, b); err != nil {
			return false, err
		}
		blobRefs = append(blobRefs, b.Ref())
	}

	out, err := json.Marshal(taskOutput{Tables: refs, Blobs: blobRefs})
	if err != nil {
		return false, fmt.Errorf("encode task output: %w", err)
	}

	if err := e.store.StoreTaskMetadata(ctx, metadata.TaskMetadata{
		Name:       t.BaseName(),
		Schema:     t.Schema().Name(),
		Version:    t.Version(),
		Timestamp:  e.now().UTC(),
		RunID:      rc.RunID,
		CacheKey:   key,
		OutputJSON: string(out),
	}); err != nil {
		return false, fmt.Errorf("store task metadata: %w", err)
	}

	t.SetOutput(tables)
	t.SetBlobs(emitted)
	logger.Debug("task materialised", "tables", len(tables), "blobs", len(emitted))
	return false, nil
}

// restore copies the tables and blobs of a previous run of t into the
// working area. Partial copies are undone on failure. Only
// pipeline.ErrCacheMiss lets the caller fall back to running t; other
// errors are returned as is.
func (e *Engine) restore(ctx context.Context, t *pipeline.Task, key string) ([]*pipeline.Table, []*pipeline.Blob, error) {
	sc := t.Schema()
	if sc.DidSwap() {
		return nil, nil, fmt.Errorf("%w: schema %q already swapped", pipeline.ErrSchema, sc.Name())
	}

	md, err := e.store.RetrieveTaskMetadata(ctx, sc, t.Version(), key)
	if err != nil {
		return nil, nil, err
	}

	var (
		tables []*pipeline.Table
		blobs  []*pipeline.Blob
	)
	undo := func(cause error) ([]*pipeline.Table, []*pipeline.Blob, error) {
		result := multierror.Append(nil, cause)
		for _, tbl := range tables {
			if err := e.store.DeleteTableFromWorkingSchema(ctx, tbl); err != nil {
				result = multierror.Append(result, fmt.Errorf("undo cached copy of %s: %w", tbl, err))
			}
		}
		for _, b := range blobs {
			if err := e.store.DeleteBlobFromWorkingSchema(ctx, b); err != nil {
				result = multierror.Append(result, fmt.Errorf("undo cached copy of %s: %w", b, err))
			}
		}
		if len(result.Errors) == 1 {
			return nil, nil, cause
		}
		return nil, nil, result
	}

	parsed := gjson.Get(md.OutputJSON, "tables")
	if !parsed.IsArray() {
		return nil, nil, fmt.Errorf("%w: task output of %s has no table list", pipeline.ErrCacheMiss, t.Name())
	}
	for _, ref := range parsed.Array() {
		tbl := &pipeline.Table{
			Name:     ref.Get("name").String(),
			Schema:   sc,
			CacheKey: ref.Get("cache_key").String(),
		}
		if err := e.store.CopyTableToWorkingSchema(ctx, tbl); err != nil {
			return undo(fmt.Errorf("restore %s: %w", tbl, err))
		}
		tables = append(tables, tbl)
	}

	for _, ref := range gjson.Get(md.OutputJSON, "blobs").Array() {
		b := &pipeline.Blob{
			Name:     ref.Get("name").String(),
			Schema:   sc,
			CacheKey: ref.Get("cache_key").String(),
		}
		if err := e.store.CopyBlobToWorkingSchema(ctx, b); err != nil {
			return undo(fmt.Errorf("restore %s: %w", b, err))
		}
		blobs = append(blobs, b)
	}

	if err := e.store.CopyTaskMetadataToWorkingSchema(ctx, sc, t.Version(), key); err != nil {
		return undo(fmt.Errorf("restore metadata of %s: %w", t.Name(), err))
	}
	return tables, blobs, nil
}

// InputJSON encodes the input tables and blobs of a task as compact JSON
// with sorted keys. Only references are encoded, never payloads. Blob
// references follow the tables of the same input and carry a kind field.
func InputJSON(inputs [][]*pipeline.Table, blobs [][]*pipeline.Blob) (string, error) {
	refs := make([][]map[string]string, len(inputs))
	for i, tables := range inputs {
		refs[i] = make([]map[string]string, 0, len(tables))
		for _, tbl := range tables {
			ref := tbl.Ref()
			refs[i] = append(refs[i], map[string]string{
				"name":      ref.Name,
				"schema":    ref.Schema,
				"cache_key": ref.CacheKey,
			})
		}
		if i < len(blobs) {
			for _, b := range blobs[i] {
				ref := b.Ref()
				refs[i] = append(refs[i], map[string]string{
					"kind":      "blob",
					"name":      ref.Name,
					"schema":    ref.Schema,
					"cache_key": ref.CacheKey,
				})
			}
		}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode task inputs: %w", err)
	}
	return string(data), nil
}
