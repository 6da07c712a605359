package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/hyperengineering/tablestage/internal/dag"
)

// TaskFunc computes the tables of a task.
type TaskFunc func(ctx context.Context, inv *Invocation) ([]*Table, error)

// TaskSpec declares a materialising task.
type TaskSpec struct {
	// Name identifies the task inside its schema and feeds its cache key.
	Name string

	// Version must change whenever the implementation changes, unless the
	// task is lazy. A cached result is reused otherwise.
	Version string

	// Lazy tasks always run; their lazy tables are cached by query text.
	Lazy bool

	// InputType is the type upstream tables are retrieved as before Run is
	// called. Nil leaves Invocation.Values empty.
	InputType reflect.Type

	Run TaskFunc
}

// Task is a node of the flow graph whose output tables are materialised
// into its schema.
type Task struct {
	spec   TaskSpec
	node   dag.NodeID
	schema *Schema
	inputs []*Task

	mu              sync.Mutex
	upstreamSchemas []*Schema
	cacheKey        string
	output          []*Table
	blobs           []*Blob
}

// Name returns the task name qualified by its schema.
func (t *Task) Name() string {
	return fmt.Sprintf("%s(%s)", t.spec.Name, t.schema.Name())
}

// BaseName returns the unqualified task name.
func (t *Task) BaseName() string { return t.spec.Name }

// Version returns the declared task version.
func (t *Task) Version() string { return t.spec.Version }

// Lazy reports whether the task is lazy.
func (t *Task) Lazy() bool { return t.spec.Lazy }

// InputType returns the type input tables are retrieved as.
func (t *Task) InputType() reflect.Type { return t.spec.InputType }

// Schema returns the schema the task writes into.
func (t *Task) Schema() *Schema { return t.schema }

// Node returns the graph handle of the task.
func (t *Task) Node() dag.NodeID { return t.node }

// Inputs returns the tasks whose outputs feed this task.
func (t *Task) Inputs() []*Task { return t.inputs }

// Call invokes the task function.
func (t *Task) Call(ctx context.Context, inv *Invocation) ([]*Table, error) {
	return t.spec.Run(ctx, inv)
}

// UpstreamSchemas returns the foreign schemas this task reads from. It is
// populated when the task's schema scope exits.
func (t *Task) UpstreamSchemas() []*Schema {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Schema(nil), t.upstreamSchemas...)
}

func (t *Task) setUpstreamSchemas(s []*Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upstreamSchemas = s
}

// CacheKey returns the cache key computed for the current run.
func (t *Task) CacheKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheKey
}

// SetCacheKey records the cache key computed for the current run.
func (t *Task) SetCacheKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cacheKey = key
}

// Output returns the materialised tables of the current run.
func (t *Task) Output() []*Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

// SetOutput records the materialised tables of the current run.
func (t *Task) SetOutput(tables []*Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output = tables
}

// Blobs returns the materialised blobs of the current run.
func (t *Task) Blobs() []*Blob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blobs
}

// SetBlobs records the materialised blobs of the current run.
func (t *Task) SetBlobs(blobs []*Blob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blobs = blobs
}

// RunContext is scoped to one execution of a flow.
type RunContext struct {
	RunID  string
	Flow   *Flow
	Logger *slog.Logger
}

// ConfigContext carries configuration visible to every task of a run.
type ConfigContext struct {
	Attrs map[string]string
}

// Get returns the attribute stored under key.
func (c ConfigContext) Get(key string) string {
	return c.Attrs[key]
}

// Invocation is everything a task function receives.
type Invocation struct {
	Task *Task

	// Tables holds the output tables of each input task, in input order.
	Tables [][]*Table

	// Values holds the same tables retrieved as the task's InputType.
	Values [][]any

	// Blobs holds the blobs emitted by each input task, in input order.
	Blobs [][]*Blob

	Run    RunContext
	Config ConfigContext

	emitted []*Blob
}

// EmitBlob adds obj to the output of the task as a blob called name. An
// empty name is filled in when the blob is stored.
func (inv *Invocation) EmitBlob(obj any, name string) *Blob {
	b := NewBlob(obj, name)
	inv.emitted = append(inv.emitted, b)
	return b
}

// Emitted returns the blobs added with EmitBlob.
func (inv *Invocation) Emitted() []*Blob { return inv.emitted }

// Blob returns blob j of input i.
func (inv *Invocation) Blob(i, j int) (*Blob, error) {
	if i < 0 || i >= len(inv.Blobs) || j < 0 || j >= len(inv.Blobs[i]) {
		return nil, fmt.Errorf("%w: no input blob (%d, %d)", ErrFlow, i, j)
	}
	return inv.Blobs[i][j], nil
}

// Table returns table j of input i.
func (inv *Invocation) Table(i, j int) (*Table, error) {
	if i < 0 || i >= len(inv.Tables) || j < 0 || j >= len(inv.Tables[i]) {
		return nil, fmt.Errorf("%w: no input table (%d, %d)", ErrFlow, i, j)
	}
	return inv.Tables[i][j], nil
}

// Input returns the retrieved value of table j of input i as T.
func Input[T any](inv *Invocation, i, j int) (T, error) {
	var zero T
	if i < 0 || i >= len(inv.Values) || j < 0 || j >= len(inv.Values[i]) {
		return zero, fmt.Errorf("%w: no input value (%d, %d)", ErrFlow, i, j)
	}
	v, ok := inv.Values[i][j].(T)
	if !ok {
		return zero, fmt.Errorf("%w: input (%d, %d) is %T", ErrUnsupportedType, i, j, inv.Values[i][j])
	}
	return v, nil
}
