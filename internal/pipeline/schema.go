package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hyperengineering/tablestage/internal/dag"
)

// SchemaCreator provisions the physical namespaces of a schema.
type SchemaCreator interface {
	CreateSchema(ctx context.Context, s *Schema) error
}

// Schema is a logical namespace with two physical areas: the base area
// (Name) that readers see between runs and the working area (WorkingName)
// that tasks write into. A swap exchanges the two exactly once.
type Schema struct {
	name        string
	workingName string

	// swapMu serialises the swap against readers that resolve CurrentName.
	swapMu  sync.RWMutex
	didSwap atomic.Bool

	mu       sync.Mutex
	flow     *Flow
	swapNode dag.NodeID
	tasks    []*Task
}

// NewSchema validates name and provisions both physical areas through
// creator. The call performs I/O and fails if provisioning fails.
func NewSchema(ctx context.Context, name string, creator SchemaCreator) (*Schema, error) {
	if err := ValidateSchemaName(name); err != nil {
		return nil, err
	}

	s := &Schema{
		name:        name,
		workingName: WorkingName(name),
		swapNode:    -1,
	}

	if creator != nil {
		if err := creator.CreateSchema(ctx, s); err != nil {
			return nil, fmt.Errorf("create schema %q: %w", name, err)
		}
	}

	return s, nil
}

// Name returns the stable, externally visible name.
func (s *Schema) Name() string { return s.name }

// WorkingName returns the name of the scratch area.
func (s *Schema) WorkingName() string { return s.workingName }

// DidSwap reports whether the schema has been swapped.
func (s *Schema) DidSwap() bool { return s.didSwap.Load() }

// CurrentName returns where the data of this run currently lives: the
// working name before the swap and the base name after it.
func (s *Schema) CurrentName() string {
	if s.didSwap.Load() {
		return s.name
	}
	return s.workingName
}

// WithCurrentName calls fn with CurrentName while holding off a concurrent
// swap, so fn never observes a half-swapped schema. fn must not swap.
func (s *Schema) WithCurrentName(fn func(name string) error) error {
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()
	return fn(s.CurrentName())
}

// PerformSwap runs body as the single swap of this schema. It fails with
// ErrSchemaAlreadySwapped if a swap already happened. The schema counts as
// swapped once body returns, whether or not body failed.
func (s *Schema) PerformSwap(body func() error) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if s.didSwap.Load() {
		return fmt.Errorf("%w: %s", ErrSchemaAlreadySwapped, s.name)
	}
	defer s.didSwap.Store(true)

	return body()
}

// Enter registers the schema with f, adds its swap node to the graph and
// makes it the current schema of f until Exit.
func (s *Schema) Enter(f *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flow != nil {
		return fmt.Errorf("%w: schema %q already entered", ErrSchema, s.name)
	}
	if err := f.register(s); err != nil {
		return err
	}

	s.flow = f
	s.swapNode = f.graph.Add(&SwapTask{Schema: s})
	f.push(s)
	return nil
}

// Exit adds the ordering edges between this schema's swap and the swaps of
// every schema its tasks read from, then restores the previous current
// schema of the flow.
func (s *Schema) Exit() error {
	s.mu.Lock()
	f := s.flow
	tasks := append([]*Task(nil), s.tasks...)
	s.mu.Unlock()

	if f == nil {
		return fmt.Errorf("%w: schema %q exited without being entered", ErrFlow, s.name)
	}

	var errs []error
	for _, t := range tasks {
		upstream := s.upstreamSchemas(f.graph, t)
		t.setUpstreamSchemas(upstream)
		for _, u := range upstream {
			if err := f.graph.AddEdge(u.SwapNode(), s.SwapNode()); err != nil {
				errs = append(errs, fmt.Errorf("order swap %s before %s: %w", u.name, s.name, err))
			}
		}
	}

	if err := f.pop(s); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// upstreamSchemas walks the graph upstream of t and returns, in discovery
// order and without duplicates, the schemas of the first foreign nodes
// found on each path. The walk does not continue past a foreign node.
func (s *Schema) upstreamSchemas(g *dag.Graph, t *Task) []*Schema {
	seen := make(map[*Schema]struct{})
	var result []*Schema

	g.WalkUpstream(t.Node(), func(_ dag.NodeID, v any) bool {
		var owner *Schema
		switch n := v.(type) {
		case *Task:
			owner = n.Schema()
		case *SwapTask:
			owner = n.Schema
		}
		if owner == nil || owner == s {
			return true
		}
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			result = append(result, owner)
		}
		return false
	})

	return result
}

// AddTask makes t a producer for this schema: t must finish before the
// swap runs.
func (s *Schema) AddTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flow == nil {
		return fmt.Errorf("%w: schema %q not entered", ErrFlow, s.name)
	}
	if err := s.flow.graph.AddEdge(t.Node(), s.swapNode); err != nil {
		return fmt.Errorf("order task %s before swap of %s: %w", t.Name(), s.name, err)
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Tasks returns the tasks that write into this schema.
func (s *Schema) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// SwapNode returns the graph node of this schema's swap, or -1 before Enter.
func (s *Schema) SwapNode() dag.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapNode
}

func (s *Schema) String() string {
	return fmt.Sprintf("<Schema: %s>", s.name)
}

// SwapTask is the graph node that swaps a schema once all of its tasks
// and upstream schemas are done.
type SwapTask struct {
	Schema *Schema
}

// Name returns the display name of the node.
func (t *SwapTask) Name() string {
	return fmt.Sprintf("SchemaSwapTask(%s)", t.Schema.Name())
}
