package pipeline

import (
	"fmt"
	"sync"

	"github.com/hyperengineering/tablestage/internal/dag"
)

// Flow is a task graph under construction. It tracks which schema is
// current for task definitions through a stack, so schema scopes nest.
type Flow struct {
	name  string
	graph *dag.Graph

	mu      sync.Mutex
	stack   []*Schema
	schemas map[string]*Schema
	order   []*Schema
	tasks   []*Task
}

// NewFlow returns an empty flow.
func NewFlow(name string) *Flow {
	return &Flow{
		name:    name,
		graph:   dag.New(),
		schemas: make(map[string]*Schema),
	}
}

// Name returns the flow name.
func (f *Flow) Name() string { return f.name }

// Graph returns the underlying task graph.
func (f *Flow) Graph() *dag.Graph { return f.graph }

// CurrentSchema returns the innermost entered schema, or nil.
func (f *Flow) CurrentSchema() *Schema {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.stack) == 0 {
		return nil
	}
	return f.stack[len(f.stack)-1]
}

// Schemas returns the registered schemas in registration order.
func (f *Flow) Schemas() []*Schema {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Schema(nil), f.order...)
}

// Tasks returns every task in definition order.
func (f *Flow) Tasks() []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Task(nil), f.tasks...)
}

// WithSchema enters s, calls build and exits s again.
func (f *Flow) WithSchema(s *Schema, build func() error) error {
	if err := s.Enter(f); err != nil {
		return err
	}
	buildErr := build()
	exitErr := s.Exit()
	if buildErr != nil {
		return buildErr
	}
	return exitErr
}

// AddTask defines a task in the current schema. Each input task becomes a
// data dependency of the new task.
func (f *Flow) AddTask(spec TaskSpec, inputs ...*Task) (*Task, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: task name is required", ErrFlow)
	}
	if spec.Run == nil {
		return nil, fmt.Errorf("%w: task %q has no run function", ErrFlow, spec.Name)
	}

	schema := f.CurrentSchema()
	if schema == nil {
		return nil, fmt.Errorf("%w: task %q defined outside of a schema", ErrFlow, spec.Name)
	}

	t := &Task{
		spec:   spec,
		schema: schema,
		inputs: inputs,
	}
	t.node = f.graph.Add(t)

	for _, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("%w: task %q has a nil input", ErrFlow, spec.Name)
		}
		if err := f.graph.AddEdge(in.Node(), t.node); err != nil {
			return nil, fmt.Errorf("connect %s to %s: %w", in.Name(), t.Name(), err)
		}
	}

	if err := schema.AddTask(t); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()

	return t, nil
}

func (f *Flow) register(s *Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.schemas[s.Name()]; exists {
		return fmt.Errorf("%w: schema with name %q already exists", ErrSchema, s.Name())
	}
	f.schemas[s.Name()] = s
	f.order = append(f.order, s)
	return nil
}

func (f *Flow) push(s *Schema) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stack = append(f.stack, s)
}

func (f *Flow) pop(s *Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.stack) == 0 || f.stack[len(f.stack)-1] != s {
		return fmt.Errorf("%w: schema %q is not the current schema", ErrFlow, s.Name())
	}
	f.stack = f.stack[:len(f.stack)-1]
	return nil
}
