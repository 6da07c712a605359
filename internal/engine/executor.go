package engine

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/hyperengineering/tablestage/internal/dag"
	"golang.org/x/sync/errgroup"
)

// NodeFunc executes one graph node.
type NodeFunc func(ctx context.Context, id dag.NodeID) error

// Outcome lists what happened to every node of an execution.
type Outcome struct {
	Succeeded []dag.NodeID
	Failed    []dag.NodeID
	Skipped   []dag.NodeID
}

// Executor runs the nodes of a graph in dependency order. A node whose
// upstream failed or was skipped is skipped; independent nodes still run.
// Every node failure is returned, combined into one error.
type Executor interface {
	Execute(ctx context.Context, g *dag.Graph, run NodeFunc) (Outcome, error)
}

// NewExecutor returns the executor for mode "sequential" or "parallel".
func NewExecutor(mode string, workers int) (Executor, error) {
	switch mode {
	case "", "sequential":
		return Sequential{}, nil
	case "parallel":
		return Parallel{Workers: workers}, nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q (valid: sequential, parallel)", mode)
	}
}

type nodeState int

const (
	statePending nodeState = iota
	stateSucceeded
	stateFailed
	stateSkipped
)

// Sequential runs one node at a time in topological order.
type Sequential struct{}

func (Sequential) Execute(ctx context.Context, g *dag.Graph, run NodeFunc) (Outcome, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	var errs *multierror.Error
	state := make([]nodeState, g.Len())

	for _, id := range order {
		blocked := false
		for _, up := range g.Upstream(id) {
			if state[up] == stateFailed || state[up] == stateSkipped {
				blocked = true
				break
			}
		}
		if blocked {
			state[id] = stateSkipped
			out.Skipped = append(out.Skipped, id)
			continue
		}

		if err := run(ctx, id); err != nil {
			state[id] = stateFailed
			out.Failed = append(out.Failed, id)
			errs = multierror.Append(errs, err)
			continue
		}
		state[id] = stateSucceeded
		out.Succeeded = append(out.Succeeded, id)
	}

	return out, errs.ErrorOrNil()
}

// Parallel runs every ready node on a bounded pool of goroutines.
// Workers <= 0 means one worker per node.
type Parallel struct {
	Workers int
}

type nodeResult struct {
	id  dag.NodeID
	err error
}

func (p Parallel) Execute(ctx context.Context, g *dag.Graph, run NodeFunc) (Outcome, error) {
	// Reject cycles before starting anything.
	if _, err := g.TopologicalOrder(); err != nil {
		return Outcome{}, err
	}

	n := g.Len()
	if n == 0 {
		return Outcome{}, nil
	}

	pending := make([]int, n)
	blocked := make([]bool, n)
	for i := 0; i < n; i++ {
		pending[i] = len(g.Upstream(dag.NodeID(i)))
	}

	var eg errgroup.Group
	if p.Workers > 0 {
		eg.SetLimit(p.Workers)
	}

	// Only this goroutine touches the scheduling state. The channel is
	// buffered so workers never block on reporting.
	done := make(chan nodeResult, n)
	launch := func(id dag.NodeID) {
		eg.Go(func() error {
			done <- nodeResult{id: id, err: run(ctx, id)}
			return nil
		})
	}

	var (
		out      Outcome
		errs     *multierror.Error
		finished int
	)

	// release marks id as finished and returns the downstream nodes that
	// became ready to run.
	var release func(id dag.NodeID, ok bool) []dag.NodeID
	release = func(id dag.NodeID, ok bool) []dag.NodeID {
		finished++
		var ready []dag.NodeID
		for _, d := range g.Downstream(id) {
			if !ok {
				blocked[d] = true
			}
			pending[d]--
			if pending[d] > 0 {
				continue
			}
			if blocked[d] {
				out.Skipped = append(out.Skipped, d)
				ready = append(ready, release(d, false)...)
				continue
			}
			ready = append(ready, d)
		}
		return ready
	}

	for i := 0; i < n; i++ {
		if pending[i] == 0 {
			launch(dag.NodeID(i))
		}
	}

	for finished < n {
		r := <-done

		ok := r.err == nil
		if ok {
			out.Succeeded = append(out.Succeeded, r.id)
		} else {
			out.Failed = append(out.Failed, r.id)
			errs = multierror.Append(errs, r.err)
		}
		ready := release(r.id, ok)

		for _, id := range ready {
			launch(id)
		}
	}

	_ = eg.Wait()
	return out, errs.ErrorOrNil()
}
