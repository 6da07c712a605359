package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// recordingCreator records CreateSchema calls.
type recordingCreator struct {
	mu      sync.Mutex
	created []string
	err     error
}

func (c *recordingCreator) CreateSchema(_ context.Context, s *Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.created = append(c.created, s.Name())
	return nil
}

func noop(context.Context, *Invocation) ([]*Table, error) { return nil, nil }

func mustSchema(t *testing.T, name string) *Schema {
	t.Helper()
	s, err := NewSchema(context.Background(), name, nil)
	if err != nil {
		t.Fatalf("NewSchema(%q) error = %v", name, err)
	}
	return s
}

func TestNewSchema_InitialState(t *testing.T) {
	creator := &recordingCreator{}
	s, err := NewSchema(context.Background(), "reports", creator)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}

	if s.DidSwap() {
		t.Error("DidSwap() = true right after construction")
	}
	if s.WorkingName() != "reports__staging" {
		t.Errorf("WorkingName() = %q, want %q", s.WorkingName(), "reports__staging")
	}
	if s.CurrentName() != s.WorkingName() {
		t.Errorf("CurrentName() = %q, want working name %q", s.CurrentName(), s.WorkingName())
	}
	if len(creator.created) != 1 || creator.created[0] != "reports" {
		t.Errorf("creator called with %v, want [reports]", creator.created)
	}
}

func TestNewSchema_CreatorFailure(t *testing.T) {
	ioErr := errors.New("disk full")
	_, err := NewSchema(context.Background(), "reports", &recordingCreator{err: ioErr})
	if !errors.Is(err, ioErr) {
		t.Errorf("NewSchema() error = %v, want wrapped %v", err, ioErr)
	}
}

func TestNewSchema_InvalidName(t *testing.T) {
	for _, name := range []string{"", "Reports", "a__b", "-x", "x-"} {
		if _, err := NewSchema(context.Background(), name, nil); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewSchema(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestSchema_PerformSwap_ExactlyOnce(t *testing.T) {
	s := mustSchema(t, "reports")

	calls := 0
	if err := s.PerformSwap(func() error { calls++; return nil }); err != nil {
		t.Fatalf("first PerformSwap() error = %v", err)
	}
	if !s.DidSwap() {
		t.Error("DidSwap() = false after swap")
	}
	if s.CurrentName() != "reports" {
		t.Errorf("CurrentName() = %q, want %q", s.CurrentName(), "reports")
	}

	err := s.PerformSwap(func() error { calls++; return nil })
	if !errors.Is(err, ErrSchemaAlreadySwapped) {
		t.Errorf("second PerformSwap() error = %v, want ErrSchemaAlreadySwapped", err)
	}
	if calls != 1 {
		t.Errorf("swap body ran %d times, want 1", calls)
	}
}

func TestSchema_PerformSwap_FailedBodyStillSwaps(t *testing.T) {
	s := mustSchema(t, "reports")
	bodyErr := errors.New("rename failed")

	if err := s.PerformSwap(func() error { return bodyErr }); !errors.Is(err, bodyErr) {
		t.Fatalf("PerformSwap() error = %v, want %v", err, bodyErr)
	}
	if !s.DidSwap() {
		t.Error("DidSwap() = false after failed body")
	}
	if err := s.PerformSwap(func() error { return nil }); !errors.Is(err, ErrSchemaAlreadySwapped) {
		t.Errorf("PerformSwap() after failure error = %v, want ErrSchemaAlreadySwapped", err)
	}
}

func TestSchema_PerformSwap_PanickingBodyStillSwaps(t *testing.T) {
	s := mustSchema(t, "reports")

	func() {
		defer func() { _ = recover() }()
		_ = s.PerformSwap(func() error { panic("boom") })
	}()

	if !s.DidSwap() {
		t.Error("DidSwap() = false after panicking body")
	}
}

func TestSchema_PerformSwap_Concurrent(t *testing.T) {
	s := mustSchema(t, "reports")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.PerformSwap(func() error { return nil }); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful swaps = %d, want 1", wins.Load())
	}
}

func TestSchema_WithCurrentName(t *testing.T) {
	s := mustSchema(t, "reports")

	var got string
	_ = s.WithCurrentName(func(name string) error { got = name; return nil })
	if got != "reports__staging" {
		t.Errorf("before swap name = %q", got)
	}

	_ = s.PerformSwap(func() error { return nil })
	_ = s.WithCurrentName(func(name string) error { got = name; return nil })
	if got != "reports" {
		t.Errorf("after swap name = %q", got)
	}
}

func TestFlow_AddTaskOutsideSchema(t *testing.T) {
	f := NewFlow("flow")
	_, err := f.AddTask(TaskSpec{Name: "a", Run: noop})
	if !errors.Is(err, ErrFlow) {
		t.Errorf("AddTask() error = %v, want ErrFlow", err)
	}
}

func TestFlow_DuplicateSchemaName(t *testing.T) {
	f := NewFlow("flow")
	if err := f.WithSchema(mustSchema(t, "raw"), func() error { return nil }); err != nil {
		t.Fatalf("WithSchema() error = %v", err)
	}
	err := f.WithSchema(mustSchema(t, "raw"), func() error { return nil })
	if !errors.Is(err, ErrSchema) {
		t.Errorf("duplicate WithSchema() error = %v, want ErrSchema", err)
	}
}

func TestFlow_NestedSchemasRestoreCurrent(t *testing.T) {
	f := NewFlow("flow")
	outer := mustSchema(t, "outer")
	inner := mustSchema(t, "inner")

	err := f.WithSchema(outer, func() error {
		if f.CurrentSchema() != outer {
			t.Errorf("CurrentSchema() = %v, want outer", f.CurrentSchema())
		}
		if err := f.WithSchema(inner, func() error {
			if f.CurrentSchema() != inner {
				t.Errorf("CurrentSchema() = %v, want inner", f.CurrentSchema())
			}
			return nil
		}); err != nil {
			return err
		}
		if f.CurrentSchema() != outer {
			t.Errorf("CurrentSchema() after inner exit = %v, want outer", f.CurrentSchema())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSchema() error = %v", err)
	}
	if f.CurrentSchema() != nil {
		t.Errorf("CurrentSchema() after outer exit = %v, want nil", f.CurrentSchema())
	}
}

func TestSchema_AddTaskOrdersBeforeSwap(t *testing.T) {
	f := NewFlow("flow")
	s := mustSchema(t, "raw")

	var task *Task
	err := f.WithSchema(s, func() error {
		var err error
		task, err = f.AddTask(TaskSpec{Name: "load", Run: noop})
		return err
	})
	if err != nil {
		t.Fatalf("WithSchema() error = %v", err)
	}

	up := f.Graph().Upstream(s.SwapNode())
	if len(up) != 1 || up[0] != task.Node() {
		t.Errorf("swap upstream = %v, want [%d]", up, task.Node())
	}
	if got := s.Tasks(); len(got) != 1 || got[0] != task {
		t.Errorf("Tasks() = %v, want [load]", got)
	}
}

func TestSchema_ExitComputesUpstreamSchemas(t *testing.T) {
	// Given: raw <- (left, right) <- report, forming a diamond over schemas
	f := NewFlow("flow")
	raw := mustSchema(t, "raw")
	mid := mustSchema(t, "mid")
	out := mustSchema(t, "out")

	var a, l, r, rep, rep2, local *Task
	build := func(s *Schema, fn func() error) {
		t.Helper()
		if err := f.WithSchema(s, fn); err != nil {
			t.Fatalf("WithSchema(%s) error = %v", s.Name(), err)
		}
	}

	build(raw, func() (err error) {
		a, err = f.AddTask(TaskSpec{Name: "a", Run: noop})
		return err
	})
	build(mid, func() (err error) {
		if l, err = f.AddTask(TaskSpec{Name: "l", Run: noop}, a); err != nil {
			return err
		}
		r, err = f.AddTask(TaskSpec{Name: "r", Run: noop}, a)
		return err
	})
	build(out, func() (err error) {
		if rep, err = f.AddTask(TaskSpec{Name: "rep", Run: noop}, l, r); err != nil {
			return err
		}
		if rep2, err = f.AddTask(TaskSpec{Name: "rep2", Run: noop}, a, l); err != nil {
			return err
		}
		local, err = f.AddTask(TaskSpec{Name: "local", Run: noop}, rep)
		return err
	})

	// Then: each task only sees its direct producer schemas, once each
	tests := []struct {
		task *Task
		want []*Schema
	}{
		{a, nil},
		{l, []*Schema{raw}},
		{r, []*Schema{raw}},
		{rep, []*Schema{mid}},
		{rep2, []*Schema{raw, mid}},
		{local, []*Schema{mid}},
	}
	for _, tt := range tests {
		got := tt.task.UpstreamSchemas()
		if !sameSchemas(got, tt.want) {
			t.Errorf("%s UpstreamSchemas() = %v, want %v", tt.task.Name(), got, tt.want)
		}
	}

	// And: swap ordering edges connect producer swaps to consumer swaps
	if !contains(f.Graph().Upstream(mid.SwapNode()), raw.SwapNode()) {
		t.Error("mid swap not ordered after raw swap")
	}
	if !contains(f.Graph().Upstream(out.SwapNode()), mid.SwapNode()) {
		t.Error("out swap not ordered after mid swap")
	}
	if _, err := f.Graph().TopologicalOrder(); err != nil {
		t.Errorf("TopologicalOrder() error = %v", err)
	}
}

func TestValidateTableName(t *testing.T) {
	valid := []string{"t1", "load_0001", "A.b-c"}
	invalid := []string{"", "../x", "a/b", ".hidden", "a..b"}

	for _, name := range valid {
		if err := ValidateTableName(name); err != nil {
			t.Errorf("ValidateTableName(%q) error = %v", name, err)
		}
	}
	for _, name := range invalid {
		if err := ValidateTableName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateTableName(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func sameSchemas(got, want []*Schema) bool {
	if len(got) != len(want) {
		return false
	}
	set := make(map[*Schema]int)
	for _, s := range got {
		set[s]++
	}
	for _, s := range want {
		if set[s] != 1 {
			return false
		}
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
