package hook

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// stubHook accepts a fixed set of types for both directions.
type stubHook struct {
	name  string
	types []reflect.Type
}

func (s *stubHook) Name() string { return s.name }
func (s *stubHook) CanMaterialize(t reflect.Type) bool {
	for _, x := range s.types {
		if x == t {
			return true
		}
	}
	return false
}
func (s *stubHook) CanRetrieve(t reflect.Type) bool { return s.CanMaterialize(t) }
func (s *stubHook) Materialize(context.Context, backend.Storage, *pipeline.Table, string) error {
	return nil
}
func (s *stubHook) Retrieve(context.Context, backend.Storage, string, string, reflect.Type) (any, error) {
	return nil, nil
}

var (
	typeString = reflect.TypeOf("")
	typeInt    = reflect.TypeOf(0)
)

func TestRegistry_FirstMatchWins(t *testing.T) {
	r := NewRegistry()
	h1 := &stubHook{name: "h1", types: []reflect.Type{typeString}}
	h2 := &stubHook{name: "h2", types: []reflect.Type{typeString, typeInt}}
	r.Register(h1)
	r.Register(h2)

	for i := 0; i < 3; i++ {
		got, err := r.ResolveForMaterialize(typeString)
		if err != nil {
			t.Fatalf("ResolveForMaterialize() error = %v", err)
		}
		if got != h1 {
			t.Errorf("ResolveForMaterialize(string) = %s, want h1", got.Name())
		}
	}

	got, err := r.ResolveForRetrieve(typeInt)
	if err != nil {
		t.Fatalf("ResolveForRetrieve() error = %v", err)
	}
	if got != h2 {
		t.Errorf("ResolveForRetrieve(int) = %s, want h2", got.Name())
	}
}

func TestRegistry_UnregisterReresolves(t *testing.T) {
	r := NewRegistry()
	h1 := &stubHook{name: "h1", types: []reflect.Type{typeString}}
	h2 := &stubHook{name: "h2", types: []reflect.Type{typeString}}
	r.Register(h1)
	r.Register(h2)

	// Given: string resolved and memoised to h1
	if got, _ := r.ResolveForMaterialize(typeString); got != h1 {
		t.Fatalf("initial resolution = %v, want h1", got)
	}

	// When: h1 is removed
	if !r.Unregister("h1") {
		t.Fatal("Unregister(h1) = false")
	}

	// Then: the cache does not return the stale hook
	got, err := r.ResolveForMaterialize(typeString)
	if err != nil {
		t.Fatalf("ResolveForMaterialize() error = %v", err)
	}
	if got != h2 {
		t.Errorf("ResolveForMaterialize() = %s, want h2", got.Name())
	}

	if r.Unregister("h1") {
		t.Error("second Unregister(h1) = true")
	}
}

func TestRegistry_RegisterInvalidatesMiss(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubHook{name: "strings", types: []reflect.Type{typeString}})

	if _, err := r.ResolveForRetrieve(typeInt); !errors.Is(err, pipeline.ErrUnsupportedType) {
		t.Fatalf("ResolveForRetrieve(int) error = %v, want ErrUnsupportedType", err)
	}

	ints := &stubHook{name: "ints", types: []reflect.Type{typeInt}}
	r.Register(ints)

	got, err := r.ResolveForRetrieve(typeInt)
	if err != nil {
		t.Fatalf("ResolveForRetrieve(int) after register error = %v", err)
	}
	if got != ints {
		t.Errorf("ResolveForRetrieve(int) = %s, want ints", got.Name())
	}
}

func TestRegistry_RequirementsGateRegistration(t *testing.T) {
	r := NewRegistry()

	if r.Register(&stubHook{name: "optional"}, true, false) {
		t.Error("Register() with unmet requirement = true")
	}
	if !r.Register(&stubHook{name: "present"}, true, true) {
		t.Error("Register() with met requirements = false")
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"present"}) {
		t.Errorf("Names() = %v, want [present]", got)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubHook{name: "frame"})

	defer func() {
		if recover() == nil {
			t.Fatal("Register duplicate did not panic")
		}
	}()
	r.Register(&stubHook{name: "frame"})
}

func TestRegistry_NilType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ResolveForRetrieve(nil); !errors.Is(err, pipeline.ErrUnsupportedType) {
		t.Errorf("ResolveForRetrieve(nil) error = %v, want ErrUnsupportedType", err)
	}
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	r := NewRegistry()
	h := &stubHook{name: "strings", types: []reflect.Type{typeString}}
	r.Register(h)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := r.ResolveForMaterialize(typeString); err != nil || got != h {
				t.Errorf("ResolveForMaterialize() = %v, %v", got, err)
			}
		}()
	}
	wg.Wait()
}

func TestDefaultRegistry(t *testing.T) {
	Reset()
	defer Reset()

	h := &stubHook{name: "strings", types: []reflect.Type{typeString}}
	Register(h)
	if got, err := Default().ResolveForMaterialize(typeString); err != nil || got != h {
		t.Errorf("Default().ResolveForMaterialize() = %v, %v", got, err)
	}
	if !Unregister("strings") {
		t.Error("Unregister() = false")
	}
}

func TestReset_KeepsDefaultRegistry(t *testing.T) {
	before := Default()
	Register(&stubHook{name: "strings", types: []reflect.Type{typeString}})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Default().ResolveForMaterialize(typeString)
		}()
	}
	Reset()
	wg.Wait()

	if Default() != before {
		t.Error("Reset() replaced the default registry")
	}
	if names := Default().Names(); len(names) != 0 {
		t.Errorf("Names() after Reset = %v, want empty", names)
	}
	if _, err := Default().ResolveForMaterialize(typeString); !errors.Is(err, pipeline.ErrUnsupportedType) {
		t.Errorf("ResolveForMaterialize() after Reset error = %v, want ErrUnsupportedType", err)
	}
}
