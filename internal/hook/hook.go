// Package hook dispatches table payloads to the code that knows how to
// persist and load them. Each payload family is one Hook implementation;
// the Registry picks the first registered hook that accepts a type.
package hook

import (
	"context"
	"reflect"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Hook materialises and retrieves one family of payload types.
// Implementations must be stateless.
type Hook interface {
	// Name identifies the hook in the registry.
	Name() string

	// CanMaterialize reports whether payloads of type t can be stored.
	CanMaterialize(t reflect.Type) bool

	// CanRetrieve reports whether stored tables can be loaded as type t.
	CanRetrieve(t reflect.Type) bool

	// Materialize persists table.Obj into namespace under table.Name.
	Materialize(ctx context.Context, st backend.Storage, table *pipeline.Table, namespace string) error

	// Retrieve loads table from namespace as a value of asType.
	Retrieve(ctx context.Context, st backend.Storage, namespace, table string, asType reflect.Type) (any, error)
}

// LazyHook is a Hook whose payloads describe a deferred computation with
// a canonical textual form. Equal text means equal result.
type LazyHook interface {
	Hook

	// LazyQueryString returns the canonical query text of obj. It fails
	// with pipeline.ErrUnsupportedLazy if obj has no such form.
	LazyQueryString(ctx context.Context, st backend.Storage, obj any) (string, error)
}
