package frame

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Type is the reflect.Type of *Frame.
var Type = reflect.TypeOf((*Frame)(nil))

// Hook stores and loads *Frame payloads.
type Hook struct{}

var _ hook.Hook = Hook{}

func (Hook) Name() string { return "frame" }

func (Hook) CanMaterialize(t reflect.Type) bool { return t == Type }

func (Hook) CanRetrieve(t reflect.Type) bool { return t == Type }

func (Hook) Materialize(ctx context.Context, st backend.Storage, table *pipeline.Table, namespace string) error {
	f, ok := table.Obj.(*Frame)
	if !ok || f == nil {
		return fmt.Errorf("%w: frame hook got %T", pipeline.ErrUnsupportedType, table.Obj)
	}
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("table %s: %w", table.Name, err)
	}
	return st.WriteTable(ctx, namespace, table.Name, data)
}

func (Hook) Retrieve(ctx context.Context, st backend.Storage, namespace, table string, _ reflect.Type) (any, error) {
	return Read(ctx, st, namespace, table)
}

// Read loads a frame-encoded table from storage.
func Read(ctx context.Context, st backend.Storage, namespace, table string) (*Frame, error) {
	data, err := st.ReadTable(ctx, namespace, table)
	if err != nil {
		return nil, err
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("table %s.%s: %w", namespace, table, err)
	}
	return f, nil
}
