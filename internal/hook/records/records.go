// Package records stores slices of row maps using the frame encoding.
package records

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/hook/frame"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Type is the reflect.Type of []map[string]any.
var Type = reflect.TypeOf([]map[string]any(nil))

// Hook stores and loads []map[string]any payloads.
type Hook struct{}

var _ hook.Hook = Hook{}

func (Hook) Name() string { return "records" }

func (Hook) CanMaterialize(t reflect.Type) bool { return t == Type }

func (Hook) CanRetrieve(t reflect.Type) bool { return t == Type }

func (Hook) Materialize(ctx context.Context, st backend.Storage, table *pipeline.Table, namespace string) error {
	rows, ok := table.Obj.([]map[string]any)
	if !ok {
		return fmt.Errorf("%w: records hook got %T", pipeline.ErrUnsupportedType, table.Obj)
	}
	data, err := frame.Encode(ToFrame(rows))
	if err != nil {
		return fmt.Errorf("table %s: %w", table.Name, err)
	}
	return st.WriteTable(ctx, namespace, table.Name, data)
}

func (Hook) Retrieve(ctx context.Context, st backend.Storage, namespace, table string, _ reflect.Type) (any, error) {
	f, err := frame.Read(ctx, st, namespace, table)
	if err != nil {
		return nil, err
	}
	return FromFrame(f), nil
}

// ToFrame converts rows to a frame whose columns are the sorted union of
// all keys. Missing keys become nil.
func ToFrame(rows []map[string]any) *frame.Frame {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	f := frame.New(columns...)
	for _, row := range rows {
		values := make([]any, len(columns))
		for i, c := range columns {
			values[i] = row[c]
		}
		f.Rows = append(f.Rows, values)
	}
	return f
}

// FromFrame converts a frame to row maps.
func FromFrame(f *frame.Frame) []map[string]any {
	rows := make([]map[string]any, 0, len(f.Rows))
	for _, values := range f.Rows {
		row := make(map[string]any, len(f.Columns))
		for i, c := range f.Columns {
			row[c] = values[i]
		}
		rows = append(rows, row)
	}
	return rows
}
