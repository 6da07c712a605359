package frame

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hyperengineering/tablestage/internal/backend/memory"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

func TestEncodeDecode_NormalisesNumbers(t *testing.T) {
	f := New("id", "price", "name", "flag")
	if err := f.Append(int64(1), 2.5, "apple", true); err != nil {
		t.Fatal(err)
	}
	if err := f.Append(int64(2), nil, "pear", false); err != nil {
		t.Fatal(err)
	}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("Decode() = %#v, want %#v", got, f)
	}
}

func TestAppend_WidthMismatch(t *testing.T) {
	f := New("a", "b")
	if err := f.Append(1); err == nil {
		t.Error("Append() with one value on two columns succeeded")
	}
}

func TestDecode_RaggedRows(t *testing.T) {
	if _, err := Decode([]byte(`{"columns":["a"],"rows":[[1,2]]}`)); err == nil {
		t.Error("Decode() accepted a ragged frame")
	}
}

func TestHook_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	if err := b.CreateSchema(ctx, "raw", "raw__staging"); err != nil {
		t.Fatal(err)
	}

	f := New("x")
	f.Rows = [][]any{{int64(7)}}
	table := pipeline.NewTable(f, "numbers")

	h := Hook{}
	if !h.CanMaterialize(reflect.TypeOf(f)) || !h.CanRetrieve(Type) {
		t.Fatal("frame hook does not accept *Frame")
	}
	if h.CanMaterialize(reflect.TypeOf(Frame{})) {
		t.Error("frame hook accepts Frame by value")
	}

	if err := h.Materialize(ctx, b, table, "raw__staging"); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	got, err := h.Retrieve(ctx, b, "raw__staging", "numbers", Type)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("Retrieve() = %#v, want %#v", got, f)
	}
}

func TestHook_WrongPayload(t *testing.T) {
	err := Hook{}.Materialize(context.Background(), memory.New(), pipeline.NewTable("nope", "t"), "ns")
	if !errors.Is(err, pipeline.ErrUnsupportedType) {
		t.Errorf("Materialize() error = %v, want ErrUnsupportedType", err)
	}
}
