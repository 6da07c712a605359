// Package backendtest provides a conformance suite every backend.Backend
// implementation must pass.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Run executes the conformance suite. newBackend must return a fresh,
// empty backend on every call.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	t.Run("WriteRead", func(t *testing.T) { testWriteRead(t, newBackend(t)) })
	t.Run("SwapExchangesData", func(t *testing.T) { testSwap(t, newBackend(t)) })
	t.Run("CreateSchemaResetsWorking", func(t *testing.T) { testCreateSchemaResets(t, newBackend(t)) })
	t.Run("CopyMissingSourceIsCacheMiss", func(t *testing.T) { testCopyMissing(t, newBackend(t)) })
	t.Run("CopyLeavesSourceIntact", func(t *testing.T) { testCopyKeepsSource(t, newBackend(t)) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDelete(t, newBackend(t)) })
	t.Run("WriteToUnknownNamespace", func(t *testing.T) { testUnknownNamespace(t, newBackend(t)) })
}

func mustCreate(t *testing.T, b backend.Backend, base string) {
	t.Helper()
	if err := b.CreateSchema(context.Background(), base, pipeline.WorkingName(base)); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
}

func testWriteRead(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "raw")
	w := pipeline.WorkingName("raw")

	payload := bytes.Repeat([]byte("col_a,col_b\n1,2\n"), 64)
	if err := b.WriteTable(ctx, w, "orders", payload); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}

	got, err := b.ReadTable(ctx, w, "orders")
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadTable() returned %d bytes, want %d", len(got), len(payload))
	}

	ok, err := b.HasTable(ctx, w, "orders")
	if err != nil || !ok {
		t.Errorf("HasTable() = %v, %v; want true, nil", ok, err)
	}

	if _, err := b.ReadTable(ctx, w, "absent"); !errors.Is(err, backend.ErrTableNotFound) {
		t.Errorf("ReadTable(absent) error = %v, want ErrTableNotFound", err)
	}

	tables, err := b.ListTables(ctx, w)
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if !reflect.DeepEqual(tables, []string{"orders"}) {
		t.Errorf("ListTables() = %v, want [orders]", tables)
	}
}

func testSwap(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "raw")
	w := pipeline.WorkingName("raw")

	// Given: a first run that swapped "old" into base
	if err := b.WriteTable(ctx, w, "old", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := b.SwapSchema(ctx, "raw", w); err != nil {
		t.Fatalf("SwapSchema() error = %v", err)
	}

	// When: a second run writes only "new" and swaps
	mustCreate(t, b, "raw")
	if err := b.WriteTable(ctx, w, "new", []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := b.SwapSchema(ctx, "raw", w); err != nil {
		t.Fatalf("SwapSchema() error = %v", err)
	}

	// Then: base holds exactly the second run and working is empty
	base, err := b.ListTables(ctx, "raw")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(base, []string{"new"}) {
		t.Errorf("base tables = %v, want [new]", base)
	}
	working, err := b.ListTables(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if len(working) != 0 {
		t.Errorf("working tables = %v, want none", working)
	}

	got, err := b.ReadTable(ctx, "raw", "new")
	if err != nil || string(got) != "2" {
		t.Errorf("ReadTable(raw.new) = %q, %v", got, err)
	}

	namespaces, err := b.ListNamespaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(namespaces, []string{"raw", w}) {
		t.Errorf("ListNamespaces() = %v", namespaces)
	}
}

func testCreateSchemaResets(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "raw")
	w := pipeline.WorkingName("raw")

	if err := b.WriteTable(ctx, w, "stale", []byte("x")); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, b, "raw")

	if ok, _ := b.HasTable(ctx, w, "stale"); ok {
		t.Error("working namespace kept a table across CreateSchema")
	}
}

func testCopyMissing(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "raw")

	err := b.CopyTable(ctx, "raw", "absent", pipeline.WorkingName("raw"), "absent")
	if !errors.Is(err, pipeline.ErrCacheMiss) {
		t.Errorf("CopyTable() error = %v, want ErrCacheMiss", err)
	}
}

func testCopyKeepsSource(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "raw")
	w := pipeline.WorkingName("raw")

	if err := b.WriteTable(ctx, w, "t", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := b.SwapSchema(ctx, "raw", w); err != nil {
		t.Fatal(err)
	}

	if err := b.CopyTable(ctx, "raw", "t", w, "t"); err != nil {
		t.Fatalf("CopyTable() error = %v", err)
	}

	for _, ns := range []string{"raw", w} {
		got, err := b.ReadTable(ctx, ns, "t")
		if err != nil || string(got) != "payload" {
			t.Errorf("ReadTable(%s.t) = %q, %v", ns, got, err)
		}
	}
}

func testDelete(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "raw")
	w := pipeline.WorkingName("raw")

	if err := b.WriteTable(ctx, w, "t", []byte("x")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := b.DeleteTable(ctx, w, "t"); err != nil {
			t.Fatalf("DeleteTable() #%d error = %v", i+1, err)
		}
	}
	if ok, _ := b.HasTable(ctx, w, "t"); ok {
		t.Error("table still present after delete")
	}
}

func testUnknownNamespace(t *testing.T, b backend.Backend) {
	err := b.WriteTable(context.Background(), "nowhere", "t", []byte("x"))
	if !errors.Is(err, backend.ErrNamespaceNotFound) {
		t.Errorf("WriteTable() error = %v, want ErrNamespaceNotFound", err)
	}
}
