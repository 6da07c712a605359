package flowfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/tablestage/internal/backend/memory"
	"github.com/hyperengineering/tablestage/internal/engine"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/hook/frame"
	"github.com/hyperengineering/tablestage/internal/hook/records"
	"github.com/hyperengineering/tablestage/internal/hook/sqlquery"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/pipeline"
	"github.com/hyperengineering/tablestage/internal/tablestore"
)

const salesFlow = `
name: sales
schemas:
  - name: raw
    tasks:
      - name: orders
        version: "1"
        table: orders
        columns: [id, amount]
        rows:
          - [1, 10]
          - [2, 32]
  - name: out
    tasks:
      - name: total
        version: "1"
        table: totals
        sql: SELECT SUM(amount) AS total FROM o
        inputs:
          o: raw.orders
      - name: summary
        lazy: true
        table: summary
        sql: |
          SELECT COUNT(*) AS n
          FROM t
        inputs:
          t: total
`

func newStore() *tablestore.Store {
	reg := hook.NewRegistry()
	reg.Register(frame.Hook{})
	reg.Register(records.Hook{})
	reg.Register(sqlquery.Hook{})
	return tablestore.New(memory.New(), metadata.NewMemoryStore(), reg)
}

func TestParse_Valid(t *testing.T) {
	def, err := Parse([]byte(salesFlow))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if def.Name != "sales" || len(def.Schemas) != 2 {
		t.Fatalf("Parse() = %+v", def)
	}
	if got := def.Schemas[1].Tasks[0].Inputs["o"]; got != "raw.orders" {
		t.Errorf("input o = %q, want raw.orders", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no name", "schemas: [{name: raw}]"},
		{"no schemas", "name: x"},
		{"bad schema name", "name: x\nschemas: [{name: Raw}]"},
		{"unknown field", "name: x\nbogus: 1\nschemas: [{name: raw}]"},
		{"task without body", "name: x\nschemas: [{name: raw, tasks: [{name: a}]}]"},
		{"rows and sql", "name: x\nschemas: [{name: raw, tasks: [{name: a, columns: [c], sql: SELECT 1}]}]"},
		{"ragged row", "name: x\nschemas: [{name: raw, tasks: [{name: a, columns: [c, d], rows: [[1]]}]}]"},
		{"lazy rows", "name: x\nschemas: [{name: raw, tasks: [{name: a, lazy: true, columns: [c]}]}]"},
		{"duplicate task", "name: x\nschemas: [{name: raw, tasks: [{name: a, columns: [c]}, {name: a, columns: [c]}]}]"},
		{"forward reference", "name: x\nschemas: [{name: raw, tasks: [{name: a, sql: SELECT 1, inputs: {b: b}}, {name: b, columns: [c]}]}]"},
		{"bad table name", "name: x\nschemas: [{name: raw, tasks: [{name: a, table: '../x', columns: [c]}]}]"},
		{"bad task name", "name: x\nschemas: [{name: raw, tasks: [{name: 'a|b', columns: [c]}]}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(salesFlow), 0o644); err != nil {
		t.Fatal(err)
	}

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.Name != "sales" {
		t.Errorf("Name = %q", def.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestCompile_BuildsGraph(t *testing.T) {
	def, err := Parse([]byte(salesFlow))
	if err != nil {
		t.Fatal(err)
	}

	f, err := Compile(context.Background(), def, newStore())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	// 3 tasks + 2 swap nodes
	if got := f.Graph().Len(); got != 5 {
		t.Errorf("graph has %d nodes, want 5", got)
	}
	tasks := f.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("flow has %d tasks, want 3", len(tasks))
	}
	if !tasks[2].Lazy() || tasks[1].Lazy() {
		t.Error("only summary should be lazy")
	}
	if up := tasks[1].UpstreamSchemas(); len(up) != 1 || up[0].Name() != "raw" {
		t.Errorf("total upstream schemas = %v, want [raw]", up)
	}
}

func TestCompile_RunTwice(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	run := func() *engine.Report {
		t.Helper()
		def, err := Parse([]byte(salesFlow))
		if err != nil {
			t.Fatal(err)
		}
		f, err := Compile(ctx, def, store)
		if err != nil {
			t.Fatal(err)
		}
		rep, err := engine.New(store).Run(ctx, f)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return rep
	}

	// Given a first run that computes everything
	first := run()
	if len(first.Executed) != 3 {
		t.Errorf("first run executed %v, want 3 tasks", first.Executed)
	}

	// When the same flow runs again
	second := run()

	// Then only the lazy task executes and the results are unchanged
	if len(second.Cached) != 2 || len(second.Executed) != 1 {
		t.Errorf("second run cached %v executed %v", second.Cached, second.Executed)
	}

	out, err := pipeline.NewSchema(ctx, "out", nil)
	if err != nil {
		t.Fatal(err)
	}
	totals, err := tablestore.Retrieve[*frame.Frame](ctx, store, &pipeline.Table{Name: "totals", Schema: out}, true)
	if err != nil {
		t.Fatalf("Retrieve(totals) error = %v", err)
	}
	if len(totals.Rows) != 1 || totals.Rows[0][0] != int64(42) {
		t.Errorf("totals = %v, want [[42]]", totals.Rows)
	}

	summary, err := tablestore.Retrieve[[]map[string]any](ctx, store, &pipeline.Table{Name: "summary", Schema: out}, true)
	if err != nil {
		t.Fatalf("Retrieve(summary) error = %v", err)
	}
	if len(summary) != 1 || summary[0]["n"] != int64(1) {
		t.Errorf("summary = %v, want n=1", summary)
	}

	lazy, err := store.Metadata().ListLazyTables(ctx, "out", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(lazy) != 1 || lazy[0].Name != "summary" {
		t.Errorf("lazy metadata = %+v", lazy)
	}
}

func TestNormalizeRows(t *testing.T) {
	rows, err := normalizeRows([][]any{{1, "a", 1.5, true, nil}})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0][0] != int64(1) {
		t.Errorf("int was not widened: %T", rows[0][0])
	}

	_, err = normalizeRows([][]any{{map[string]any{"x": 1}}})
	if err == nil || !strings.Contains(err.Error(), "unsupported value") {
		t.Errorf("normalizeRows() error = %v, want unsupported value", err)
	}
}
