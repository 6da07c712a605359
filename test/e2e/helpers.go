package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/tablestage/internal/backend/fs"
	"github.com/hyperengineering/tablestage/internal/engine"
	"github.com/hyperengineering/tablestage/internal/flowfile"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/hook/frame"
	"github.com/hyperengineering/tablestage/internal/hook/records"
	"github.com/hyperengineering/tablestage/internal/hook/sqlquery"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/tablestore"
)

// salesFlow loads orders into raw and derives a total and a lazy summary
// in out.
const salesFlow = `
name: sales
schemas:
  - name: raw
    tasks:
      - name: orders
        version: "1"
        table: orders
        columns: [id, region, amount]
        rows:
          - [1, north, 10]
          - [2, south, 32]
          - [3, north, 8]
  - name: out
    tasks:
      - name: by_region
        version: "1"
        table: by_region
        sql: SELECT region, SUM(amount) AS total FROM o GROUP BY region ORDER BY region
        inputs:
          o: raw.orders
      - name: summary
        lazy: true
        table: summary
        sql: SELECT COUNT(*) AS regions FROM r
        inputs:
          r: by_region
`

// stack is an on-disk table store as the server would open it.
type stack struct {
	dir   string
	store *tablestore.Store
	fs    *fs.Backend
}

// openStack opens (or reopens) the stack rooted at dir.
func openStack(t *testing.T, dir string) *stack {
	t.Helper()

	reg := hook.NewRegistry()
	reg.Register(frame.Hook{})
	reg.Register(records.Hook{})
	reg.Register(sqlquery.Hook{})

	b, err := fs.New(filepath.Join(dir, "tables"), fs.WithCompression(fs.CompressionLZ4))
	if err != nil {
		t.Fatalf("open fs backend: %v", err)
	}
	meta, err := metadata.NewSQLiteStore(filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}

	s := &stack{dir: dir, store: tablestore.New(b, meta, reg), fs: b}
	t.Cleanup(func() { s.store.Close() })
	return s
}

// runFlow compiles def and runs it once.
func (s *stack) runFlow(t *testing.T, def string, x engine.Executor) *engine.Report {
	t.Helper()
	ctx := context.Background()

	d, err := flowfile.Parse([]byte(def))
	if err != nil {
		t.Fatalf("parse flow: %v", err)
	}
	f, err := flowfile.Compile(ctx, d, s.store)
	if err != nil {
		t.Fatalf("compile flow: %v", err)
	}
	rep, err := engine.New(s.store, engine.WithExecutor(x)).Run(ctx, f)
	if err != nil {
		t.Fatalf("run flow: %v", err)
	}
	return rep
}

// getJSON fetches url with an optional bearer token and decodes the body.
func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// writeFile writes data to name inside dir and returns the path.
func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
