// Package sqlquery provides a lazy payload: a SQL query over upstream
// tables, evaluated in an in-memory SQLite database when materialised.
// Equal canonical query text means an equal result, so the table store
// can reuse a previous result instead of running the query again.
package sqlquery

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/hook/frame"
	"github.com/hyperengineering/tablestage/internal/pipeline"
	_ "modernc.org/sqlite"
)

// Query is a lazy table definition. Inputs binds SQL table aliases to
// materialised tables, which must be frame-encoded.
type Query struct {
	SQL    string
	Inputs map[string]*pipeline.Table
}

var (
	// Type is the reflect.Type of Query.
	Type = reflect.TypeOf(Query{})

	ptrType = reflect.TypeOf((*Query)(nil))
)

// Hook materialises Query payloads. It cannot retrieve: the stored result
// is a frame and is read back through the frame hook.
type Hook struct{}

var _ hook.LazyHook = Hook{}

func (Hook) Name() string { return "sqlquery" }

func (Hook) CanMaterialize(t reflect.Type) bool { return t == Type || t == ptrType }

func (Hook) CanRetrieve(reflect.Type) bool { return false }

func (Hook) Retrieve(context.Context, backend.Storage, string, string, reflect.Type) (any, error) {
	return nil, fmt.Errorf("%w: sql queries are stored as frames", pipeline.ErrUnsupportedType)
}

// LazyQueryString returns the normalised SQL followed by the
// input bindings in alias order. Bindings carry the input cache keys so
// a changed input changes the text.
func (Hook) LazyQueryString(_ context.Context, _ backend.Storage, obj any) (string, error) {
	q, err := asQuery(obj)
	if err != nil {
		return "", err
	}
	return Canonical(q), nil
}

func (Hook) Materialize(ctx context.Context, st backend.Storage, table *pipeline.Table, namespace string) error {
	q, err := asQuery(table.Obj)
	if err != nil {
		return err
	}

	result, err := Evaluate(ctx, st, q)
	if err != nil {
		return fmt.Errorf("table %s: %w", table.Name, err)
	}

	data, err := frame.Encode(result)
	if err != nil {
		return fmt.Errorf("table %s: %w", table.Name, err)
	}
	return st.WriteTable(ctx, namespace, table.Name, data)
}

func asQuery(obj any) (Query, error) {
	switch q := obj.(type) {
	case Query:
		return q, nil
	case *Query:
		if q != nil {
			return *q, nil
		}
	}
	return Query{}, fmt.Errorf("%w: %T", pipeline.ErrUnsupportedLazy, obj)
}

// Canonical returns the canonical text of q.
func Canonical(q Query) string {
	var b strings.Builder
	b.WriteString(normalizeSQL(q.SQL))

	aliases := make([]string, 0, len(q.Inputs))
	for alias := range q.Inputs {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		ref := q.Inputs[alias].Ref()
		fmt.Fprintf(&b, " /* %s=%s.%s@%s */", alias, ref.Schema, ref.Name, ref.CacheKey)
	}
	return b.String()
}

// normalizeSQL collapses runs of whitespace outside quoted spans into a
// single space and drops surrounding whitespace and a trailing ';'.
// Literals and quoted identifiers are kept byte for byte.
func normalizeSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	var quote rune
	pendingSpace := false
	for _, r := range sql {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
		switch r {
		case '\'', '"', '`':
			quote = r
		case '[':
			quote = ']'
		}
	}

	out := strings.TrimSuffix(b.String(), ";")
	return strings.TrimRight(out, " ")
}

// Evaluate loads the inputs of q into a fresh in-memory database and
// runs the query.
func Evaluate(ctx context.Context, st backend.Storage, q Query) (*frame.Frame, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open query database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	for alias, in := range q.Inputs {
		if in == nil || in.Schema == nil {
			return nil, fmt.Errorf("%w: input %q is not bound to a schema", pipeline.ErrFlow, alias)
		}
		var f *frame.Frame
		err := in.Schema.WithCurrentName(func(ns string) error {
			var err error
			f, err = frame.Read(ctx, st, ns, in.Name)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("load input %q: %w", alias, err)
		}
		if err := loadFrame(ctx, db, alias, f); err != nil {
			return nil, fmt.Errorf("load input %q: %w", alias, err)
		}
	}

	rows, err := db.QueryContext(ctx, q.SQL)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := frame.New(columns...)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// loadFrame creates table name from f and inserts its rows.
func loadFrame(ctx context.Context, db *sql.DB, name string, f *frame.Frame) error {
	if len(f.Columns) == 0 {
		return fmt.Errorf("frame has no columns")
	}

	cols := make([]string, len(f.Columns))
	marks := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = quoteIdent(c)
		marks[i] = "?"
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range f.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return tx.Commit()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
