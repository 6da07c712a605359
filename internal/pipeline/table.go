package pipeline

import "fmt"

// Table is a named payload bound to one schema. The concrete type of Obj
// selects the hook that materialises it.
type Table struct {
	Name   string
	Schema *Schema
	Obj    any

	// CacheKey is assigned at materialisation time. For lazy tables the
	// store replaces it with the lazy cache key so downstream cache keys
	// change whenever the query does.
	CacheKey string
}

// NewTable wraps obj in a Table. An empty name is filled in when the table
// is materialised.
func NewTable(obj any, name string) *Table {
	return &Table{Obj: obj, Name: name}
}

// Ref returns the persisted reference of t.
func (t *Table) Ref() TableRef {
	ref := TableRef{Name: t.Name, CacheKey: t.CacheKey}
	if t.Schema != nil {
		ref.Schema = t.Schema.Name()
	}
	return ref
}

func (t *Table) String() string {
	schema := "<none>"
	if t.Schema != nil {
		schema = t.Schema.Name()
	}
	return fmt.Sprintf("<Table: %s.%s>", schema, t.Name)
}

// TableRef identifies a materialised table inside task metadata and task
// cache keys.
type TableRef struct {
	Name     string `json:"name"`
	Schema   string `json:"schema"`
	CacheKey string `json:"cache_key"`
}
