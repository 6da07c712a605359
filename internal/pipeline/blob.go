package pipeline

import "fmt"

// Blob is a named value that is not a table, bound to one schema. Blobs are
// cached with the task that emitted them.
type Blob struct {
	Name     string
	Schema   *Schema
	Obj      any
	CacheKey string
}

// NewBlob wraps obj in a Blob.
func NewBlob(obj any, name string) *Blob {
	return &Blob{Obj: obj, Name: name}
}

// Ref returns the persisted reference of b.
func (b *Blob) Ref() TableRef {
	ref := TableRef{Name: b.Name, CacheKey: b.CacheKey}
	if b.Schema != nil {
		ref.Schema = b.Schema.Name()
	}
	return ref
}

func (b *Blob) String() string {
	schema := "<none>"
	if b.Schema != nil {
		schema = b.Schema.Name()
	}
	return fmt.Sprintf("<Blob: %s.%s>", schema, b.Name)
}
