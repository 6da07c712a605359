// Package backend defines where materialised table payloads physically
// live. A backend knows nothing about schemas beyond namespace names: the
// table store maps a schema onto its base and working namespaces.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrTableNotFound indicates the table does not exist in the namespace.
	ErrTableNotFound = errors.New("table not found")

	// ErrNamespaceNotFound indicates the namespace does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrCorrupt indicates a stored payload failed its integrity check.
	ErrCorrupt = errors.New("table payload corrupt")
)

// Storage is the subset of Backend that hooks use to read and write
// table payloads.
type Storage interface {
	WriteTable(ctx context.Context, namespace, table string, data []byte) error
	ReadTable(ctx context.Context, namespace, table string) ([]byte, error)
	HasTable(ctx context.Context, namespace, table string) (bool, error)
}

// Backend stores table payloads in named namespaces.
type Backend interface {
	Storage

	// CreateSchema ensures the base namespace exists and resets the
	// working namespace to empty.
	CreateSchema(ctx context.Context, base, working string) error

	// SwapSchema exchanges the contents of base and working, then clears
	// working. Only swapped-out data is discarded.
	SwapSchema(ctx context.Context, base, working string) error

	// CopyTable copies a table without touching the source. A missing or
	// unreadable source fails with pipeline.ErrCacheMiss.
	CopyTable(ctx context.Context, srcNamespace, srcTable, dstNamespace, dstTable string) error

	// DeleteTable removes a table. Deleting a missing table is not an error.
	DeleteTable(ctx context.Context, namespace, table string) error

	// ListTables returns the table names of a namespace, sorted.
	ListTables(ctx context.Context, namespace string) ([]string, error)

	// ListNamespaces returns every namespace, sorted.
	ListNamespaces(ctx context.Context) ([]string, error)

	Close() error
}
