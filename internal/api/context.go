package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// schemaContextKey is the context key for the resolved schema name.
type schemaContextKey struct{}

// ErrNoSchemaInContext indicates no schema name was found in the context.
var ErrNoSchemaInContext = errors.New("no schema in context")

// WithSchema returns a new context with the schema name attached.
func WithSchema(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, schemaContextKey{}, name)
}

// SchemaFromContext extracts the schema name from the context.
func SchemaFromContext(ctx context.Context) (string, error) {
	name, ok := ctx.Value(schemaContextKey{}).(string)
	if !ok || name == "" {
		return "", ErrNoSchemaInContext
	}
	return name, nil
}

// MustSchemaFromContext extracts the schema name or panics.
// Use only when SchemaMiddleware guarantees presence.
func MustSchemaFromContext(ctx context.Context) string {
	name, err := SchemaFromContext(ctx)
	if err != nil {
		panic("schema not in context: middleware misconfiguration")
	}
	return name
}

// SchemaMiddleware validates the {schema} URL parameter and stores it in
// the request context.
func SchemaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "schema")
		if err := pipeline.ValidateSchemaName(name); err != nil {
			MapStoreError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSchema(r.Context(), name)))
	})
}
