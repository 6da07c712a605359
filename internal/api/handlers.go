package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

const (
	areaBase    = "base"
	areaWorking = "working"
)

// Handler implements the inspection API handlers
type Handler struct {
	meta    metadata.Store
	backend backend.Backend
	apiKey  string
	version string
	logger  *slog.Logger
}

// NewHandler creates a Handler over a metadata store and a backend. An
// empty apiKey disables authentication.
func NewHandler(meta metadata.Store, b backend.Backend, apiKey, version string) *Handler {
	return &Handler{
		meta:    meta,
		backend: b,
		apiKey:  apiKey,
		version: version,
	}
}

// WithLogger sets the logger used by the router's middleware and returns
// h. Without one the middleware logs through slog.Default().
func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger
	return h
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Schemas    int    `json:"schemas"`
	Namespaces int    `json:"namespaces"`
}

// SchemasResponse is returned by GET /schemas.
type SchemasResponse struct {
	Schemas []metadata.SchemaSummary `json:"schemas"`
}

// TablesResponse is returned by GET /schemas/{schema}/tables.
type TablesResponse struct {
	Schema    string   `json:"schema"`
	Area      string   `json:"area"`
	Namespace string   `json:"namespace"`
	Tables    []string `json:"tables"`
}

// TasksResponse is returned by GET /schemas/{schema}/tasks.
type TasksResponse struct {
	Schema string                  `json:"schema"`
	Area   string                  `json:"area"`
	Tasks  []metadata.TaskMetadata `json:"tasks"`
}

// LazyTablesResponse is returned by GET /schemas/{schema}/lazy-tables.
type LazyTablesResponse struct {
	Schema     string                       `json:"schema"`
	Area       string                       `json:"area"`
	LazyTables []metadata.LazyTableMetadata `json:"lazy_tables"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.meta.ListSchemas(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Metadata store unavailable")
		return
	}
	namespaces, err := h.backend.ListNamespaces(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Storage backend unavailable")
		return
	}

	writeJSON(w, HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Schemas:    len(schemas),
		Namespaces: len(namespaces),
	})
}

// ListSchemas handles GET /api/v1/schemas
func (h *Handler) ListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.meta.ListSchemas(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if schemas == nil {
		schemas = []metadata.SchemaSummary{}
	}
	writeJSON(w, SchemasResponse{Schemas: schemas})
}

// ListTables handles GET /api/v1/schemas/{schema}/tables
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())
	area, ok := parseArea(w, r)
	if !ok {
		return
	}

	ns := schema
	if area == areaWorking {
		ns = pipeline.WorkingName(schema)
	}

	tables, err := h.backend.ListTables(r.Context(), ns)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, TablesResponse{Schema: schema, Area: area, Namespace: ns, Tables: tables})
}

// ListTasks handles GET /api/v1/schemas/{schema}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())
	area, ok := parseArea(w, r)
	if !ok {
		return
	}

	tasks, err := h.meta.ListTasks(r.Context(), schema, area == areaWorking)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []metadata.TaskMetadata{}
	}
	writeJSON(w, TasksResponse{Schema: schema, Area: area, Tasks: tasks})
}

// ListLazyTables handles GET /api/v1/schemas/{schema}/lazy-tables
func (h *Handler) ListLazyTables(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())
	area, ok := parseArea(w, r)
	if !ok {
		return
	}

	lazy, err := h.meta.ListLazyTables(r.Context(), schema, area == areaWorking)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if lazy == nil {
		lazy = []metadata.LazyTableMetadata{}
	}
	writeJSON(w, LazyTablesResponse{Schema: schema, Area: area, LazyTables: lazy})
}

// parseArea reads the area query parameter. It writes a 400 response and
// returns false for unknown values.
func parseArea(w http.ResponseWriter, r *http.Request) (string, bool) {
	switch area := r.URL.Query().Get("area"); area {
	case "", areaBase:
		return areaBase, true
	case areaWorking:
		return areaWorking, true
	default:
		WriteProblem(w, r, http.StatusBadRequest, "area must be base or working")
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
