package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. Routes other
// than health require the API key, as a bearer token or X-API-Key header,
// when the handler has one.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	mw := NewMiddleware(h.logger)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Log)
	r.Use(mw.Recover)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(mw.Auth(h.apiKey))
			}
			r.Get("/schemas", h.ListSchemas)
			r.Route("/schemas/{schema}", func(r chi.Router) {
				r.Use(SchemaMiddleware)
				r.Get("/tables", h.ListTables)
				r.Get("/tasks", h.ListTasks)
				r.Get("/lazy-tables", h.ListLazyTables)
			})
		})
	})

	return r
}
