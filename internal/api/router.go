package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(executor *catalog.Executor, logger *observability.Logger, requestTimeout time.Duration) http.Handler {
	h := NewHandler(executor, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(chimiddleware.Timeout(requestTimeout))
	}

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queries", h.ListQueries)
		r.Post("/query/{name}", h.RunQuery)
	})

	return r
}
