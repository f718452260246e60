// Package api exposes the catalog's named queries over HTTP. The
// surface is read only; scanning and conversion stay on the command
// line.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// Handler serves the query endpoints.
type Handler struct {
	executor *catalog.Executor
	logger   *observability.Logger
}

// NewHandler creates a Handler.
func NewHandler(executor *catalog.Executor, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Handler{executor: executor, logger: logger}
}

// ParamDTO describes one declared query parameter.
type ParamDTO struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// QueryInfoDTO describes one registry entry.
type QueryInfoDTO struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Params      []ParamDTO `json:"params,omitempty"`
}

// QueryListResponseDTO lists the registered queries.
type QueryListResponseDTO struct {
	Queries []QueryInfoDTO `json:"queries"`
}

// QueryResponseDTO carries one query result.
type QueryResponseDTO struct {
	Name     string        `json:"name"`
	Columns  []string      `json:"columns"`
	Rows     []catalog.Row `json:"rows"`
	RowCount int           `json:"rowCount"`
}

// ListQueries handles GET /api/v1/queries.
func (h *Handler) ListQueries(w http.ResponseWriter, r *http.Request) {
	defs := h.executor.Registry().Queries()
	resp := QueryListResponseDTO{Queries: make([]QueryInfoDTO, 0, len(defs))}
	for _, def := range defs {
		info := QueryInfoDTO{Name: def.Name, Description: def.Description}
		for _, param := range def.Params {
			info.Params = append(info.Params, ParamDTO{
				Name:     param.Name,
				Required: param.Required,
				Default:  param.Default,
			})
		}
		resp.Queries = append(resp.Queries, info)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RunQuery handles POST /api/v1/query/{name}. The request body is a
// JSON object of parameter values; an empty body means no parameters.
func (h *Handler) RunQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	result, err := h.executor.Query(ctx, name, params)
	if err != nil {
		h.writeQueryError(w, name, err)
		return
	}

	h.logger.Debug().
		Str("query", name).
		Int("rows", len(result.Rows)).
		Msg("Query served")

	h.writeJSON(w, http.StatusOK, QueryResponseDTO{
		Name:     name,
		Columns:  result.Columns,
		Rows:     result.Rows,
		RowCount: len(result.Rows),
	})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "djvu-catalog",
	})
}

// Ready handles GET /readyz by pinging the catalog backend.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.executor.Ping(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Readiness check failed")
		h.writeError(w, http.StatusServiceUnavailable, "catalog backend unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) writeQueryError(w http.ResponseWriter, name string, err error) {
	var unknown *catalog.UnknownQueryError
	var mismatch *catalog.ParamMismatchError
	var backend *catalog.BackendError
	switch {
	case errors.As(err, &unknown):
		h.writeError(w, http.StatusNotFound, "unknown query", unknown.Error())
	case errors.As(err, &mismatch):
		h.writeError(w, http.StatusBadRequest, "parameter mismatch", mismatch.Error())
	case errors.As(err, &backend):
		h.logger.Error().Err(err).Str("query", name).Msg("Catalog backend unavailable")
		h.writeError(w, http.StatusServiceUnavailable, "catalog backend unavailable", backend.Error())
	default:
		h.logger.Error().Err(err).Str("query", name).Msg("Query execution failed")
		h.writeError(w, http.StatusInternalServerError, "query failed", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
