package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(catalog.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	rec := &catalog.DocumentRecord{
		Path:      "b/b3/AB1951-Suenninghausen.djvu",
		PageCount: 2,
		ISODate:   "2009-06-02T07:17:55Z",
		FileSize:  66327,
		Valid:     true,
	}
	require.NoError(t, store.UpsertDocument(context.Background(), rec))
	pages := []*catalog.PageRecord{
		{PageKey: rec.Path + "#0000", DjVuPath: rec.Path, PageIndex: 0, Valid: true},
		{PageKey: rec.Path + "#0001", DjVuPath: rec.Path, PageIndex: 1, Valid: true},
	}
	require.NoError(t, store.ReplacePages(context.Background(), rec.Path, pages))
	return store
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := newTestStore(t)
	executor := catalog.NewExecutor(store, catalog.DefaultRegistry(), nil)
	return NewRouter(executor, nil, 5*time.Second)
}

func doJSON(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyz(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzBackendDown(t *testing.T) {
	store, err := catalog.Open(catalog.DriverSQLite,
		filepath.Join(t.TempDir(), "missing", "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	executor := catalog.NewExecutor(store, catalog.DefaultRegistry(), nil)
	router := NewRouter(executor, nil, 0)

	rec := doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListQueries(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/queries", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body QueryListResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, catalog.DefaultRegistry().Len(), len(body.Queries))

	var byPath *QueryInfoDTO
	for i := range body.Queries {
		if body.Queries[i].Name == "catalog.byPath" {
			byPath = &body.Queries[i]
		}
	}
	require.NotNil(t, byPath)
	require.Len(t, byPath.Params, 1)
	assert.Equal(t, "path", byPath.Params[0].Name)
	assert.True(t, byPath.Params[0].Required)
}

func TestRunQueryByPath(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/catalog.byPath",
		map[string]any{"path": "b/b3/AB1951-Suenninghausen.djvu"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body QueryResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "catalog.byPath", body.Name)
	assert.Equal(t, 1, body.RowCount)
	require.Len(t, body.Rows, 1)
	row := body.Rows[0]
	assert.Equal(t, "b/b3/AB1951-Suenninghausen.djvu", row["path"])
	// Numbers round-trip as JSON floats.
	assert.Equal(t, float64(2), row["page_count"])
	assert.Equal(t, true, row["valid"])
	assert.Equal(t, "path", body.Columns[0])
}

func TestRunQueryWithoutBodyUsesDefaults(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/catalog.documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body QueryResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.RowCount)
}

func TestRunQueryJSONNumberLimit(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/catalog.pagesByDocument",
		map[string]any{"path": "b/b3/AB1951-Suenninghausen.djvu", "limit": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var body QueryResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.RowCount)
}

func TestRunQueryUnknownName(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/nonexistent.name", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown query", body["error"])
	assert.Contains(t, body["detail"], "nonexistent.name")
}

func TestRunQueryMissingParam(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/catalog.byPath", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "parameter mismatch", body["error"])
}

func TestRunQueryMalformedBody(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/catalog.documents",
		bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunQueryBackendDown(t *testing.T) {
	store, err := catalog.Open(catalog.DriverSQLite,
		filepath.Join(t.TempDir(), "missing", "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	executor := catalog.NewExecutor(store, catalog.DefaultRegistry(), nil)
	router := NewRouter(executor, nil, 0)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/catalog.totals", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
