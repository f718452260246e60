package integration

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
)

func testDocument(path string, pages int) *catalog.DocumentRecord {
	return &catalog.DocumentRecord{
		Path:      path,
		PageCount: pages,
		Bundled:   false,
		ISODate:   "2009-06-02T07:17:55Z",
		FileSize:  66327,
		Valid:     true,
	}
}

func testPages(djvuPath string, count int) []*catalog.PageRecord {
	pages := make([]*catalog.PageRecord, 0, count)
	for i := 0; i < count; i++ {
		width, height, dpi := 2829, 4194, 216
		isoDate := "2009-06-02T07:17:55Z"
		pages = append(pages, &catalog.PageRecord{
			PageKey:   djvuPath + "#" + padIndex(i),
			DjVuPath:  djvuPath,
			PageIndex: i,
			Valid:     true,
			Width:     &width,
			Height:    &height,
			DPI:       &dpi,
			ISODate:   &isoDate,
		})
	}
	return pages
}

func padIndex(i int) string {
	s := strconv.Itoa(i)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

func TestPostgresCatalogRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	store := setup.OpenStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doc := testDocument("b/b3/AB1951-Suenninghausen.djvu", 4)
	require.NoError(t, store.UpsertDocument(ctx, doc))

	got, err := store.DocumentByPath(ctx, doc.Path)
	require.NoError(t, err)
	assert.Equal(t, doc.Path, got.Path)
	assert.Equal(t, 4, got.PageCount)
	assert.False(t, got.Bundled)
	assert.True(t, got.Valid)
	assert.Equal(t, int64(66327), got.FileSize)
	assert.Nil(t, got.PackageFileSize)
	assert.Nil(t, got.DirPages)

	// A second upsert with the same path must update in place.
	dirPages := 4
	doc.PageCount = 5
	doc.Bundled = true
	doc.DirPages = &dirPages
	require.NoError(t, store.UpsertDocument(ctx, doc))

	got, err = store.DocumentByPath(ctx, doc.Path)
	require.NoError(t, err)
	assert.Equal(t, 5, got.PageCount)
	assert.True(t, got.Bundled)
	require.NotNil(t, got.DirPages)
	assert.Equal(t, 4, *got.DirPages)

	pages := testPages(doc.Path, 3)
	errMsg := "decode failed: corrupt BG44 chunk"
	pages[2].Valid = false
	pages[2].Width = nil
	pages[2].Height = nil
	pages[2].ErrorMsg = &errMsg
	require.NoError(t, store.ReplacePages(ctx, doc.Path, pages))

	stored, err := store.PagesByDocument(ctx, doc.Path)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, doc.Path+"#0000", stored[0].PageKey)
	require.NotNil(t, stored[0].Width)
	assert.Equal(t, 2829, *stored[0].Width)
	assert.False(t, stored[2].Valid)
	assert.Nil(t, stored[2].Width)
	require.NotNil(t, stored[2].ErrorMsg)
	assert.Equal(t, errMsg, *stored[2].ErrorMsg)

	// Replacing again swaps the whole page set, not just matching keys.
	require.NoError(t, store.ReplacePages(ctx, doc.Path, testPages(doc.Path, 2)))
	stored, err = store.PagesByDocument(ctx, doc.Path)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	require.NoError(t, store.UpdateDocumentPackage(ctx, doc.Path, 1597440, "2024-11-05T09:30:00Z"))
	got, err = store.DocumentByPath(ctx, doc.Path)
	require.NoError(t, err)
	require.NotNil(t, got.PackageFileSize)
	assert.Equal(t, int64(1597440), *got.PackageFileSize)
	require.NotNil(t, got.PackageISODate)
	assert.Equal(t, "2024-11-05T09:30:00Z", *got.PackageISODate)

	assert.ErrorIs(t, store.UpdateDocumentPackage(ctx, "no/such.djvu", 1, "2024-01-01T00:00:00Z"),
		catalog.ErrNotFound)

	docs, err := store.Documents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, store.RemoveDocument(ctx, doc.Path))
	_, err = store.DocumentByPath(ctx, doc.Path)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	stored, err = store.PagesByDocument(ctx, doc.Path)
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.ErrorIs(t, store.RemoveDocument(ctx, doc.Path), catalog.ErrNotFound)
}

func TestPostgresExecutorQueries(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	store := setup.OpenStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := testDocument("a/a0/AB1931-Astrup.djvu", 2)
	second := testDocument("b/b3/AB1951-Suenninghausen.djvu", 4)
	second.ISODate = "2011-03-14T12:00:00Z"
	require.NoError(t, store.UpsertDocument(ctx, first))
	require.NoError(t, store.UpsertDocument(ctx, second))
	require.NoError(t, store.ReplacePages(ctx, first.Path, testPages(first.Path, 2)))
	require.NoError(t, store.ReplacePages(ctx, second.Path, testPages(second.Path, 4)))

	executor := catalog.NewExecutor(store, catalog.DefaultRegistry(), nil)

	byPath, err := executor.Query(ctx, "catalog.byPath", map[string]any{"path": first.Path})
	require.NoError(t, err)
	require.Len(t, byPath.Rows, 1)
	assert.Equal(t, "path", byPath.Columns[0])
	row := byPath.Rows[0]
	assert.Equal(t, first.Path, row["path"])
	// lib/pq hands integers back as int64 and booleans as bool.
	assert.Equal(t, int64(2), row["page_count"])
	assert.Equal(t, false, row["bundled"])
	assert.Equal(t, true, row["valid"])
	assert.Nil(t, row["package_filesize"])

	pages, err := executor.Query(ctx, "catalog.pagesByDocument", map[string]any{"path": second.Path})
	require.NoError(t, err)
	require.Len(t, pages.Rows, 4)
	assert.Equal(t, int64(0), pages.Rows[0]["page_index"])
	assert.Equal(t, int64(3), pages.Rows[3]["page_index"])

	totals, err := executor.Query(ctx, "catalog.totals", nil)
	require.NoError(t, err)
	require.Len(t, totals.Rows, 1)
	assert.Equal(t, int64(2), totals.Rows[0]["files"])
	assert.Equal(t, int64(6), totals.Rows[0]["pages"])

	stats, err := executor.Query(ctx, "catalog.stats", nil)
	require.NoError(t, err)
	require.Len(t, stats.Rows, 2)
	assert.Equal(t, "2009", stats.Rows[0]["year"])
	assert.Equal(t, "2011", stats.Rows[1]["year"])
	assert.Equal(t, int64(1), stats.Rows[0]["files"])
	assert.Equal(t, int64(2), aggregateInt64(t, stats.Rows[0]["pages"]))
	// SUM over BIGINT yields NUMERIC, which arrives as a string.
	assert.Equal(t, int64(66327), aggregateInt64(t, stats.Rows[0]["total_size"]))
}

// aggregateInt64 reads a numeric aggregate that postgres reports as a
// string and sqlite as an int64.
func aggregateInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch value := v.(type) {
	case int64:
		return value
	case string:
		n, err := strconv.ParseInt(value, 10, 64)
		require.NoError(t, err)
		return n
	default:
		t.Fatalf("unexpected aggregate type %T", v)
		return 0
	}
}
