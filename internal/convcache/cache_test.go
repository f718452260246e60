package convcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeArtifact(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testKey(documentID string, pageIndex int) Key {
	return Key{
		DocumentID: documentID,
		PageIndex:  pageIndex,
		Format:     "png",
		Resolution: "native",
	}
}

func entryFor(key Key, artifactPath string, data []byte) *Entry {
	return &Entry{
		Key:              key,
		ArtifactPath:     artifactPath,
		SourceChecksum:   checksumOf([]byte("raw-" + key.String())),
		ArtifactChecksum: checksumOf(data),
		SizeBytes:        int64(len(data)),
		Width:            2550,
		Height:           3300,
	}
}

func TestKeyString(t *testing.T) {
	key := Key{
		DocumentID: "b/b3/AB1951-Suenninghausen.djvu",
		PageIndex:  3,
		Format:     "png",
		Resolution: "1500x2000",
	}
	assert.Equal(t, "b/b3/AB1951-Suenninghausen.djvu#0003:png:1500x2000", key.String())
}

func TestLookupMissWhenEmpty(t *testing.T) {
	cache := New(NewMemoryIndex(), Options{}, nil)

	entry, ok, err := cache.Lookup(context.Background(), testKey("doc.djvu", 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, entry)
}

func TestStoreAndLookup(t *testing.T) {
	dir := t.TempDir()
	data := []byte("png bytes of page one")
	path := writeArtifact(t, dir, "doc_page_0001.png", data)

	cache := New(NewMemoryIndex(), Options{}, nil)
	key := testKey("doc.djvu", 0)
	require.NoError(t, cache.Store(context.Background(), key, entryFor(key, path, data)))

	entry, ok, err := cache.Lookup(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, entry.ArtifactPath)
	assert.Equal(t, int64(len(data)), entry.SizeBytes)
	assert.Equal(t, 2550, entry.Width)
	assert.Equal(t, 3300, entry.Height)
	assert.False(t, entry.CompletedAt.IsZero(), "store should stamp completion time")
}

func TestStoreRejectsEntryWithoutArtifact(t *testing.T) {
	cache := New(NewMemoryIndex(), Options{}, nil)
	key := testKey("doc.djvu", 0)

	err := cache.Store(context.Background(), key, &Entry{Key: key})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact path")
}

func TestLookupPurgesWhenArtifactDeleted(t *testing.T) {
	dir := t.TempDir()
	data := []byte("soon to be gone")
	path := writeArtifact(t, dir, "doc_page_0001.png", data)

	idx := NewMemoryIndex()
	cache := New(idx, Options{}, nil)
	key := testKey("doc.djvu", 0)
	require.NoError(t, cache.Store(context.Background(), key, entryFor(key, path, data)))

	require.NoError(t, os.Remove(path))

	entry, ok, err := cache.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, entry)

	// The stale index entry must be gone as well.
	_, err = idx.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestLookupPurgesOnSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte("original artifact")
	path := writeArtifact(t, dir, "doc_page_0001.png", data)

	idx := NewMemoryIndex()
	cache := New(idx, Options{}, nil)
	key := testKey("doc.djvu", 0)
	require.NoError(t, cache.Store(context.Background(), key, entryFor(key, path, data)))

	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o644))

	_, ok, err := cache.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
}

func TestVerifyChecksumsDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	data := []byte("pristine artifact bytes")
	// Same length, different content: invisible to the size check.
	corrupted := []byte("corrupted artifact bits")
	require.Len(t, corrupted, len(data))

	key := testKey("doc.djvu", 0)

	t.Run("without verification the swap goes unnoticed", func(t *testing.T) {
		path := writeArtifact(t, dir, "lenient.png", data)
		cache := New(NewMemoryIndex(), Options{}, nil)
		require.NoError(t, cache.Store(context.Background(), key, entryFor(key, path, data)))

		require.NoError(t, os.WriteFile(path, corrupted, 0o644))

		_, ok, err := cache.Lookup(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("with verification the entry is purged", func(t *testing.T) {
		path := writeArtifact(t, dir, "strict.png", data)
		cache := New(NewMemoryIndex(), Options{VerifyChecksums: true}, nil)
		require.NoError(t, cache.Store(context.Background(), key, entryFor(key, path, data)))

		require.NoError(t, os.WriteFile(path, corrupted, 0o644))

		_, ok, err := cache.Lookup(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLookupSourceChecksumChange(t *testing.T) {
	dir := t.TempDir()
	data := []byte("rendered page")
	path := writeArtifact(t, dir, "doc_page_0001.png", data)

	idx := NewMemoryIndex()
	cache := New(idx, Options{}, nil)
	key := testKey("doc.djvu", 0)
	entry := entryFor(key, path, data)
	require.NoError(t, cache.Store(context.Background(), key, entry))

	got, ok, err := cache.LookupSource(context.Background(), key, entry.SourceChecksum)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.ArtifactChecksum, got.ArtifactChecksum)

	// A re-scanned page whose raw image changed must not reuse the
	// old artifact.
	_, ok, err = cache.LookupSource(context.Background(), key, checksumOf([]byte("new raw image")))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
}

func TestInvalidateDocument(t *testing.T) {
	dir := t.TempDir()
	cache := New(NewMemoryIndex(), Options{}, nil)
	ctx := context.Background()

	for doc := 0; doc < 2; doc++ {
		for page := 0; page < 3; page++ {
			data := []byte(fmt.Sprintf("artifact %d/%d", doc, page))
			name := fmt.Sprintf("doc%d_page_%04d.png", doc, page+1)
			path := writeArtifact(t, dir, name, data)
			key := testKey(fmt.Sprintf("doc%d.djvu", doc), page)
			require.NoError(t, cache.Store(ctx, key, entryFor(key, path, data)))
		}
	}

	require.NoError(t, cache.InvalidateDocument(ctx, "doc0.djvu"))

	_, ok, err := cache.Lookup(ctx, testKey("doc0.djvu", 1))
	require.NoError(t, err)
	assert.False(t, ok, "invalidated document should miss")

	_, ok, err = cache.Lookup(ctx, testKey("doc1.djvu", 1))
	require.NoError(t, err)
	assert.True(t, ok, "other documents should be untouched")
}

func TestConcurrentStoreAndLookup(t *testing.T) {
	dir := t.TempDir()
	cache := New(NewMemoryIndex(), Options{}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			data := []byte(fmt.Sprintf("artifact %d", page))
			path := writeArtifact(t, dir, fmt.Sprintf("page_%04d.png", page+1), data)
			key := testKey("doc.djvu", page)

			assert.NoError(t, cache.Store(ctx, key, entryFor(key, path, data)))

			_, ok, err := cache.Lookup(ctx, key)
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
}

func TestSQLiteIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")
	data := []byte("persistent artifact")
	path := writeArtifact(t, dir, "doc_page_0001.png", data)

	key := testKey("doc.djvu", 0)
	entry := entryFor(key, path, data)
	entry.CompletedAt = time.Now().UTC().Truncate(time.Second)

	idx, err := NewSQLiteIndex(dbPath)
	require.NoError(t, err)
	require.NoError(t, idx.Put(context.Background(), key, entry))
	require.NoError(t, idx.Close())

	reopened, err := NewSQLiteIndex(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, entry.ArtifactPath, got.ArtifactPath)
	assert.Equal(t, entry.ArtifactChecksum, got.ArtifactChecksum)
	assert.Equal(t, entry.SizeBytes, got.SizeBytes)
	assert.Equal(t, entry.Width, got.Width)
	assert.Equal(t, entry.Height, got.Height)
	assert.True(t, entry.CompletedAt.Equal(got.CompletedAt))
}

func TestSQLiteIndexUpsertAndDelete(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewSQLiteIndex(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer idx.Close()
	ctx := context.Background()

	data := []byte("first version")
	path := writeArtifact(t, dir, "doc_page_0001.png", data)
	key := testKey("doc.djvu", 0)
	require.NoError(t, idx.Put(ctx, key, entryFor(key, path, data)))

	// Upsert replaces the previous entry for the same key.
	updated := entryFor(key, path, []byte("second version!"))
	require.NoError(t, idx.Put(ctx, key, updated))

	got, err := idx.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, updated.ArtifactChecksum, got.ArtifactChecksum)

	require.NoError(t, idx.Delete(ctx, key))
	_, err = idx.Get(ctx, key)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSQLiteIndexDeleteByDocument(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewSQLiteIndex(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer idx.Close()
	ctx := context.Background()

	for doc := 0; doc < 2; doc++ {
		for page := 0; page < 2; page++ {
			data := []byte(fmt.Sprintf("artifact %d/%d", doc, page))
			name := fmt.Sprintf("doc%d_page_%04d.png", doc, page+1)
			path := writeArtifact(t, dir, name, data)
			key := testKey(fmt.Sprintf("doc%d.djvu", doc), page)
			require.NoError(t, idx.Put(ctx, key, entryFor(key, path, data)))
		}
	}

	require.NoError(t, idx.DeleteByDocument(ctx, "doc0.djvu"))

	_, err = idx.Get(ctx, testKey("doc0.djvu", 0))
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = idx.Get(ctx, testKey("doc1.djvu", 0))
	assert.NoError(t, err)
}
