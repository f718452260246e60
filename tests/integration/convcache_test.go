package integration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WolfgangFahl/djvu-viewer/internal/convcache"
)

func testKey(docID string, index int) convcache.Key {
	return convcache.Key{
		DocumentID: docID,
		PageIndex:  index,
		Format:     "png",
		Resolution: "native",
	}
}

func TestRedisIndexRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	idx, err := convcache.NewRedisIndex(convcache.RedisConfig{Addr: setup.RedisAddr})
	require.NoError(t, err)
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key := testKey("b/b3/AB1951-Suenninghausen.djvu", 0)
	_, err = idx.Get(ctx, key)
	assert.ErrorIs(t, err, convcache.ErrEntryNotFound)

	entry := &convcache.Entry{
		Key:              key,
		ArtifactPath:     "/library/tmp/AB1951-Suenninghausen/page-0000.png",
		SourceChecksum:   "3f29a1",
		ArtifactChecksum: "9c01d4",
		SizeBytes:        204800,
		Width:            2829,
		Height:           4194,
		CompletedAt:      time.Date(2024, 11, 5, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, idx.Put(ctx, key, entry))

	got, err := idx.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, entry.ArtifactPath, got.ArtifactPath)
	assert.Equal(t, entry.ArtifactChecksum, got.ArtifactChecksum)
	assert.Equal(t, int64(204800), got.SizeBytes)
	assert.Equal(t, 2829, got.Width)
	assert.True(t, got.CompletedAt.Equal(entry.CompletedAt))

	require.NoError(t, idx.Delete(ctx, key))
	_, err = idx.Get(ctx, key)
	assert.ErrorIs(t, err, convcache.ErrEntryNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, idx.Delete(ctx, key))
}

func TestRedisIndexDeleteByDocument(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	idx, err := convcache.NewRedisIndex(convcache.RedisConfig{Addr: setup.RedisAddr})
	require.NoError(t, err)
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mine := "a/a0/AB1931-Astrup.djvu"
	other := "b/b3/AB1951-Suenninghausen.djvu"
	for i := 0; i < 3; i++ {
		key := testKey(mine, i)
		require.NoError(t, idx.Put(ctx, key, &convcache.Entry{
			Key:          key,
			ArtifactPath: "/library/tmp/page.png",
		}))
	}
	otherKey := testKey(other, 0)
	require.NoError(t, idx.Put(ctx, otherKey, &convcache.Entry{
		Key:          otherKey,
		ArtifactPath: "/library/tmp/other.png",
	}))

	require.NoError(t, idx.DeleteByDocument(ctx, mine))

	for i := 0; i < 3; i++ {
		_, err := idx.Get(ctx, testKey(mine, i))
		assert.ErrorIs(t, err, convcache.ErrEntryNotFound)
	}
	_, err = idx.Get(ctx, otherKey)
	assert.NoError(t, err, "entries of other documents must survive")
}

// TestRedisBackedCache runs the verification layer on top of a shared
// Redis index: hits require the artifact file to still match the
// recorded entry, and anything stale is purged from Redis.
func TestRedisBackedCache(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	idx, err := convcache.NewRedisIndex(convcache.RedisConfig{Addr: setup.RedisAddr})
	require.NoError(t, err)

	cache := convcache.New(idx, convcache.Options{VerifyChecksums: true}, nil)
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	artifact := filepath.Join(t.TempDir(), "page-0000.png")
	content := []byte("not a real png, but size and checksum still verify")
	require.NoError(t, os.WriteFile(artifact, content, 0o644))
	sum := sha256.Sum256(content)

	key := testKey("a/a0/AB1931-Astrup.djvu", 0)
	require.NoError(t, cache.Store(ctx, key, &convcache.Entry{
		ArtifactPath:     artifact,
		ArtifactChecksum: hex.EncodeToString(sum[:]),
		SizeBytes:        int64(len(content)),
		Width:            2829,
		Height:           4194,
	}))

	entry, ok, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok, "intact artifact must be a cache hit")
	assert.Equal(t, artifact, entry.ArtifactPath)

	// Same size, different bytes: only the checksum gives the
	// tampering away, and the stale entry must leave the shared index.
	require.NoError(t, os.WriteFile(artifact, bytes.ToUpper(content), 0o644))
	_, ok, err = cache.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = idx.Get(ctx, key)
	assert.ErrorIs(t, err, convcache.ErrEntryNotFound, "stale entry must be purged")
}
