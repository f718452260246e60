// Package convcache tracks successfully converted page artifacts so
// that repeated conversion runs skip already-done work. An index entry
// is written only after an artifact is fully produced; on lookup the
// artifact file is re-checked and stale entries are purged rather than
// trusted.
package convcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// ErrEntryNotFound indicates the index has no entry for a key.
var ErrEntryNotFound = errors.New("conversion cache: entry not found")

// Key identifies one converted artifact: a page of a document in a
// target format at a target resolution.
type Key struct {
	DocumentID string `json:"document_id"`
	PageIndex  int    `json:"page_index"`
	Format     string `json:"format"`
	Resolution string `json:"resolution"` // "WxH" or "native"
}

// String renders the key for index storage and logs.
func (k Key) String() string {
	return fmt.Sprintf("%s#%04d:%s:%s", k.DocumentID, k.PageIndex, k.Format, k.Resolution)
}

// Entry records a successfully produced artifact.
type Entry struct {
	Key              Key       `json:"key"`
	ArtifactPath     string    `json:"artifact_path"`
	SourceChecksum   string    `json:"source_checksum"`   // sha256 of the raw page image
	ArtifactChecksum string    `json:"artifact_checksum"` // sha256 of the encoded artifact
	SizeBytes        int64     `json:"size_bytes"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Index stores cache entries. Implementations must be safe for
// concurrent use; same-key writes are last-writer-wins.
type Index interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, key Key, entry *Entry) error
	Delete(ctx context.Context, key Key) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Close() error
}

// Options tune cache verification.
type Options struct {
	// VerifyChecksums recomputes the artifact checksum on every lookup
	// instead of only checking existence and size.
	VerifyChecksums bool
}

// Cache is the conversion cache component. It is an explicit instance
// handed to each job, never a process-wide singleton, so tests and
// concurrent pipelines can hold independent caches.
type Cache struct {
	idx    Index
	verify bool
	logger *observability.Logger
}

// New creates a Cache over the given index.
func New(idx Index, opts Options, logger *observability.Logger) *Cache {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Cache{idx: idx, verify: opts.VerifyChecksums, logger: logger}
}

// Lookup returns the entry for key when it is still trustworthy: the
// index has it AND the artifact file exists with the recorded size
// (and checksum, when verification is on). Anything stale is purged
// and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key Key) (*Entry, bool, error) {
	entry, err := c.idx.Get(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup %s: %w", key, err)
	}

	info, err := os.Stat(entry.ArtifactPath)
	if err != nil {
		c.purge(ctx, key, "artifact missing")
		return nil, false, nil
	}
	if entry.SizeBytes > 0 && info.Size() != entry.SizeBytes {
		c.purge(ctx, key, "artifact size changed")
		return nil, false, nil
	}

	if c.verify && entry.ArtifactChecksum != "" {
		sum, err := fileChecksum(entry.ArtifactPath)
		if err != nil || sum != entry.ArtifactChecksum {
			c.purge(ctx, key, "artifact checksum mismatch")
			return nil, false, nil
		}
	}

	return entry, true, nil
}

// LookupSource is Lookup with a freshly computed source checksum: a
// changed source invalidates the entry even when the artifact itself
// is intact.
func (c *Cache) LookupSource(ctx context.Context, key Key, sourceChecksum string) (*Entry, bool, error) {
	entry, ok, err := c.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.SourceChecksum != "" && sourceChecksum != "" && entry.SourceChecksum != sourceChecksum {
		c.purge(ctx, key, "source checksum changed")
		return nil, false, nil
	}
	return entry, true, nil
}

// Store upserts an entry for a completed conversion. Storing the same
// key twice is legal; conversion is deterministic so racing writers
// produce equivalent entries.
func (c *Cache) Store(ctx context.Context, key Key, entry *Entry) error {
	if entry.ArtifactPath == "" {
		return fmt.Errorf("cache store %s: entry without artifact path", key)
	}
	entry.Key = key
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now().UTC()
	}
	if err := c.idx.Put(ctx, key, entry); err != nil {
		return fmt.Errorf("cache store %s: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for key, if present.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if err := c.idx.Delete(ctx, key); err != nil && !errors.Is(err, ErrEntryNotFound) {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateDocument removes all entries of one document.
func (c *Cache) InvalidateDocument(ctx context.Context, documentID string) error {
	if err := c.idx.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("cache invalidate document %s: %w", documentID, err)
	}
	return nil
}

// Close releases the underlying index.
func (c *Cache) Close() error {
	return c.idx.Close()
}

func (c *Cache) purge(ctx context.Context, key Key, reason string) {
	if err := c.idx.Delete(ctx, key); err != nil && !errors.Is(err, ErrEntryNotFound) {
		c.logger.Warn().Str("key", key.String()).Err(err).Msg("Failed to purge stale cache entry")
		return
	}
	c.logger.Debug().Str("key", key.String()).Str("reason", reason).Msg("Purged stale cache entry")
}

// fileChecksum computes the sha256 of a file's contents.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
