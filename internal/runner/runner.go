// Package runner converts the pages of a document through a bounded
// worker pool, reusing the conversion cache wherever it can.
package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/WolfgangFahl/djvu-viewer/internal/codec"
	"github.com/WolfgangFahl/djvu-viewer/internal/convcache"
	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/extract"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// PageExtractor yields the raw image of one page. Implemented by
// extract.Extractor.
type PageExtractor interface {
	Extract(ctx context.Context, doc *djvu.Document, pageIndex int, size extract.RenderSize) (*extract.PageArtifact, error)
}

// ConversionError wraps a page-scoped failure between raw image and
// encoded artifact: decoding, encoding or writing the output file.
type ConversionError struct {
	DocumentID string
	PageIndex  int
	Err        error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s page %d: %v", e.DocumentID, e.PageIndex, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// PageStatus classifies the outcome of one page task.
type PageStatus string

const (
	StatusSucceeded PageStatus = "succeeded"
	StatusFailed    PageStatus = "failed"
	// StatusSkipped marks pages whose task was never started, or was
	// cut short, because the job got cancelled.
	StatusSkipped PageStatus = "skipped"
)

// PageOutcome describes what happened to one page during a job.
type PageOutcome struct {
	Index        int        `json:"index"`
	Status       PageStatus `json:"status"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	FromCache    bool       `json:"from_cache"`
	Extracted    bool       `json:"extracted"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	Err          error      `json:"-"`
}

// PageFailure pairs a failed page index with its cause.
type PageFailure struct {
	Index int
	Cause error
}

// JobResult summarizes one runner invocation over one document.
type JobResult struct {
	JobID      uuid.UUID
	DocumentID string
	Format     string
	Resolution string
	Pages      []PageOutcome
	Failures   []PageFailure
	Succeeded  int
	Failed     int
	Skipped    int
	CacheHits  int
	Extracted  int
	Complete   bool
	Cancelled  bool
	StartedAt  time.Time
	Duration   time.Duration
}

// Options configure one conversion job.
type Options struct {
	Format      codec.Format
	JPEGQuality int
	Size        extract.RenderSize
	// Workers bounds the per-job pool. Defaults to 4.
	Workers   int
	OutputDir string
	// Force bypasses cache lookups and reconverts every page.
	Force bool
	// OnPage, when set, is called once per finished page task. Calls
	// are serialized.
	OnPage func(PageOutcome)
}

// NewLimiter builds the process-wide concurrency cap shared by all
// jobs. External decode and codec work never exceeds maxTotal slots
// regardless of how many jobs run at once.
func NewLimiter(maxTotal int64) *semaphore.Weighted {
	if maxTotal <= 0 {
		maxTotal = 8
	}
	return semaphore.NewWeighted(maxTotal)
}

// Runner drives page conversion jobs. One Runner may serve many jobs,
// concurrently; all shared state lives in the cache.
type Runner struct {
	extractor PageExtractor
	cache     *convcache.Cache
	limiter   *semaphore.Weighted
	logger    *observability.Logger
}

// New creates a Runner. limiter may be nil to run uncapped.
func New(extractor PageExtractor, cache *convcache.Cache, limiter *semaphore.Weighted, logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Runner{extractor: extractor, cache: cache, limiter: limiter, logger: logger}
}

// ArtifactName returns the output file name for one page, numbered
// from 1 the way archive consumers expect.
func ArtifactName(doc *djvu.Document, pageIndex int, format codec.Format) string {
	return fmt.Sprintf("%s_page_%04d%s", doc.Stem(), pageIndex+1, format.Ext())
}

// Run converts every page of doc. Page failures are collected, never
// escalated; the error return covers job-level problems only (bad
// options, unwritable output directory).
func (r *Runner) Run(ctx context.Context, doc *djvu.Document, opts Options) (*JobResult, error) {
	if doc == nil || doc.PageCount <= 0 {
		return nil, errors.New("runner: document with no pages")
	}
	if opts.Format == "" {
		opts.Format = codec.PNG
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Dir(doc.SourcePath)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("runner: create output directory: %w", err)
	}

	result := &JobResult{
		JobID:      uuid.New(),
		DocumentID: doc.ID,
		Format:     string(opts.Format),
		Resolution: opts.Size.String(),
		Pages:      make([]PageOutcome, doc.PageCount),
		StartedAt:  time.Now().UTC(),
	}

	jobLogger := r.logger.With().
		Str("job_id", result.JobID.String()).
		Str("document", doc.ID).
		Logger()
	jobLogger.Info().
		Int("pages", doc.PageCount).
		Int("workers", opts.Workers).
		Str("format", result.Format).
		Str("resolution", result.Resolution).
		Msg("Starting conversion job")

	work := make(chan int, doc.PageCount)
	for i := 0; i < doc.PageCount; i++ {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	var mu sync.Mutex
	workers := opts.Workers
	if workers > doc.PageCount {
		workers = doc.PageCount
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				var outcome PageOutcome
				if ctx.Err() != nil {
					// Cancelled: drain remaining work unstarted.
					outcome = PageOutcome{Index: idx, Status: StatusSkipped}
				} else {
					outcome = r.convertPage(ctx, doc, idx, opts)
				}
				mu.Lock()
				result.Pages[idx] = outcome
				if opts.OnPage != nil {
					opts.OnPage(outcome)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, outcome := range result.Pages {
		switch outcome.Status {
		case StatusSucceeded:
			result.Succeeded++
			if outcome.FromCache {
				result.CacheHits++
			}
		case StatusFailed:
			result.Failed++
			result.Failures = append(result.Failures, PageFailure{Index: outcome.Index, Cause: outcome.Err})
		case StatusSkipped:
			result.Skipped++
		}
		if outcome.Extracted {
			result.Extracted++
		}
	}
	result.Complete = result.Succeeded == doc.PageCount
	result.Cancelled = ctx.Err() != nil
	result.Duration = time.Since(result.StartedAt)

	jobLogger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("cache_hits", result.CacheHits).
		Int("extracted", result.Extracted).
		Bool("complete", result.Complete).
		Dur("duration", result.Duration).
		Msg("Conversion job finished")

	return result, nil
}

func (r *Runner) convertPage(ctx context.Context, doc *djvu.Document, idx int, opts Options) PageOutcome {
	key := convcache.Key{
		DocumentID: doc.ID,
		PageIndex:  idx,
		Format:     string(opts.Format),
		Resolution: opts.Size.String(),
	}

	if !opts.Force {
		entry, ok, err := r.cache.Lookup(ctx, key)
		if err != nil {
			r.logger.Warn().Str("key", key.String()).Err(err).Msg("Cache lookup failed, converting anyway")
		}
		if ok {
			// Restore the page metadata a catalog update needs, so a
			// fully cached run still reports valid pages.
			if page, perr := doc.PageAt(idx); perr == nil {
				page.Width = entry.Width
				page.Height = entry.Height
				page.Valid = true
				page.ErrorMsg = ""
			}
			return PageOutcome{
				Index:        idx,
				Status:       StatusSucceeded,
				ArtifactPath: entry.ArtifactPath,
				Checksum:     entry.ArtifactChecksum,
				FromCache:    true,
				Width:        entry.Width,
				Height:       entry.Height,
			}
		}
	}

	// The external decode and codec calls are the expensive part;
	// they run inside the process-wide cap.
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, 1); err != nil {
			return PageOutcome{Index: idx, Status: StatusSkipped}
		}
		defer r.limiter.Release(1)
	}

	artifact, err := r.extractor.Extract(ctx, doc, idx, opts.Size)
	if err != nil {
		if isCancellation(err) {
			return PageOutcome{Index: idx, Status: StatusSkipped}
		}
		return PageOutcome{Index: idx, Status: StatusFailed, Err: err}
	}

	outcome := PageOutcome{
		Index:     idx,
		Status:    StatusSucceeded,
		Extracted: true,
		Width:     artifact.Width,
		Height:    artifact.Height,
	}

	img, err := codec.Decode(bytes.NewReader(artifact.Raw))
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = &ConversionError{DocumentID: doc.ID, PageIndex: idx, Err: err}
		return outcome
	}

	var buf bytes.Buffer
	if err := codec.Encode(&buf, img, codec.Options{Format: opts.Format, JPEGQuality: opts.JPEGQuality}); err != nil {
		outcome.Status = StatusFailed
		outcome.Err = &ConversionError{DocumentID: doc.ID, PageIndex: idx, Err: err}
		return outcome
	}

	path := filepath.Join(opts.OutputDir, ArtifactName(doc, idx, opts.Format))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		outcome.Status = StatusFailed
		outcome.Err = &ConversionError{DocumentID: doc.ID, PageIndex: idx, Err: err}
		return outcome
	}
	outcome.ArtifactPath = path

	sum := sha256.Sum256(buf.Bytes())
	outcome.Checksum = hex.EncodeToString(sum[:])
	entry := &convcache.Entry{
		ArtifactPath:     path,
		SourceChecksum:   artifact.Checksum,
		ArtifactChecksum: outcome.Checksum,
		SizeBytes:        int64(buf.Len()),
		Width:            artifact.Width,
		Height:           artifact.Height,
	}
	if err := r.cache.Store(ctx, key, entry); err != nil {
		// The artifact is on disk; the next run just reconverts.
		r.logger.Warn().Str("key", key.String()).Err(err).Msg("Failed to record cache entry")
	}

	return outcome
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
