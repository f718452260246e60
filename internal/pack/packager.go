package pack

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
	"github.com/WolfgangFahl/djvu-viewer/internal/runner"
)

// ErrIncompletePackage signals that an archive was produced but does
// not contain every page. Callers decide whether that is acceptable.
var ErrIncompletePackage = errors.New("package is missing pages")

// PackagingError wraps an unrecoverable I/O failure while building an
// archive.
type PackagingError struct {
	DocumentID string
	Path       string
	Err        error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("package %s at %s: %v", e.DocumentID, e.Path, e.Err)
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

// Options configure a Packager.
type Options struct {
	// OutputDir receives the archives. Defaults to the document's
	// source directory.
	OutputDir string
	// SkipExisting leaves an already-built archive alone.
	SkipExisting bool
	// Force rebuilds even when SkipExisting is set.
	Force     bool
	Thumbnail ThumbnailPolicy
}

// Outcome reports one packaging attempt.
type Outcome struct {
	ArchivePath string
	Manifest    *Manifest
	Complete    bool
	Skipped     bool
	SizeBytes   int64
}

// Packager turns job results into tar archives.
type Packager struct {
	opts   Options
	logger *observability.Logger
}

// New creates a Packager.
func New(opts Options, logger *observability.Logger) *Packager {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Packager{opts: opts, logger: logger}
}

// ArchivePath returns where the document's archive lives.
func (p *Packager) ArchivePath(doc *djvu.Document) string {
	dir := p.opts.OutputDir
	if dir == "" {
		dir = filepath.Dir(doc.SourcePath)
	}
	return filepath.Join(dir, doc.Stem()+".tar")
}

// Package builds the document's archive from a job result. The
// manifest goes in first, artifacts follow in ascending page order.
// An incomplete result still yields an archive, returned together
// with ErrIncompletePackage.
func (p *Packager) Package(ctx context.Context, doc *djvu.Document, result *runner.JobResult) (*Outcome, error) {
	archivePath := p.ArchivePath(doc)

	if p.opts.SkipExisting && !p.opts.Force {
		if info, err := os.Stat(archivePath); err == nil {
			outcome := &Outcome{ArchivePath: archivePath, Skipped: true, SizeBytes: info.Size()}
			// Older archives may predate the manifest convention.
			if manifest, err := ReadManifest(archivePath); err == nil {
				outcome.Manifest = manifest
				outcome.Complete = manifest.Complete
			}
			p.logger.Info().Str("archive", archivePath).Msg("Archive exists, skipping")
			return outcome, nil
		}
	}

	manifest := BuildManifest(doc, result, p.opts.Thumbnail)

	// Resolve and verify every artifact before writing anything.
	paths := make(map[int]string, len(result.Pages))
	for _, outcome := range result.Pages {
		if outcome.ArtifactPath != "" {
			paths[outcome.Index] = outcome.ArtifactPath
		}
	}
	entries := manifest.Entries[:0]
	for _, entry := range manifest.Entries {
		info, err := os.Stat(paths[entry.PageIndex])
		if err != nil {
			p.logger.Warn().
				Str("document", doc.ID).
				Int("page", entry.PageIndex).
				Err(err).
				Msg("Artifact vanished before packaging")
			manifest.Complete = false
			continue
		}
		entry.SizeBytes = info.Size()
		entries = append(entries, entry)
	}
	manifest.Entries = entries
	manifest.Thumbnail = pickThumbnail(manifest.Entries, p.opts.Thumbnail)

	size, err := p.writeArchive(ctx, doc, archivePath, manifest, paths)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		ArchivePath: archivePath,
		Manifest:    manifest,
		Complete:    manifest.Complete,
		SizeBytes:   size,
	}
	p.logger.Info().
		Str("archive", archivePath).
		Int("entries", len(manifest.Entries)).
		Bool("complete", manifest.Complete).
		Int64("size_bytes", size).
		Msg("Archive written")

	if !manifest.Complete {
		return outcome, ErrIncompletePackage
	}
	return outcome, nil
}

func (p *Packager) writeArchive(ctx context.Context, doc *djvu.Document, archivePath string, manifest *Manifest, paths map[int]string) (int64, error) {
	dir := filepath.Dir(archivePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: dir, Err: err}
	}

	// Build in a temp file next to the destination so the final
	// rename is atomic and readers never see a half-written archive.
	tmp, err := os.CreateTemp(dir, doc.Stem()+".tar.tmp-*")
	if err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		tmp.Close()
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	tw := tar.NewWriter(tmp)

	manifestData, err := yaml.Marshal(manifest)
	if err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    manifest.Name(),
		Mode:    0o644,
		Size:    int64(len(manifestData)),
		ModTime: manifest.CreatedAt,
	}); err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}
	if _, err := tw.Write(manifestData); err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}

	for _, entry := range manifest.Entries {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("packaging %s: %w", doc.ID, err)
		}
		if err := addFile(tw, entry.Name, paths[entry.PageIndex]); err != nil {
			return 0, &PackagingError{DocumentID: doc.ID, Path: paths[entry.PageIndex], Err: err}
		}
	}

	if err := tw.Close(); err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}
	renamed = true

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, &PackagingError{DocumentID: doc.ID, Path: archivePath, Err: err}
	}
	return info.Size(), nil
}

func addFile(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
