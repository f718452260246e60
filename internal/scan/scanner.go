// Package scan walks a DjVu library and feeds container metadata into
// the catalog. Scanning probes container structure only; page images
// are not decoded, so scanned page records start out unvalidated and
// gain dimensions and validity once a conversion run touches them.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/decode"
	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// Dumper probes container structure. decode.DjVuLibre implements it.
type Dumper interface {
	Dump(ctx context.Context, path string) (*decode.DumpInfo, error)
}

// CatalogWriter receives scanned records. catalog.Store implements it.
type CatalogWriter interface {
	UpsertDocument(ctx context.Context, rec *catalog.DocumentRecord) error
	ReplacePages(ctx context.Context, djvuPath string, pages []*catalog.PageRecord) error
}

// FileError records one container the scan could not process.
type FileError struct {
	Path string
	Err  error
}

// Options control a library scan.
type Options struct {
	// Root is the library directory to walk.
	Root string
	// PackageDir holds package archives; when a document's archive is
	// found there its size and date are recorded on the catalog row.
	PackageDir string
	// Limit stops the scan after this many documents. Zero scans all.
	Limit int
	// OnFile is called after each stored document, for progress
	// reporting. Index is one-based.
	OnFile func(rec *catalog.DocumentRecord, index, total int)
}

// Result summarizes a scan run.
type Result struct {
	Documents  int
	Pages      int
	Components int // page files skipped as parts of indirect documents
	Failures   []FileError
	Duration   time.Duration
}

// Scanner catalogs the DjVu containers of a library.
type Scanner struct {
	dumper Dumper
	writer CatalogWriter
	opts   Options
	logger *observability.Logger
}

// New creates a Scanner.
func New(dumper Dumper, writer CatalogWriter, opts Options, logger *observability.Logger) *Scanner {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Scanner{dumper: dumper, writer: writer, opts: opts, logger: logger}
}

// Scan walks the library root for *.djvu containers and upserts one
// catalog record per document. Component files of indirect documents
// are recognized through their container's directory listing and do
// not become documents of their own. Unreadable containers are
// recorded as failures; the scan keeps going.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	started := time.Now()
	root, err := filepath.Abs(s.opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve library root: %w", err)
	}
	if info, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("library root: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", root)
	}

	candidates, err := collectContainers(root)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("root", root).
		Int("candidates", len(candidates)).
		Msg("Library walk complete")

	result := &Result{}

	// First pass probes every candidate so that the component files of
	// indirect documents are all known before any record is written,
	// regardless of walk order.
	dumps := make(map[string]*decode.DumpInfo, len(candidates))
	components := make(map[string]bool)
	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started)
			return result, err
		}
		info, err := s.dumper.Dump(ctx, path)
		if err != nil {
			result.Failures = append(result.Failures, FileError{Path: path, Err: err})
			s.logger.Warn().
				Err(err).
				Str("path", path).
				Msg("Container probe failed")
			continue
		}
		dumps[path] = info
		if !info.Bundled {
			dir := filepath.Dir(path)
			for _, name := range pageComponents(info) {
				components[filepath.Join(dir, name)] = true
			}
		}
	}

	total := 0
	for _, path := range candidates {
		if _, ok := dumps[path]; ok && !components[path] {
			total++
		}
	}
	if s.opts.Limit > 0 && total > s.opts.Limit {
		total = s.opts.Limit
	}

	for _, path := range candidates {
		info, ok := dumps[path]
		if !ok {
			continue
		}
		if components[path] {
			result.Components++
			continue
		}
		if s.opts.Limit > 0 && result.Documents >= s.opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started)
			return result, err
		}

		rec, pages, err := s.buildRecords(root, path, info)
		if err != nil {
			result.Failures = append(result.Failures, FileError{Path: path, Err: err})
			continue
		}
		if err := s.store(ctx, rec, pages); err != nil {
			result.Failures = append(result.Failures, FileError{Path: path, Err: err})
			s.logger.Warn().
				Err(err).
				Str("path", rec.Path).
				Msg("Catalog write failed")
			continue
		}
		result.Documents++
		result.Pages += len(pages)
		if s.opts.OnFile != nil {
			s.opts.OnFile(rec, result.Documents, total)
		}
	}

	result.Duration = time.Since(started)
	s.logger.Info().
		Int("documents", result.Documents).
		Int("pages", result.Pages).
		Int("components", result.Components).
		Int("failures", len(result.Failures)).
		Dur("duration", result.Duration).
		Msg("Library scan complete")
	return result, nil
}

// ScanPath catalogs a single container, for targeted re-scans. The
// catalog path is library-relative when the file lives under the root.
func (s *Scanner) ScanPath(ctx context.Context, path string) (*catalog.DocumentRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	root, err := filepath.Abs(s.opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve library root: %w", err)
	}

	info, err := s.dumper.Dump(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	rec, pages, err := s.buildRecords(root, abs, info)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, rec, pages); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Scanner) store(ctx context.Context, rec *catalog.DocumentRecord, pages []*catalog.PageRecord) error {
	if err := s.writer.UpsertDocument(ctx, rec); err != nil {
		return fmt.Errorf("upsert document %s: %w", rec.Path, err)
	}
	if err := s.writer.ReplacePages(ctx, rec.Path, pages); err != nil {
		return fmt.Errorf("replace pages of %s: %w", rec.Path, err)
	}
	return nil
}

// buildRecords turns one probed container into its catalog rows.
func (s *Scanner) buildRecords(root, path string, info *decode.DumpInfo) (*catalog.DocumentRecord, []*catalog.PageRecord, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	id := libraryID(root, path)
	rec := &catalog.DocumentRecord{
		Path:      id,
		PageCount: info.PageCount,
		Bundled:   info.Bundled,
		ISODate:   catalog.ISODate(stat.ModTime()),
		FileSize:  stat.Size(),
		Valid:     true,
	}

	dir := filepath.Dir(path)
	comps := pageComponents(info)
	if !info.Bundled && len(comps) > 0 {
		// Page files actually present next to the index file. A count
		// below page_count reveals an incompletely mirrored document.
		onDisk := 0
		for _, name := range comps {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				onDisk++
			}
		}
		rec.DirPages = &onDisk
	}
	s.fillPackageInfo(rec, path)

	dims := make(map[int]decode.PageInfo, len(info.Pages))
	for _, p := range info.Pages {
		dims[p.Index] = p
	}

	pages := make([]*catalog.PageRecord, 0, info.PageCount)
	for i := 0; i < info.PageCount; i++ {
		page := &catalog.PageRecord{
			PageKey:   djvu.PageKey(id, i),
			DjVuPath:  id,
			PageIndex: i,
		}
		if d, ok := dims[i]; ok {
			if d.Width > 0 {
				w := d.Width
				page.Width = &w
			}
			if d.Height > 0 {
				h := d.Height
				page.Height = &h
			}
			if d.DPI > 0 {
				dpi := d.DPI
				page.DPI = &dpi
			}
		}
		if i < len(comps) {
			name := comps[i]
			page.Path = &name
			if cstat, err := os.Stat(filepath.Join(dir, name)); err == nil {
				size := cstat.Size()
				iso := catalog.ISODate(cstat.ModTime())
				page.FileSize = &size
				page.ISODate = &iso
			}
		} else if info.Bundled {
			iso := rec.ISODate
			page.ISODate = &iso
		}
		pages = append(pages, page)
	}
	return rec, pages, nil
}

// fillPackageInfo records size and date of an existing package archive.
func (s *Scanner) fillPackageInfo(rec *catalog.DocumentRecord, path string) {
	if s.opts.PackageDir == "" {
		return
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stat, err := os.Stat(filepath.Join(s.opts.PackageDir, stem+".tar"))
	if err != nil {
		return
	}
	size := stat.Size()
	iso := catalog.ISODate(stat.ModTime())
	rec.PackageFileSize = &size
	rec.PackageISODate = &iso
}

// collectContainers gathers *.djvu paths under root in walk order,
// which is lexical per directory.
func collectContainers(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".djvu") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk library root %s: %w", root, err)
	}
	return paths, nil
}

// pageComponents filters a dump's component listing down to page
// files, preserving directory order. Shared dictionaries (.djbz) and
// annotation files are not pages.
func pageComponents(info *decode.DumpInfo) []string {
	var names []string
	for _, name := range info.Components {
		if strings.EqualFold(filepath.Ext(name), ".djvu") {
			names = append(names, name)
		}
	}
	return names
}

// libraryID derives the catalog path of a container, library-relative
// with forward slashes. Files outside the root keep their cleaned
// absolute path.
func libraryID(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return djvu.DeriveID(path)
	}
	return filepath.ToSlash(rel)
}
