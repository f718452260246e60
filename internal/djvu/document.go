// Package djvu defines the in-memory model for DjVu containers and their pages.
package djvu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Prober reports container structure without decoding page images.
// The DjVuLibre-backed implementation lives in the decode package.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// ProbeResult is the minimal structure information needed to open a document.
type ProbeResult struct {
	PageCount int
	Bundled   bool
}

// Document represents one DjVu container and its catalog identity.
// Pages are allocated as unvalidated placeholders when the document is
// opened; extraction fills in dimensions and flips the validity flag.
type Document struct {
	ID         string // stable catalog key, library-relative path by default
	SourcePath string // absolute path on disk
	PageCount  int
	Bundled    bool
	FileSize   int64
	ModifiedAt time.Time
	IngestedAt time.Time
	Valid      bool

	pages []*Page
}

// Page is one page of a Document, addressed by a zero-based index.
// A Page never owns its Document; it carries the document ID only.
type Page struct {
	DocumentID string
	Index      int
	Width      int
	Height     int
	DPI        int
	Valid      bool
	HasText    *bool  // text-layer presence, nil when unknown
	ErrorMsg   string // last extraction failure, empty when none
}

// Key returns the catalog key of the page, derived from the document ID
// and the zero-based page index.
func (p *Page) Key() string {
	return PageKey(p.DocumentID, p.Index)
}

// PageKey builds the catalog key for a page of the given document.
// Documents in the supported archives never exceed 9999 pages.
func PageKey(documentID string, index int) string {
	return fmt.Sprintf("%s#%04d", documentID, index)
}

// DeriveID derives a stable document identity from a source path.
func DeriveID(sourcePath string) string {
	return filepath.ToSlash(filepath.Clean(sourcePath))
}

// Stem returns the base name of the document without its extension,
// used as the prefix for artifact and archive names.
func (d *Document) Stem() string {
	base := filepath.Base(d.SourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Open reads container structure via the prober and returns a Document
// whose identity is derived from the source path.
func Open(ctx context.Context, sourcePath string, prober Prober) (*Document, error) {
	return OpenWithID(ctx, "", sourcePath, prober)
}

// OpenWithID is Open with an explicit identity, used when the caller
// knows the library-relative path of the container.
func OpenWithID(ctx context.Context, id, sourcePath string, prober Prober) (*Document, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, &InvalidDocumentError{Path: sourcePath, Reason: "cannot resolve path", Err: err}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, &InvalidDocumentError{Path: sourcePath, Reason: "source not readable", Err: err}
	}
	if info.IsDir() {
		return nil, &InvalidDocumentError{Path: sourcePath, Reason: "source is a directory"}
	}

	res, err := prober.Probe(ctx, abs)
	if err != nil {
		return nil, &InvalidDocumentError{Path: sourcePath, Reason: "container structure unreadable", Err: err}
	}
	if res.PageCount <= 0 {
		return nil, &InvalidDocumentError{Path: sourcePath, Reason: "container reports no pages"}
	}

	if id == "" {
		id = DeriveID(abs)
	}

	doc := &Document{
		ID:         id,
		SourcePath: abs,
		PageCount:  res.PageCount,
		Bundled:    res.Bundled,
		FileSize:   info.Size(),
		ModifiedAt: info.ModTime().UTC().Truncate(time.Second),
		IngestedAt: time.Now().UTC().Truncate(time.Second),
		Valid:      true,
	}
	doc.pages = make([]*Page, res.PageCount)
	for i := range doc.pages {
		doc.pages[i] = &Page{DocumentID: id, Index: i}
	}
	return doc, nil
}

// PageAt returns the page at the given zero-based index. Placeholder
// pages are legal results and report Valid == false until extracted.
func (d *Document) PageAt(index int) (*Page, error) {
	if index < 0 || index >= d.PageCount {
		return nil, &PageIndexError{DocumentID: d.ID, Index: index, PageCount: d.PageCount}
	}
	return d.pages[index], nil
}

// Pages returns the ordered page sequence of the document.
func (d *Document) Pages() []*Page {
	return d.pages
}

// FirstValidPage returns the first page in index order whose extraction
// succeeded, or nil when no page is valid yet.
func (d *Document) FirstValidPage() *Page {
	for _, p := range d.pages {
		if p.Valid {
			return p
		}
	}
	return nil
}
