// Package extract reads single pages out of DjVu containers.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/WolfgangFahl/djvu-viewer/internal/codec"
	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// Renderer produces the raw image of one page. The DjVuLibre
// implementation lives in the decode package; width and height of zero
// request native resolution.
type Renderer interface {
	RenderPage(ctx context.Context, path string, pageIndex, width, height int) ([]byte, error)
}

// RenderSize selects the render resolution for extraction.
type RenderSize struct {
	Width  int
	Height int
}

// Native requests the page's own resolution.
var Native = RenderSize{}

// String formats the size for cache keys and logs.
func (s RenderSize) String() string {
	if s.Width <= 0 || s.Height <= 0 {
		return "native"
	}
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// PageArtifact is the raw result of extracting one page.
type PageArtifact struct {
	DocumentID string
	PageIndex  int
	Raw        []byte // decoder output, PPM
	Checksum   string // sha256 over Raw, drives cache invalidation
	Width      int
	Height     int
	RenderedAt time.Time
}

// ExtractionError reports a corrupt or unreadable page. It is page
// scoped: sibling pages remain extractable.
type ExtractionError struct {
	DocumentID string
	PageIndex  int
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract page %d of %s: %v", e.PageIndex, e.DocumentID, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor turns container pages into raw page artifacts.
type Extractor struct {
	renderer Renderer
	logger   *observability.Logger
}

// New creates an Extractor on top of a page renderer.
func New(renderer Renderer, logger *observability.Logger) *Extractor {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Extractor{renderer: renderer, logger: logger}
}

// Extract renders one page and returns its raw image plus a content
// checksum. On success the targeted Page gets its dimensions and the
// validity flag; on failure only that Page's error message is set.
// No other shared state is touched.
func (e *Extractor) Extract(ctx context.Context, doc *djvu.Document, pageIndex int, size RenderSize) (*PageArtifact, error) {
	page, err := doc.PageAt(pageIndex)
	if err != nil {
		return nil, err
	}

	raw, err := e.renderer.RenderPage(ctx, doc.SourcePath, pageIndex, size.Width, size.Height)
	if err != nil {
		return nil, e.fail(page, &ExtractionError{DocumentID: doc.ID, PageIndex: pageIndex, Err: err})
	}
	if len(raw) == 0 {
		return nil, e.fail(page, &ExtractionError{
			DocumentID: doc.ID,
			PageIndex:  pageIndex,
			Err:        fmt.Errorf("decoder produced no image data"),
		})
	}

	width, height, err := codec.SniffDimensions(raw)
	if err != nil {
		return nil, e.fail(page, &ExtractionError{
			DocumentID: doc.ID,
			PageIndex:  pageIndex,
			Err:        fmt.Errorf("unreadable page image: %w", err),
		})
	}

	hash := sha256.Sum256(raw)
	checksum := hex.EncodeToString(hash[:])

	page.Width = width
	page.Height = height
	page.Valid = true
	page.ErrorMsg = ""

	e.logger.Debug().
		Str("document", doc.ID).
		Int("page", pageIndex).
		Int("width", width).
		Int("height", height).
		Str("sha256", checksum).
		Msg("Page extracted")

	return &PageArtifact{
		DocumentID: doc.ID,
		PageIndex:  pageIndex,
		Raw:        raw,
		Checksum:   checksum,
		Width:      width,
		Height:     height,
		RenderedAt: time.Now().UTC(),
	}, nil
}

// fail records the failure on the page and passes the error through.
func (e *Extractor) fail(page *djvu.Page, extractErr *ExtractionError) error {
	page.ErrorMsg = extractErr.Err.Error()
	e.logger.Warn().
		Str("document", extractErr.DocumentID).
		Int("page", extractErr.PageIndex).
		Err(extractErr.Err).
		Msg("Page extraction failed")
	return extractErr
}
