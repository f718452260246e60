// Package catalog persists document and page metadata and exposes it
// through named, parameterized queries over a relational backend.
package catalog

import (
	"time"

	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
)

// DocumentRecord is the queryable projection of one document, keyed
// by its catalog path.
type DocumentRecord struct {
	Path            string  `json:"path" db:"path"`
	PageCount       int     `json:"page_count" db:"page_count"`
	Bundled         bool    `json:"bundled" db:"bundled"`
	ISODate         string  `json:"iso_date" db:"iso_date"`
	FileSize        int64   `json:"filesize" db:"filesize"`
	PackageFileSize *int64  `json:"package_filesize,omitempty" db:"package_filesize"`
	PackageISODate  *string `json:"package_iso_date,omitempty" db:"package_iso_date"`
	DirPages        *int    `json:"dir_pages,omitempty" db:"dir_pages"`
	Valid           bool    `json:"valid" db:"valid"`
}

// PageRecord is the queryable projection of one page, keyed by
// "<document path>#<index>".
type PageRecord struct {
	PageKey   string  `json:"page_key" db:"page_key"`
	DjVuPath  string  `json:"djvu_path" db:"djvu_path"`
	PageIndex int     `json:"page_index" db:"page_index"`
	Path      *string `json:"path,omitempty" db:"path"` // component file of indirect containers, or the converted artifact
	Valid     bool    `json:"valid" db:"valid"`
	Width     *int    `json:"width,omitempty" db:"width"`
	Height    *int    `json:"height,omitempty" db:"height"`
	DPI       *int    `json:"dpi,omitempty" db:"dpi"`
	ISODate   *string `json:"iso_date,omitempty" db:"iso_date"`
	FileSize  *int64  `json:"filesize,omitempty" db:"filesize"`
	ErrorMsg  *string `json:"error_msg,omitempty" db:"error_msg"`
	HasText   *bool   `json:"has_text,omitempty" db:"has_text"`
}

// ISODate formats a timestamp the way the catalog stores dates.
func ISODate(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// DocumentRecordOf projects a document into its catalog record.
// Package fields and dir_pages are left for the caller to fill.
func DocumentRecordOf(doc *djvu.Document) *DocumentRecord {
	return &DocumentRecord{
		Path:      doc.ID,
		PageCount: doc.PageCount,
		Bundled:   doc.Bundled,
		ISODate:   ISODate(doc.ModifiedAt),
		FileSize:  doc.FileSize,
		Valid:     doc.Valid,
	}
}

// PageRecordOf projects a page into its catalog record.
func PageRecordOf(page *djvu.Page) *PageRecord {
	rec := &PageRecord{
		PageKey:   page.Key(),
		DjVuPath:  page.DocumentID,
		PageIndex: page.Index,
		Valid:     page.Valid,
		HasText:   page.HasText,
	}
	if page.Width > 0 {
		rec.Width = &page.Width
	}
	if page.Height > 0 {
		rec.Height = &page.Height
	}
	if page.DPI > 0 {
		rec.DPI = &page.DPI
	}
	if page.ErrorMsg != "" {
		rec.ErrorMsg = &page.ErrorMsg
	}
	return rec
}
