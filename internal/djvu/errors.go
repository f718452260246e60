package djvu

import "fmt"

// InvalidDocumentError reports a container that cannot be cataloged:
// the source is unreadable or reports no usable structure. No job runs
// for such a document.
type InvalidDocumentError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidDocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid document %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid document %s: %s", e.Path, e.Reason)
}

func (e *InvalidDocumentError) Unwrap() error {
	return e.Err
}

// PageIndexError reports an index outside [0, PageCount). It is fatal
// to the call that supplied the index, never to the document.
type PageIndexError struct {
	DocumentID string
	Index      int
	PageCount  int
}

func (e *PageIndexError) Error() string {
	return fmt.Sprintf("page index %d out of range [0,%d) for document %s",
		e.Index, e.PageCount, e.DocumentID)
}
