package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates a record is not in the catalog.
var ErrNotFound = errors.New("catalog: record not found")

// UnknownQueryError reports a query name missing from the registry.
type UnknownQueryError struct {
	Name string
}

func (e *UnknownQueryError) Error() string {
	return fmt.Sprintf("unknown query %q", e.Name)
}

// ParamMismatchError reports a parameter dictionary that does not fit
// the query's declared parameters.
type ParamMismatchError struct {
	Query   string
	Missing []string
	Unknown []string
}

func (e *ParamMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, fmt.Sprintf("unknown: %s", strings.Join(e.Unknown, ", ")))
	}
	return fmt.Sprintf("query %q parameter mismatch (%s)", e.Query, strings.Join(parts, "; "))
}

// BackendError reports that the configured backend cannot be reached.
// Callers may retry; the catalog never retries internally.
type BackendError struct {
	Driver string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("catalog backend (%s) unavailable: %v", e.Driver, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
