// Package stormerr defines the sentinel error kinds shared across the
// StormiDB core. Callers should use errors.Is against these values rather
// than string-matching error messages.
package stormerr

import "errors"

var (
	// ErrNotFound is returned when a document does not exist for read or
	// update. A missing catalog blob is not an error: it loads as an
	// empty catalog.
	ErrNotFound = errors.New("stormidb: not found")

	// ErrUniqueViolation is returned when a unique-field probe matches a
	// document other than the one being written.
	ErrUniqueViolation = errors.New("stormidb: unique constraint violation")

	// ErrConflict is returned when a catalog compare-and-swap write fails
	// its precondition and the bounded retry budget has been exhausted,
	// and by Update when the document changed between its read and its
	// conditional write.
	ErrConflict = errors.New("stormidb: catalog conflict")

	// ErrUnsupported names the case of a value with no tag encoding. It is
	// not returned to callers: the codec reports such a value as ok=false,
	// and the write path logs it and skips the field.
	ErrUnsupported = errors.New("stormidb: value has no tag encoding")

	// ErrValidation is returned for malformed queries, e.g. a $between
	// value that is not a two-element sequence.
	ErrValidation = errors.New("stormidb: invalid query")

	// ErrTagCapExceeded is returned when an index creation would push a
	// collection's indexed-field count past the blob-tag cardinality cap.
	ErrTagCapExceeded = errors.New("stormidb: indexed field cap exceeded")
)
