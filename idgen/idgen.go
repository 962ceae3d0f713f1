// Package idgen supplies the document identifier source: a monotonic,
// lexicographically-sortable 128-bit identifier. The core only depends
// on the IDGenerator interface; UUIDv7 is the production default.
package idgen

import "github.com/google/uuid"

// IDGenerator mints new document identifiers. Implementations must return
// identifiers that sort lexicographically in generation order within a
// single process, so that id-adjacent operations (e.g. listing order)
// stay deterministic.
type IDGenerator interface {
	NewID() (string, error)
}

// UUIDv7 mints RFC 9562 version-7 UUIDs, which embed a millisecond Unix
// timestamp in their most significant bits and are therefore
// time-ordered and hex-lexicographically sortable.
type UUIDv7 struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
