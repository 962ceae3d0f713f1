package store

import "errors"

// ErrNotFound is returned by Get when the named object does not exist.
var ErrNotFound = errors.New("store: object not found")

// ErrPreconditionFailed is returned by Put when an If-Match/If-None-Match
// precondition does not hold against the object's current state.
var ErrPreconditionFailed = errors.New("store: precondition failed")
