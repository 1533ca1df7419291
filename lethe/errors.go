package lethe

import "errors"

var (
	// ErrNonExistentKey is returned for operations on an id with no binding
	// when the operation cannot create one.
	ErrNonExistentKey = errors.New("no binding for the requested key id")

	// ErrLoad is returned when persisted state cannot be read, decrypted or
	// decoded.
	ErrLoad = errors.New("persisted state failed to load")

	// ErrPersist is returned when journaling or persisting state fails. A
	// failed Commit leaves the prior epoch authoritative.
	ErrPersist = errors.New("state failed to persist")

	// ErrWrongInstance is returned when persisted state belongs to a
	// different forest instance than the caller expected.
	ErrWrongInstance = errors.New("persisted state belongs to a different instance")

	// ErrClosed is returned by operations on a closed scheme.
	ErrClosed = errors.New("scheme is closed")
)
