package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrPayloadTooLarge is returned when a record payload exceeds the
	// on-disk format's limit.
	ErrPayloadTooLarge = errors.New("record payload exceeds the format limit")

	// ErrCorruptRecord marks a record that failed authentication. During
	// replay a corrupt record ends the journal rather than failing the open.
	ErrCorruptRecord = errors.New("record failed authentication")
)

// Cause tags which sub-operation of a journal action failed.
type Cause int

const (
	CauseIo Cause = iota + 1
	CauseIV
	CauseCrypt

	// CauseKMS is used by composing schemes when producing the key material
	// for a record fails before the journal is reached.
	CauseKMS
)

func (c Cause) String() string {
	switch c {
	case CauseIo:
		return "io"
	case CauseIV:
		return "iv"
	case CauseCrypt:
		return "crypt"
	case CauseKMS:
		return "kms"
	}
	return "unknown"
}

// Error wraps a journal failure with the action attempted and the
// sub-operation that failed.
type Error struct {
	Op    string
	Cause Cause
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("journal %s (%s): %v", e.Op, e.Cause, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
