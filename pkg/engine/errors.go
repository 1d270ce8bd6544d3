package engine

import "errors"

// Sentinel errors reported across the handle boundary.
//
// ErrConflict is the only recoverable error: it signals that a read
// transaction could not be served (or a write could not commit) because of
// concurrent write activity, and that the same call is expected to succeed
// on retry. Callers above this package own the retry policy.
var (
	ErrEngineClosed  = errors.New("engine: closed")
	ErrConflict      = errors.New("engine: transaction conflict")
	ErrNonUnique     = errors.New("engine: query matched more than one record")
	ErrInvalidHandle = errors.New("engine: invalid or released handle")
	ErrInvalidData   = errors.New("engine: invalid record data")
	ErrNoParameter   = errors.New("engine: no parameter matches property or alias")
	ErrDecode        = errors.New("engine: record decode failed")
)
