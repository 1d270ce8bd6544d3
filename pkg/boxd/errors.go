package boxd

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the data-access layer.
var (
	// ErrQueryClosed reports any operation on a query after Close.
	ErrQueryClosed = errors.New("boxd: query is closed")
	// ErrStoreClosed reports any operation on a store after Close.
	ErrStoreClosed = errors.New("boxd: store is closed")
	// ErrOpenQueries reports Store.Close while query handles are still live.
	ErrOpenQueries = errors.New("boxd: store has open queries")
	// ErrUnsupported reports an incompatible option combination, such as a
	// filter on an id-only call or a comparator on a streaming call.
	ErrUnsupported = errors.New("boxd: unsupported operation")
	// ErrNonUnique reports a FindUnique that matched more than one object.
	ErrNonUnique = errors.New("boxd: result is not unique")
	// ErrRetryExhausted reports recoverable conflicts that persisted past
	// the retry budget. Use errors.As with *RetryExhaustedError for the
	// attempt count and the last underlying cause.
	ErrRetryExhausted = errors.New("boxd: transaction retries exhausted")
	// ErrNoTransaction reports relation resolution outside an active read
	// transaction.
	ErrNoTransaction = errors.New("boxd: no active transaction")
	// ErrInternal reports an invariant violation, such as an id produced by
	// the current snapshot resolving to nothing mid-stream.
	ErrInternal = errors.New("boxd: internal error")
)

// RetryExhaustedError carries the final cause after the retry budget ran out.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("boxd: transaction retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap makes both errors.Is(err, ErrRetryExhausted) and inspection of the
// underlying cause work.
func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Err}
}
