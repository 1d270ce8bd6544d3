// Package engine provides the storage collaborator behind the boxd data-access
// layer: an embedded transactional record store reached exclusively through
// opaque numeric handles.
//
// The handle boundary is deliberately narrow. Callers open and close read
// transactions, open cursors scoped to one transaction and entity, and execute
// compiled queries (also referenced by handle) against those cursors. The
// engine owns the compiled criteria; the layer above owns retry policy,
// materialization, filtering, sorting, and change observation fan-out.
//
// BadgerEngine is the production implementation on BadgerDB. Tests above this
// package may substitute any Engine implementation, for example to inject
// transaction conflicts.
package engine

// Handle types. All handles are opaque nonzero identifiers; zero is reserved
// as the "released" sentinel throughout boxd.
type (
	TxID     uint64
	CursorID uint64
	QueryID  uint64
)

// Engine is the narrow API the boxd layer consumes.
//
// Handle lifetime rules:
//   - EndTx releases a transaction and every cursor opened under it.
//   - DestroyQuery releases a compiled query; it is idempotent.
//   - Using a released handle fails with ErrInvalidHandle.
//
// BeginRead may fail with ErrConflict under concurrent write load; that error
// is recoverable and callers are expected to retry with backoff.
type Engine interface {
	// Transactions and cursors.
	BeginRead() (TxID, error)
	EndTx(tx TxID) error
	OpenCursor(tx TxID, entity string) (CursorID, error)
	CursorGet(cursor CursorID, id uint64) (Record, bool, error)

	// Compiled queries.
	CompileQuery(entity string, conds ...Condition) (QueryID, error)
	DestroyQuery(q QueryID) error
	SetParameter(q QueryID, ref ParamRef, value any) error
	SetParameterPair(q QueryID, ref ParamRef, a, b any) error
	Describe(q QueryID) (string, error)
	DescribeParameters(q QueryID) (string, error)

	// Execution forms. All read forms run against a cursor opened in a live
	// read transaction and observe that transaction's snapshot. Remove runs
	// its own write transaction and reports the number of deleted records.
	FindFirst(q QueryID, cursor CursorID) (Record, bool, error)
	FindUnique(q QueryID, cursor CursorID) (Record, bool, error)
	Find(q QueryID, cursor CursorID, offset, limit uint64) ([]Record, error)
	FindIDs(q QueryID, cursor CursorID, offset, limit uint64) ([]uint64, error)
	Count(q QueryID, cursor CursorID) (uint64, error)
	Remove(q QueryID) (uint64, error)

	// Record access outside the query path.
	Get(entity string, id uint64) (Record, bool, error)
	Put(entity string, rec Record) error
	Delete(entity string, id uint64) (bool, error)
	NextID(entity string) (uint64, error)

	// RegisterChangeObserver subscribes fn to "data for entity changed"
	// signals, fired after any successful write touching that entity.
	// The returned function unregisters the observer.
	RegisterChangeObserver(entity string, fn func(entity string)) (unregister func())

	Close() error
}
