package boxd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/vaettir-io/boxd/pkg/engine"
)

// Query executes compiled criteria repeatedly against consistent snapshots
// and materializes typed results.
//
// A Query owns its engine-side compiled handle exclusively; Close releases it
// exactly once and is safe to call concurrently and repeatedly. Every call
// after Close fails with ErrQueryClosed. An automatic best-effort release
// runs if a query becomes unreachable without Close, but explicit Close is
// the primary API.
//
// A Query is safe for concurrent execution. It is NOT safe to rebind
// parameters concurrently with execution on the same instance; callers must
// synchronize SetParameter calls relative to find/count/remove calls
// themselves. The engine synchronizes raw handle access per call.
type Query[T any] struct {
	box    *Box[T]
	store  *Store
	handle *queryHandle

	filter func(*T) bool
	cmp    func(a, b *T) int
	eager  []eagerRelation[T]

	publisher *queryPublisher[T]
	cleanup   runtime.Cleanup
}

// QueryOption configures a Query at construction.
type QueryOption[T any] func(*Query[T]) error

// WithFilter installs a client-side predicate: objects for which keep
// returns false are dropped after materialization. Only Find and ForEach
// support filters.
func WithFilter[T any](keep func(*T) bool) QueryOption[T] {
	return func(q *Query[T]) error {
		q.filter = keep
		return nil
	}
}

// WithSort installs a client-side comparator; Find results are stable-sorted
// with it. Only Find supports sorting.
func WithSort[T any](cmp func(a, b *T) int) QueryOption[T] {
	return func(q *Query[T]) error {
		q.cmp = cmp
		return nil
	}
}

// WithEager requests eager resolution of one relation during query
// execution. limit, when nonzero, caps resolution to the first limit result
// rows by position; later rows keep the relation lazy.
func WithEager[S, T any](rel RelationInfo[S, T], limit int) QueryOption[S] {
	return func(q *Query[S]) error {
		er, err := makeEager(rel, limit)
		if err != nil {
			return err
		}
		q.eager = append(q.eager, er)
		return nil
	}
}

func newQuery[T any](box *Box[T], handle engine.QueryID, opts ...QueryOption[T]) (*Query[T], error) {
	q := &Query[T]{
		box:    box,
		store:  box.store,
		handle: newQueryHandle(handle),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			_ = box.store.eng.DestroyQuery(handle)
			return nil, err
		}
	}
	q.publisher = newQueryPublisher(q)
	box.store.queryOpened()

	// Safety net: release the engine handle if the query is dropped without
	// Close. Captures the guard, not the query, so the query stays
	// collectable.
	qh, store := q.handle, q.store
	q.cleanup = runtime.AddCleanup(q, func(_ struct{}) {
		if released, err := qh.release(store.eng); released {
			store.queryClosed()
			if err != nil {
				store.log.Warn("automatic query handle release failed", "error", err)
			}
		}
	}, struct{}{})
	return q, nil
}

// Close releases the engine handle. Closing twice is a no-op the second
// time; concurrent closes release exactly once.
func (q *Query[T]) Close() error {
	released, err := q.handle.release(q.store.eng)
	if released {
		q.cleanup.Stop()
		q.publisher.shutdown()
		q.store.queryClosed()
	}
	return err
}

func (q *Query[T]) ensureNoFilter() error {
	if q.filter != nil {
		return fmt.Errorf("%w: does not work with a filter; only Find and ForEach support filters", ErrUnsupported)
	}
	return nil
}

func (q *Query[T]) ensureNoComparator() error {
	if q.cmp != nil {
		return fmt.Errorf("%w: does not work with a sorting comparator; only Find supports sorting", ErrUnsupported)
	}
	return nil
}

func (q *Query[T]) ensureNoFilterNoComparator() error {
	if err := q.ensureNoFilter(); err != nil {
		return err
	}
	return q.ensureNoComparator()
}

// runRead executes fn inside the store's retrying read-transaction executor,
// with the compiled handle and an entity cursor for it.
func runRead[T, R any](ctx context.Context, q *Query[T], fn func(tx *Tx, qid engine.QueryID, cur engine.CursorID) (R, error)) (R, error) {
	var zero R
	qid, err := q.handle.get()
	if err != nil {
		return zero, err
	}
	return runInReadTx(ctx, q.store, func(tx *Tx) (R, error) {
		cur, err := tx.cursor(q.box.EntityName())
		if err != nil {
			return zero, err
		}
		return fn(tx, qid, cur)
	})
}

// FindFirst returns the first matching object, or nil when nothing matches.
// Incompatible with a filter or comparator.
func (q *Query[T]) FindFirst(ctx context.Context) (*T, error) {
	if err := q.ensureNoFilterNoComparator(); err != nil {
		return nil, err
	}
	return runRead(ctx, q, func(tx *Tx, qid engine.QueryID, cur engine.CursorID) (*T, error) {
		rec, found, err := q.store.eng.FindFirst(qid, cur)
		if err != nil || !found {
			return nil, err
		}
		obj, err := q.decode(rec)
		if err != nil {
			return nil, err
		}
		if err := q.resolveEagerAll(obj, tx); err != nil {
			return nil, err
		}
		return obj, nil
	})
}

// FindUnique returns the single matching object, nil when nothing matches,
// and ErrNonUnique when two or more objects match. Incompatible with a
// filter; a comparator makes no difference for at most one result.
func (q *Query[T]) FindUnique(ctx context.Context) (*T, error) {
	if err := q.ensureNoFilter(); err != nil {
		return nil, err
	}
	return runRead(ctx, q, func(tx *Tx, qid engine.QueryID, cur engine.CursorID) (*T, error) {
		rec, found, err := q.store.eng.FindUnique(qid, cur)
		if err != nil {
			if errors.Is(err, engine.ErrNonUnique) {
				return nil, fmt.Errorf("%w: %v", ErrNonUnique, err)
			}
			return nil, err
		}
		if !found {
			return nil, nil
		}
		obj, err := q.decode(rec)
		if err != nil {
			return nil, err
		}
		if err := q.resolveEagerAll(obj, tx); err != nil {
			return nil, err
		}
		return obj, nil
	})
}

// Find returns all matching objects, applying the post-fetch pipeline:
// filter, eager relation resolution, then stable comparator sort.
func (q *Query[T]) Find(ctx context.Context) ([]*T, error) {
	return runRead(ctx, q, func(tx *Tx, qid engine.QueryID, cur engine.CursorID) ([]*T, error) {
		recs, err := q.store.eng.Find(qid, cur, 0, 0)
		if err != nil {
			return nil, err
		}
		objs := make([]*T, 0, len(recs))
		for i := range recs {
			obj, err := q.decode(recs[i])
			if err != nil {
				return nil, err
			}
			if q.filter != nil && !q.filter(obj) {
				continue
			}
			objs = append(objs, obj)
		}
		if err := q.resolveEagerSlice(objs, tx); err != nil {
			return nil, err
		}
		if q.cmp != nil {
			slices.SortStableFunc(objs, q.cmp)
		}
		return objs, nil
	})
}

// FindRange is Find with pagination: it skips the first offset matches and
// returns at most limit objects (limit 0 = unbounded). Incompatible with a
// filter or comparator, which cannot compose with engine-side pagination.
func (q *Query[T]) FindRange(ctx context.Context, offset, limit uint64) ([]*T, error) {
	if err := q.ensureNoFilterNoComparator(); err != nil {
		return nil, err
	}
	return runRead(ctx, q, func(tx *Tx, qid engine.QueryID, cur engine.CursorID) ([]*T, error) {
		recs, err := q.store.eng.Find(qid, cur, offset, limit)
		if err != nil {
			return nil, err
		}
		objs := make([]*T, 0, len(recs))
		for i := range recs {
			obj, err := q.decode(recs[i])
			if err != nil {
				return nil, err
			}
			objs = append(objs, obj)
		}
		if err := q.resolveEagerSlice(objs, tx); err != nil {
			return nil, err
		}
		return objs, nil
	})
}

// FindIDs returns the ids of all matching objects in engine order. A
// configured filter or comparator is silently ignored: ids are produced
// before materialization, so neither can apply.
func (q *Query[T]) FindIDs(ctx context.Context) ([]uint64, error) {
	return q.FindIDsRange(ctx, 0, 0)
}

// FindIDsRange is FindIDs with offset/limit pagination (limit 0 =
// unbounded).
func (q *Query[T]) FindIDsRange(ctx context.Context, offset, limit uint64) ([]uint64, error) {
	return runRead(ctx, q, func(_ *Tx, qid engine.QueryID, cur engine.CursorID) ([]uint64, error) {
		return q.store.eng.FindIDs(qid, cur, offset, limit)
	})
}

// FindLazy returns a non-caching LazyList over the matching ids: every
// access resolves the object in a fresh short read transaction.
// Incompatible with a filter or comparator.
func (q *Query[T]) FindLazy(ctx context.Context) (*LazyList[T], error) {
	if err := q.ensureNoFilterNoComparator(); err != nil {
		return nil, err
	}
	ids, err := q.FindIDsRange(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	return newLazyList(q.box, ids, false), nil
}

// FindLazyCached returns a caching LazyList over the matching ids: each
// index resolves at most once and the result is memoized. Incompatible with
// a filter or comparator.
func (q *Query[T]) FindLazyCached(ctx context.Context) (*LazyList[T], error) {
	if err := q.ensureNoFilterNoComparator(); err != nil {
		return nil, err
	}
	ids, err := q.FindIDsRange(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	return newLazyList(q.box, ids, true), nil
}

// Count returns the number of matching objects. Incompatible with a filter.
func (q *Query[T]) Count(ctx context.Context) (uint64, error) {
	if err := q.ensureNoFilter(); err != nil {
		return 0, err
	}
	return runRead(ctx, q, func(_ *Tx, qid engine.QueryID, cur engine.CursorID) (uint64, error) {
		return q.store.eng.Count(qid, cur)
	})
}

// Remove deletes all matching objects in one write transaction and returns
// the removal count. Incompatible with a filter. Not retried: a write
// conflict surfaces to the caller.
func (q *Query[T]) Remove(ctx context.Context) (uint64, error) {
	if err := q.ensureNoFilter(); err != nil {
		return 0, err
	}
	qid, err := q.handle.get()
	if err != nil {
		return 0, err
	}
	return q.store.eng.Remove(qid)
}

// Step is a streaming consumer's verdict: continue the scan or stop early.
// Stopping is control flow, not a failure.
type Step int

const (
	// Continue requests the next object.
	Continue Step = iota
	// Stop ends the scan cleanly after the current object.
	Stop
)

// ForEach streams matching objects one by one to consumer inside a single
// read transaction, so the consumer sees one consistent snapshot. A filter
// applies per object; eager relation limits count by result position, before
// filtering. The consumer must not write to the store.
//
// Runs in exactly one transaction with no retry; a comparator is
// incompatible since streaming cannot pre-sort.
func (q *Query[T]) ForEach(ctx context.Context, consumer func(*T) Step) error {
	if err := q.ensureNoComparator(); err != nil {
		return err
	}
	qid, err := q.handle.get()
	if err != nil {
		return err
	}
	if q.store.isClosed() {
		return ErrStoreClosed
	}

	_, err = readTxOnce(q.store, func(tx *Tx) (struct{}, error) {
		cur, err := tx.cursor(q.box.EntityName())
		if err != nil {
			return struct{}{}, err
		}
		ids, err := q.store.eng.FindIDs(qid, cur, 0, 0)
		if err != nil {
			return struct{}{}, err
		}

		lazy := newLazyList(q.box, ids, false)
		for i := 0; i < lazy.Size(); i++ {
			if err := ctx.Err(); err != nil {
				return struct{}{}, err
			}
			obj, err := lazy.getIn(tx, i)
			if err != nil {
				return struct{}{}, err
			}
			if obj == nil {
				// The id came from this very snapshot; the record must exist.
				return struct{}{}, fmt.Errorf("%w: object %d vanished mid-stream", ErrInternal, ids[i])
			}
			if q.filter != nil && !q.filter(obj) {
				continue
			}
			if err := q.resolveEagerAt(obj, i, tx); err != nil {
				return struct{}{}, err
			}
			if consumer(obj) == Stop {
				break
			}
		}
		return struct{}{}, nil
	})
	return err
}

// SetParameter rebinds a previously compiled condition, addressed by alias
// or property id, to a new scalar or slice value before re-execution.
// time.Time values are bound as unix milliseconds, bools as conditions
// compare them. Returns the query for chaining.
func (q *Query[T]) SetParameter(ref engine.ParamRef, value any) (*Query[T], error) {
	qid, err := q.handle.get()
	if err != nil {
		return q, err
	}
	return q, q.store.eng.SetParameter(qid, ref, bindValue(value))
}

// SetParameterRange rebinds a two-valued condition (between bounds, or a
// key/value pair) to new values.
func (q *Query[T]) SetParameterRange(ref engine.ParamRef, a, b any) (*Query[T], error) {
	qid, err := q.handle.get()
	if err != nil {
		return q, err
	}
	return q, q.store.eng.SetParameterPair(qid, ref, bindValue(a), bindValue(b))
}

// ByAlias addresses a rebindable condition by the alias given at compile
// time.
func ByAlias(alias string) engine.ParamRef {
	return engine.ParamRef{Alias: alias}
}

// ByProperty addresses a rebindable condition by property id.
func ByProperty(propertyID int) engine.ParamRef {
	return engine.ParamRef{PropertyID: propertyID}
}

// bindValue maps caller-facing parameter types onto engine comparables.
func bindValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UnixMilli()
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// Describe returns a diagnostic summary of the compiled query, e.g.
// "Query for entity person with 2 conditions". Format is unstable.
func (q *Query[T]) Describe() (string, error) {
	qid, err := q.handle.get()
	if err != nil {
		return "", err
	}
	return q.store.eng.Describe(qid)
}

// DescribeParameters returns a diagnostic rendering of the current condition
// bindings, e.g. "(age > 20 AND name contains x)". Format is unstable.
func (q *Query[T]) DescribeParameters() (string, error) {
	qid, err := q.handle.get()
	if err != nil {
		return "", err
	}
	return q.store.eng.DescribeParameters(qid)
}

// Subscribe returns a builder registering observers for "query results
// changed" events. Finishing the builder with Observer schedules one initial
// delivery of the current results.
func (q *Query[T]) Subscribe() *SubscriptionBuilder[T] {
	return &SubscriptionBuilder[T]{publisher: q.publisher}
}

// Publish re-runs the query and delivers the current results to all
// subscribed observers, without requiring a data change. Useful after
// SetParameter, which deliberately does not notify observers.
func (q *Query[T]) Publish() {
	q.publisher.publish()
}

func (q *Query[T]) decode(rec engine.Record) (*T, error) {
	obj, err := q.box.binding.Decode(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s/%d: %v", ErrInternal, q.box.EntityName(), rec.ID, err)
	}
	return obj, nil
}

// resolveEagerAll resolves every configured relation on one object,
// regardless of limits (single-object result forms have no position).
func (q *Query[T]) resolveEagerAll(obj *T, tx *Tx) error {
	if obj == nil {
		return nil
	}
	for _, er := range q.eager {
		if err := er.resolve(obj, tx); err != nil {
			return err
		}
	}
	return nil
}

// resolveEagerAt resolves relations for the object at a result position,
// honoring each relation's limit.
func (q *Query[T]) resolveEagerAt(obj *T, position int, tx *Tx) error {
	for _, er := range q.eager {
		if er.limit == 0 || position < er.limit {
			if err := er.resolve(obj, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Query[T]) resolveEagerSlice(objs []*T, tx *Tx) error {
	if len(q.eager) == 0 {
		return nil
	}
	for i, obj := range objs {
		if err := q.resolveEagerAt(obj, i, tx); err != nil {
			return err
		}
	}
	return nil
}
