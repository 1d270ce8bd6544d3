package boxd

import (
	"context"
	"fmt"
	"sync"
)

// ToOne is a lazily resolved reference to a single related object. The
// relation memoizes its target once resolved, so later accesses never touch
// the engine. It holds the Box only as a lookup path, not as ownership.
//
// A ToOne is safe for concurrent resolution. The lock is not held across the
// engine lookup, so concurrent first accesses may each reach the engine; all
// of them observe the same target id and the result is memoized once.
type ToOne[T any] struct {
	box *Box[T]

	mu       sync.Mutex
	targetID uint64
	resolved bool
	target   *T
}

// NewToOne creates a relation handle pointing at targetID (0 = none).
func NewToOne[T any](box *Box[T], targetID uint64) *ToOne[T] {
	return &ToOne[T]{box: box, targetID: targetID}
}

// TargetID returns the related object's id without resolving it.
func (r *ToOne[T]) TargetID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetID
}

// SetTargetID repoints the relation and drops any memoized target.
func (r *ToOne[T]) SetTargetID(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targetID = id
	r.resolved = false
	r.target = nil
}

// Resolved reports whether the target is already materialized.
func (r *ToOne[T]) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Target returns the related object, resolving it in a fresh short read
// transaction on first access. A dangling target id yields (nil, nil).
func (r *ToOne[T]) Target(ctx context.Context) (*T, error) {
	r.mu.Lock()
	if r.resolved {
		t := r.target
		r.mu.Unlock()
		return t, nil
	}
	id := r.targetID
	r.mu.Unlock()

	if id == 0 {
		r.memoize(id, nil)
		return nil, nil
	}
	obj, err := r.box.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.memoize(id, obj)
	return obj, nil
}

// resolveIn materializes the target inside an already-open read transaction.
// Eager resolution during query execution lands here; it must never open its
// own transaction, and it fails when called outside one.
func (r *ToOne[T]) resolveIn(tx *Tx) error {
	if tx == nil || !tx.active {
		return ErrNoTransaction
	}

	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return nil
	}
	id := r.targetID
	r.mu.Unlock()

	if id == 0 {
		r.memoize(id, nil)
		return nil
	}
	obj, err := r.box.getIn(tx, id)
	if err != nil {
		return err
	}
	r.memoize(id, obj)
	return nil
}

// memoize stores the resolution result unless the target id was swapped
// concurrently (then the result is stale and dropped).
func (r *ToOne[T]) memoize(forID uint64, obj *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targetID != forID {
		return
	}
	r.resolved = true
	r.target = obj
}

// ToMany is a lazily resolved collection of related objects, backed by a
// captured id list. Resolution materializes the full collection at once;
// ids whose objects were deleted upstream are skipped.
type ToMany[T any] struct {
	box *Box[T]

	mu       sync.Mutex
	ids      []uint64
	resolved bool
	targets  []*T
}

// NewToMany creates a relation handle over the given target ids.
func NewToMany[T any](box *Box[T], ids []uint64) *ToMany[T] {
	return &ToMany[T]{box: box, ids: append([]uint64(nil), ids...)}
}

// TargetIDs returns the backing id list without resolving anything.
func (r *ToMany[T]) TargetIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.ids...)
}

// Resolved reports whether the collection is already materialized.
func (r *ToMany[T]) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Size forces materialization and returns the number of live targets.
func (r *ToMany[T]) Size(ctx context.Context) (int, error) {
	targets, err := r.Targets(ctx)
	if err != nil {
		return 0, err
	}
	return len(targets), nil
}

// Targets returns the related objects, resolving them in one fresh read
// transaction on first access.
func (r *ToMany[T]) Targets(ctx context.Context) ([]*T, error) {
	r.mu.Lock()
	if r.resolved {
		t := r.targets
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	err := r.box.store.RunInReadTx(ctx, r.resolveIn)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets, nil
}

// resolveIn materializes the collection inside an already-open transaction.
func (r *ToMany[T]) resolveIn(tx *Tx) error {
	if tx == nil || !tx.active {
		return ErrNoTransaction
	}

	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return nil
	}
	ids := append([]uint64(nil), r.ids...)
	r.mu.Unlock()

	targets := make([]*T, 0, len(ids))
	for _, id := range ids {
		obj, err := r.box.getIn(tx, id)
		if err != nil {
			return err
		}
		if obj != nil {
			targets = append(targets, obj)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = true
	r.targets = targets
	return nil
}

// RelationInfo describes one relation field of S for eager resolution.
// Exactly one of ToOne and ToMany must be set; the getter extracts the
// relation handle from a materialized object.
type RelationInfo[S, T any] struct {
	Name   string
	ToOne  func(*S) *ToOne[T]
	ToMany func(*S) *ToMany[T]
}

// eagerRelation is the type-erased descriptor a Query carries: resolve binds
// the target type away so queries only deal in their source type.
type eagerRelation[S any] struct {
	name string
	// limit caps eager resolution to the first limit result rows by
	// position; 0 means unlimited.
	limit   int
	resolve func(obj *S, tx *Tx) error
}

func makeEager[S, T any](rel RelationInfo[S, T], limit int) (eagerRelation[S], error) {
	if rel.ToOne == nil && rel.ToMany == nil {
		return eagerRelation[S]{}, fmt.Errorf("%w: relation %q has no getter", ErrInternal, rel.Name)
	}
	return eagerRelation[S]{
		name:  rel.Name,
		limit: limit,
		resolve: func(obj *S, tx *Tx) error {
			if rel.ToOne != nil {
				if to := rel.ToOne(obj); to != nil {
					return to.resolveIn(tx)
				}
				return nil
			}
			if tm := rel.ToMany(obj); tm != nil {
				return tm.resolveIn(tx)
			}
			return nil
		},
	}, nil
}
