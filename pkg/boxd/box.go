package boxd

import (
	"context"
	"fmt"

	"github.com/vaettir-io/boxd/pkg/engine"
)

// Binding converts between typed objects and raw engine records. Bindings
// are normally generated or hand-written once per entity type; they carry
// the property-id schema the engine is oblivious to.
type Binding[T any] interface {
	// EntityName is the engine-side entity this binding maps.
	EntityName() string
	// ID returns the object's id (0 = not yet persisted).
	ID(obj *T) uint64
	// SetID assigns a newly allocated id before encoding.
	SetID(obj *T, id uint64)
	// Decode materializes a typed object from a raw record.
	Decode(rec engine.Record) (*T, error)
	// Encode flattens a typed object into record properties.
	Encode(obj *T) (engine.Record, error)
}

// Box is the typed collection accessor for one entity type. It is a thin,
// stateless facade over the store; a Box is safe for concurrent use and
// cheap to create.
type Box[T any] struct {
	store   *Store
	binding Binding[T]
}

// BoxFor returns the Box for T on the given store.
func BoxFor[T any](store *Store, binding Binding[T]) *Box[T] {
	return &Box[T]{store: store, binding: binding}
}

// Store returns the owning store.
func (b *Box[T]) Store() *Store {
	return b.store
}

// EntityName returns the engine-side entity name.
func (b *Box[T]) EntityName() string {
	return b.binding.EntityName()
}

// Get reads one object by id inside a short read transaction with the
// store's retry policy. A missing id returns (nil, nil).
func (b *Box[T]) Get(ctx context.Context, id uint64) (*T, error) {
	return runInReadTx(ctx, b.store, func(tx *Tx) (*T, error) {
		return b.getIn(tx, id)
	})
}

// getIn reads one object inside an already-open transaction; used by lazy
// lists and streaming so all lookups share one snapshot.
func (b *Box[T]) getIn(tx *Tx, id uint64) (*T, error) {
	rec, found, err := tx.get(b.binding.EntityName(), id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	obj, err := b.binding.Decode(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s/%d: %v", ErrInternal, b.binding.EntityName(), id, err)
	}
	return obj, nil
}

// Put stores an object, allocating an id when the object has none, and
// returns the id.
func (b *Box[T]) Put(ctx context.Context, obj *T) (uint64, error) {
	if b.store.isClosed() {
		return 0, ErrStoreClosed
	}
	id := b.binding.ID(obj)
	if id == 0 {
		var err error
		id, err = b.store.eng.NextID(b.binding.EntityName())
		if err != nil {
			return 0, err
		}
		b.binding.SetID(obj, id)
	}
	rec, err := b.binding.Encode(obj)
	if err != nil {
		return 0, fmt.Errorf("boxd: encode %s: %w", b.binding.EntityName(), err)
	}
	rec.ID = id
	if err := b.store.eng.Put(b.binding.EntityName(), rec); err != nil {
		return 0, err
	}
	return id, nil
}

// Remove deletes one object by id, reporting whether it existed.
func (b *Box[T]) Remove(ctx context.Context, id uint64) (bool, error) {
	if b.store.isClosed() {
		return false, ErrStoreClosed
	}
	return b.store.eng.Delete(b.binding.EntityName(), id)
}

// Count reports the number of stored objects of this entity type.
func (b *Box[T]) Count(ctx context.Context) (uint64, error) {
	q, err := b.NewQuery(nil)
	if err != nil {
		return 0, err
	}
	defer q.Close()
	return q.Count(ctx)
}

// NewQuery compiles conditions on the engine and wraps the resulting handle
// in a Query. Conditions are AND-combined; an empty list matches everything.
// The caller owns the query and must Close it.
func (b *Box[T]) NewQuery(conds []engine.Condition, opts ...QueryOption[T]) (*Query[T], error) {
	if b.store.isClosed() {
		return nil, ErrStoreClosed
	}
	handle, err := b.store.eng.CompileQuery(b.binding.EntityName(), conds...)
	if err != nil {
		return nil, err
	}
	return newQuery(b, handle, opts...)
}
