package boxd

import (
	"context"
	"fmt"
	"sync"
)

// LazyList is an index-addressable view over ids captured at query time.
// The id sequence is a snapshot: it never changes even when underlying data
// mutates. Objects resolve on access.
//
// Two variants exist. The plain list re-resolves on every access, each in a
// fresh short read transaction, so accesses observe current data. The
// caching list resolves each index at most once, memoizes the result
// (including "missing"), and never touches the engine again for that index.
//
// Accessing an index whose id was deleted upstream yields nil, not an error.
// A LazyList is safe for concurrent use.
type LazyList[T any] struct {
	box *Box[T]
	ids []uint64

	// caching state; nil slices for the plain variant.
	mu     sync.Mutex
	slots  []*T
	filled []bool
}

func newLazyList[T any](box *Box[T], ids []uint64, caching bool) *LazyList[T] {
	l := &LazyList[T]{box: box, ids: ids}
	if caching {
		l.slots = make([]*T, len(ids))
		l.filled = make([]bool, len(ids))
	}
	return l
}

// Size returns the captured result count.
func (l *LazyList[T]) Size() int {
	return len(l.ids)
}

// IDs returns a copy of the captured id sequence.
func (l *LazyList[T]) IDs() []uint64 {
	return append([]uint64(nil), l.ids...)
}

// Caching reports whether this list memoizes resolved objects.
func (l *LazyList[T]) Caching() bool {
	return l.slots != nil
}

// Get resolves the object at index i. On the caching variant the engine is
// consulted at most once per index, even under concurrent access; the filled
// slot is immutable afterwards.
func (l *LazyList[T]) Get(ctx context.Context, i int) (*T, error) {
	if i < 0 || i >= len(l.ids) {
		return nil, fmt.Errorf("boxd: lazy list index %d out of range [0,%d)", i, len(l.ids))
	}
	if l.slots == nil {
		return l.box.Get(ctx, l.ids[i])
	}

	// Serializing fills under one lock keeps the at-most-one-resolution
	// guarantee simple; lookups are point reads, so contention stays short.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filled[i] {
		return l.slots[i], nil
	}
	obj, err := l.box.Get(ctx, l.ids[i])
	if err != nil {
		return nil, err
	}
	l.slots[i] = obj
	l.filled[i] = true
	return obj, nil
}

// getIn resolves index i inside an existing transaction, bypassing any
// cache. Streaming iteration uses this so the whole scan shares a snapshot.
func (l *LazyList[T]) getIn(tx *Tx, i int) (*T, error) {
	return l.box.getIn(tx, l.ids[i])
}

// Each iterates the list in order, resolving lazily, until fn returns Stop
// or the list is exhausted.
func (l *LazyList[T]) Each(ctx context.Context, fn func(i int, obj *T) Step) error {
	for i := range l.ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := l.Get(ctx, i)
		if err != nil {
			return err
		}
		if fn(i, obj) == Stop {
			return nil
		}
	}
	return nil
}
