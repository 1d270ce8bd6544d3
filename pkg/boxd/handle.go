package boxd

import (
	"sync/atomic"

	"github.com/vaettir-io/boxd/pkg/engine"
)

// queryHandle exclusively owns one compiled query handle on the engine side.
//
// The wrapped handle is a scarce external resource and releasing it twice is
// undefined behavior in the collaborator, so release is a single atomic
// transition: the handle word is swapped to zero and only the swapping caller
// performs the engine release. Concurrent or repeated closes observe zero and
// return without error. Any use after the transition fails with
// ErrQueryClosed.
type queryHandle struct {
	h atomic.Uint64 // engine.QueryID; 0 = released
}

func newQueryHandle(id engine.QueryID) *queryHandle {
	qh := &queryHandle{}
	qh.h.Store(uint64(id))
	return qh
}

// get returns the live handle or ErrQueryClosed.
//
// Note the documented narrow race: a call already past this check may still
// complete against a handle a concurrent close is about to invalidate. The
// engine synchronizes per-call handle access internally; this guard only
// guarantees the release itself happens exactly once.
func (qh *queryHandle) get() (engine.QueryID, error) {
	h := qh.h.Load()
	if h == 0 {
		return 0, ErrQueryClosed
	}
	return engine.QueryID(h), nil
}

// release performs the at-most-once handle release. Safe to call from any
// number of goroutines and from the automatic cleanup; exactly one caller
// reaches the engine. Reports whether this call performed the release.
func (qh *queryHandle) release(eng engine.Engine) (bool, error) {
	h := qh.h.Swap(0)
	if h == 0 {
		return false, nil // already closed, by contract a no-op
	}
	return true, eng.DestroyQuery(engine.QueryID(h))
}

func (qh *queryHandle) closed() bool {
	return qh.h.Load() == 0
}
