package engine

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Compiled query handles and execution forms.
//
// A compiled query is an entity name plus an AND-combined condition list.
// Conditions are owned by the engine and may be rebound (SetParameter)
// between executions; execution takes a consistent copy of the conditions
// under the query's lock, so a concurrent rebind never tears a scan.

// CompileQuery registers compiled criteria and returns its opaque handle.
func (e *BadgerEngine) CompileQuery(entity string, conds ...Condition) (QueryID, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if entity == "" {
		return 0, fmt.Errorf("%w: empty entity name", ErrInvalidData)
	}

	normalized := make([]Condition, len(conds))
	for i, c := range conds {
		c.Value = normalize(c.Value)
		c.Value2 = normalize(c.Value2)
		normalized[i] = c
	}
	cq := &compiledQuery{entity: entity, conds: normalized}
	id := QueryID(e.nextHandle())

	e.queryMu.Lock()
	e.queries[id] = cq
	e.queryMu.Unlock()
	return id, nil
}

// DestroyQuery releases a compiled query handle. Destroying an unknown or
// already-destroyed handle is a no-op; the layer above guarantees the
// at-most-once transition and treats this as the raw release primitive.
func (e *BadgerEngine) DestroyQuery(q QueryID) error {
	e.queryMu.Lock()
	delete(e.queries, q)
	e.queryMu.Unlock()
	return nil
}

func (e *BadgerEngine) queryByID(q QueryID) (*compiledQuery, error) {
	e.queryMu.Lock()
	defer e.queryMu.Unlock()
	cq, ok := e.queries[q]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return cq, nil
}

// SetParameter rebinds the value of the condition addressed by ref.
func (e *BadgerEngine) SetParameter(q QueryID, ref ParamRef, value any) error {
	cq, err := e.queryByID(q)
	if err != nil {
		return err
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	for i := range cq.conds {
		if ref.matches(cq.conds[i]) {
			cq.conds[i].Value = normalize(value)
			return nil
		}
	}
	return ErrNoParameter
}

// SetParameterPair rebinds both values of a two-valued condition (between,
// or a key/value pair condition).
func (e *BadgerEngine) SetParameterPair(q QueryID, ref ParamRef, a, b any) error {
	cq, err := e.queryByID(q)
	if err != nil {
		return err
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	for i := range cq.conds {
		if ref.matches(cq.conds[i]) {
			cq.conds[i].Value = normalize(a)
			cq.conds[i].Value2 = normalize(b)
			return nil
		}
	}
	return ErrNoParameter
}

// Describe returns a human-readable summary of the compiled query.
// The format is unstable and intended for logging only.
func (e *BadgerEngine) Describe(q QueryID) (string, error) {
	cq, err := e.queryByID(q)
	if err != nil {
		return "", err
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return fmt.Sprintf("Query for entity %s with %d conditions", cq.entity, len(cq.conds)), nil
}

// DescribeParameters renders the current condition bindings.
// The format is unstable and intended for logging only.
func (e *BadgerEngine) DescribeParameters(q QueryID) (string, error) {
	cq, err := e.queryByID(q)
	if err != nil {
		return "", err
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	parts := make([]string, 0, len(cq.conds))
	for _, c := range cq.conds {
		name := fmt.Sprintf("prop(%d)", c.PropertyID)
		if c.Alias != "" {
			name = c.Alias
		}
		if c.Op == OpBetween {
			parts = append(parts, fmt.Sprintf("%s between %v and %v", name, c.Value, c.Value2))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s %v", name, c.Op, c.Value))
		}
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// snapshotConds copies the condition list under the query lock.
func (cq *compiledQuery) snapshotConds() []Condition {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return append([]Condition(nil), cq.conds...)
}

func matches(rec Record, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := c.eval(rec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// scan walks the entity's records in id order within the cursor's snapshot,
// invoking visit for each match. visit returns false to stop the scan early.
func (e *BadgerEngine) scan(q QueryID, cursorID CursorID, visit func(rec Record) (bool, error)) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	cq, err := e.queryByID(q)
	if err != nil {
		return err
	}
	cur, err := e.cursorByID(cursorID)
	if err != nil {
		return err
	}
	if cur.entity != cq.entity {
		return fmt.Errorf("%w: cursor is for entity %s, query for %s", ErrInvalidHandle, cur.entity, cq.entity)
	}
	conds := cq.snapshotConds()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = entityPrefix(cq.entity)
	it := cur.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		id := idFromKey(item.Key(), cq.entity)

		var rec Record
		matched := false
		verr := item.Value(func(val []byte) error {
			props, derr := decodeProps(val)
			if derr != nil {
				return derr
			}
			rec = Record{ID: id, Props: props}
			ok, merr := matches(rec, conds)
			if merr != nil {
				return merr
			}
			matched = ok
			return nil
		})
		if verr != nil {
			return mapBadgerErr(verr)
		}
		if !matched {
			continue
		}
		cont, verr := visit(rec)
		if verr != nil {
			return verr
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// FindFirst returns the first matching record in id order.
func (e *BadgerEngine) FindFirst(q QueryID, cursor CursorID) (Record, bool, error) {
	var rec Record
	found := false
	err := e.scan(q, cursor, func(r Record) (bool, error) {
		rec = r
		found = true
		return false, nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// FindUnique returns the single matching record, ErrNonUnique when two or
// more records match, and found=false when none do.
func (e *BadgerEngine) FindUnique(q QueryID, cursor CursorID) (Record, bool, error) {
	var rec Record
	found := false
	err := e.scan(q, cursor, func(r Record) (bool, error) {
		if found {
			return false, ErrNonUnique
		}
		rec = r
		found = true
		return true, nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// Find returns matching records in id order, skipping offset matches and
// returning at most limit records when limit is nonzero. offset=0, limit=0
// means all matches.
func (e *BadgerEngine) Find(q QueryID, cursor CursorID, offset, limit uint64) ([]Record, error) {
	var recs []Record
	var skipped uint64
	err := e.scan(q, cursor, func(r Record) (bool, error) {
		if skipped < offset {
			skipped++
			return true, nil
		}
		recs = append(recs, r)
		return limit == 0 || uint64(len(recs)) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// FindIDs returns matching record ids in id order with offset/limit
// semantics identical to Find.
func (e *BadgerEngine) FindIDs(q QueryID, cursor CursorID, offset, limit uint64) ([]uint64, error) {
	var ids []uint64
	var skipped uint64
	err := e.scan(q, cursor, func(r Record) (bool, error) {
		if skipped < offset {
			skipped++
			return true, nil
		}
		ids = append(ids, r.ID)
		return limit == 0 || uint64(len(ids)) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Count returns the number of matching records.
func (e *BadgerEngine) Count(q QueryID, cursor CursorID) (uint64, error) {
	var n uint64
	err := e.scan(q, cursor, func(Record) (bool, error) {
		n++
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Remove deletes all matching records inside one write transaction and
// returns the number removed. A commit-time conflict surfaces as ErrConflict.
func (e *BadgerEngine) Remove(q QueryID) (uint64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	cq, err := e.queryByID(q)
	if err != nil {
		return 0, err
	}
	conds := cq.snapshotConds()

	var removedIDs []uint64
	err = e.db.Update(func(txn *badger.Txn) error {
		removedIDs = removedIDs[:0]

		opts := badger.DefaultIteratorOptions
		opts.Prefix = entityPrefix(cq.entity)
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := idFromKey(item.Key(), cq.entity)
			err := item.Value(func(val []byte) error {
				props, derr := decodeProps(val)
				if derr != nil {
					return derr
				}
				ok, merr := matches(Record{ID: id, Props: props}, conds)
				if merr != nil {
					return merr
				}
				if ok {
					keys = append(keys, item.KeyCopy(nil))
					removedIDs = append(removedIDs, id)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, mapBadgerErr(err)
	}

	if len(removedIDs) > 0 {
		e.countFor(cq.entity).Add(-int64(len(removedIDs)))
		for _, id := range removedIDs {
			e.cacheDelete(cq.entity, id)
		}
		e.notifyChanged(cq.entity)
	}
	return uint64(len(removedIDs)), nil
}
