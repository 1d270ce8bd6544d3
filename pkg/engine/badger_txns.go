package engine

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Transaction and cursor handle management. Read transactions map directly
// onto badger read transactions; a cursor pins one (transaction, entity)
// pair so query execution observes exactly that transaction's snapshot.

// BeginRead opens a read transaction and returns its handle.
func (e *BadgerEngine) BeginRead() (TxID, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	txn := e.db.NewTransaction(false)
	id := TxID(e.nextHandle())

	e.txnMu.Lock()
	e.txns[id] = &readTxn{txn: txn}
	e.txnMu.Unlock()
	return id, nil
}

// EndTx discards a read transaction and releases every cursor opened under
// it. Ending an already-ended transaction fails with ErrInvalidHandle.
func (e *BadgerEngine) EndTx(tx TxID) error {
	e.txnMu.Lock()
	rt, ok := e.txns[tx]
	if !ok {
		e.txnMu.Unlock()
		return ErrInvalidHandle
	}
	delete(e.txns, tx)
	for _, cur := range rt.cursors {
		delete(e.cursors, cur)
	}
	e.txnMu.Unlock()

	rt.txn.Discard()
	return nil
}

// OpenCursor opens an entity cursor scoped to a live read transaction.
func (e *BadgerEngine) OpenCursor(tx TxID, entity string) (CursorID, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}

	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	rt, ok := e.txns[tx]
	if !ok {
		return 0, ErrInvalidHandle
	}
	id := CursorID(e.nextHandle())
	e.cursors[id] = &cursor{tx: tx, txn: rt.txn, entity: entity}
	rt.cursors = append(rt.cursors, id)
	return id, nil
}

func (e *BadgerEngine) cursorByID(id CursorID) (*cursor, error) {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	cur, ok := e.cursors[id]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return cur, nil
}

// CursorGet reads one record through a cursor, inside that cursor's
// transaction snapshot. A missing id is not an error.
//
// The hot record cache is bypassed in both directions here: serving a cached
// record would leak a version committed after the cursor's snapshot into it,
// and storing the snapshot's version would clobber a newer committed entry.
// Transactional reads always go to badger; the cache serves only the
// non-transactional Get path.
func (e *BadgerEngine) CursorGet(cursor CursorID, id uint64) (Record, bool, error) {
	if err := e.ensureOpen(); err != nil {
		return Record{}, false, err
	}
	cur, err := e.cursorByID(cursor)
	if err != nil {
		return Record{}, false, err
	}

	item, err := cur.txn.Get(recordKeyBytes(cur.entity, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, mapBadgerErr(err)
	}

	var rec Record
	err = item.Value(func(val []byte) error {
		props, derr := decodeProps(val)
		if derr != nil {
			return derr
		}
		rec = Record{ID: id, Props: props}
		return nil
	})
	if err != nil {
		return Record{}, false, mapBadgerErr(err)
	}
	return rec, true, nil
}
