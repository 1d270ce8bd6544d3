package engine

// Hot record cache invariants:
//   - The cache stores deep copies (Record.Clone) and lookups return deep
//     copies, so callers cannot mutate cached state.
//   - Every successful Put stores the fresh record; every Delete (including
//     query-driven removal) invalidates.
//   - Only the non-transactional Get path reads or fills the cache. Anything
//     running inside a read transaction (CursorGet, scans) always goes to
//     badger: cache entries carry no version, so serving one inside a
//     snapshot could return a record committed after it, and filling one
//     from an old snapshot could clobber a newer committed entry.

func (e *BadgerEngine) cacheGet(entity string, id uint64) (Record, bool) {
	if e.recCache == nil {
		return Record{}, false
	}
	rec, ok := e.recCache.Get(recordKey{entity: entity, id: id})
	if !ok {
		e.cacheMisses.Add(1)
		return Record{}, false
	}
	e.cacheHits.Add(1)
	return rec.Clone(), true
}

func (e *BadgerEngine) cacheStore(entity string, rec Record) {
	if e.recCache == nil {
		return
	}
	e.recCache.Add(recordKey{entity: entity, id: rec.ID}, rec.Clone())
}

func (e *BadgerEngine) cacheDelete(entity string, id uint64) {
	if e.recCache == nil {
		return
	}
	e.recCache.Remove(recordKey{entity: entity, id: id})
}
