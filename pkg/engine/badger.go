package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixRecord   = byte(0x01) // record: entity + 0x00 + big-endian id -> gob(props)
	prefixSequence = byte(0x02) // sequence lease key per entity
)

const defaultRecordCacheSize = 4096

// BadgerEngine is the persistent Engine implementation over BadgerDB.
//
// All external access goes through opaque handles: read transactions,
// transaction-scoped cursors, and compiled queries live in handle tables and
// are released exactly once. Handle release is idempotent at this layer so
// a racing close above never double-frees badger state.
type BadgerEngine struct {
	db       *badger.DB
	log      *slog.Logger
	inMemory bool

	mu     sync.RWMutex // guards closed
	closed bool

	handleSeq atomic.Uint64

	txnMu   sync.Mutex
	txns    map[TxID]*readTxn
	cursors map[CursorID]*cursor

	queryMu sync.Mutex
	queries map[QueryID]*compiledQuery

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence

	// Hot record cache for the non-transactional Get path, invalidated on
	// writes. Transactional reads bypass it (see badger_cache.go).
	recCache    *lru.Cache[recordKey, Record]
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	obsMu     sync.RWMutex
	obsSeq    uint64
	observers map[string]map[uint64]func(string)

	countMu sync.Mutex
	counts  map[string]*atomic.Int64
}

type readTxn struct {
	txn     *badger.Txn
	cursors []CursorID
}

type cursor struct {
	tx     TxID
	txn    *badger.Txn
	entity string
}

type compiledQuery struct {
	mu     sync.Mutex
	entity string
	conds  []Condition
}

type recordKey struct {
	entity string
	id     uint64
}

// Options configures a BadgerEngine.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory runs badger without disk persistence (testing).
	InMemory bool
	// RecordCacheSize bounds the hot record cache; 0 uses the default,
	// negative disables caching.
	RecordCacheSize int
	// Logger receives engine diagnostics; nil uses slog.Default.
	Logger *slog.Logger
}

// Open opens (creating if necessary) a badger-backed engine at opts.Dir.
func Open(opts Options) (*BadgerEngine, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("engine: open badger: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &BadgerEngine{
		db:        db,
		log:       logger,
		inMemory:  opts.InMemory,
		txns:      make(map[TxID]*readTxn),
		cursors:   make(map[CursorID]*cursor),
		queries:   make(map[QueryID]*compiledQuery),
		seqs:      make(map[string]*badger.Sequence),
		observers: make(map[string]map[uint64]func(string)),
		counts:    make(map[string]*atomic.Int64),
	}

	cacheSize := opts.RecordCacheSize
	if cacheSize == 0 {
		cacheSize = defaultRecordCacheSize
	}
	if cacheSize > 0 {
		cache, err := lru.New[recordKey, Record](cacheSize)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("engine: record cache: %w", err)
		}
		e.recCache = cache
	}

	if err := e.loadCounts(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// OpenInMemory is a convenience for tests and ephemeral stores.
func OpenInMemory() (*BadgerEngine, error) {
	return Open(Options{InMemory: true})
}

// IsInMemory returns true when the engine has no disk backing.
func (e *BadgerEngine) IsInMemory() bool {
	return e.inMemory
}

func (e *BadgerEngine) ensureOpen() error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *BadgerEngine) nextHandle() uint64 {
	return e.handleSeq.Add(1)
}

func recordKeyBytes(entity string, id uint64) []byte {
	key := make([]byte, 0, 1+len(entity)+1+8)
	key = append(key, prefixRecord)
	key = append(key, entity...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func entityPrefix(entity string) []byte {
	key := make([]byte, 0, 1+len(entity)+1)
	key = append(key, prefixRecord)
	key = append(key, entity...)
	key = append(key, 0x00)
	return key
}

func idFromKey(key []byte, entity string) uint64 {
	return binary.BigEndian.Uint64(key[1+len(entity)+1:])
}

// loadCounts scans record keys once at open so Stats stays O(1) afterwards.
func (e *BadgerEngine) loadCounts() error {
	return e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixRecord}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			// prefix + entity + 0x00 + 8-byte id
			if len(key) < 10 {
				continue
			}
			entity := string(key[1 : len(key)-9])
			e.countFor(entity).Add(1)
		}
		return nil
	})
}

func (e *BadgerEngine) countFor(entity string) *atomic.Int64 {
	e.countMu.Lock()
	defer e.countMu.Unlock()
	c, ok := e.counts[entity]
	if !ok {
		c = &atomic.Int64{}
		e.counts[entity] = c
	}
	return c
}

// Get retrieves one record outside the query path (own short view txn).
func (e *BadgerEngine) Get(entity string, id uint64) (Record, bool, error) {
	if err := e.ensureOpen(); err != nil {
		return Record{}, false, err
	}
	if rec, ok := e.cacheGet(entity, id); ok {
		return rec, true, nil
	}

	var rec Record
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKeyBytes(entity, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			props, derr := decodeProps(val)
			if derr != nil {
				return derr
			}
			rec = Record{ID: id, Props: props}
			found = true
			return nil
		})
	})
	if err != nil {
		return Record{}, false, mapBadgerErr(err)
	}
	if found {
		e.cacheStore(entity, rec)
	}
	return rec, found, nil
}

// Put stores a record (create or overwrite). rec.ID must be nonzero.
func (e *BadgerEngine) Put(entity string, rec Record) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if rec.ID == 0 {
		return fmt.Errorf("%w: record id must be nonzero", ErrInvalidData)
	}
	data, err := encodeProps(rec.Props)
	if err != nil {
		return err
	}

	created := false
	err = e.db.Update(func(txn *badger.Txn) error {
		_, gerr := txn.Get(recordKeyBytes(entity, rec.ID))
		created = errors.Is(gerr, badger.ErrKeyNotFound)
		return txn.Set(recordKeyBytes(entity, rec.ID), data)
	})
	if err != nil {
		return mapBadgerErr(err)
	}

	if created {
		e.countFor(entity).Add(1)
	}
	e.cacheStore(entity, rec)
	e.notifyChanged(entity)
	return nil
}

// Delete removes one record, reporting whether it existed.
func (e *BadgerEngine) Delete(entity string, id uint64) (bool, error) {
	if err := e.ensureOpen(); err != nil {
		return false, err
	}

	existed := false
	err := e.db.Update(func(txn *badger.Txn) error {
		_, gerr := txn.Get(recordKeyBytes(entity, id))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		existed = true
		return txn.Delete(recordKeyBytes(entity, id))
	})
	if err != nil {
		return false, mapBadgerErr(err)
	}

	if existed {
		e.countFor(entity).Add(-1)
		e.cacheDelete(entity, id)
		e.notifyChanged(entity)
	}
	return existed, nil
}

// NextID allocates the next record id for an entity from a persistent
// badger sequence. Allocated ids survive restarts and are never reused.
func (e *BadgerEngine) NextID(entity string) (uint64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	e.seqMu.Lock()
	seq, ok := e.seqs[entity]
	if !ok {
		key := append([]byte{prefixSequence}, entity...)
		var err error
		seq, err = e.db.GetSequence(key, 128)
		if err != nil {
			e.seqMu.Unlock()
			return 0, mapBadgerErr(err)
		}
		e.seqs[entity] = seq
	}
	e.seqMu.Unlock()

	n, err := seq.Next()
	if err != nil {
		return 0, mapBadgerErr(err)
	}
	return n + 1, nil // ids start at 1; zero is the released-handle sentinel
}

// RegisterChangeObserver implements Engine. Observers are invoked
// synchronously after a successful write commit, in registration order.
func (e *BadgerEngine) RegisterChangeObserver(entity string, fn func(entity string)) func() {
	e.obsMu.Lock()
	e.obsSeq++
	id := e.obsSeq
	if e.observers[entity] == nil {
		e.observers[entity] = make(map[uint64]func(string))
	}
	e.observers[entity][id] = fn
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers[entity], id)
		e.obsMu.Unlock()
	}
}

func (e *BadgerEngine) notifyChanged(entity string) {
	e.obsMu.RLock()
	fns := make([]func(string), 0, len(e.observers[entity]))
	for _, fn := range e.observers[entity] {
		fns = append(fns, fn)
	}
	e.obsMu.RUnlock()

	for _, fn := range fns {
		fn(entity)
	}
}

// Stats reports the current record count per entity.
func (e *BadgerEngine) Stats() map[string]int64 {
	e.countMu.Lock()
	defer e.countMu.Unlock()
	stats := make(map[string]int64, len(e.counts))
	for entity, c := range e.counts {
		stats[entity] = c.Load()
	}
	return stats
}

// CacheStats reports hot record cache hit/miss counters.
func (e *BadgerEngine) CacheStats() (hits, misses int64) {
	return e.cacheHits.Load(), e.cacheMisses.Load()
}

// Close releases everything: open transactions are discarded, sequences are
// released, the cache is dropped. Close is idempotent.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.txnMu.Lock()
	for id, rt := range e.txns {
		rt.txn.Discard()
		delete(e.txns, id)
	}
	e.cursors = make(map[CursorID]*cursor)
	e.txnMu.Unlock()

	e.seqMu.Lock()
	for entity, seq := range e.seqs {
		if err := seq.Release(); err != nil {
			e.log.Warn("sequence release failed", "entity", entity, "error", err)
		}
	}
	e.seqs = make(map[string]*badger.Sequence)
	e.seqMu.Unlock()

	if e.recCache != nil {
		e.recCache.Purge()
	}

	return e.db.Close()
}

// mapBadgerErr translates badger errors into this package's taxonomy.
// badger.ErrConflict is the recoverable one; everything else is terminal.
func mapBadgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, badger.ErrDBClosed):
		return ErrEngineClosed
	default:
		return fmt.Errorf("engine: %w", err)
	}
}

// Verify BadgerEngine implements Engine.
var _ Engine = (*BadgerEngine)(nil)
