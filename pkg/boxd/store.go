// Package boxd is a typed data-access layer over an embedded transactional
// record engine reached through opaque handles.
//
// Applications obtain a Box per entity type from a shared Store, compile
// criteria into a Query, and execute it repeatedly against consistent
// snapshots. Queries support client-side filtering and sorting, lazily
// resolved result lists, eager relation resolution, streaming iteration, and
// reactive subscriptions that re-run the query when underlying data changes.
//
// Example:
//
//	store, err := boxd.Open(config.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	people := boxd.BoxFor[Person](store, personBinding{})
//	q, err := people.NewQuery([]engine.Condition{
//		{PropertyID: propAge, Op: engine.OpGt, Value: 20},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer q.Close()
//
//	results, err := q.Find(ctx)
package boxd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/vaettir-io/boxd/pkg/config"
	"github.com/vaettir-io/boxd/pkg/engine"
)

// Store is the process-wide handle to one engine. It owns the retry policy
// for read transactions and the bounded worker pool that delivers reactive
// subscription updates. A Store is safe for concurrent use.
//
// Closing order is strict: every Query must be closed before the Store.
// Close fails with ErrOpenQueries otherwise; shutting the engine down under
// live query handles is forbidden.
type Store struct {
	eng        engine.Engine
	ownsEngine bool
	log        *slog.Logger
	pool       *ants.Pool

	attempts       int
	initialBackoff time.Duration

	mu          sync.Mutex
	closed      bool
	liveQueries atomic.Int64
}

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	// QueryAttempts bounds how often a read transaction is retried after a
	// recoverable conflict. Default 3.
	QueryAttempts int
	// InitialRetryBackoff is the sleep before the first retry; it doubles
	// after every further conflict. Default 10ms.
	InitialRetryBackoff time.Duration
	// ReactivePoolSize bounds the worker pool for subscription delivery.
	// Default 4.
	ReactivePoolSize int
	// Logger receives retry and delivery diagnostics; nil uses slog.Default.
	Logger *slog.Logger
}

const (
	defaultQueryAttempts    = 3
	defaultInitialBackoff   = 10 * time.Millisecond
	defaultReactivePoolSize = 4
)

// NewStore wraps an already-open engine. The caller keeps ownership of the
// engine and must close it after the store.
func NewStore(eng engine.Engine, opts Options) (*Store, error) {
	return newStore(eng, false, opts)
}

// Open creates the badger-backed engine described by cfg and a store owning
// it; Store.Close then also closes the engine.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()
	eng, err := engine.Open(engine.Options{
		Dir:             cfg.Database.DataDir,
		InMemory:        cfg.Database.InMemory,
		RecordCacheSize: cfg.Database.RecordCacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	store, err := newStore(eng, true, Options{
		QueryAttempts:       cfg.Query.Attempts,
		InitialRetryBackoff: cfg.Query.InitialRetryBackoff,
		ReactivePoolSize:    cfg.Reactive.PoolSize,
		Logger:              logger,
	})
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	return store, nil
}

func newStore(eng engine.Engine, ownsEngine bool, opts Options) (*Store, error) {
	if opts.QueryAttempts <= 0 {
		opts.QueryAttempts = defaultQueryAttempts
	}
	if opts.InitialRetryBackoff <= 0 {
		opts.InitialRetryBackoff = defaultInitialBackoff
	}
	if opts.ReactivePoolSize <= 0 {
		opts.ReactivePoolSize = defaultReactivePoolSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := ants.NewPool(opts.ReactivePoolSize, ants.WithPanicHandler(func(v any) {
		logger.Error("reactive delivery panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("boxd: reactive pool: %w", err)
	}

	return &Store{
		eng:            eng,
		ownsEngine:     ownsEngine,
		log:            logger,
		pool:           pool,
		attempts:       opts.QueryAttempts,
		initialBackoff: opts.InitialRetryBackoff,
	}, nil
}

// Engine exposes the underlying collaborator, mainly for diagnostics.
func (s *Store) Engine() engine.Engine {
	return s.eng
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) queryOpened() {
	s.liveQueries.Add(1)
}

func (s *Store) queryClosed() {
	s.liveQueries.Add(-1)
}

// Close shuts down the reactive pool and, when the store owns it, the
// engine. It fails with ErrOpenQueries while query handles are still live:
// close all queries first.
func (s *Store) Close() error {
	if n := s.liveQueries.Load(); n > 0 {
		return fmt.Errorf("%w: %d still open", ErrOpenQueries, n)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Release()
	if s.ownsEngine {
		return s.eng.Close()
	}
	return nil
}

// submit schedules fn on the reactive pool.
func (s *Store) submit(fn func()) error {
	return s.pool.Submit(fn)
}

// Tx is an active read transaction. It is handed to transactional work
// functions and to relation resolution; it must not be retained past the
// function it was handed to.
type Tx struct {
	id      engine.TxID
	eng     engine.Engine
	active  bool
	cursors map[string]engine.CursorID
}

// cursor returns the transaction's cursor for an entity, opening it on first
// use. Cursors are released together with the transaction.
func (tx *Tx) cursor(entity string) (engine.CursorID, error) {
	if !tx.active {
		return 0, ErrNoTransaction
	}
	if cur, ok := tx.cursors[entity]; ok {
		return cur, nil
	}
	cur, err := tx.eng.OpenCursor(tx.id, entity)
	if err != nil {
		return 0, err
	}
	tx.cursors[entity] = cur
	return cur, nil
}

// get reads one record inside this transaction's snapshot.
func (tx *Tx) get(entity string, id uint64) (engine.Record, bool, error) {
	cur, err := tx.cursor(entity)
	if err != nil {
		return engine.Record{}, false, err
	}
	return tx.eng.CursorGet(cur, id)
}

// RunInReadTx runs work inside a read transaction with the store's retry
// policy: on a recoverable conflict the transaction is reopened after an
// increasing backoff, up to the configured attempt budget. Any other error
// propagates immediately. The transaction is always closed before return.
func (s *Store) RunInReadTx(ctx context.Context, work func(tx *Tx) error) error {
	_, err := runInReadTx(ctx, s, func(tx *Tx) (struct{}, error) {
		return struct{}{}, work(tx)
	})
	return err
}

// runInReadTx is the retry executor. It is a function rather than a method
// so callers can keep their typed results (methods cannot add type
// parameters).
func runInReadTx[R any](ctx context.Context, s *Store, work func(tx *Tx) (R, error)) (R, error) {
	var zero R
	if s.isClosed() {
		return zero, ErrStoreClosed
	}

	backoff := s.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			s.log.Debug("read transaction conflict, retrying",
				"attempt", attempt, "backoff", backoff, "cause", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			backoff *= 2
		}

		res, err := readTxOnce(s, work)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, engine.ErrConflict) {
			return zero, err
		}
		lastErr = err
	}
	return zero, &RetryExhaustedError{Attempts: s.attempts, Err: lastErr}
}

// readTxOnce opens a read transaction, runs work, and guarantees the
// transaction is ended whatever the outcome.
func readTxOnce[R any](s *Store, work func(tx *Tx) (R, error)) (R, error) {
	var zero R
	txID, err := s.eng.BeginRead()
	if err != nil {
		return zero, err
	}
	tx := &Tx{id: txID, eng: s.eng, active: true, cursors: make(map[string]engine.CursorID)}
	defer func() {
		tx.active = false
		if endErr := s.eng.EndTx(txID); endErr != nil {
			s.log.Warn("failed to end read transaction", "error", endErr)
		}
	}()
	return work(tx)
}
