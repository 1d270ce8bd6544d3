package boxd

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// queryPublisher fans "query results changed" events out to subscribed
// observers. Re-execution happens on the store's bounded worker pool; one
// pool task per publish event runs the query once and delivers the same
// result snapshot to every active subscription, in subscription order.
//
// Delivery ordering across different publish events is best effort only:
// each event is issued to the pool independently, so a later event's
// delivery may overtake an earlier one. Within one event, observers are
// notified in the order they subscribed.
type queryPublisher[T any] struct {
	query *Query[T]

	mu         sync.Mutex
	subs       []*subscription[T] // subscription order
	unregister func()             // engine change observer, while subs exist
	closed     bool
}

func newQueryPublisher[T any](q *Query[T]) *queryPublisher[T] {
	return &queryPublisher[T]{query: q}
}

// subscribe registers an observer, wiring the publisher to engine change
// signals on the first subscription, and schedules the initial delivery.
func (p *queryPublisher[T]) subscribe(observer func([]*T), transform func([]*T) []*T, onError func(error)) (*subscription[T], error) {
	if observer == nil {
		return nil, fmt.Errorf("%w: nil observer", ErrUnsupported)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrQueryClosed
	}
	sub := &subscription[T]{
		id:        uuid.New(),
		observer:  observer,
		transform: transform,
		onError:   onError,
		pub:       p,
	}
	p.subs = append(p.subs, sub)
	if p.unregister == nil {
		entity := p.query.box.EntityName()
		p.unregister = p.query.store.eng.RegisterChangeObserver(entity, func(string) {
			p.publish()
		})
	}
	p.mu.Unlock()

	// Initial delivery: the subscribing observer immediately gets current
	// results, without waiting for a data change.
	p.dispatch([]*subscription[T]{sub})
	return sub, nil
}

// remove drops a subscription; the last removal detaches the publisher from
// engine change signals.
func (p *queryPublisher[T]) remove(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
	if len(p.subs) == 0 && p.unregister != nil {
		p.unregister()
		p.unregister = nil
	}
}

// publish schedules one delivery of fresh results to all current
// subscribers.
func (p *queryPublisher[T]) publish() {
	p.mu.Lock()
	if p.closed || len(p.subs) == 0 {
		p.mu.Unlock()
		return
	}
	snapshot := make([]*subscription[T], len(p.subs))
	copy(snapshot, p.subs)
	p.mu.Unlock()

	p.dispatch(snapshot)
}

// dispatch issues one pool task that re-runs the query and delivers the
// resulting snapshot to each subscription in order. Failures are isolated
// per subscription: one observer's error never blocks the others.
func (p *queryPublisher[T]) dispatch(subs []*subscription[T]) {
	store := p.query.store
	err := store.submit(func() {
		results, err := p.query.Find(context.Background())
		for _, sub := range subs {
			if sub.Cancelled() {
				continue
			}
			p.deliver(sub, results, err)
		}
	})
	if err != nil {
		store.log.Warn("reactive delivery not scheduled", "error", err)
	}
}

func (p *queryPublisher[T]) deliver(sub *subscription[T], results []*T, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.reportError(sub, fmt.Errorf("boxd: observer panic: %v", r))
		}
	}()
	if err != nil {
		p.reportError(sub, err)
		return
	}
	if sub.transform != nil {
		results = sub.transform(results)
	}
	sub.observer(results)
}

func (p *queryPublisher[T]) reportError(sub *subscription[T], err error) {
	if sub.onError != nil {
		sub.onError(err)
		return
	}
	p.query.store.log.Error("reactive delivery failed", "error", err)
}

// shutdown detaches the publisher when its query closes. Existing
// subscriptions are cancelled; deliveries already in flight complete (and
// surface ErrQueryClosed through their error channel if they lose the race).
func (p *queryPublisher[T]) shutdown() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.closed = true
	if p.unregister != nil {
		p.unregister()
		p.unregister = nil
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.cancelled.Store(true)
	}
}
