package boxd

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DataSubscription is one observer's registration with a query publisher.
//
// The subscription holds a strong reference to its observer; the caller is
// responsible for keeping the subscription (or its owning
// DataSubscriptionList, or the Query) alive and for calling Cancel for
// deterministic teardown. There is no garbage-collection-driven decay.
type DataSubscription interface {
	// Cancel removes the subscription. Effective immediately for future
	// publishes; a delivery already in flight may still complete.
	Cancel()
	// Cancelled reports whether Cancel was called.
	Cancelled() bool
}

// DataSubscriptionList groups subscriptions so they can be cancelled
// together, typically when tearing down the component that owns them.
type DataSubscriptionList struct {
	mu   sync.Mutex
	subs []DataSubscription
}

// Add appends a subscription to the list.
func (l *DataSubscriptionList) Add(s DataSubscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, s)
}

// CancelAll cancels every subscription and empties the list.
func (l *DataSubscriptionList) CancelAll() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// Len returns the number of held subscriptions.
func (l *DataSubscriptionList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// SubscriptionBuilder configures an observer before registering it.
// Finishing with Observer registers the subscription and immediately
// schedules one delivery of the current query results.
type SubscriptionBuilder[T any] struct {
	publisher *queryPublisher[T]
	transform func([]*T) []*T
	onError   func(error)
	list      *DataSubscriptionList
}

// Transform installs a custom transformation applied to the fresh results on
// the delivery worker, before the observer sees them.
func (b *SubscriptionBuilder[T]) Transform(fn func([]*T) []*T) *SubscriptionBuilder[T] {
	b.transform = fn
	return b
}

// OnError installs an out-of-band error channel for this subscription:
// re-execution failures and observer panics are reported here instead of
// crashing the publish cycle. Without it, errors go to the store logger.
func (b *SubscriptionBuilder[T]) OnError(fn func(error)) *SubscriptionBuilder[T] {
	b.onError = fn
	return b
}

// AddTo arranges for the resulting subscription to be added to list.
func (b *SubscriptionBuilder[T]) AddTo(list *DataSubscriptionList) *SubscriptionBuilder[T] {
	b.list = list
	return b
}

// Observer finalizes the builder: it registers observer with the publisher
// and schedules the initial delivery. Observers are notified in subscription
// order for any single publish event.
func (b *SubscriptionBuilder[T]) Observer(observer func([]*T)) (DataSubscription, error) {
	sub, err := b.publisher.subscribe(observer, b.transform, b.onError)
	if err != nil {
		return nil, err
	}
	if b.list != nil {
		b.list.Add(sub)
	}
	return sub, nil
}

// subscription is the concrete registration; it lives in the publisher's
// ordered list until cancelled.
type subscription[T any] struct {
	id        uuid.UUID
	observer  func([]*T)
	transform func([]*T) []*T
	onError   func(error)
	cancelled atomic.Bool
	pub       *queryPublisher[T]
}

func (s *subscription[T]) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.pub.remove(s.id)
	}
}

func (s *subscription[T]) Cancelled() bool {
	return s.cancelled.Load()
}
