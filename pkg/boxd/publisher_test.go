package boxd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects delivered snapshots from the pool worker.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]string
}

func (r *recorder) observe(people []*person) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, names(people))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func TestSubscribe(t *testing.T) {
	t.Run("delivers current results on subscription", func(t *testing.T) {
		_, box := newTestStore(t)
		seedPeople(t, box, 20, 30, 40)

		q, err := box.NewQuery(ageOver(20))
		require.NoError(t, err)
		defer q.Close()

		rec := &recorder{}
		sub, err := q.Subscribe().Observer(rec.observe)
		require.NoError(t, err)
		defer sub.Cancel()

		require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
		assert.Equal(t, []string{"B", "C"}, rec.last())
	})

	t.Run("data changes trigger fresh deliveries", func(t *testing.T) {
		_, box := newTestStore(t)
		seedPeople(t, box, 20, 30)

		q, err := box.NewQuery(ageOver(20))
		require.NoError(t, err)
		defer q.Close()

		rec := &recorder{}
		sub, err := q.Subscribe().Observer(rec.observe)
		require.NoError(t, err)
		defer sub.Cancel()

		require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)

		_, err = box.Put(context.Background(), &person{Name: "Z", Age: 50})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return rec.count() >= 2 }, waitFor, tick)
		assert.Equal(t, []string{"B", "Z"}, rec.last())
	})

	t.Run("observers are notified in subscription order", func(t *testing.T) {
		_, box := newTestStore(t)
		seedPeople(t, box, 30)

		q, err := box.NewQuery(ageOver(20))
		require.NoError(t, err)
		defer q.Close()

		var mu sync.Mutex
		var order []string
		note := func(name string) func([]*person) {
			return func([]*person) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
		}

		s1, err := q.Subscribe().Observer(note("first"))
		require.NoError(t, err)
		defer s1.Cancel()
		s2, err := q.Subscribe().Observer(note("second"))
		require.NoError(t, err)
		defer s2.Cancel()

		// Wait out the two initial deliveries, then observe one shared event.
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 2
		}, waitFor, tick)
		mu.Lock()
		order = order[:0]
		mu.Unlock()

		q.Publish()
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 2
		}, waitFor, tick)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("transform runs before the observer", func(t *testing.T) {
		_, box := newTestStore(t)
		seedPeople(t, box, 20, 30, 40)

		q, err := box.NewQuery(ageOver(0))
		require.NoError(t, err)
		defer q.Close()

		rec := &recorder{}
		sub, err := q.Subscribe().
			Transform(func(people []*person) []*person {
				return people[:1]
			}).
			Observer(rec.observe)
		require.NoError(t, err)
		defer sub.Cancel()

		require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
		assert.Equal(t, []string{"A"}, rec.last())
	})

	t.Run("cancel stops future deliveries", func(t *testing.T) {
		_, box := newTestStore(t)
		seedPeople(t, box, 30)

		q, err := box.NewQuery(ageOver(20))
		require.NoError(t, err)
		defer q.Close()

		rec := &recorder{}
		sub, err := q.Subscribe().Observer(rec.observe)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
		sub.Cancel()
		assert.True(t, sub.Cancelled())

		_, err = box.Put(context.Background(), &person{Name: "Z", Age: 50})
		require.NoError(t, err)

		// No further delivery may arrive; give the pool a moment to prove it.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("a panicking observer does not starve the others", func(t *testing.T) {
		_, box := newTestStore(t)
		seedPeople(t, box, 30)

		q, err := box.NewQuery(ageOver(20))
		require.NoError(t, err)
		defer q.Close()

		var panicked sync.WaitGroup
		panicked.Add(1)
		var once sync.Once
		s1, err := q.Subscribe().
			OnError(func(error) { once.Do(panicked.Done) }).
			Observer(func([]*person) { panic("observer bug") })
		require.NoError(t, err)
		defer s1.Cancel()

		rec := &recorder{}
		s2, err := q.Subscribe().Observer(rec.observe)
		require.NoError(t, err)
		defer s2.Cancel()

		q.Publish()
		panicked.Wait()
		require.Eventually(t, func() bool { return rec.count() >= 2 }, waitFor, tick)
	})

	t.Run("subscribing to a closed query fails", func(t *testing.T) {
		_, box := newTestStore(t)

		q, err := box.NewQuery(ageOver(0))
		require.NoError(t, err)
		require.NoError(t, q.Close())

		_, err = q.Subscribe().Observer(func([]*person) {})
		assert.ErrorIs(t, err, ErrQueryClosed)
	})

	t.Run("nil observer is rejected", func(t *testing.T) {
		_, box := newTestStore(t)

		q, err := box.NewQuery(ageOver(0))
		require.NoError(t, err)
		defer q.Close()

		_, err = q.Subscribe().Observer(nil)
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestPublishAfterParameterChange(t *testing.T) {
	_, box := newTestStore(t)
	seedPeople(t, box, 20, 30, 40)

	q, err := box.NewQuery(ageOver(20))
	require.NoError(t, err)
	defer q.Close()

	rec := &recorder{}
	sub, err := q.Subscribe().Observer(rec.observe)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	require.Equal(t, []string{"B", "C"}, rec.last())

	// Rebinding alone is silent; Publish pushes the re-parameterized results.
	_, err = q.SetParameter(ByAlias("minAge"), 35)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.count())

	q.Publish()
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"C"}, rec.last())
}

func TestDataSubscriptionList(t *testing.T) {
	_, box := newTestStore(t)
	seedPeople(t, box, 30)

	q, err := box.NewQuery(ageOver(20))
	require.NoError(t, err)
	defer q.Close()

	var list DataSubscriptionList
	rec := &recorder{}
	for i := 0; i < 3; i++ {
		_, err := q.Subscribe().AddTo(&list).Observer(rec.observe)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, list.Len())

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, tick)

	list.CancelAll()
	assert.Zero(t, list.Len())

	_, err = box.Put(context.Background(), &person{Name: "Z", Age: 50})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, rec.count())
}
