package boxd

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaettir-io/boxd/pkg/engine"
)

// Test entity: a person with one to-one relation (best friend) and one
// to-many relation (friends).
type person struct {
	ID         uint64
	Name       string
	Age        int64
	BestFriend *ToOne[person]
	Friends    *ToMany[person]
}

const (
	propName    = 1
	propAge     = 2
	propBestID  = 3
	propFriends = 4
)

type personBinding struct {
	// box is wired after BoxFor so decoded relations can resolve.
	box *Box[person]
}

func (b *personBinding) EntityName() string { return "person" }

func (b *personBinding) ID(p *person) uint64 { return p.ID }

func (b *personBinding) SetID(p *person, id uint64) { p.ID = id }

func (b *personBinding) Encode(p *person) (engine.Record, error) {
	props := map[int]any{
		propName: p.Name,
		propAge:  p.Age,
	}
	if p.BestFriend != nil {
		props[propBestID] = int64(p.BestFriend.TargetID())
	}
	if p.Friends != nil {
		ids := p.Friends.TargetIDs()
		friends := make([]int64, len(ids))
		for i, id := range ids {
			friends[i] = int64(id)
		}
		props[propFriends] = friends
	}
	return engine.Record{ID: p.ID, Props: props}, nil
}

func (b *personBinding) Decode(rec engine.Record) (*person, error) {
	p := &person{ID: rec.ID}
	if v, ok := rec.Props[propName].(string); ok {
		p.Name = v
	}
	if v, ok := rec.Props[propAge].(int64); ok {
		p.Age = v
	}
	var bestID uint64
	if v, ok := rec.Props[propBestID].(int64); ok {
		bestID = uint64(v)
	}
	p.BestFriend = NewToOne(b.box, bestID)
	var friendIDs []uint64
	if v, ok := rec.Props[propFriends].([]int64); ok {
		friendIDs = make([]uint64, len(v))
		for i, id := range v {
			friendIDs[i] = uint64(id)
		}
	}
	p.Friends = NewToMany(b.box, friendIDs)
	return p, nil
}

// newTestStore opens an in-memory store with a person box.
func newTestStore(t *testing.T) (*Store, *Box[person]) {
	t.Helper()
	return newTestStoreWith(t, nil)
}

// newTestStoreWith wraps the in-memory engine with wrap (nil = no wrapper)
// before handing it to the store.
func newTestStoreWith(t *testing.T, wrap func(engine.Engine) engine.Engine) (*Store, *Box[person]) {
	t.Helper()
	raw, err := engine.OpenInMemory()
	require.NoError(t, err)

	var eng engine.Engine = raw
	if wrap != nil {
		eng = wrap(eng)
	}
	store, err := NewStore(eng, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
		require.NoError(t, raw.Close())
	})

	binding := &personBinding{}
	box := BoxFor[person](store, binding)
	binding.box = box
	return store, box
}

// seedPeople stores people with the given ages; names are generated.
// Returns the allocated ids in insertion order.
func seedPeople(t *testing.T, box *Box[person], ages ...int64) []uint64 {
	t.Helper()
	ids := make([]uint64, len(ages))
	for i, age := range ages {
		id, err := box.Put(context.Background(), &person{
			Name: string(rune('A' + i)),
			Age:  age,
		})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func ageOver(age int64) []engine.Condition {
	return []engine.Condition{{PropertyID: propAge, Op: engine.OpGt, Value: age, Alias: "minAge"}}
}

// conflictEngine injects recoverable conflicts into BeginRead and tracks the
// begin/end balance so tests can prove no transaction stays open.
type conflictEngine struct {
	engine.Engine

	mu        sync.Mutex
	conflicts int // remaining BeginRead failures
	begins    int
	ends      int
}

func (c *conflictEngine) BeginRead() (engine.TxID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflicts > 0 {
		c.conflicts--
		return 0, engine.ErrConflict
	}
	c.begins++
	return c.Engine.BeginRead()
}

func (c *conflictEngine) EndTx(tx engine.TxID) error {
	c.mu.Lock()
	c.ends++
	c.mu.Unlock()
	return c.Engine.EndTx(tx)
}

func (c *conflictEngine) balance() (begins, ends int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begins, c.ends
}

// countingEngine counts point lookups through the cursor path, so tests can
// assert how often lazy lists hit the engine.
type countingEngine struct {
	engine.Engine

	mu   sync.Mutex
	gets int
}

func (c *countingEngine) CursorGet(cursor engine.CursorID, id uint64) (engine.Record, bool, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Engine.CursorGet(cursor, id)
}

func (c *countingEngine) cursorGets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}
