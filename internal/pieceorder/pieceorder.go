// Package pieceorder keeps the pieces of one torrent sorted by the five-key
// priority described in spec.md §4.3 ("Piece ordering"), so the Request
// Scheduler's refill pass can walk them in order without re-sorting a slice
// every 333ms. It is adapted from the teacher's
// internal/request-strategy/ajwerner-btree.go, generalized from a
// cross-torrent btree keyed by infohash+index down to a single per-torrent
// ordering keyed by piece index, which is all spec.md's Torrent Context
// needs.
package pieceorder

import (
	"github.com/ajwerner/btree"
	"github.com/anacrolix/multiless"
)

// State is the sort key for one piece, holding the four ordered criteria of
// spec.md §4.3 plus the per-pass random tiebreaker. Lower Pending, Missing,
// and Rarity sort first; higher Priority sorts first; Tiebreak just needs to
// differ pass to pass.
type State struct {
	Priority int
	Pending  int
	Missing  int
	Rarity   int
	Tiebreak uint32
}

// Item is one entry in the order: a piece index and its current State.
type Item struct {
	Index int
	State State
}

func less(a, b Item) multiless.Computation {
	return multiless.New().
		Int(b.State.Priority, a.State.Priority).
		Int(a.State.Pending, b.State.Pending).
		Int(a.State.Missing, b.State.Missing).
		Int(a.State.Rarity, b.State.Rarity).
		Uint32(a.State.Tiebreak, b.State.Tiebreak).
		Int(a.Index, b.Index)
}

// Order is a btree of Items kept sorted by State, indexed by piece for
// lookup when a piece's State changes and its old entry must be replaced.
type Order struct {
	tree    btree.Set[Item]
	current map[int]State
}

// New returns an empty Order.
func New() *Order {
	return &Order{
		tree: btree.MakeSet(func(a, b Item) int {
			return less(a, b).OrderingInt()
		}),
		current: make(map[int]State),
	}
}

// Len returns the number of pieces currently tracked.
func (o *Order) Len() int {
	return len(o.current)
}

// Update sets piece i's State to s, removing any prior entry first. Returns
// true if the piece was newly added or its State actually changed.
func (o *Order) Update(i int, s State) (changed bool) {
	old, existed := o.current[i]
	if existed && old == s {
		return false
	}
	if existed {
		o.tree.Delete(Item{Index: i, State: old})
	}
	o.tree.Upsert(Item{Index: i, State: s})
	o.current[i] = s
	return true
}

// Delete removes piece i from the order. Returns true if it was present.
func (o *Order) Delete(i int) bool {
	old, existed := o.current[i]
	if !existed {
		return false
	}
	o.tree.Delete(Item{Index: i, State: old})
	delete(o.current, i)
	return true
}

// Contains reports whether piece i is currently tracked.
func (o *Order) Contains(i int) bool {
	_, ok := o.current[i]
	return ok
}

// Iter calls f with every Item in priority order (highest priority first),
// stopping early if f returns false.
func (o *Order) Iter(f func(Item) bool) {
	it := o.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur()) {
			return
		}
	}
}
