// Package searchlayer implements the compute-local ordered index: a skip
// list from anchor keys to remote data-node pointers. Readers are lock-free;
// writers are serialized per data node by the concurrency protocol, and new
// nodes become searchable the moment their bottom-level link is published.
// Upper levels are patched in later by a dedicated calibration goroutine.
package searchlayer

import (
	"math/rand"

	"github.com/dicridon/distore/cmn/atomic"
	"github.com/dicridon/distore/cmn/debug"
	"github.com/dicridon/distore/concurrency"
	"github.com/dicridon/distore/datalayer"
	"github.com/dicridon/distore/memory"
)

// MaxLevel caps tower height; levels follow a geometric distribution with
// p = 0.25.
const MaxLevel = 16

// Node maps one anchor key to its current remote record. The mapping and
// version are atomic because the winning writer republishes them while
// readers are in flight; the anchor is immutable.
type Node struct {
	anchor   string
	dataNode atomic.Uint64 // memory.Pointer bits
	ntype    atomic.Uint32 // datalayer.NodeType
	version  atomic.Uint64

	// Ctx is the winner-election slot of the concurrency protocol.
	Ctx atomic.Pointer[concurrency.Context]

	backward atomic.Pointer[Node]
	forwards []atomic.Pointer[Node]
}

func makeNode(level int, anchor string, r memory.Pointer, t datalayer.NodeType) *Node {
	n := &Node{anchor: anchor, forwards: make([]atomic.Pointer[Node], level)}
	n.dataNode.Store(uint64(r))
	n.ntype.Store(uint32(t))
	return n
}

func (n *Node) Anchor() string           { return n.anchor }
func (n *Node) DataNode() memory.Pointer { return memory.Pointer(n.dataNode.Load()) }
func (n *Node) Type() datalayer.NodeType { return datalayer.NodeType(n.ntype.Load()) }
func (n *Node) Version() uint64          { return n.version.Load() }
func (n *Node) BumpVersion()             { n.version.Inc() }
func (n *Node) Backward() *Node          { return n.backward.Load() }
func (n *Node) Next() *Node              { return n.forwards[0].Load() }
func (n *Node) IsHead() bool             { return n.Type() == datalayer.TypeHead }

// SetMapping republishes the record beneath this anchor after a morph or
// split.
func (n *Node) SetMapping(r memory.Pointer, t datalayer.NodeType) {
	n.dataNode.Store(uint64(r))
	n.ntype.Store(uint32(t))
}

// LinkAfter splices n after prev at the bottom level only; the caller owns
// prev's data node. Publication order makes n fully initialized before it
// becomes reachable.
func (n *Node) LinkAfter(prev *Node) {
	next := prev.forwards[0].Load()
	n.forwards[0].Store(next)
	n.backward.Store(prev)
	if next != nil {
		next.backward.Store(n)
	}
	prev.forwards[0].Store(n)
}

// SkipList is the search layer proper.
type SkipList struct {
	head  *Node
	level atomic.Int32
}

func New() *SkipList {
	sl := &SkipList{head: makeNode(MaxLevel, "", 0, datalayer.TypeHead)}
	sl.level.Store(1)
	return sl
}

func (sl *SkipList) Head() *Node { return sl.head }

func randomLevel() int {
	level := 1
	for rand.Int31n(4) == 0 && level < MaxLevel {
		level++
	}
	return level
}

// MakeNewNode builds an unlinked node with a random tower height; the
// caller links level 0 and schedules calibration for the rest.
func MakeNewNode(anchor string, r memory.Pointer, t datalayer.NodeType) (*Node, int) {
	level := randomLevel()
	return makeNode(level, anchor, r, t), level
}

// Insert is the classical full insertion, used on the bootstrap path and by
// admin code; hot-path inserts go through LinkAfter + Calibrate instead.
// Concurrent readers are safe; concurrent Inserts are not.
func (sl *SkipList) Insert(anchor string, r memory.Pointer, t datalayer.NodeType) {
	var update [MaxLevel]*Node
	walker := sl.head
	cur := int(sl.level.Load())
	for i := cur - 1; i >= 0; i-- {
		for {
			next := walker.forwards[i].Load()
			if next == nil || next.anchor >= anchor {
				break
			}
			walker = next
		}
		update[i] = walker
	}

	level := randomLevel()
	if level > cur {
		for i := cur; i < level; i++ {
			update[i] = sl.head
		}
		sl.level.Store(int32(level))
	}

	n := makeNode(level, anchor, r, t)
	// bottom first so the node is searchable before its tower exists
	for i := 0; i < level; i++ {
		n.forwards[i].Store(update[i].forwards[i].Load())
		update[i].forwards[i].Store(n)
	}
	n.backward.Store(update[0])
	if next := n.forwards[0].Load(); next != nil {
		next.backward.Store(n)
	}
}

// Calibrate patches a bottom-linked node into levels 1..level-1. Only the
// calibration goroutine calls it, so tower surgery is single-writer.
func (sl *SkipList) Calibrate(n *Node, level int) {
	debug.Assert(len(n.forwards) >= level)
	cur := int(sl.level.Load())
	if level > cur {
		sl.level.Store(int32(level))
		cur = level
	}
	walker := sl.head
	for i := cur - 1; i >= 1; i-- {
		for {
			next := walker.forwards[i].Load()
			if next == nil || next.anchor >= n.anchor {
				break
			}
			walker = next
		}
		if i < level {
			n.forwards[i].Store(walker.forwards[i].Load())
			walker.forwards[i].Store(n)
		}
	}
}

// FuzzySearch returns the node owning the range that covers key: the exact
// match if key is an anchor, otherwise the greatest anchor <= key. With
// nothing inserted yet it returns the head sentinel, which the caller must
// treat as "no data node exists for this range".
func (sl *SkipList) FuzzySearch(key string) *Node {
	walker := sl.head
	for i := int(sl.level.Load()) - 1; i >= 0; i-- {
		for {
			next := walker.forwards[i].Load()
			if next == nil || next.anchor >= key {
				break
			}
			walker = next
		}
	}
	if next := walker.forwards[0].Load(); next != nil && next.anchor == key {
		return next
	}
	return walker
}

// Search returns the node with exactly this anchor.
func (sl *SkipList) Search(anchor string) *Node {
	n := sl.FuzzySearch(anchor)
	if n.anchor == anchor && !n.IsHead() {
		return n
	}
	return nil
}

// Update repoints an anchor's mapping; used after a morph or split swaps
// the remote record beneath it.
func (sl *SkipList) Update(anchor string, r memory.Pointer, t datalayer.NodeType) bool {
	n := sl.Search(anchor)
	if n == nil {
		return false
	}
	n.SetMapping(r, t)
	return true
}

// Remove unlinks an anchor at every level and splices the backward pointer.
// Admin and tests only; the hot path never deletes.
func (sl *SkipList) Remove(anchor string) bool {
	var update [MaxLevel]*Node
	walker := sl.head
	cur := int(sl.level.Load())
	for i := cur - 1; i >= 0; i-- {
		for {
			next := walker.forwards[i].Load()
			if next == nil || next.anchor >= anchor {
				break
			}
			walker = next
		}
		update[i] = walker
	}
	victim := walker.forwards[0].Load()
	if victim == nil || victim.anchor != anchor {
		return false
	}
	for i := 0; i < cur; i++ {
		if update[i].forwards[i].Load() != victim {
			break
		}
		update[i].forwards[i].Store(victim.forwards[i].Load())
	}
	if next := victim.forwards[0].Load(); next != nil {
		next.backward.Store(update[0])
	}
	for cur > 1 && sl.head.forwards[cur-1].Load() == nil {
		cur--
	}
	sl.level.Store(int32(cur))
	return true
}
