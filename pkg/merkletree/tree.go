// Package merkletree implements the fixed-depth sparse Merkle state tree
// that indexes every note, position, and order tab in the rollup: a full
// tree with an interior-node cache and preimage capture for the prover,
// plus the dense superficial variant batch execution mutates on the hot
// path.
package merkletree

import (
	"fmt"
	"sync"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// LeafKind tags what kind of entity occupies a leaf.
type LeafKind uint8

const (
	LeafEmpty LeafKind = iota
	LeafNote
	LeafPosition
	LeafOrderTab
)

// Leaf is the tagged hash stored at a tree index.
type Leaf struct {
	Type LeafKind
	Hash field.Element
}

// PreimageMap records, for every interior node touched by a batch update,
// the pair of children that hashed to it. The prover replays this map to
// recompute the post-root from the pre-root given the leaf write set.
type PreimageMap map[field.Element][2]field.Element

// Tree is a fixed-depth sparse Merkle tree with an interior-node cache, the
// representation leaves are promoted into at Finalize.
type Tree struct {
	mu     sync.RWMutex
	depth  int
	leaves map[uint64]Leaf
	// nodes caches interior hashes by (level, index) so repeated root
	// derivations after Finalize don't replay the whole subtree.
	nodes map[nodeKey]field.Element
	zero  []field.Element // zero[d] = hash of an empty subtree of depth d
}

type nodeKey struct {
	level uint8
	index uint64
}

// New builds an empty tree of the given depth. depth 32 supports 2^32
// leaves.
func New(depth int) *Tree {
	zero := make([]field.Element, depth+1)
	zero[0] = field.Zero()
	for d := 1; d <= depth; d++ {
		zero[d] = field.HashBinary(zero[d-1], zero[d-1])
	}
	return &Tree{
		depth:  depth,
		leaves: make(map[uint64]Leaf),
		nodes:  make(map[nodeKey]field.Element),
		zero:   zero,
	}
}

// Depth returns the tree's fixed depth.
func (t *Tree) Depth() int {
	return t.depth
}

func (t *Tree) maxIndex() uint64 {
	return (uint64(1) << uint(t.depth)) - 1
}

// GetLeaf returns the leaf stored at i, or the empty leaf if i was never
// written.
func (t *Tree) GetLeaf(i uint64) Leaf {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.leaves[i]; ok {
		return l
	}
	return Leaf{Type: LeafEmpty, Hash: field.Zero()}
}

// UpdateLeaf writes a single leaf and recomputes every interior node on its
// path to the root, returning the new root.
func (t *Tree) UpdateLeaf(leaf Leaf, i uint64) (field.Element, error) {
	root, _, err := t.BatchUpdate(map[uint64]Leaf{i: leaf})
	return root, err
}

// BatchUpdate applies every (index -> leaf) write, walking from the deepest
// changed indices upward and grouping sibling pairs, capturing every
// recomputed parent into a PreimageMap as parent -> [left, right]. Every
// entry corresponds to an actual leaf write, since recomputation only ever
// starts from the updates map.
func (t *Tree) BatchUpdate(updates map[uint64]Leaf) (field.Element, PreimageMap, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	preimages := make(PreimageMap, len(updates)*2)
	if len(updates) == 0 {
		return t.rootLocked(), preimages, nil
	}

	// dirty[level] is the set of node indices at that level needing
	// recomputation, seeded from the changed leaves at level depth.
	dirty := make(map[int]map[uint64]struct{})
	dirty[t.depth] = make(map[uint64]struct{}, len(updates))
	for i, leaf := range updates {
		if i > t.maxIndex() {
			return field.Element{}, nil, fmt.Errorf("merkletree: index %d exceeds tree capacity (depth %d)", i, t.depth)
		}
		t.leaves[i] = leaf
		dirty[t.depth][i] = struct{}{}
	}

	for level := t.depth; level > 0; level-- {
		parents := make(map[uint64]struct{})
		for idx := range dirty[level] {
			siblingIdx := idx ^ 1
			left, right := idx, siblingIdx
			if idx%2 == 1 {
				left, right = siblingIdx, idx
			}
			lHash := t.nodeHashLocked(uint8(level), left)
			rHash := t.nodeHashLocked(uint8(level), right)
			parent := field.HashBinary(lHash, rHash)
			parentIdx := idx / 2
			t.nodes[nodeKey{level: uint8(level - 1), index: parentIdx}] = parent
			preimages[parent] = [2]field.Element{lHash, rHash}
			parents[parentIdx] = struct{}{}
		}
		dirty[level-1] = parents
	}

	return t.rootLocked(), preimages, nil
}

// nodeHashLocked returns the hash at (level, index), falling back to the
// leaf map at the deepest level and to the precomputed zero-subtree hash
// anywhere the node was never written. Caller must hold t.mu.
func (t *Tree) nodeHashLocked(level uint8, index uint64) field.Element {
	if int(level) == t.depth {
		if l, ok := t.leaves[index]; ok {
			return l.Hash
		}
		return t.zero[0]
	}
	if h, ok := t.nodes[nodeKey{level: level, index: index}]; ok {
		return h
	}
	return t.zero[t.depth-int(level)]
}

// Root returns the current root hash.
func (t *Tree) Root() field.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() field.Element {
	return t.nodeHashLocked(0, 0)
}

// ZeroHash returns the hash of an empty subtree of the given depth below
// the root (ZeroHash(0) is an empty leaf, ZeroHash(Depth()) is the root of
// an entirely empty tree).
func (t *Tree) ZeroHash(depth int) field.Element {
	return t.zero[depth]
}
