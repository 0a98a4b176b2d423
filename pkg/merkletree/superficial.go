package merkletree

import (
	"sync"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// SuperficialTree is the hot-path mutation target during batch execution:
// a leaf-hash map with no interior-node cache, recomputing paths
// lazily. It is promoted into a full Tree only at Finalize, keeping the
// per-transaction write cost to a single map insert instead of a full path
// recomputation.
type SuperficialTree struct {
	mu     sync.Mutex
	depth  int
	leaves map[uint64]Leaf
	// dirty tracks every index written since the last Finalize, so
	// Finalize's promotion only has to walk the changed paths.
	dirty map[uint64]struct{}
	// full accumulates every finalized leaf across the tree's lifetime; a
	// fresh Finalize applies only the current dirty set on top of it, so
	// the root always reflects every leaf ever written, not just the most
	// recent batch.
	full *Tree
}

// NewSuperficial builds an empty superficial tree of the given depth.
func NewSuperficial(depth int) *SuperficialTree {
	return &SuperficialTree{
		depth:  depth,
		leaves: make(map[uint64]Leaf),
		dirty:  make(map[uint64]struct{}),
		full:   New(depth),
	}
}

// WriteLeaf records a leaf write without recomputing any path. Safe for
// concurrent callers serialized by the batch engine's tree lock.
func (s *SuperficialTree) WriteLeaf(i uint64, leaf Leaf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves[i] = leaf
	s.dirty[i] = struct{}{}
}

// GetLeaf returns the leaf at i, or the empty leaf if unwritten.
func (s *SuperficialTree) GetLeaf(i uint64) Leaf {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leaves[i]; ok {
		return l
	}
	return Leaf{Type: LeafEmpty, Hash: field.Zero()}
}

// UpdatedHashes returns a snapshot of every index written since the last
// Finalize, as index -> (LeafKind, hash), for the batch's program-output
// packing.
func (s *SuperficialTree) UpdatedHashes() map[uint64]Leaf {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]Leaf, len(s.dirty))
	for i := range s.dirty {
		out[i] = s.leaves[i]
	}
	return out
}

// Finalize promotes this generation's dirty leaves into the accumulated
// full Tree via one BatchUpdate, so the interior-node cache and preimage
// map are built in a single pass over exactly the indices that changed. It
// returns the promoted Tree, the pre-finalize root, the new root, and the
// preimage map needed to recompute the new root from the pre-root given
// the leaf write set. Finalize is idempotent: calling it
// again with no new writes since the last call returns the same root and
// an empty preimage map.
func (s *SuperficialTree) Finalize() (tree *Tree, preRoot, postRoot field.Element, preimages PreimageMap, err error) {
	s.mu.Lock()
	writes := make(map[uint64]Leaf, len(s.dirty))
	for i := range s.dirty {
		writes[i] = s.leaves[i]
	}
	s.dirty = make(map[uint64]struct{})
	s.mu.Unlock()

	preRoot = s.full.Root()
	postRoot, preimages, err = s.full.BatchUpdate(writes)
	if err != nil {
		return nil, field.Element{}, field.Element{}, nil, err
	}
	return s.full, preRoot, postRoot, preimages, nil
}
