package merkletree

import "sync"

// IndexAllocator hands out unused leaf indices for new notes, positions,
// and order tabs. It tracks allocation per leaf kind so, e.g., a freed note
// index is never handed out as a position index: each kind owns a
// disjoint range of the tree, partitioned by the top two bits of the
// depth-bit index space. Notes occupy the lowest partition so the first
// note ever minted sits at index 0.
type IndexAllocator struct {
	mu       sync.Mutex
	depth    int
	next     map[LeafKind]uint64
	released map[LeafKind][]uint64
}

// NewIndexAllocator builds an allocator bounded by the tree's depth.
func NewIndexAllocator(depth int) *IndexAllocator {
	return &IndexAllocator{
		depth:    depth,
		next:     make(map[LeafKind]uint64),
		released: make(map[LeafKind][]uint64),
	}
}

// partitionBase returns the first index of kind's partition: the partition
// number (note=0, position=1, tab=2) shifted into the top two bits of the
// depth-bit index space, so allocations for different kinds never collide
// while every index stays below the tree's capacity.
func (a *IndexAllocator) partitionBase(kind LeafKind) uint64 {
	if kind == LeafEmpty {
		return 0
	}
	return uint64(kind-1) << uint(a.depth-2)
}

// Allocate returns the next free index for the given leaf kind, reusing a
// previously Released index if one is available (last-released-first over a
// small free list, not a full bitmap scan; the rollup reuses indices
// rarely enough that this stays cheap).
func (a *IndexAllocator) Allocate(kind LeafKind) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if free := a.released[kind]; len(free) > 0 {
		idx := free[len(free)-1]
		a.released[kind] = free[:len(free)-1]
		return idx
	}

	local := a.next[kind]
	a.next[kind] = local + 1
	return a.partitionBase(kind) | local
}

// Release returns an index to the free list for its kind, for reuse after
// the leaf at that index has been overwritten with zero (note fully
// spent, position fully closed, tab fully closed). Callers must not
// Release an index a refund or reduced entity was rewritten into.
func (a *IndexAllocator) Release(kind LeafKind, index uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released[kind] = append(a.released[kind], index)
}

// Reserve marks index as already in use, advancing the kind's next-index
// watermark past it. Used by recovery when replaying a transcript whose
// writes name explicit indices.
func (a *IndexAllocator) Reserve(kind LeafKind, index uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	local := index &^ a.partitionBase(kind)
	if local >= a.next[kind] {
		a.next[kind] = local + 1
	}
}
