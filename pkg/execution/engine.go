package execution

import (
	"time"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
)

// Engine is the capability struct every execution operation is a method
// of: the live superficial tree, index allocator, partial-fill trackers,
// blocked-order serializer, output transcript, and the per-asset dust/fee
// tables. Per-asset constants are loaded once and threaded through here
// rather than kept as package-level globals, so tests can substitute their
// own tables.
//
// pkg/batch.TransactionBatch owns exactly one Engine and is the only
// caller that mutates it concurrently; Engine itself assumes its caller
// already holds whatever of the tree/trackers/output-JSON locks a given
// operation needs, acquired in the fixed tree -> updated-hashes ->
// trackers -> output order.
type Engine struct {
	Tree        *merkletree.SuperficialTree
	Allocator   *merkletree.IndexAllocator
	SpotTracker *orderbook.PartialFillTracker
	PerpTracker *orderbook.PerpPartialFillTracker
	Blocked     *orderbook.BlockedOrders
	Output      *TxOutputJson

	Dust DustTable
	Fees FeeSchedule

	// Commitments asserts and consumes the on-chain commitments the
	// onchain MM actions require. Wired to main storage by the batch
	// engine; nil in tests that never touch MM flows.
	Commitments CommitmentStore

	// BlockedMaxWait bounds how long a fill waits on another in-flight
	// fill of the same order id before surfacing a retryable Internal
	// error.
	BlockedMaxWait time.Duration
}

// NewEngine builds an Engine with fresh trackers and default dust/fee
// tables over an existing tree and allocator (both owned by the batch
// engine that constructs this Engine).
func NewEngine(tree *merkletree.SuperficialTree, alloc *merkletree.IndexAllocator) *Engine {
	return &Engine{
		Tree:           tree,
		Allocator:      alloc,
		SpotTracker:    orderbook.NewPartialFillTracker(),
		PerpTracker:    orderbook.NewPerpPartialFillTracker(),
		Blocked:        orderbook.NewBlockedOrders(),
		Output:         NewTxOutputJson(),
		Dust:           DefaultDustTable(),
		Fees:           DefaultFeeSchedule(),
		BlockedMaxWait: 500 * time.Millisecond,
	}
}

// writeNote writes a note leaf and mirrors the write into the output
// transcript's state_updates list; every state_updates entry corresponds
// to an actual leaf write by construction, because the write helpers here
// are the only paths that append one.
func (e *Engine) writeNote(n *entities.Note) {
	h := n.Hash()
	e.Tree.WriteLeaf(n.Index, merkletree.Leaf{Type: merkletree.LeafNote, Hash: h})
	e.Output.AppendStateUpdate(n.Index, merkletree.LeafNote, h)
}

// writeVLPNote writes a VLP receipt leaf; it hashes over the share
// amount and the holder's initial value, so it cannot go through
// writeNote's plain-note hashing.
func (e *Engine) writeVLPNote(v *entities.VLPNote) {
	h := v.Hash()
	e.Tree.WriteLeaf(v.Index, merkletree.Leaf{Type: merkletree.LeafNote, Hash: h})
	e.Output.AppendStateUpdate(v.Index, merkletree.LeafNote, h)
}

func (e *Engine) writePosition(p *entities.Position) {
	h := p.Hash()
	e.Tree.WriteLeaf(p.Index, merkletree.Leaf{Type: merkletree.LeafPosition, Hash: h})
	e.Output.AppendStateUpdate(p.Index, merkletree.LeafPosition, h)
}

func (e *Engine) writeTab(t *entities.OrderTab) {
	h := t.Hash()
	e.Tree.WriteLeaf(t.TabIdx, merkletree.Leaf{Type: merkletree.LeafOrderTab, Hash: h})
	e.Output.AppendStateUpdate(t.TabIdx, merkletree.LeafOrderTab, h)
}

// zeroLeaf overwrites index with the empty leaf of the given kind, the
// tree's representation of a destroyed note/position/tab. It does NOT
// release the index: a refund or reduced entity frequently reuses one of
// the just-zeroed slots, so callers release only the indices that stay
// empty via releaseIfUnused.
func (e *Engine) zeroLeaf(kind merkletree.LeafKind, index uint64) {
	e.Tree.WriteLeaf(index, merkletree.Leaf{Type: kind, Hash: field.Zero()})
	e.Output.AppendStateUpdate(index, kind, field.Zero())
}

// releaseIfUnused returns index to the allocator unless it is among the
// reused set (indices a refund note or rewritten entity now occupies).
func (e *Engine) releaseIfUnused(kind merkletree.LeafKind, index uint64, reused ...uint64) {
	for _, r := range reused {
		if r == index {
			return
		}
	}
	e.Allocator.Release(kind, index)
}

// leafMatches reports whether index's current tree leaf hash equals want,
// the pre-mutation membership check every spend performs.
func (e *Engine) leafMatches(index uint64, want field.Element) bool {
	return field.Equal(e.Tree.GetLeaf(index).Hash, want)
}
