package storage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// Recovery replays persisted transcript segments back into a fresh state
// tree after a restart. Replay is deterministic: every typed leaf write in
// every segment is re-applied in order, the allocator watermarks are
// advanced past every named index, and each segment's recomputed post-root
// is asserted against the persisted one; a mismatch halts recovery with a
// StorageCorruption diagnostic rather than booting on divergent state.
type Recovery struct {
	store *Store
	log   *zap.SugaredLogger
}

// NewRecovery builds a Recovery over an open store.
func NewRecovery(store *Store, log *zap.SugaredLogger) *Recovery {
	return &Recovery{store: store, log: log}
}

func leafKindOf(s string) merkletree.LeafKind {
	switch s {
	case "note":
		return merkletree.LeafNote
	case "position":
		return merkletree.LeafPosition
	case "order_tab":
		return merkletree.LeafOrderTab
	default:
		return merkletree.LeafEmpty
	}
}

// Replay applies every persisted segment into tree and alloc, returning
// the last finalized batch index. The tree must be freshly constructed;
// replaying over live state would double-apply writes.
func (r *Recovery) Replay(tree *merkletree.SuperficialTree, alloc *merkletree.IndexAllocator) (uint64, error) {
	segments, err := r.store.LoadSegments()
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, nil
	}

	var lastBatch uint64
	for _, seg := range segments {
		for _, su := range seg.StateUpdates {
			hash, err := field.Parse(su.Hash)
			if err != nil {
				return 0, rollerr.Wrap(rollerr.StorageCorruption, "storage.Replay",
					fmt.Errorf("segment %d index %d: %w", seg.BatchIdx, su.Index, err))
			}
			kind := leafKindOf(su.Kind)
			tree.WriteLeaf(su.Index, merkletree.Leaf{Type: kind, Hash: hash})
			if kind != merkletree.LeafEmpty {
				alloc.Reserve(kind, su.Index)
			}
		}

		_, _, postRoot, _, err := tree.Finalize()
		if err != nil {
			return 0, rollerr.Wrap(rollerr.StorageCorruption, "storage.Replay", err)
		}
		if field.String(postRoot) != seg.PostRoot {
			return 0, rollerr.New(rollerr.StorageCorruption, "storage.Replay",
				fmt.Sprintf("segment %d: replayed root %s does not match persisted root %s",
					seg.BatchIdx, field.String(postRoot), seg.PostRoot))
		}
		lastBatch = seg.BatchIdx
		if r.log != nil {
			r.log.Infow("replayed segment", "batch_idx", seg.BatchIdx, "writes", len(seg.StateUpdates), "root", seg.PostRoot)
		}
	}
	return lastBatch, nil
}
