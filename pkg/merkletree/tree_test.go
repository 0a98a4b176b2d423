package merkletree

import (
	"testing"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

const testDepth = 8

func leafOf(v uint64) Leaf {
	return Leaf{Type: LeafNote, Hash: field.FromUint64(v)}
}

func TestEmptyTreeRoot(t *testing.T) {
	tr := New(testDepth)
	if !field.Equal(tr.Root(), tr.ZeroHash(testDepth)) {
		t.Error("empty tree root should equal the depth-D zero-subtree hash")
	}
}

func TestUpdateAndGetLeaf(t *testing.T) {
	tr := New(testDepth)
	emptyRoot := tr.Root()

	root, err := tr.UpdateLeaf(leafOf(42), 3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if field.Equal(root, emptyRoot) {
		t.Error("writing a leaf must change the root")
	}
	got := tr.GetLeaf(3)
	if !field.Equal(got.Hash, field.FromUint64(42)) || got.Type != LeafNote {
		t.Errorf("leaf read back wrong: %+v", got)
	}
	if !field.IsZero(tr.GetLeaf(4).Hash) {
		t.Error("unwritten leaf should read as zero")
	}
}

func TestIndexBounds(t *testing.T) {
	tr := New(testDepth)
	if _, _, err := tr.BatchUpdate(map[uint64]Leaf{1 << testDepth: leafOf(1)}); err == nil {
		t.Error("out-of-capacity index must be rejected")
	}
}

// TestBatchMatchesSequential checks a batch update lands on the same root
// as the equivalent sequence of single-leaf updates.
func TestBatchMatchesSequential(t *testing.T) {
	writes := map[uint64]Leaf{0: leafOf(10), 1: leafOf(11), 7: leafOf(12), 200: leafOf(13)}

	seq := New(testDepth)
	for i, l := range writes {
		if _, err := seq.UpdateLeaf(l, i); err != nil {
			t.Fatalf("sequential update: %v", err)
		}
	}

	batched := New(testDepth)
	root, _, err := batched.BatchUpdate(writes)
	if err != nil {
		t.Fatalf("batch update: %v", err)
	}
	if !field.Equal(root, seq.Root()) {
		t.Errorf("batched root %s != sequential root %s", field.String(root), field.String(seq.Root()))
	}
}

// TestPreimagesSufficient checks preimage sufficiency: every captured
// preimage hashes to its parent, and the new root itself is among the
// captured parents, so the prover can re-derive the post-root from the
// write set.
func TestPreimagesSufficient(t *testing.T) {
	tr := New(testDepth)
	if _, _, err := tr.BatchUpdate(map[uint64]Leaf{5: leafOf(1)}); err != nil {
		t.Fatal(err)
	}

	root, preimages, err := tr.BatchUpdate(map[uint64]Leaf{5: leafOf(2), 6: leafOf(3), 130: leafOf(4)})
	if err != nil {
		t.Fatal(err)
	}

	for parent, children := range preimages {
		if !field.Equal(parent, field.HashBinary(children[0], children[1])) {
			t.Errorf("preimage entry does not hash to its parent: %s", field.String(parent))
		}
	}
	if _, ok := preimages[root]; !ok {
		t.Error("post-root missing from preimage map")
	}

	// Walk from the root down through the preimage map to every updated
	// leaf: depth levels of children must be reachable.
	reachable := map[field.Element]bool{root: true}
	frontier := []field.Element{root}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, h := range frontier {
			if kids, ok := preimages[h]; ok {
				for _, k := range kids {
					if !reachable[k] {
						reachable[k] = true
						next = append(next, k)
					}
				}
			}
		}
		frontier = next
	}
	for _, v := range []uint64{2, 3, 4} {
		if !reachable[field.FromUint64(v)] {
			t.Errorf("updated leaf hash %d not reachable from root via preimages", v)
		}
	}
}

func TestSuperficialFinalize(t *testing.T) {
	s := NewSuperficial(testDepth)
	s.WriteLeaf(0, leafOf(100))
	s.WriteLeaf(9, leafOf(101))

	updated := s.UpdatedHashes()
	if len(updated) != 2 {
		t.Fatalf("updated hashes = %d entries, want 2", len(updated))
	}

	_, preRoot, postRoot, preimages, err := s.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if field.Equal(preRoot, postRoot) {
		t.Error("finalize with writes must move the root")
	}
	if len(preimages) == 0 {
		t.Error("finalize must capture preimages")
	}

	// Reference root: the same writes on a plain tree.
	ref := New(testDepth)
	refRoot, _, err := ref.BatchUpdate(map[uint64]Leaf{0: leafOf(100), 9: leafOf(101)})
	if err != nil {
		t.Fatal(err)
	}
	if !field.Equal(postRoot, refRoot) {
		t.Error("superficial finalize root diverges from reference tree")
	}

	// Idempotence: no new writes, same root, no preimages.
	_, pre2, post2, preimages2, err := s.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if !field.Equal(pre2, post2) || !field.Equal(post2, postRoot) {
		t.Error("finalize with no writes must be a fixed point")
	}
	if len(preimages2) != 0 {
		t.Error("finalize with no writes must capture nothing")
	}

	// A second generation of writes stacks on the accumulated state.
	s.WriteLeaf(0, Leaf{Type: LeafNote, Hash: field.Zero()})
	_, _, post3, _, err := s.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	ref2, _, err := ref.BatchUpdate(map[uint64]Leaf{0: {Type: LeafNote, Hash: field.Zero()}})
	if err != nil {
		t.Fatal(err)
	}
	if !field.Equal(post3, ref2) {
		t.Error("second finalize diverges from reference")
	}
}

func TestAllocatorPartitions(t *testing.T) {
	a := NewIndexAllocator(32)

	n0 := a.Allocate(LeafNote)
	n1 := a.Allocate(LeafNote)
	p0 := a.Allocate(LeafPosition)
	t0 := a.Allocate(LeafOrderTab)

	if n0 != 0 || n1 != 1 {
		t.Errorf("note indices = %d,%d, want 0,1", n0, n1)
	}
	if p0 != 1<<30 {
		t.Errorf("position partition base = %d, want %d", p0, uint64(1)<<30)
	}
	if t0 != 2<<30 {
		t.Errorf("tab partition base = %d, want %d", t0, uint64(2)<<30)
	}

	// Release/reuse within a kind.
	a.Release(LeafNote, n0)
	if got := a.Allocate(LeafNote); got != n0 {
		t.Errorf("released index not reused: got %d, want %d", got, n0)
	}

	// Reserve advances the watermark past replayed indices.
	a.Reserve(LeafNote, 10)
	if got := a.Allocate(LeafNote); got != 11 {
		t.Errorf("allocate after Reserve(10) = %d, want 11", got)
	}
}
