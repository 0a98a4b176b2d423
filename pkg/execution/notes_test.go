package execution

import (
	"strings"
	"testing"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// TestDepositThenSplit is the end-to-end deposit/split scenario: deposit
// 1,000,000 USDC into index 0, split into 600,000 at index 1 plus a
// 400,000 refund reusing index 0. The deposited note must be zeroed and
// both output leaves must carry the expected hashes.
func TestDepositThenSplit(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)

	dep := depositOne(t, e, alice, perpmath.TokenUSDC, 1_000_000, 7)
	if dep.Index != 0 {
		t.Fatalf("first deposit index = %d, want 0", dep.Index)
	}
	if !field.Equal(leafHash(e, 0), dep.Hash()) {
		t.Fatal("deposited note not in tree")
	}

	refund := &entities.Note{
		Index:    0,
		Address:  *alice.PublicKey(),
		Token:    perpmath.TokenUSDC,
		Amount:   400_000,
		Blinding: field.FromUint64(8),
	}
	req := SplitRequest{
		NotesIn:    []*entities.Note{dep},
		NoteOut:    NoteOut{Amount: 600_000, Blinding: field.FromUint64(9)},
		RefundNote: refund,
	}
	digest := notesInDigest([]field.Element{dep.Hash()}, refund.Hash(), field.FromUint64(600_000))
	req.Signature = sign(t, alice, digest)

	res := e.NoteSplit(req, 2)
	if !res.Successful {
		t.Fatalf("split failed: %s", res.ErrorMessage)
	}
	if res.OutIndex != 1 {
		t.Errorf("out index = %d, want 1", res.OutIndex)
	}

	out := &entities.Note{Index: 1, Address: *alice.PublicKey(), Token: perpmath.TokenUSDC, Amount: 600_000, Blinding: field.FromUint64(9)}
	if !field.Equal(leafHash(e, 0), refund.Hash()) {
		t.Error("leaf 0 should carry the refund note hash")
	}
	if !field.Equal(leafHash(e, 1), out.Hash()) {
		t.Error("leaf 1 should carry the new note hash")
	}

	// Replaying the split is a double spend: the input leaf now carries
	// the refund, not the original note.
	res = e.NoteSplit(req, 3)
	if !failedWithKind(res.Result, rollerr.DoubleSpend) {
		t.Error("replayed split should fail as a double spend")
	}
}

// failedWithKind reports whether a Result's message carries the given
// error kind token.
func failedWithKind(r Result, kind rollerr.Kind) bool {
	return !r.Successful && strings.Contains(r.ErrorMessage, string(kind))
}

func TestSplitValidation(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)
	dep := depositOne(t, e, alice, perpmath.TokenUSDC, 1000, 1)

	// Outputs must conserve the inputs.
	bad := SplitRequest{
		NotesIn: []*entities.Note{dep},
		NoteOut: NoteOut{Amount: 999, Blinding: field.FromUint64(2)},
	}
	bad.Signature = sign(t, alice, notesInDigest([]field.Element{dep.Hash()}, field.Zero(), field.FromUint64(999)))
	if res := e.NoteSplit(bad, 2); res.Successful {
		t.Error("non-conserving split must fail")
	}

	// A bent signature is rejected pre-mutation.
	req := SplitRequest{
		NotesIn: []*entities.Note{dep},
		NoteOut: NoteOut{Amount: 1000, Blinding: field.FromUint64(2)},
	}
	req.Signature = sign(t, alice, field.DigestFields(field.FromUint64(12345)))
	if res := e.NoteSplit(req, 2); res.Successful {
		t.Error("bad signature must fail")
	}
	if !field.Equal(leafHash(e, dep.Index), dep.Hash()) {
		t.Error("failed split must not mutate the input leaf")
	}
}

func TestWithdrawalConservation(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)
	dep := depositOne(t, e, alice, perpmath.TokenUSDC, 500_000, 3)

	refund := &entities.Note{
		Index:    dep.Index,
		Address:  *alice.PublicKey(),
		Token:    perpmath.TokenUSDC,
		Amount:   200_000,
		Blinding: field.FromUint64(4),
	}
	req := WithdrawalRequest{
		WithdrawalChain: "l1",
		Token:           perpmath.TokenUSDC,
		Amount:          300_000,
		Recipient:       "0xrecipient",
		NotesIn:         []*entities.Note{dep},
		RefundNote:      refund,
	}
	req.Signature = sign(t, alice, notesInDigest([]field.Element{dep.Hash()}, refund.Hash(), field.FromUint64(300_000)))

	res := e.Withdrawal(req, 2)
	if !res.Successful {
		t.Fatalf("withdrawal failed: %s", res.ErrorMessage)
	}
	if !field.Equal(leafHash(e, dep.Index), refund.Hash()) {
		t.Error("refund should occupy the spent input's slot")
	}

	// Spending the same note again must fail without mutating state.
	res = e.Withdrawal(req, 3)
	if res.Successful {
		t.Error("double spend must fail")
	}
	if !field.Equal(leafHash(e, dep.Index), refund.Hash()) {
		t.Error("failed withdrawal must not mutate the refund leaf")
	}
}

func TestDepositValidation(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)

	res := e.Deposit(DepositRequest{
		DepositID: "bad",
		Owner:     *alice.PublicKey(),
		Token:     perpmath.TokenUSDC,
		Amount:    100,
		NotesOut:  []NoteOut{{Amount: 99, Blinding: field.FromUint64(1)}},
	}, 1)
	if res.Successful {
		t.Error("deposit with mismatched notes_out must fail")
	}
}
