package execution

import (
	"crypto/ecdsa"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// NoteOut describes one output note a deposit or split mints: the amount
// and blinding the caller chose; the Engine assigns the tree index.
type NoteOut struct {
	Amount   uint64
	Blinding field.Element
}

// DepositRequest mints fresh notes against an on-chain deposit event:
// deposit(deposit_id, pub_key, token, amount, notes_out).
type DepositRequest struct {
	DepositID string
	Owner     ecdsa.PublicKey
	Token     uint32
	Amount    uint64
	NotesOut  []NoteOut
}

// DepositResult reports the indices and hashes of the notes a deposit
// created.
type DepositResult struct {
	Result
	Indices []uint64 `json:"indices,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
}

// Deposit mints one or more fresh notes totaling Amount, split exactly as
// NotesOut directs. A deposit has no notes-in, so it can never double-spend
// and never needs a signature: the on-chain deposit event is itself the
// authorization.
func (e *Engine) Deposit(req DepositRequest, ts int64) DepositResult {
	var sum uint64
	for _, n := range req.NotesOut {
		sum += n.Amount
	}
	if sum != req.Amount || len(req.NotesOut) == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.Deposit", "notes_out does not sum to deposit amount")
		e.Output.AppendFailure(KindDeposit, ts, err)
		return DepositResult{Result: failed(err)}
	}

	indices := make([]uint64, 0, len(req.NotesOut))
	hashes := make([]string, 0, len(req.NotesOut))
	for _, n := range req.NotesOut {
		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: req.Owner, Token: req.Token, Amount: n.Amount, Blinding: n.Blinding}
		e.writeNote(note)
		indices = append(indices, idx)
		hashes = append(hashes, field.String(note.Hash()))
	}

	res := DepositResult{Result: ok(), Indices: indices, Hashes: hashes}
	e.Output.AppendSuccess(KindDeposit, ts, res)
	return res
}

// WithdrawalRequest is the withdrawal(withdrawal_chain, token, amount,
// recipient, notes_in, refund_note, signature) message.
type WithdrawalRequest struct {
	WithdrawalChain string
	Token           uint32
	Amount          uint64
	Recipient       string
	NotesIn         []*entities.Note
	RefundNote      *entities.Note // nil if no remainder
	Signature       []byte
}

// WithdrawalResult reports success and the refund note's new hash, if any.
type WithdrawalResult struct {
	Result
	RefundHash string `json:"refund_hash,omitempty"`
}

// Withdrawal spends NotesIn, pays Amount out to an L1 recipient (outside
// this core's scope; it only commits to the burn), and writes RefundNote
// for whatever of NotesIn exceeds the withdrawal amount.
func (e *Engine) Withdrawal(req WithdrawalRequest, ts int64) WithdrawalResult {
	sumIn, hashes := sumAndHashes(req.NotesIn)
	refundAmt := uint64(0)
	if req.RefundNote != nil {
		refundAmt = req.RefundNote.Amount
	}
	if sumIn != req.Amount+refundAmt {
		err := rollerr.New(rollerr.AmountMismatch, "execution.Withdrawal", "notes_in does not cover amount + refund")
		e.Output.AppendFailure(KindWithdrawal, ts, err)
		return WithdrawalResult{Result: failed(err)}
	}
	if len(req.NotesIn) == 0 {
		err := rollerr.New(rollerr.NoteNotFound, "execution.Withdrawal", "no notes_in supplied")
		e.Output.AppendFailure(KindWithdrawal, ts, err)
		return WithdrawalResult{Result: failed(err)}
	}

	owner := req.NotesIn[0].Address
	refundHash := field.Zero()
	if req.RefundNote != nil {
		refundHash = req.RefundNote.Hash()
	}
	digest := notesInDigest(hashes, refundHash, field.FromUint64(req.Amount))
	if !verifyOwnerSignature(&owner, digest, req.Signature) {
		err := rollerr.New(rollerr.InvalidSignature, "execution.Withdrawal", "bad signature")
		e.Output.AppendFailure(KindWithdrawal, ts, err)
		return WithdrawalResult{Result: failed(err)}
	}
	for _, n := range req.NotesIn {
		if n.Token != req.Token {
			err := rollerr.New(rollerr.TokenMismatch, "execution.Withdrawal", "notes_in token does not match withdrawal token")
			e.Output.AppendFailure(KindWithdrawal, ts, err)
			return WithdrawalResult{Result: failed(err)}
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			err := rollerr.New(rollerr.DoubleSpend, "execution.Withdrawal", "note already spent or unknown")
			e.Output.AppendFailure(KindWithdrawal, ts, err)
			return WithdrawalResult{Result: failed(err)}
		}
	}

	hasRefund := req.RefundNote != nil && req.RefundNote.Amount > 0
	refundIdx := uint64(0)
	if hasRefund {
		refundIdx = req.RefundNote.Index
	}
	for _, n := range req.NotesIn {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
	}
	var refundHashStr string
	if hasRefund {
		e.writeNote(req.RefundNote)
		refundHashStr = field.String(req.RefundNote.Hash())
	}
	for _, n := range req.NotesIn {
		if hasRefund {
			e.releaseIfUnused(merkletree.LeafNote, n.Index, refundIdx)
		} else {
			e.releaseIfUnused(merkletree.LeafNote, n.Index)
		}
	}

	res := WithdrawalResult{Result: ok(), RefundHash: refundHashStr}
	e.Output.AppendSuccess(KindWithdrawal, ts, res)
	return res
}

// SplitRequest is the split_notes(notes_in, note_out, refund_note?)
// message: a single-user atomic mutation where the sum of outputs equals
// the sum of inputs and at least one output must exist.
type SplitRequest struct {
	NotesIn    []*entities.Note
	NoteOut    NoteOut
	RefundNote *entities.Note // nil if no remainder
	Signature  []byte
}

// SplitResult reports the newly allocated output note's index and hash.
type SplitResult struct {
	Result
	OutIndex uint64 `json:"out_index,omitempty"`
	OutHash  string `json:"out_hash,omitempty"`
}

// NoteSplit atomically replaces NotesIn with a fresh NoteOut plus an
// optional refund. The refund
// reuses whichever spent-input slot the caller picked; the output note
// gets a fresh index.
func (e *Engine) NoteSplit(req SplitRequest, ts int64) SplitResult {
	sumIn, hashes := sumAndHashes(req.NotesIn)
	refundAmt := uint64(0)
	if req.RefundNote != nil {
		refundAmt = req.RefundNote.Amount
	}
	if len(req.NotesIn) == 0 {
		err := rollerr.New(rollerr.NoteNotFound, "execution.NoteSplit", "no notes_in supplied")
		e.Output.AppendFailure(KindNoteSplit, ts, err)
		return SplitResult{Result: failed(err)}
	}
	if req.NoteOut.Amount == 0 && refundAmt == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.NoteSplit", "split must produce at least one output")
		e.Output.AppendFailure(KindNoteSplit, ts, err)
		return SplitResult{Result: failed(err)}
	}
	if sumIn != req.NoteOut.Amount+refundAmt {
		err := rollerr.New(rollerr.AmountMismatch, "execution.NoteSplit", "outputs do not conserve input amount")
		e.Output.AppendFailure(KindNoteSplit, ts, err)
		return SplitResult{Result: failed(err)}
	}

	owner := req.NotesIn[0].Address
	token := req.NotesIn[0].Token
	refundHash := field.Zero()
	if req.RefundNote != nil {
		refundHash = req.RefundNote.Hash()
	}
	digest := notesInDigest(hashes, refundHash, field.FromUint64(req.NoteOut.Amount))
	if !verifyOwnerSignature(&owner, digest, req.Signature) {
		err := rollerr.New(rollerr.InvalidSignature, "execution.NoteSplit", "bad signature")
		e.Output.AppendFailure(KindNoteSplit, ts, err)
		return SplitResult{Result: failed(err)}
	}
	for _, n := range req.NotesIn {
		if n.Token != token {
			err := rollerr.New(rollerr.TokenMismatch, "execution.NoteSplit", "notes_in span multiple tokens")
			e.Output.AppendFailure(KindNoteSplit, ts, err)
			return SplitResult{Result: failed(err)}
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			err := rollerr.New(rollerr.DoubleSpend, "execution.NoteSplit", "note already spent or unknown")
			e.Output.AppendFailure(KindNoteSplit, ts, err)
			return SplitResult{Result: failed(err)}
		}
	}

	hasRefund := req.RefundNote != nil && req.RefundNote.Amount > 0
	refundIdx := uint64(0)
	if hasRefund {
		refundIdx = req.RefundNote.Index
	}
	var outIdx uint64
	var outHash string
	if req.NoteOut.Amount > 0 {
		outIdx = e.Allocator.Allocate(merkletree.LeafNote)
	}
	for _, n := range req.NotesIn {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
	}
	if hasRefund {
		e.writeNote(req.RefundNote)
	}
	if req.NoteOut.Amount > 0 {
		out := &entities.Note{Index: outIdx, Address: owner, Token: token, Amount: req.NoteOut.Amount, Blinding: req.NoteOut.Blinding}
		e.writeNote(out)
		outHash = field.String(out.Hash())
	}
	for _, n := range req.NotesIn {
		if hasRefund {
			e.releaseIfUnused(merkletree.LeafNote, n.Index, refundIdx)
		} else {
			e.releaseIfUnused(merkletree.LeafNote, n.Index)
		}
	}

	res := SplitResult{Result: ok(), OutIndex: outIdx, OutHash: outHash}
	e.Output.AppendSuccess(KindNoteSplit, ts, res)
	return res
}

func sumAndHashes(notes []*entities.Note) (uint64, []field.Element) {
	var sum uint64
	hashes := make([]field.Element, len(notes))
	for i, n := range notes {
		sum += n.Amount
		hashes[i] = n.Hash()
	}
	return sum, hashes
}
