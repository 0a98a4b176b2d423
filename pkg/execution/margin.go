package execution

import (
	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// MarginChangeRequest is the change_position_margin message: a signed
// integer delta against an existing position. Positive deltas consume
// NotesIn (with an optional refund); negative deltas mint a
// return-collateral note blinded with ReturnBlinding.
type MarginChangeRequest struct {
	Position       *entities.Position
	Delta          int64
	NotesIn        []*entities.Note
	RefundNote     *entities.Note // nil if no remainder
	ReturnBlinding field.Element
	Signature      []byte
}

// Digest is the signing payload: (position_hash, delta, notes_in hashes |
// return address).
func (r *MarginChangeRequest) Digest() []byte {
	sign := uint64(0)
	mag := uint64(r.Delta)
	if r.Delta < 0 {
		sign = 1
		mag = uint64(-r.Delta)
	}
	elems := []field.Element{r.Position.Hash(), field.FromUint64(sign), field.FromUint64(mag)}
	if r.Delta > 0 {
		for _, n := range r.NotesIn {
			elems = append(elems, n.Hash())
		}
		if r.RefundNote != nil {
			elems = append(elems, r.RefundNote.Hash())
		}
	} else {
		elems = append(elems, field.PubKeyToFieldX(&r.Position.Header.PositionAddress))
	}
	return field.DigestFields(elems...)
}

// MarginChangeResult reports the position's new hash and, for a negative
// delta, the return-collateral note minted.
type MarginChangeResult struct {
	Result
	PositionHash   string `json:"position_hash,omitempty"`
	ReturnOutIndex uint64 `json:"return_out_index,omitempty"`
	ReturnOutHash  string `json:"return_out_hash,omitempty"`
}

// ChangePositionMargin adds or removes collateral from an open position.
// Removal is bounded by the position's leverage tier: the remaining margin
// must keep effective leverage at entry price within the cap.
func (e *Engine) ChangePositionMargin(req MarginChangeRequest, ts int64) MarginChangeResult {
	pos := req.Position
	if pos == nil || req.Delta == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.ChangePositionMargin", "missing position or zero delta")
		e.Output.AppendFailure(KindMarginChange, ts, err)
		return MarginChangeResult{Result: failed(err)}
	}
	if !e.leafMatches(pos.Index, pos.Hash()) {
		err := rollerr.New(rollerr.NoteNotFound, "execution.ChangePositionMargin", "position does not match state tree")
		e.Output.AppendFailure(KindMarginChange, ts, err)
		return MarginChangeResult{Result: failed(err)}
	}
	if !verifyOwnerSignature(&pos.Header.PositionAddress, req.Digest(), req.Signature) {
		err := rollerr.New(rollerr.InvalidSignature, "execution.ChangePositionMargin", "bad signature")
		e.Output.AppendFailure(KindMarginChange, ts, err)
		return MarginChangeResult{Result: failed(err)}
	}

	res := MarginChangeResult{}
	if req.Delta > 0 {
		add := uint64(req.Delta)
		sum, _ := sumAndHashes(req.NotesIn)
		refundAmt := uint64(0)
		if req.RefundNote != nil {
			refundAmt = req.RefundNote.Amount
		}
		if sum != add+refundAmt || len(req.NotesIn) == 0 {
			err := rollerr.New(rollerr.AmountMismatch, "execution.ChangePositionMargin", "notes_in do not cover delta + refund")
			e.Output.AppendFailure(KindMarginChange, ts, err)
			return MarginChangeResult{Result: failed(err)}
		}
		for _, n := range req.NotesIn {
			if n.Token != collateralToken {
				err := rollerr.New(rollerr.TokenMismatch, "execution.ChangePositionMargin", "margin note is not collateral")
				e.Output.AppendFailure(KindMarginChange, ts, err)
				return MarginChangeResult{Result: failed(err)}
			}
			if !e.leafMatches(n.Index, n.Hash()) {
				err := rollerr.New(rollerr.DoubleSpend, "execution.ChangePositionMargin", "note already spent or unknown")
				e.Output.AppendFailure(KindMarginChange, ts, err)
				return MarginChangeResult{Result: failed(err)}
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
		if hasRefund {
			e.writeNote(req.RefundNote)
		}
		for _, n := range req.NotesIn {
			if hasRefund {
				e.releaseIfUnused(merkletree.LeafNote, n.Index, refundIdx)
			} else {
				e.releaseIfUnused(merkletree.LeafNote, n.Index)
			}
		}
		pos.Margin += add
	} else {
		sub := uint64(-req.Delta)
		if sub >= pos.Margin {
			err := rollerr.New(rollerr.OverSpend, "execution.ChangePositionMargin", "delta exceeds position margin")
			e.Output.AppendFailure(KindMarginChange, ts, err)
			return MarginChangeResult{Result: failed(err)}
		}
		remaining := pos.Margin - sub
		if err := checkLeverage(pos.Header.SyntheticToken, pos.EntryPrice, pos.PositionSize, remaining); err != nil {
			e.Output.AppendFailure(KindMarginChange, ts, err)
			return MarginChangeResult{Result: failed(err)}
		}
		pos.Margin = remaining

		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: pos.Header.PositionAddress, Token: collateralToken, Amount: sub, Blinding: req.ReturnBlinding}
		e.writeNote(note)
		res.ReturnOutIndex = idx
		res.ReturnOutHash = field.String(note.Hash())
	}

	refreshRiskPrices(pos)
	e.writePosition(pos)

	res.Result = ok()
	res.PositionHash = field.String(pos.Hash())
	e.Output.AppendSuccess(KindMarginChange, ts, res)
	return res
}
