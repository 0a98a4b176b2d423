package execution

import (
	"crypto/ecdsa"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// CommitmentStore is the slice of main storage the MM executor needs: a
// one-shot lookup that asserts an onchain action was committed on-chain
// before the off-chain executor honors it, consuming the commitment so it
// can never authorize a second action.
type CommitmentStore interface {
	ConsumeCommitment(actionID uint64, kind string, dataHash field.Element) error
}

// mmDataHash folds an MM action's economic terms into the field element
// the on-chain commitment must have pledged.
func mmDataHash(elems ...field.Element) field.Element {
	return field.FromBytes(field.DigestFields(elems...))
}

// consumeCommitment asserts and consumes the commitment for actionID, or
// reports CommitmentMissing when no store is wired or the lookup fails.
func (e *Engine) consumeCommitment(actionID uint64, kind string, dataHash field.Element) error {
	if e.Commitments == nil {
		return rollerr.New(rollerr.CommitmentMissing, "execution.consumeCommitment", "no commitment store configured")
	}
	if err := e.Commitments.ConsumeCommitment(actionID, kind, dataHash); err != nil {
		return rollerr.Wrap(rollerr.CommitmentMissing, "execution.consumeCommitment", err)
	}
	return nil
}

// MMRegisterRequest turns an existing position into a registered
// market-maker pool: its VLP token and supply cap are fixed, and the
// initial VLP supply is set one-to-one with the position's margin so cost
// basis starts at par.
type MMRegisterRequest struct {
	ActionID     uint64
	Position     *entities.Position
	VlpToken     uint32
	MaxVlpSupply uint64
}

// MMResult is the shared response shape of every onchain MM action.
// FeeTaken is the performance fee carved out of the redeemed value; it
// leaves the pool along with the payout and is reported here for the
// settlement layer to collect.
type MMResult struct {
	Result
	PositionHash string `json:"position_hash,omitempty"`
	VlpOutIndex  uint64 `json:"vlp_out_index,omitempty"`
	VlpOutHash   string `json:"vlp_out_hash,omitempty"`
	ReturnIndex  uint64 `json:"return_index,omitempty"`
	ReturnHash   string `json:"return_hash,omitempty"`
	FeeTaken     uint64 `json:"mm_fee,omitempty"`
}

// OnchainRegisterMM registers a position as an MM pool after asserting the
// matching on-chain commitment. A position with live VLP supply is already
// a pool and cannot register twice.
func (e *Engine) OnchainRegisterMM(req MMRegisterRequest, ts int64) MMResult {
	pos := req.Position
	if pos == nil || !e.leafMatches(pos.Index, pos.Hash()) {
		err := rollerr.New(rollerr.NoteNotFound, "execution.OnchainRegisterMM", "position does not match state tree")
		e.Output.AppendFailure(KindMMRegister, ts, err)
		return MMResult{Result: failed(err)}
	}
	if pos.VlpSupply > 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainRegisterMM", "position already registered as MM")
		e.Output.AppendFailure(KindMMRegister, ts, err)
		return MMResult{Result: failed(err)}
	}
	dataHash := mmDataHash(pos.Hash(), field.FromUint64(uint64(req.VlpToken)), field.FromUint64(req.MaxVlpSupply))
	if err := e.consumeCommitment(req.ActionID, "register_mm", dataHash); err != nil {
		e.Output.AppendFailure(KindMMRegister, ts, err)
		return MMResult{Result: failed(err)}
	}

	pos.Header.VlpToken = req.VlpToken
	pos.Header.MaxVlpSupply = req.MaxVlpSupply
	pos.VlpSupply = pos.Margin
	e.writePosition(pos)

	res := MMResult{Result: ok(), PositionHash: field.String(pos.Hash())}
	e.Output.AppendSuccess(KindMMRegister, ts, res)
	return res
}

// MMAddLiquidityRequest deposits collateral notes into a registered MM
// position, minting VLP receipt notes pro-rata to the depositor.
type MMAddLiquidityRequest struct {
	ActionID    uint64
	Position    *entities.Position
	Depositor   ecdsa.PublicKey
	NotesIn     []*entities.Note
	VlpBlinding field.Element
}

// OnchainAddLiquidity folds the depositor's collateral into the MM
// position's margin and mints VLP shares at the pool's current
// margin-per-share rate. The deposited value is recorded in the receipt as
// the holder's cost basis for the redemption fee.
func (e *Engine) OnchainAddLiquidity(req MMAddLiquidityRequest, ts int64) MMResult {
	pos := req.Position
	if pos == nil || !e.leafMatches(pos.Index, pos.Hash()) {
		err := rollerr.New(rollerr.NoteNotFound, "execution.OnchainAddLiquidity", "position does not match state tree")
		e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}
	if pos.VlpSupply == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainAddLiquidity", "position is not a registered MM pool")
		e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}

	var sum uint64
	hashes := make([]field.Element, 0, len(req.NotesIn)+1)
	hashes = append(hashes, pos.Hash())
	for _, n := range req.NotesIn {
		if n.Token != collateralToken {
			err := rollerr.New(rollerr.TokenMismatch, "execution.OnchainAddLiquidity", "liquidity note is not collateral")
			e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
			return MMResult{Result: failed(err)}
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			err := rollerr.New(rollerr.DoubleSpend, "execution.OnchainAddLiquidity", "liquidity note already spent or unknown")
			e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
			return MMResult{Result: failed(err)}
		}
		sum += n.Amount
		hashes = append(hashes, n.Hash())
	}
	if sum == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainAddLiquidity", "no liquidity supplied")
		e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}

	// Shares at the pool's current margin-per-share rate.
	minted := sum * pos.VlpSupply / pos.Margin
	if pos.VlpSupply+minted > pos.Header.MaxVlpSupply {
		err := rollerr.New(rollerr.OverSpend, "execution.OnchainAddLiquidity", "vlp supply cap exceeded")
		e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}
	if err := e.consumeCommitment(req.ActionID, "add_liquidity", mmDataHash(hashes...)); err != nil {
		e.Output.AppendFailure(KindMMAddLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}

	// The receipt index is taken before the spent notes are released, so
	// the receipt never lands on a note slot spent here.
	vlpIdx := e.Allocator.Allocate(merkletree.LeafNote)
	for _, n := range req.NotesIn {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
		e.releaseIfUnused(merkletree.LeafNote, n.Index)
	}
	pos.Margin += sum
	pos.VlpSupply += minted
	e.writePosition(pos)

	depositorNote := entities.Note{Address: req.Depositor}
	vlp := entities.NewVLPNote(vlpIdx, depositorNote, pos.Header.VlpToken, minted, sum, req.VlpBlinding)
	e.writeVLPNote(vlp)

	res := MMResult{
		Result:       ok(),
		PositionHash: field.String(pos.Hash()),
		VlpOutIndex:  vlpIdx,
		VlpOutHash:   field.String(vlp.Hash()),
	}
	e.Output.AppendSuccess(KindMMAddLiquidity, ts, res)
	return res
}

// MMRemoveLiquidityRequest burns VLP receipt notes against a registered MM
// position, returning the share's collateral value minus the performance
// fee on any gain over the receipts' recorded cost basis.
type MMRemoveLiquidityRequest struct {
	ActionID       uint64
	Position       *entities.Position
	VlpNotes       []*entities.VLPNote
	ReturnBlinding field.Element
}

// OnchainRemoveLiquidity redeems VLP shares. The share value (the burned
// shares' pro-rata slice of the pool margin) leaves the pool in full; the
// holder's payout is that value minus the 20% performance fee on any gain
// over the receipts' initial value, clamped at zero, with the fee reported
// for the settlement layer rather than re-credited to the pool.
func (e *Engine) OnchainRemoveLiquidity(req MMRemoveLiquidityRequest, ts int64) MMResult {
	pos := req.Position
	if pos == nil || !e.leafMatches(pos.Index, pos.Hash()) {
		err := rollerr.New(rollerr.NoteNotFound, "execution.OnchainRemoveLiquidity", "position does not match state tree")
		e.Output.AppendFailure(KindMMRemoveLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}
	if pos.VlpSupply == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainRemoveLiquidity", "position is not a registered MM pool")
		e.Output.AppendFailure(KindMMRemoveLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}

	var burned, initialValue uint64
	hashes := make([]field.Element, 0, len(req.VlpNotes)+1)
	hashes = append(hashes, pos.Hash())
	for _, n := range req.VlpNotes {
		if n.Token != pos.Header.VlpToken {
			err := rollerr.New(rollerr.TokenMismatch, "execution.OnchainRemoveLiquidity", "note is not this pool's vlp token")
			e.Output.AppendFailure(KindMMRemoveLiquidity, ts, err)
			return MMResult{Result: failed(err)}
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			err := rollerr.New(rollerr.DoubleSpend, "execution.OnchainRemoveLiquidity", "vlp note already spent or unknown")
			e.Output.AppendFailure(KindMMRemoveLiquidity, ts, err)
			return MMResult{Result: failed(err)}
		}
		burned += n.Amount
		initialValue += n.InitialValue
		hashes = append(hashes, n.Hash())
	}
	if burned == 0 || burned > pos.VlpSupply {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainRemoveLiquidity", "vlp burn amount out of range")
		e.Output.AppendFailure(KindMMRemoveLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}
	if err := e.consumeCommitment(req.ActionID, "remove_liquidity", mmDataHash(hashes...)); err != nil {
		e.Output.AppendFailure(KindMMRemoveLiquidity, ts, err)
		return MMResult{Result: failed(err)}
	}

	shareValue := burned * pos.Margin / pos.VlpSupply
	fee := mmPerformanceFee(shareValue, initialValue, e.Fees.MMPerformanceFeeBps)
	payout := shareValue - fee

	owner := req.VlpNotes[0].Address
	// The payout index is taken before the burned receipts are released,
	// so the payout never lands on a receipt slot spent here.
	var payoutIdx uint64
	if payout > 0 {
		payoutIdx = e.Allocator.Allocate(merkletree.LeafNote)
	}
	for _, n := range req.VlpNotes {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
		e.releaseIfUnused(merkletree.LeafNote, n.Index)
	}
	// The full share value leaves the pool; the fee comes out of the
	// holder's payout, not out of the remaining holders' margin.
	pos.Margin -= shareValue
	pos.VlpSupply -= burned
	refreshRiskPrices(pos)
	e.writePosition(pos)

	res := MMResult{Result: ok(), PositionHash: field.String(pos.Hash()), FeeTaken: fee}
	if payout > 0 {
		note := &entities.Note{Index: payoutIdx, Address: owner, Token: collateralToken, Amount: payout, Blinding: req.ReturnBlinding}
		e.writeNote(note)
		res.ReturnIndex = payoutIdx
		res.ReturnHash = field.String(note.Hash())
	}
	e.Output.AppendSuccess(KindMMRemoveLiquidity, ts, res)
	return res
}

// MMCloseRequest winds down a registered MM pool: every outstanding
// external share is redeemed at once, summed over the holders'
// receipts. The operator's residual margin stays behind as an ordinary
// position.
type MMCloseRequest struct {
	ActionID        uint64
	Position        *entities.Position
	InitialValueSum uint64 // summed cost basis of the redeemed shares
	VlpAmountSum    uint64 // summed share count being redeemed
	ReturnBlinding  field.Element
}

// OnchainCloseMM closes the MM pool: the redeemed shares' full value
// leaves the pool margin, the 20% performance fee on the gain over the
// summed initial value comes out of the payout, and the VLP supply drops
// to zero so the position is no longer a pool.
func (e *Engine) OnchainCloseMM(req MMCloseRequest, ts int64) MMResult {
	pos := req.Position
	if pos == nil || !e.leafMatches(pos.Index, pos.Hash()) {
		err := rollerr.New(rollerr.NoteNotFound, "execution.OnchainCloseMM", "position does not match state tree")
		e.Output.AppendFailure(KindMMCloseMM, ts, err)
		return MMResult{Result: failed(err)}
	}
	if pos.VlpSupply == 0 {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainCloseMM", "position is not a registered MM pool")
		e.Output.AppendFailure(KindMMCloseMM, ts, err)
		return MMResult{Result: failed(err)}
	}
	if req.VlpAmountSum == 0 || req.VlpAmountSum > pos.VlpSupply {
		err := rollerr.New(rollerr.AmountMismatch, "execution.OnchainCloseMM", "vlp amount sum out of range")
		e.Output.AppendFailure(KindMMCloseMM, ts, err)
		return MMResult{Result: failed(err)}
	}
	dataHash := mmDataHash(pos.Hash(), field.FromUint64(req.InitialValueSum), field.FromUint64(req.VlpAmountSum))
	if err := e.consumeCommitment(req.ActionID, "close_mm", dataHash); err != nil {
		e.Output.AppendFailure(KindMMCloseMM, ts, err)
		return MMResult{Result: failed(err)}
	}

	returnCollateral := req.VlpAmountSum * pos.Margin / pos.VlpSupply
	fee := mmPerformanceFee(returnCollateral, req.InitialValueSum, e.Fees.MMPerformanceFeeBps)
	payout := returnCollateral - fee

	pos.Margin -= returnCollateral
	pos.VlpSupply = 0
	refreshRiskPrices(pos)
	e.writePosition(pos)

	res := MMResult{Result: ok(), PositionHash: field.String(pos.Hash()), FeeTaken: fee}
	if payout > 0 {
		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: pos.Header.PositionAddress, Token: collateralToken, Amount: payout, Blinding: req.ReturnBlinding}
		e.writeNote(note)
		res.ReturnIndex = idx
		res.ReturnHash = field.String(note.Hash())
	}
	e.Output.AppendSuccess(KindMMCloseMM, ts, res)
	return res
}

// mmPerformanceFee is feeBps of the positive part of (value - costBasis),
// clamped at zero for flat or losing redemptions.
func mmPerformanceFee(value, costBasis, feeBps uint64) uint64 {
	if value <= costBasis {
		return 0
	}
	return (value - costBasis) * feeBps / 10000
}
