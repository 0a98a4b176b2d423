package execution

import (
	"crypto/ecdsa"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// leverageSlackBps is the tolerance on the max-leverage check: an order may
// land at up to max_leverage * 1.03, absorbing fee and rounding drift
// between signing and execution.
const leverageSlackBps = 10300

// FundingData is the funding history slice a batch carries: per-epoch rates
// and mark prices starting at MinFundingIdx, plus the epoch the batch is
// currently in. A position last touched at epoch L accrues the slice
// [L-MinFundingIdx..] and advances to CurrentFundingIdx.
type FundingData struct {
	Rates             []int64
	Prices            []uint64
	MinFundingIdx     uint32
	CurrentFundingIdx uint32
}

// sliceFrom returns the rate/price tail a position last updated at epoch
// last still has to cross.
func (f *FundingData) sliceFrom(last uint32) ([]int64, []uint64, error) {
	if last < f.MinFundingIdx {
		return nil, nil, rollerr.New(rollerr.OracleStale, "execution.FundingData", "funding history pruned past position's last epoch")
	}
	off := int(last - f.MinFundingIdx)
	if off >= len(f.Rates) {
		return nil, nil, nil
	}
	return f.Rates[off:], f.Prices[off:], nil
}

// applyFunding settles the funding accrued by p across every epoch since
// its last update, adjusting margin (clamped at zero) and advancing
// last_funding_idx to the batch's current epoch.
func (e *Engine) applyFunding(p *entities.Position, f FundingData) error {
	if f.CurrentFundingIdx == 0 || p.LastFundingIdx >= f.CurrentFundingIdx {
		return nil
	}
	rates, prices, err := f.sliceFrom(p.LastFundingIdx)
	if err != nil {
		return err
	}
	delta := perpmath.FundingDelta(p.OrderSide, p.PositionSize, rates, prices, p.Header.SyntheticToken)
	margin := int64(p.Margin) + delta
	if margin < 0 {
		margin = 0
	}
	p.Margin = uint64(margin)
	p.LastFundingIdx = f.CurrentFundingIdx
	return nil
}

// refreshRiskPrices recomputes the liquidation and bankruptcy prices after
// any mutation of size, margin, or entry price.
func refreshRiskPrices(p *entities.Position) {
	p.LiquidationPrice = perpmath.LiquidationPrice(p.OrderSide, p.EntryPrice, p.PositionSize, p.Margin, p.Header.SyntheticToken)
	p.BankruptcyPrice = perpmath.BankruptcyPrice(p.OrderSide, p.EntryPrice, p.PositionSize, p.Margin, p.Header.SyntheticToken)
}

// PerpSwapRequest binds one perpetual fill (or liquidation) to the signed
// order driving it. FillSynthetic/FillCollateral are this fill's partial
// amounts; Funding is the batch's funding history; IndexPrice is the
// oracle price a liquidation is judged at.
type PerpSwapRequest struct {
	Order          *PerpOrder
	Existing       *entities.Position // position created by a prior partial fill of this Open order
	FillSynthetic  uint64
	FillCollateral uint64
	Fee            uint64
	Funding        FundingData
	IndexPrice     uint64
}

// PerpSwapResult reports the post-state of the touched position(s) and, for
// closes and liquidations, the collateral note minted and the residual
// value left for the insurance fund.
type PerpSwapResult struct {
	Result
	Position           *entities.Position `json:"position,omitempty"`
	LiquidatorPosition *entities.Position `json:"liquidator_position,omitempty"`
	CollateralOutIndex uint64             `json:"collateral_out_index,omitempty"`
	CollateralOutHash  string             `json:"collateral_out_hash,omitempty"`
	LeftoverValue      int64              `json:"leftover_value,omitempty"`
	Filled             uint64             `json:"filled"`
}

// PerpSwap executes one fill of a perpetual order, branching on the
// order's position effect: Open spends collateral
// notes into a fresh position, Modify increases/reduces/flips an existing
// one, Close returns collateral, Liquidate settles an underwater position
// against a liquidator at the bankruptcy price.
func (e *Engine) PerpSwap(req PerpSwapRequest, ts int64) PerpSwapResult {
	release, err := e.acquireOrders(req.Order.OrderID)
	if err != nil {
		e.Output.AppendFailure(KindPerpSwap, ts, err)
		return PerpSwapResult{Result: failed(err)}
	}
	defer release()

	o := req.Order
	if o.Expiration > 0 && uint64(ts) > o.Expiration {
		err := rollerr.New(rollerr.OrderNotFound, "execution.PerpSwap", "order expired")
		e.Output.AppendFailure(KindPerpSwap, ts, err)
		return PerpSwapResult{Result: failed(err)}
	}
	if !verifyOwnerSignature(&o.Owner, o.Digest(), o.Signature) {
		err := rollerr.New(rollerr.InvalidSignature, "execution.PerpSwap", "bad order signature")
		e.Output.AppendFailure(KindPerpSwap, ts, err)
		return PerpSwapResult{Result: failed(err)}
	}
	if req.Fee > o.FeeLimit {
		err := rollerr.New(rollerr.AmountMismatch, "execution.PerpSwap", "fee exceeds order fee limit")
		e.Output.AppendFailure(KindPerpSwap, ts, err)
		return PerpSwapResult{Result: failed(err)}
	}

	fs := e.PerpTracker.Get(o.OrderID)
	if fs.FilledAmount+req.FillSynthetic > o.SyntheticAmount {
		err := rollerr.New(rollerr.OverSpend, "execution.PerpSwap", "fill exceeds order's signed synthetic amount")
		e.Output.AppendFailure(KindPerpSwap, ts, err)
		return PerpSwapResult{Result: failed(err)}
	}

	var res PerpSwapResult
	var execErr error
	switch o.Effect {
	case EffectOpen:
		res, execErr = e.perpOpen(req, fs)
	case EffectModify:
		res, execErr = e.perpModify(req, fs)
	case EffectClose:
		res, execErr = e.perpClose(req, fs)
	case EffectLiquidate:
		res, execErr = e.perpLiquidate(req, fs)
	default:
		execErr = rollerr.New(rollerr.Internal, "execution.PerpSwap", "unknown position effect")
	}
	if execErr != nil {
		e.Output.AppendFailure(KindPerpSwap, ts, execErr)
		return PerpSwapResult{Result: failed(execErr)}
	}

	fs.FilledAmount += req.FillSynthetic
	res.Filled = fs.FilledAmount
	if o.SyntheticAmount-fs.FilledAmount <= e.Dust.Of(o.SyntheticToken) {
		e.PerpTracker.Clear(o.OrderID)
	}

	res.Result = ok()
	e.Output.AppendSuccess(KindPerpSwap, ts, res)
	return res
}

// spendCollateral validates and spends the notes funding this fill's
// margin: the order's declared notes on the first fill, the tracker's
// partial-refund note afterwards. Returns the margin actually captured
// (amount - fee) after writing the new refund note.
func (e *Engine) spendCollateral(o *PerpOrder, fs *orderbook.PerpFillState, amount, fee uint64) (uint64, error) {
	var notes []*entities.Note
	if fs.SpentMargin == 0 && fs.PartialRefundNote == nil {
		notes = o.NotesIn
	} else if fs.PartialRefundNote != nil {
		notes = []*entities.Note{fs.PartialRefundNote}
	}
	var sum uint64
	for _, n := range notes {
		if n.Token != collateralToken {
			return 0, rollerr.New(rollerr.TokenMismatch, "execution.PerpSwap", "margin note is not collateral")
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			return 0, rollerr.New(rollerr.DoubleSpend, "execution.PerpSwap", "margin note already spent or unknown")
		}
		sum += n.Amount
	}
	if sum < amount {
		return 0, rollerr.New(rollerr.OverSpend, "execution.PerpSwap", "margin notes do not cover fill collateral")
	}
	if amount < fee {
		return 0, rollerr.New(rollerr.AmountMismatch, "execution.PerpSwap", "fee exceeds fill collateral")
	}

	for _, n := range notes {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
	}
	residual := sum - amount
	var refund *entities.Note
	if residual > 0 {
		refund = &entities.Note{
			Index:    notes[0].Index,
			Address:  o.Owner,
			Token:    collateralToken,
			Amount:   residual,
			Blinding: o.RefundBlinding,
		}
		e.writeNote(refund)
	}
	for _, n := range notes {
		if refund != nil {
			e.releaseIfUnused(merkletree.LeafNote, n.Index, refund.Index)
		} else {
			e.releaseIfUnused(merkletree.LeafNote, n.Index)
		}
	}
	fs.PartialRefundNote = refund
	fs.SpentMargin += amount
	return amount - fee, nil
}

// checkLeverage verifies the position's effective leverage at price stays
// within the token's tier cap plus the 3% execution slack.
func checkLeverage(token uint32, price, size, margin uint64) error {
	lev := perpmath.Leverage(token, price, size, margin)
	cap := perpmath.MaxLeverage(token, size) * leverageSlackBps / 10000
	if lev > cap {
		return rollerr.New(rollerr.LeverageExceeded, "execution.PerpSwap", "position leverage exceeds tier cap")
	}
	return nil
}

// perpOpen spends collateral notes into a new position, or piles a further
// partial fill of the same Open order onto the position its first fill
// created.
func (e *Engine) perpOpen(req PerpSwapRequest, fs *orderbook.PerpFillState) (PerpSwapResult, error) {
	o := req.Order
	price, err := PriceFromAmounts(o.SyntheticToken, collateralToken, req.FillCollateral, req.FillSynthetic)
	if err != nil {
		return PerpSwapResult{}, err
	}

	if req.Existing == nil {
		margin, err := e.spendCollateral(o, fs, proratedMargin(o, req.FillSynthetic), req.Fee)
		if err != nil {
			return PerpSwapResult{}, err
		}
		if err := checkLeverage(o.SyntheticToken, price, req.FillSynthetic, margin); err != nil {
			return PerpSwapResult{}, err
		}
		pos := &entities.Position{
			Index: e.Allocator.Allocate(merkletree.LeafPosition),
			Header: entities.PositionHeader{
				SyntheticToken:           o.SyntheticToken,
				PositionAddress:          o.Owner,
				AllowPartialLiquidations: true,
			},
			OrderSide:      o.Side,
			PositionSize:   req.FillSynthetic,
			Margin:         margin,
			EntryPrice:     price,
			LastFundingIdx: req.Funding.CurrentFundingIdx,
		}
		refreshRiskPrices(pos)
		e.writePosition(pos)
		return PerpSwapResult{Position: pos}, nil
	}

	// Subsequent partial fill: behaves as a same-side increase of the
	// position the first fill created.
	return e.increasePosition(req, fs, req.Existing, price)
}

// increasePosition grows an existing same-side position: entry price
// becomes the size-weighted average, margin grows by the freshly spent
// collateral, and the leverage cap is re-checked at the new size.
func (e *Engine) increasePosition(req PerpSwapRequest, fs *orderbook.PerpFillState, pos *entities.Position, price uint64) (PerpSwapResult, error) {
	o := req.Order
	if !e.leafMatches(pos.Index, pos.Hash()) {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "position does not match state tree")
	}
	if pos.OrderSide != o.Side {
		return PerpSwapResult{}, rollerr.New(rollerr.PositionSideMismatch, "execution.PerpSwap", "increase requires matching side")
	}
	if err := e.applyFunding(pos, req.Funding); err != nil {
		return PerpSwapResult{}, err
	}
	margin, err := e.spendCollateral(o, fs, proratedMargin(o, req.FillSynthetic), req.Fee)
	if err != nil {
		return PerpSwapResult{}, err
	}

	newSize := pos.PositionSize + req.FillSynthetic
	// Size-weighted average entry price.
	weighted := pos.EntryPrice*pos.PositionSize + price*req.FillSynthetic
	pos.EntryPrice = weighted / newSize
	pos.PositionSize = newSize
	pos.Margin += margin
	if err := checkLeverage(pos.Header.SyntheticToken, price, pos.PositionSize, pos.Margin); err != nil {
		return PerpSwapResult{}, err
	}
	refreshRiskPrices(pos)
	e.writePosition(pos)
	return PerpSwapResult{Position: pos}, nil
}

// reducePosition shrinks an existing position from the opposite side:
// realized PnL on the reduced slice flows into margin proportionally, and
// the freed margin share is minted back as a collateral note.
func (e *Engine) reducePosition(req PerpSwapRequest, pos *entities.Position, price uint64) (PerpSwapResult, error) {
	o := req.Order
	if err := e.applyFunding(pos, req.Funding); err != nil {
		return PerpSwapResult{}, err
	}

	qty := req.FillSynthetic
	marginShare := pos.Margin * qty / pos.PositionSize
	pnl := perpmath.RealizedPnL(pos.OrderSide, pos.EntryPrice, price, qty, pos.Header.SyntheticToken)

	out := int64(marginShare) + pnl - int64(req.Fee)
	if out < 0 {
		// The loss eats into the remaining margin before anything pays out.
		deficit := uint64(-out)
		remaining := pos.Margin - marginShare
		if deficit > remaining {
			deficit = remaining
		}
		pos.Margin -= marginShare + deficit
		out = 0
	} else {
		pos.Margin -= marginShare
	}
	pos.PositionSize -= qty
	refreshRiskPrices(pos)
	e.writePosition(pos)

	res := PerpSwapResult{Position: pos}
	if out > 0 {
		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: o.Owner, Token: collateralToken, Amount: uint64(out), Blinding: o.ReceiveBlinding}
		e.writeNote(note)
		res.CollateralOutIndex = idx
		res.CollateralOutHash = field.String(note.Hash())
	}
	return res, nil
}

// flipPosition closes the whole position at price and reopens the residual
// quantity on the opposite side, funded by whatever the close realized.
func (e *Engine) flipPosition(req PerpSwapRequest, pos *entities.Position, price uint64) (PerpSwapResult, error) {
	o := req.Order
	if err := e.applyFunding(pos, req.Funding); err != nil {
		return PerpSwapResult{}, err
	}

	pnl := perpmath.RealizedPnL(pos.OrderSide, pos.EntryPrice, price, pos.PositionSize, pos.Header.SyntheticToken)
	equity := int64(pos.Margin) + pnl - int64(req.Fee)
	if equity < 0 {
		equity = 0
	}
	residual := req.FillSynthetic - pos.PositionSize

	pos.OrderSide = o.Side
	pos.PositionSize = residual
	pos.Margin = uint64(equity)
	pos.EntryPrice = price
	if err := checkLeverage(pos.Header.SyntheticToken, price, pos.PositionSize, pos.Margin); err != nil {
		return PerpSwapResult{}, err
	}
	refreshRiskPrices(pos)
	e.writePosition(pos)
	return PerpSwapResult{Position: pos}, nil
}

// perpModify dispatches a Modify fill to increase, reduce, flip, or full
// close based on the order's side and quantity relative to the resting
// position.
func (e *Engine) perpModify(req PerpSwapRequest, fs *orderbook.PerpFillState) (PerpSwapResult, error) {
	o := req.Order
	pos := o.Position
	if pos == nil {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "modify requires an existing position")
	}
	if !e.leafMatches(pos.Index, pos.Hash()) {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "position does not match state tree")
	}
	if !sameOwner(&pos.Header.PositionAddress, &o.Owner) {
		return PerpSwapResult{}, rollerr.New(rollerr.InvalidSignature, "execution.PerpSwap", "order owner does not own position")
	}

	price, err := PriceFromAmounts(o.SyntheticToken, collateralToken, req.FillCollateral, req.FillSynthetic)
	if err != nil {
		return PerpSwapResult{}, err
	}
	dust := e.Dust.Of(o.SyntheticToken)

	switch {
	case o.Side == pos.OrderSide:
		return e.increasePosition(req, fs, pos, price)
	case req.FillSynthetic+dust < pos.PositionSize:
		return e.reducePosition(req, pos, price)
	case req.FillSynthetic >= pos.PositionSize+dust:
		return e.flipPosition(req, pos, price)
	default:
		// Within dust of the full size: a close in modify clothing.
		return e.closeOut(req, pos, price, pos.PositionSize)
	}
}

// closeOut settles qty of the position at price, minting the freed
// collateral (margin share plus realized PnL minus fee) as a fresh note.
// A full close zeroes the position leaf and releases its index.
func (e *Engine) closeOut(req PerpSwapRequest, pos *entities.Position, price, qty uint64) (PerpSwapResult, error) {
	o := req.Order
	if err := e.applyFunding(pos, req.Funding); err != nil {
		return PerpSwapResult{}, err
	}

	full := pos.PositionSize-qty <= e.Dust.Of(pos.Header.SyntheticToken)
	if full {
		qty = pos.PositionSize
	}
	marginShare := pos.Margin * qty / pos.PositionSize
	pnl := perpmath.RealizedPnL(pos.OrderSide, pos.EntryPrice, price, qty, pos.Header.SyntheticToken)
	out := int64(marginShare) + pnl - int64(req.Fee)
	if out < 0 {
		out = 0
	}

	res := PerpSwapResult{}
	if full {
		e.zeroLeaf(merkletree.LeafPosition, pos.Index)
		e.Allocator.Release(merkletree.LeafPosition, pos.Index)
	} else {
		pos.Margin -= marginShare
		pos.PositionSize -= qty
		refreshRiskPrices(pos)
		e.writePosition(pos)
		res.Position = pos
	}

	if out > 0 {
		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: o.Owner, Token: collateralToken, Amount: uint64(out), Blinding: o.ReceiveBlinding}
		e.writeNote(note)
		res.CollateralOutIndex = idx
		res.CollateralOutHash = field.String(note.Hash())
	}
	return res, nil
}

// perpClose validates and settles a Close order fill: full if the fill is
// within dust of the whole position, else partial.
func (e *Engine) perpClose(req PerpSwapRequest, _ *orderbook.PerpFillState) (PerpSwapResult, error) {
	o := req.Order
	pos := o.Position
	if pos == nil {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "close requires an existing position")
	}
	if !e.leafMatches(pos.Index, pos.Hash()) {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "position does not match state tree")
	}
	if !sameOwner(&pos.Header.PositionAddress, &o.Owner) {
		return PerpSwapResult{}, rollerr.New(rollerr.InvalidSignature, "execution.PerpSwap", "order owner does not own position")
	}
	if req.FillSynthetic > pos.PositionSize {
		return PerpSwapResult{}, rollerr.New(rollerr.OverSpend, "execution.PerpSwap", "close quantity exceeds position size")
	}
	price, err := PriceFromAmounts(o.SyntheticToken, collateralToken, req.FillCollateral, req.FillSynthetic)
	if err != nil {
		return PerpSwapResult{}, err
	}
	return e.closeOut(req, pos, price, req.FillSynthetic)
}

// perpLiquidate settles an underwater position against the liquidator who
// signed the order: the liquidated slice transfers at the bankruptcy
// price, the liquidator posts fresh margin, and whatever margin survives
// the mark-to-index loss is reported as leftover_value for the insurance
// fund to absorb (negative when the position is already bankrupt).
func (e *Engine) perpLiquidate(req PerpSwapRequest, fs *orderbook.PerpFillState) (PerpSwapResult, error) {
	o := req.Order
	pos := o.Position
	if pos == nil {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "liquidation requires a target position")
	}
	if !e.leafMatches(pos.Index, pos.Hash()) {
		return PerpSwapResult{}, rollerr.New(rollerr.NoteNotFound, "execution.PerpSwap", "position does not match state tree")
	}
	if pos.OrderSide == o.Side {
		return PerpSwapResult{}, rollerr.New(rollerr.PositionSideMismatch, "execution.PerpSwap", "liquidation order must oppose the position side")
	}
	if o.SyntheticToken != pos.Header.SyntheticToken {
		return PerpSwapResult{}, rollerr.New(rollerr.TokenMismatch, "execution.PerpSwap", "order and position synthetic tokens differ")
	}
	if req.IndexPrice == 0 {
		return PerpSwapResult{}, rollerr.New(rollerr.OracleStale, "execution.PerpSwap", "no index price for liquidation")
	}
	if err := e.applyFunding(pos, req.Funding); err != nil {
		return PerpSwapResult{}, err
	}

	token := pos.Header.SyntheticToken
	markPnL := perpmath.RealizedPnL(pos.OrderSide, pos.EntryPrice, req.IndexPrice, pos.PositionSize, token)
	equity := int64(pos.Margin) + markPnL
	maint := perpmath.MaintenanceMargin(token, req.IndexPrice, pos.PositionSize)
	if equity > int64(maint) {
		return PerpSwapResult{}, rollerr.New(rollerr.AmountMismatch, "execution.PerpSwap", "position is not below maintenance margin")
	}

	qty := req.FillSynthetic
	if qty == 0 || qty > pos.PositionSize {
		qty = pos.PositionSize
	}
	partial := qty < pos.PositionSize
	if partial && !perpmath.AllowsPartialLiquidation(pos.Header.AllowPartialLiquidations, token, qty) {
		qty = pos.PositionSize
		partial = false
	}

	bankruptcy := perpmath.BankruptcyPrice(pos.OrderSide, pos.EntryPrice, pos.PositionSize, pos.Margin, token)
	marginShare := pos.Margin * qty / pos.PositionSize
	leftover := int64(marginShare) + perpmath.RealizedPnL(pos.OrderSide, pos.EntryPrice, req.IndexPrice, qty, token)

	// Liquidator margin comes out of their own collateral notes.
	margin, err := e.spendCollateral(o, fs, proratedMargin(o, qty), req.Fee)
	if err != nil {
		return PerpSwapResult{}, err
	}
	if err := checkLeverage(token, req.IndexPrice, qty, margin); err != nil {
		return PerpSwapResult{}, err
	}

	// Allocate the liquidator's slot before releasing the target's, so a
	// full liquidation's zeroed leaf is not immediately reoccupied.
	liqIdx := e.Allocator.Allocate(merkletree.LeafPosition)
	if partial {
		pos.Margin -= marginShare
		pos.PositionSize -= qty
		refreshRiskPrices(pos)
		e.writePosition(pos)
	} else {
		e.zeroLeaf(merkletree.LeafPosition, pos.Index)
		e.Allocator.Release(merkletree.LeafPosition, pos.Index)
	}

	liq := &entities.Position{
		Index: liqIdx,
		Header: entities.PositionHeader{
			SyntheticToken:           token,
			PositionAddress:          o.Owner,
			AllowPartialLiquidations: true,
		},
		OrderSide:      pos.OrderSide,
		PositionSize:   qty,
		Margin:         margin,
		EntryPrice:     bankruptcy,
		LastFundingIdx: req.Funding.CurrentFundingIdx,
	}
	refreshRiskPrices(liq)
	e.writePosition(liq)

	res := PerpSwapResult{LeftoverValue: leftover, LiquidatorPosition: liq}
	if partial {
		res.Position = pos
	}
	return res, nil
}

// proratedMargin is the slice of the order's committed collateral this
// fill consumes: proportional to the fill's share of the signed synthetic
// amount, or the whole commitment for an unsized (full-liquidation) order.
func proratedMargin(o *PerpOrder, qty uint64) uint64 {
	if o.SyntheticAmount == 0 {
		return o.CollateralAmount
	}
	return o.CollateralAmount * qty / o.SyntheticAmount
}

// sameOwner compares two public keys by their affine coordinates.
func sameOwner(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil || a.X == nil || b.X == nil {
		return false
	}
	return a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0
}
