package execution

import (
	"sort"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// SpotSwapRequest binds one matching-engine fill to the two signed orders
// it crossed: SpentBase/SpentQuote are the partial amounts actually
// exchanged this fill, FeeTaker/FeeMaker the fees deducted from what each
// side receives (computed upstream from the fee schedule).
type SpotSwapRequest struct {
	Taker      *SpotOrder
	Maker      *SpotOrder
	SpentBase  uint64
	SpentQuote uint64
	FeeTaker   uint64
	FeeMaker   uint64
}

// SpotSwapResult reports the output notes each side received.
type SpotSwapResult struct {
	Result
	TakerOutIndex uint64 `json:"taker_out_index,omitempty"`
	TakerOutHash  string `json:"taker_out_hash,omitempty"`
	MakerOutIndex uint64 `json:"maker_out_index,omitempty"`
	MakerOutHash  string `json:"maker_out_hash,omitempty"`
	TakerFilled   uint64 `json:"taker_filled"`
	MakerFilled   uint64 `json:"maker_filled"`
}

// legPlan is the staged, validated effect of one order's side of a swap.
// Validation produces a plan for both legs before either leg mutates the
// tree, so an error in the second leg never leaves the first half-applied.
type legPlan struct {
	order    *SpotOrder
	fs       *orderbook.SpotFillState
	spend    uint64
	receive  uint64
	fee      uint64
	notes    []*entities.Note
	notesSum uint64
}

// SpotSwap executes one fill between a taker and a maker order: both legs
// are validated pre-mutation (signatures, unspent notes, over-spend and fee
// bounds), then applied atomically: spent notes zeroed, refund and output
// notes written, partial-fill trackers advanced. Per-order serialization
// against concurrent fills of the same order id is enforced via the
// blocked-order set before any tracker state is read.
func (e *Engine) SpotSwap(req SpotSwapRequest, ts int64) SpotSwapResult {
	release, err := e.acquireOrders(req.Taker.OrderID, req.Maker.OrderID)
	if err != nil {
		e.Output.AppendFailure(KindSpotSwap, ts, err)
		return SpotSwapResult{Result: failed(err)}
	}
	defer release()

	taker, err := e.planSpotLeg(req.Taker, req.SpentBase, req.SpentQuote, req.FeeTaker, ts)
	if err != nil {
		e.Output.AppendFailure(KindSpotSwap, ts, err)
		return SpotSwapResult{Result: failed(err)}
	}
	maker, err := e.planSpotLeg(req.Maker, req.SpentBase, req.SpentQuote, req.FeeMaker, ts)
	if err != nil {
		e.Output.AppendFailure(KindSpotSwap, ts, err)
		return SpotSwapResult{Result: failed(err)}
	}
	if taker.order.TokenSpent != maker.order.TokenReceived || taker.order.TokenReceived != maker.order.TokenSpent {
		err := rollerr.New(rollerr.TokenMismatch, "execution.SpotSwap", "orders do not trade mirrored tokens")
		e.Output.AppendFailure(KindSpotSwap, ts, err)
		return SpotSwapResult{Result: failed(err)}
	}

	// Both output indices are taken before either leg releases its spent
	// notes, so no output note lands on a slot spent in this same swap.
	var takerOut, makerOut uint64
	if taker.receive > taker.fee {
		takerOut = e.Allocator.Allocate(merkletree.LeafNote)
	}
	if maker.receive > maker.fee {
		makerOut = e.Allocator.Allocate(merkletree.LeafNote)
	}
	takerIdx, takerHash := e.applySpotLeg(taker, takerOut)
	makerIdx, makerHash := e.applySpotLeg(maker, makerOut)

	res := SpotSwapResult{
		Result:        ok(),
		TakerOutIndex: takerIdx,
		TakerOutHash:  takerHash,
		MakerOutIndex: makerIdx,
		MakerOutHash:  makerHash,
		TakerFilled:   taker.fs.FilledAmount,
		MakerFilled:   maker.fs.FilledAmount,
	}
	e.Output.AppendSuccess(KindSpotSwap, ts, res)
	return res
}

// acquireOrders blocks both order ids in lexicographic order (so two swaps
// touching the same pair can never deadlock against each other) and
// returns a release closure.
func (e *Engine) acquireOrders(ids ...string) (func(), error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	acquired := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if !e.Blocked.Acquire(id, e.BlockedMaxWait) {
			for _, a := range acquired {
				e.Blocked.Release(a)
			}
			return nil, rollerr.New(rollerr.Internal, "execution.acquireOrders", "order "+id+" is busy, retry")
		}
		acquired = append(acquired, id)
	}
	return func() {
		for _, a := range acquired {
			e.Blocked.Release(a)
		}
	}, nil
}

// planSpotLeg validates one order's side of the fill without mutating
// anything: signature, expiration, over-spend and fee bounds, and that the
// notes funding this fill are unspent in the tree.
func (e *Engine) planSpotLeg(o *SpotOrder, spentBase, spentQuote, fee uint64, ts int64) (*legPlan, error) {
	// The fill's base amount is whichever leg matches this order's spend
	// token; the counter-amount is what it receives.
	spend, receive := spentBase, spentQuote
	if isQuoteSpend(o) {
		spend, receive = spentQuote, spentBase
	}

	if o.Expiration > 0 && uint64(ts) > o.Expiration {
		return nil, rollerr.New(rollerr.OrderNotFound, "execution.SpotSwap", "order expired")
	}
	if !verifyOwnerSignature(&o.Owner, o.Digest(), o.Signature) {
		return nil, rollerr.New(rollerr.InvalidSignature, "execution.SpotSwap", "bad order signature")
	}
	if fee > o.FeeLimit {
		return nil, rollerr.New(rollerr.AmountMismatch, "execution.SpotSwap", "fee exceeds order fee limit")
	}
	if receive < fee {
		return nil, rollerr.New(rollerr.AmountMismatch, "execution.SpotSwap", "fee exceeds received amount")
	}

	fs := e.SpotTracker.Get(o.OrderID)
	if fs.FilledAmount+spend > o.AmountSpent {
		return nil, rollerr.New(rollerr.OverSpend, "execution.SpotSwap", "fill exceeds order's signed spend amount")
	}

	var notes []*entities.Note
	if fs.FilledAmount == 0 && fs.RefundNote == nil {
		notes = o.NotesIn
	} else if fs.RefundNote != nil {
		notes = []*entities.Note{fs.RefundNote}
	}
	var sum uint64
	for _, n := range notes {
		if n.Token != o.TokenSpent {
			return nil, rollerr.New(rollerr.TokenMismatch, "execution.SpotSwap", "funding note token mismatch")
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			return nil, rollerr.New(rollerr.DoubleSpend, "execution.SpotSwap", "funding note already spent or unknown")
		}
		sum += n.Amount
	}
	if sum < spend {
		return nil, rollerr.New(rollerr.OverSpend, "execution.SpotSwap", "funding notes do not cover fill amount")
	}

	return &legPlan{order: o, fs: fs, spend: spend, receive: receive, fee: fee, notes: notes, notesSum: sum}, nil
}

// applySpotLeg mutates the tree for one validated leg: zeroes the spent
// notes, writes the partial-fill refund carrying the unspent remainder,
// mints the output note at the caller-allocated outIdx, and advances the
// tracker, clearing it once the cumulative fill is within dust of the
// signed amount.
func (e *Engine) applySpotLeg(p *legPlan, outIdx uint64) (uint64, string) {
	o := p.order
	var outHash string

	for _, n := range p.notes {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
	}

	residual := p.notesSum - p.spend
	var refund *entities.Note
	if residual > 0 {
		refund = &entities.Note{
			Index:    p.notes[0].Index,
			Address:  o.Owner,
			Token:    o.TokenSpent,
			Amount:   residual,
			Blinding: o.RefundBlinding,
		}
		e.writeNote(refund)
	}
	for _, n := range p.notes {
		if refund != nil {
			e.releaseIfUnused(merkletree.LeafNote, n.Index, refund.Index)
		} else {
			e.releaseIfUnused(merkletree.LeafNote, n.Index)
		}
	}

	outAmount := p.receive - p.fee
	if outAmount > 0 {
		out := &entities.Note{Index: outIdx, Address: o.Owner, Token: o.TokenReceived, Amount: outAmount, Blinding: o.ReceiveBlinding}
		e.writeNote(out)
		outHash = field.String(out.Hash())
	}

	p.fs.RefundNote = refund
	p.fs.FilledAmount += p.spend
	if o.AmountSpent-p.fs.FilledAmount <= e.Dust.Of(o.TokenSpent) {
		e.SpotTracker.Clear(o.OrderID)
	}
	return outIdx, outHash
}

// isQuoteSpend reports whether the order spends the canonical collateral
// (the quote leg) rather than the base asset.
func isQuoteSpend(o *SpotOrder) bool {
	return o.TokenSpent == collateralToken
}
