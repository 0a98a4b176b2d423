package execution

import (
	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// TabOpenRequest spends a set of base notes and a set of quote notes into
// a single order-tab leaf.
type TabOpenRequest struct {
	Header     entities.TabHeader
	BaseNotes  []*entities.Note
	QuoteNotes []*entities.Note
	Signature  []byte
}

// Digest is the signing payload: the header hash followed by every
// funding note hash.
func (r *TabOpenRequest) Digest() []byte {
	elems := []field.Element{r.Header.Hash()}
	for _, n := range r.BaseNotes {
		elems = append(elems, n.Hash())
	}
	for _, n := range r.QuoteNotes {
		elems = append(elems, n.Hash())
	}
	return field.DigestFields(elems...)
}

// TabOpenResult reports the new tab's index and hash.
type TabOpenResult struct {
	Result
	TabIdx  uint64 `json:"tab_idx,omitempty"`
	TabHash string `json:"tab_hash,omitempty"`
}

// OpenOrderTab folds the supplied base and quote notes into a fresh tab
// leaf owned by the header's public key. All funding notes must be owned
// by that same key; the tab amounts are exactly the note sums.
func (e *Engine) OpenOrderTab(req TabOpenRequest, ts int64) TabOpenResult {
	if len(req.BaseNotes) == 0 || len(req.QuoteNotes) == 0 {
		err := rollerr.New(rollerr.NoteNotFound, "execution.OpenOrderTab", "tab open requires base and quote notes")
		e.Output.AppendFailure(KindTabOpen, ts, err)
		return TabOpenResult{Result: failed(err)}
	}
	if !verifyOwnerSignature(&req.Header.PubKey, req.Digest(), req.Signature) {
		err := rollerr.New(rollerr.InvalidSignature, "execution.OpenOrderTab", "bad signature")
		e.Output.AppendFailure(KindTabOpen, ts, err)
		return TabOpenResult{Result: failed(err)}
	}

	var baseSum, quoteSum uint64
	for _, n := range append(append([]*entities.Note(nil), req.BaseNotes...), req.QuoteNotes...) {
		if !sameOwner(&n.Address, &req.Header.PubKey) {
			err := rollerr.New(rollerr.InvalidSignature, "execution.OpenOrderTab", "funding note not owned by tab key")
			e.Output.AppendFailure(KindTabOpen, ts, err)
			return TabOpenResult{Result: failed(err)}
		}
	}
	for _, n := range req.BaseNotes {
		if n.Token != req.Header.BaseToken {
			err := rollerr.New(rollerr.TokenMismatch, "execution.OpenOrderTab", "base note token mismatch")
			e.Output.AppendFailure(KindTabOpen, ts, err)
			return TabOpenResult{Result: failed(err)}
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			err := rollerr.New(rollerr.DoubleSpend, "execution.OpenOrderTab", "base note already spent or unknown")
			e.Output.AppendFailure(KindTabOpen, ts, err)
			return TabOpenResult{Result: failed(err)}
		}
		baseSum += n.Amount
	}
	for _, n := range req.QuoteNotes {
		if n.Token != req.Header.QuoteToken {
			err := rollerr.New(rollerr.TokenMismatch, "execution.OpenOrderTab", "quote note token mismatch")
			e.Output.AppendFailure(KindTabOpen, ts, err)
			return TabOpenResult{Result: failed(err)}
		}
		if !e.leafMatches(n.Index, n.Hash()) {
			err := rollerr.New(rollerr.DoubleSpend, "execution.OpenOrderTab", "quote note already spent or unknown")
			e.Output.AppendFailure(KindTabOpen, ts, err)
			return TabOpenResult{Result: failed(err)}
		}
		quoteSum += n.Amount
	}

	for _, n := range req.BaseNotes {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
		e.releaseIfUnused(merkletree.LeafNote, n.Index)
	}
	for _, n := range req.QuoteNotes {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
		e.releaseIfUnused(merkletree.LeafNote, n.Index)
	}

	tab := &entities.OrderTab{
		TabIdx:      e.Allocator.Allocate(merkletree.LeafOrderTab),
		Header:      req.Header,
		BaseAmount:  baseSum,
		QuoteAmount: quoteSum,
	}
	e.writeTab(tab)

	res := TabOpenResult{Result: ok(), TabIdx: tab.TabIdx, TabHash: field.String(tab.Hash())}
	e.Output.AppendSuccess(KindTabOpen, ts, res)
	return res
}

// TabCloseRequest inverses a tab (fully or partially) back into a base and
// a quote return note.
type TabCloseRequest struct {
	Tab             *entities.OrderTab
	BaseAmount      uint64 // base units to withdraw
	QuoteAmount     uint64 // quote units to withdraw
	BaseBlinding    field.Element
	QuoteBlinding   field.Element
	Signature       []byte
}

// Digest is the signing payload: the tab's current hash and the two
// withdrawal amounts.
func (r *TabCloseRequest) Digest() []byte {
	return field.DigestFields(
		r.Tab.Hash(),
		field.FromUint64(r.BaseAmount),
		field.FromUint64(r.QuoteAmount),
	)
}

// TabCloseResult reports the two return notes and, for a partial close,
// the reduced tab's new hash.
type TabCloseResult struct {
	Result
	BaseOutIndex  uint64 `json:"base_out_index,omitempty"`
	BaseOutHash   string `json:"base_out_hash,omitempty"`
	QuoteOutIndex uint64 `json:"quote_out_index,omitempty"`
	QuoteOutHash  string `json:"quote_out_hash,omitempty"`
	TabHash       string `json:"tab_hash,omitempty"`
}

// CloseOrderTab withdraws base and quote amounts from a tab into two
// return notes, destroying the tab leaf when both sides are drained and
// rewriting the reduced tab otherwise.
func (e *Engine) CloseOrderTab(req TabCloseRequest, ts int64) TabCloseResult {
	tab := req.Tab
	if tab == nil {
		err := rollerr.New(rollerr.NoteNotFound, "execution.CloseOrderTab", "missing tab")
		e.Output.AppendFailure(KindTabClose, ts, err)
		return TabCloseResult{Result: failed(err)}
	}
	if !e.leafMatches(tab.TabIdx, tab.Hash()) {
		err := rollerr.New(rollerr.NoteNotFound, "execution.CloseOrderTab", "tab does not match state tree")
		e.Output.AppendFailure(KindTabClose, ts, err)
		return TabCloseResult{Result: failed(err)}
	}
	if !verifyOwnerSignature(&tab.Header.PubKey, req.Digest(), req.Signature) {
		err := rollerr.New(rollerr.InvalidSignature, "execution.CloseOrderTab", "bad signature")
		e.Output.AppendFailure(KindTabClose, ts, err)
		return TabCloseResult{Result: failed(err)}
	}
	if req.BaseAmount > tab.BaseAmount || req.QuoteAmount > tab.QuoteAmount {
		err := rollerr.New(rollerr.OverSpend, "execution.CloseOrderTab", "withdrawal exceeds tab balance")
		e.Output.AppendFailure(KindTabClose, ts, err)
		return TabCloseResult{Result: failed(err)}
	}

	res := TabCloseResult{}
	if req.BaseAmount > 0 {
		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: tab.Header.PubKey, Token: tab.Header.BaseToken, Amount: req.BaseAmount, Blinding: req.BaseBlinding}
		e.writeNote(note)
		res.BaseOutIndex = idx
		res.BaseOutHash = field.String(note.Hash())
	}
	if req.QuoteAmount > 0 {
		idx := e.Allocator.Allocate(merkletree.LeafNote)
		note := &entities.Note{Index: idx, Address: tab.Header.PubKey, Token: tab.Header.QuoteToken, Amount: req.QuoteAmount, Blinding: req.QuoteBlinding}
		e.writeNote(note)
		res.QuoteOutIndex = idx
		res.QuoteOutHash = field.String(note.Hash())
	}

	tab.BaseAmount -= req.BaseAmount
	tab.QuoteAmount -= req.QuoteAmount
	if tab.IsZero() {
		e.zeroLeaf(merkletree.LeafOrderTab, tab.TabIdx)
		e.Allocator.Release(merkletree.LeafOrderTab, tab.TabIdx)
	} else {
		e.writeTab(tab)
		res.TabHash = field.String(tab.Hash())
	}

	res.Result = ok()
	e.Output.AppendSuccess(KindTabClose, ts, res)
	return res
}
