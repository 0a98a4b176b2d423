package execution

import (
	"crypto/ecdsa"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// EscapeRequest is the adversarial exit path: the owners of the named
// entities jointly sign (escape_id, entities) with the curve-point sum of
// their public keys, asking the core to zero the leaves so the on-chain
// contract can release the assets.
type EscapeRequest struct {
	EscapeID  uint64
	Notes     []*entities.Note
	Positions []*entities.Position
	Tabs      []*entities.OrderTab
	Signature []byte
}

// Digest is the signing payload: the escape id followed by every claimed
// entity hash, in request order.
func (r *EscapeRequest) Digest() []byte {
	elems := []field.Element{field.FromUint64(r.EscapeID)}
	for _, n := range r.Notes {
		elems = append(elems, n.Hash())
	}
	for _, p := range r.Positions {
		elems = append(elems, p.Hash())
	}
	for _, t := range r.Tabs {
		elems = append(elems, t.Hash())
	}
	return field.DigestFields(elems...)
}

// owners collects the owner key of every claimed entity, in request order.
// Keys are not deduplicated: an owner of several entities appears once per
// entity.
func (r *EscapeRequest) owners() []*ecdsa.PublicKey {
	var pubs []*ecdsa.PublicKey
	for _, n := range r.Notes {
		pubs = append(pubs, &n.Address)
	}
	for _, p := range r.Positions {
		pubs = append(pubs, &p.Header.PositionAddress)
	}
	for _, t := range r.Tabs {
		pubs = append(pubs, &t.Header.PubKey)
	}
	return pubs
}

// CounterEvidence is what the core records when an escape's claim does not
// match the ledger: the index and the leaf hash actually found there, for
// the on-chain contract to arbitrate against the claimed value.
type CounterEvidence struct {
	Index    uint64 `json:"index"`
	LeafHash string `json:"leaf_hash"`
}

// EscapeResult reports whether the escape was honored. An invalid escape
// is still a successfully processed transaction: it records the refusal
// and the evidence, and mutates nothing.
type EscapeResult struct {
	Result
	EscapeID        uint64            `json:"escape_id"`
	IsValid         bool              `json:"is_valid"`
	CounterEvidence []CounterEvidence `json:"counter_evidence,omitempty"`
}

// Escape verifies the aggregate owner signature over (escape_id, entities)
// and the ledger membership of every claimed entity. Both holding, it
// zeroes the leaves. A bad signature is recorded as an invalid escape with
// no counter-evidence; a claimed entity that does not match its leaf is
// recorded with the leaf hash actually found there. An invalid escape
// leaves the tree untouched.
func (e *Engine) Escape(req EscapeRequest, ts int64) EscapeResult {
	if len(req.Notes)+len(req.Positions)+len(req.Tabs) == 0 {
		err := rollerr.New(rollerr.NoteNotFound, "execution.Escape", "escape names no entities")
		e.Output.AppendFailure(KindEscape, ts, err)
		return EscapeResult{Result: failed(err), EscapeID: req.EscapeID}
	}

	aggregate := field.AggregatePubKeys(req.owners()...)
	if !verifyOwnerSignature(aggregate, req.Digest(), req.Signature) {
		res := EscapeResult{Result: ok(), EscapeID: req.EscapeID, IsValid: false}
		e.Output.AppendSuccess(KindEscape, ts, res)
		return res
	}

	var evidence []CounterEvidence
	check := func(index uint64, want field.Element) {
		leaf := e.Tree.GetLeaf(index)
		if !field.Equal(leaf.Hash, want) {
			evidence = append(evidence, CounterEvidence{Index: index, LeafHash: field.String(leaf.Hash)})
		}
	}
	for _, n := range req.Notes {
		check(n.Index, n.Hash())
	}
	for _, p := range req.Positions {
		check(p.Index, p.Hash())
	}
	for _, t := range req.Tabs {
		check(t.TabIdx, t.Hash())
	}
	if len(evidence) > 0 {
		res := EscapeResult{Result: ok(), EscapeID: req.EscapeID, IsValid: false, CounterEvidence: evidence}
		e.Output.AppendSuccess(KindEscape, ts, res)
		return res
	}

	for _, n := range req.Notes {
		e.zeroLeaf(merkletree.LeafNote, n.Index)
		e.releaseIfUnused(merkletree.LeafNote, n.Index)
	}
	for _, p := range req.Positions {
		e.zeroLeaf(merkletree.LeafPosition, p.Index)
		e.Allocator.Release(merkletree.LeafPosition, p.Index)
	}
	for _, t := range req.Tabs {
		e.zeroLeaf(merkletree.LeafOrderTab, t.TabIdx)
		e.Allocator.Release(merkletree.LeafOrderTab, t.TabIdx)
	}

	res := EscapeResult{Result: ok(), EscapeID: req.EscapeID, IsValid: true}
	e.Output.AppendSuccess(KindEscape, ts, res)
	return res
}
