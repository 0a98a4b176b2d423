package execution

import (
	"crypto/ecdsa"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
)

// SpotOrder is the signature-bearing payload behind a spot limit or market
// order: what the owner is willing to spend, what they demand in return,
// which notes fund it, and how any unfilled remainder is refunded. The
// matching engine only ever sees (order_id, side, price, qty, user_id);
// this struct is what the execution pipeline authenticates fills against.
type SpotOrder struct {
	OrderID        string
	Owner          ecdsa.PublicKey
	TokenSpent     uint32
	TokenReceived  uint32
	AmountSpent    uint64 // total the order commits to spend
	AmountReceived uint64 // minimum total to receive across all fills
	FeeLimit       uint64 // max cumulative fee the owner accepts
	NotesIn        []*entities.Note
	RefundBlinding  field.Element // blinding for partial-fill refund notes
	ReceiveBlinding field.Element // blinding for minted output notes
	Expiration     uint64
	Signature      []byte
}

// Digest is the Keccak payload the order's ECDSA signature covers: the
// funding note hashes plus every economic term, so no field can be bent
// after signing.
func (o *SpotOrder) Digest() []byte {
	elems := make([]field.Element, 0, len(o.NotesIn)+6)
	for _, n := range o.NotesIn {
		elems = append(elems, n.Hash())
	}
	elems = append(elems,
		field.FromUint64(uint64(o.TokenSpent)),
		field.FromUint64(uint64(o.TokenReceived)),
		field.FromUint64(o.AmountSpent),
		field.FromUint64(o.AmountReceived),
		field.FromUint64(o.FeeLimit),
		field.FromUint64(o.Expiration),
	)
	return field.DigestFields(elems...)
}

// PositionEffect selects what a perpetual order does to its position.
type PositionEffect uint8

const (
	EffectOpen PositionEffect = iota
	EffectModify
	EffectClose
	EffectLiquidate
)

func (p PositionEffect) String() string {
	switch p {
	case EffectOpen:
		return "open"
	case EffectModify:
		return "modify"
	case EffectClose:
		return "close"
	default:
		return "liquidate"
	}
}

// PerpOrder is the signature-bearing payload behind a perpetual order.
// NotesIn fund the margin for Open (and for Modify fills that increase the
// position); Position names the existing position for Modify/Close.
type PerpOrder struct {
	OrderID          string
	Owner            ecdsa.PublicKey
	SyntheticToken   uint32
	Effect           PositionEffect
	Side             entities.Side // exposure direction the order seeks
	SyntheticAmount  uint64        // total synthetic size to trade
	CollateralAmount uint64        // total collateral committed (Open/Modify-increase)
	FeeLimit         uint64
	NotesIn          []*entities.Note
	RefundBlinding   field.Element
	ReceiveBlinding  field.Element // blinding for close-out collateral notes
	Position         *entities.Position
	Expiration       uint64
	Signature        []byte
}

// Digest is the Keccak payload the perpetual order's signature covers.
func (o *PerpOrder) Digest() []byte {
	elems := make([]field.Element, 0, len(o.NotesIn)+8)
	for _, n := range o.NotesIn {
		elems = append(elems, n.Hash())
	}
	posHash := field.Zero()
	if o.Position != nil {
		posHash = o.Position.Hash()
	}
	elems = append(elems,
		posHash,
		field.FromUint64(uint64(o.SyntheticToken)),
		field.FromUint64(uint64(o.Effect)),
		field.FromUint64(uint64(o.Side)),
		field.FromUint64(o.SyntheticAmount),
		field.FromUint64(o.CollateralAmount),
		field.FromUint64(o.FeeLimit),
		field.FromUint64(o.Expiration),
	)
	return field.DigestFields(elems...)
}
