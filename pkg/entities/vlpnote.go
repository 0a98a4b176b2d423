package entities

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// VLPNote is a receipt representing a proportional share of an order tab's
// or position's pooled liquidity. Beyond the plain note fields it carries
// InitialValue, the collateral the holder paid in when the shares were
// minted: redemption computes the performance fee against this cost basis,
// so it is committed into the note hash alongside the amount.
type VLPNote struct {
	Note
	InitialValue uint64 `json:"initial_value"`
}

// NewVLPNote builds the note-shaped receipt for a share of a pool whose
// VlpToken identifies the pooled liquidity being represented.
func NewVLPNote(index uint64, owner Note, vlpToken uint32, shareAmount, initialValue uint64, blinding field.Element) *VLPNote {
	return &VLPNote{
		Note: Note{
			Index:    index,
			Address:  owner.Address,
			Token:    vlpToken,
			Amount:   shareAmount,
			Blinding: blinding,
		},
		InitialValue: initialValue,
	}
}

// Hash computes H(addr.x, token, Pedersen(amount, blinding),
// Pedersen(initial_value, blinding)). A zero-amount receipt collapses to
// the zero element like any spent note.
func (v *VLPNote) Hash() field.Element {
	if v.Amount == 0 {
		return field.Zero()
	}
	commitment := field.HashBinary(field.FromUint64(v.Amount), v.Blinding)
	initCommitment := field.HashBinary(field.FromUint64(v.InitialValue), v.Blinding)
	addrX := field.PubKeyToFieldX(&v.Address)
	return field.HashVector(addrX, field.FromUint64(uint64(v.Token)), commitment, initCommitment)
}

// vlpNoteJSON is the wire shape: the plain note fields plus the cost
// basis. Defined explicitly so the embedded Note's (un)marshalers don't
// swallow InitialValue.
type vlpNoteJSON struct {
	noteJSON
	InitialValue uint64 `json:"initial_value"`
}

// MarshalJSON renders the receipt in its prover-consumable wire form.
func (v *VLPNote) MarshalJSON() ([]byte, error) {
	x, y := "0", "0"
	if v.Address.X != nil {
		x = v.Address.X.String()
	}
	if v.Address.Y != nil {
		y = v.Address.Y.String()
	}
	return json.Marshal(vlpNoteJSON{
		noteJSON: noteJSON{
			Index:    v.Index,
			AddressX: x,
			AddressY: y,
			Token:    v.Token,
			Amount:   v.Amount,
			Blinding: field.String(v.Blinding),
			Hash:     field.String(v.Hash()),
		},
		InitialValue: v.InitialValue,
	})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (v *VLPNote) UnmarshalJSON(data []byte) error {
	var w vlpNoteJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("entities: unmarshal vlp note: %w", err)
	}
	v.Index = w.Index
	v.Token = w.Token
	v.Amount = w.Amount
	v.InitialValue = w.InitialValue
	v.Address = pubKeyFromStrings(w.AddressX, w.AddressY)
	blinding, err := field.Parse(w.Blinding)
	if err != nil {
		return fmt.Errorf("entities: vlp note blinding: %w", err)
	}
	v.Blinding = blinding
	return nil
}
