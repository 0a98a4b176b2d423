// Package entities defines the leaf-level value types stored in the state
// tree: spot notes, perpetual positions, and order tabs (plus the
// VLP-receipt note shape derived from a tab or position). Every type here
// is content-addressed (its Hash is derived deterministically from its
// fields via pkg/field), and a zeroed instance hashes to the field's zero
// element, matching the tree's "unused leaf" convention.
package entities

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// Note is a spot UTXO: a single (token, amount) pair owned by the holder of
// address, blinded so the amount is not recoverable from the hash alone.
type Note struct {
	Index    uint64          `json:"index"`
	Address  ecdsa.PublicKey `json:"-"`
	Token    uint32          `json:"token"`
	Amount   uint64          `json:"amount"`
	Blinding field.Element   `json:"-"`
	cached   field.Element
}

// Hash computes H(addr.x, token, Pedersen(amount, blinding)). A zero-amount
// note collapses to the zero element regardless of address or blinding, so
// a spent note's leaf is indistinguishable from one that was never written.
func (n *Note) Hash() field.Element {
	if n.Amount == 0 {
		return field.Zero()
	}
	commitment := field.HashBinary(field.FromUint64(n.Amount), n.Blinding)
	addrX := field.PubKeyToFieldX(&n.Address)
	h := field.HashVector(addrX, field.FromUint64(uint64(n.Token)), commitment)
	n.cached = h
	return h
}

// IsZero reports whether this note represents an empty leaf.
func (n *Note) IsZero() bool {
	return n.Amount == 0
}

// noteJSON is the wire shape for Note: field.Element and ecdsa.PublicKey do
// not marshal usefully on their own, so every field is carried as a decimal
// or hex string.
type noteJSON struct {
	Index    uint64 `json:"index"`
	AddressX string `json:"address_x"`
	AddressY string `json:"address_y"`
	Token    uint32 `json:"token"`
	Amount   uint64 `json:"amount"`
	Blinding string `json:"blinding"`
	Hash     string `json:"hash"`
}

// MarshalJSON renders the note in its prover-consumable wire form.
func (n *Note) MarshalJSON() ([]byte, error) {
	x, y := "0", "0"
	if n.Address.X != nil {
		x = n.Address.X.String()
	}
	if n.Address.Y != nil {
		y = n.Address.Y.String()
	}
	return json.Marshal(noteJSON{
		Index:    n.Index,
		AddressX: x,
		AddressY: y,
		Token:    n.Token,
		Amount:   n.Amount,
		Blinding: field.String(n.Blinding),
		Hash:     field.String(n.Hash()),
	})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (n *Note) UnmarshalJSON(data []byte) error {
	var w noteJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("entities: unmarshal note: %w", err)
	}
	n.Index = w.Index
	n.Token = w.Token
	n.Amount = w.Amount
	n.Address = pubKeyFromStrings(w.AddressX, w.AddressY)
	blinding, err := field.Parse(w.Blinding)
	if err != nil {
		return fmt.Errorf("entities: note blinding: %w", err)
	}
	n.Blinding = blinding
	hash, err := field.Parse(w.Hash)
	if err != nil {
		return fmt.Errorf("entities: note hash: %w", err)
	}
	n.cached = hash
	return nil
}
