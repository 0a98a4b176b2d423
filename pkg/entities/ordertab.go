package entities

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// TabHeader identifies an order tab's market and owner. Like
// PositionHeader, it is hashed separately so the tab hash can fold it in as
// a single field element.
type TabHeader struct {
	BaseToken     uint32          `json:"base_token"`
	QuoteToken    uint32          `json:"quote_token"`
	BaseBlinding  field.Element   `json:"-"`
	QuoteBlinding field.Element   `json:"-"`
	PubKey        ecdsa.PublicKey `json:"-"`
	cached        field.Element
}

// Hash folds the header's identity fields into a single element.
func (h *TabHeader) Hash() field.Element {
	pubX := field.PubKeyToFieldX(&h.PubKey)
	v := field.HashVector(
		field.FromUint64(uint64(h.BaseToken)),
		field.FromUint64(uint64(h.QuoteToken)),
		pubX,
	)
	h.cached = v
	return v
}

// OrderTab represents a standing two-sided liquidity position: a base and
// quote note pair managed as one unit, e.g. for onchain market-making.
type OrderTab struct {
	TabIdx      uint64    `json:"tab_idx"`
	Header      TabHeader `json:"header"`
	BaseAmount  uint64    `json:"base_amount"`
	QuoteAmount uint64    `json:"quote_amount"`
	cached      field.Element
}

// Hash computes H(header_hash, Pedersen(base_amount, base_blinding),
// Pedersen(quote_amount, quote_blinding)). A tab with both sides at zero
// hashes to zero, matching the tree's "unused leaf" convention for a closed
// tab.
func (t *OrderTab) Hash() field.Element {
	if t.BaseAmount == 0 && t.QuoteAmount == 0 {
		return field.Zero()
	}
	headerHash := t.Header.Hash()
	baseCommit := field.HashBinary(field.FromUint64(t.BaseAmount), t.Header.BaseBlinding)
	quoteCommit := field.HashBinary(field.FromUint64(t.QuoteAmount), t.Header.QuoteBlinding)
	h := field.HashVector(headerHash, baseCommit, quoteCommit)
	t.cached = h
	return h
}

// IsZero reports whether this tab represents an empty leaf.
func (t *OrderTab) IsZero() bool {
	return t.BaseAmount == 0 && t.QuoteAmount == 0
}

type orderTabJSON struct {
	TabIdx        uint64 `json:"tab_idx"`
	BaseToken     uint32 `json:"base_token"`
	QuoteToken    uint32 `json:"quote_token"`
	BaseBlinding  string `json:"base_blinding"`
	QuoteBlinding string `json:"quote_blinding"`
	PubKeyX       string `json:"pub_key_x"`
	PubKeyY       string `json:"pub_key_y"`
	BaseAmount    uint64 `json:"base_amount"`
	QuoteAmount   uint64 `json:"quote_amount"`
	Hash          string `json:"hash"`
}

// MarshalJSON renders the tab in its prover-consumable wire form.
func (t *OrderTab) MarshalJSON() ([]byte, error) {
	x, y := "0", "0"
	if t.Header.PubKey.X != nil {
		x = t.Header.PubKey.X.String()
	}
	if t.Header.PubKey.Y != nil {
		y = t.Header.PubKey.Y.String()
	}
	return json.Marshal(orderTabJSON{
		TabIdx:        t.TabIdx,
		BaseToken:     t.Header.BaseToken,
		QuoteToken:    t.Header.QuoteToken,
		BaseBlinding:  field.String(t.Header.BaseBlinding),
		QuoteBlinding: field.String(t.Header.QuoteBlinding),
		PubKeyX:       x,
		PubKeyY:       y,
		BaseAmount:    t.BaseAmount,
		QuoteAmount:   t.QuoteAmount,
		Hash:          field.String(t.Hash()),
	})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (t *OrderTab) UnmarshalJSON(data []byte) error {
	var w orderTabJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("entities: unmarshal order tab: %w", err)
	}
	t.TabIdx = w.TabIdx
	t.Header.PubKey = pubKeyFromStrings(w.PubKeyX, w.PubKeyY)
	t.Header.BaseToken = w.BaseToken
	t.Header.QuoteToken = w.QuoteToken
	t.BaseAmount = w.BaseAmount
	t.QuoteAmount = w.QuoteAmount
	baseBlinding, err := field.Parse(w.BaseBlinding)
	if err != nil {
		return fmt.Errorf("entities: tab base blinding: %w", err)
	}
	t.Header.BaseBlinding = baseBlinding
	quoteBlinding, err := field.Parse(w.QuoteBlinding)
	if err != nil {
		return fmt.Errorf("entities: tab quote blinding: %w", err)
	}
	t.Header.QuoteBlinding = quoteBlinding
	hash, err := field.Parse(w.Hash)
	if err != nil {
		return fmt.Errorf("entities: tab hash: %w", err)
	}
	t.cached = hash
	return nil
}
