package entities

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// Side is the directional exposure of a perpetual position.
type Side uint8

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// PositionHeader carries the fields of a position that never change across
// its lifetime: the market it trades, its owner, and its VLP parameters.
type PositionHeader struct {
	SyntheticToken           uint32          `json:"synthetic_token"`
	PositionAddress          ecdsa.PublicKey `json:"-"`
	AllowPartialLiquidations bool            `json:"allow_partial_liquidations"`
	VlpToken                 uint32          `json:"vlp_token"`
	MaxVlpSupply             uint64          `json:"max_vlp_supply"`
}

// Hash folds the header into a single field element, used as one input of
// the position's own hash so a change to any header field changes the leaf.
func (h *PositionHeader) Hash() field.Element {
	addrX := field.PubKeyToFieldX(&h.PositionAddress)
	allow := uint64(0)
	if h.AllowPartialLiquidations {
		allow = 1
	}
	return field.HashVector(
		field.FromUint64(uint64(h.SyntheticToken)),
		addrX,
		field.FromUint64(allow),
		field.FromUint64(uint64(h.VlpToken)),
		field.FromUint64(h.MaxVlpSupply),
	)
}

// Position is an open perpetual exposure against a synthetic market,
// collateralized by margin held at the index below.
type Position struct {
	Index            uint64         `json:"index"`
	Header           PositionHeader `json:"header"`
	OrderSide        Side           `json:"order_side"`
	PositionSize     uint64         `json:"position_size"`
	Margin           uint64         `json:"margin"`
	EntryPrice       uint64         `json:"entry_price"`
	LiquidationPrice uint64         `json:"liquidation_price"`
	BankruptcyPrice  uint64         `json:"bankruptcy_price"`
	LastFundingIdx   uint32         `json:"last_funding_idx"`
	VlpSupply        uint64         `json:"vlp_supply"`
	cached           field.Element
}

// Hash computes the position leaf hash over the header hash and every
// mutable field. A position with zero size hashes to zero, matching the
// tree's "unused leaf" convention for a fully closed position.
func (p *Position) Hash() field.Element {
	if p.PositionSize == 0 {
		return field.Zero()
	}
	h := field.HashVector(
		p.Header.Hash(),
		field.FromUint64(uint64(p.OrderSide)),
		field.FromUint64(p.PositionSize),
		field.FromUint64(p.Margin),
		field.FromUint64(p.EntryPrice),
		field.FromUint64(p.LiquidationPrice),
		field.FromUint64(p.BankruptcyPrice),
		field.FromUint64(uint64(p.LastFundingIdx)),
		field.FromUint64(p.VlpSupply),
	)
	p.cached = h
	return h
}

// IsZero reports whether this position represents an empty leaf.
func (p *Position) IsZero() bool {
	return p.PositionSize == 0
}

type positionJSON struct {
	Index            uint64 `json:"index"`
	AddressX         string `json:"address_x"`
	AddressY         string `json:"address_y"`
	SyntheticToken   uint32 `json:"synthetic_token"`
	AllowPartialLiq  bool   `json:"allow_partial_liquidations"`
	VlpToken         uint32 `json:"vlp_token"`
	MaxVlpSupply     uint64 `json:"max_vlp_supply"`
	OrderSide        uint8  `json:"order_side"`
	PositionSize     uint64 `json:"position_size"`
	Margin           uint64 `json:"margin"`
	EntryPrice       uint64 `json:"entry_price"`
	LiquidationPrice uint64 `json:"liquidation_price"`
	BankruptcyPrice  uint64 `json:"bankruptcy_price"`
	LastFundingIdx   uint32 `json:"last_funding_idx"`
	VlpSupply        uint64 `json:"vlp_supply"`
	Hash             string `json:"hash"`
}

// MarshalJSON renders the position in its prover-consumable wire form.
func (p *Position) MarshalJSON() ([]byte, error) {
	x, y := "0", "0"
	if p.Header.PositionAddress.X != nil {
		x = p.Header.PositionAddress.X.String()
	}
	if p.Header.PositionAddress.Y != nil {
		y = p.Header.PositionAddress.Y.String()
	}
	return json.Marshal(positionJSON{
		Index:            p.Index,
		AddressX:         x,
		AddressY:         y,
		SyntheticToken:   p.Header.SyntheticToken,
		AllowPartialLiq:  p.Header.AllowPartialLiquidations,
		VlpToken:         p.Header.VlpToken,
		MaxVlpSupply:     p.Header.MaxVlpSupply,
		OrderSide:        uint8(p.OrderSide),
		PositionSize:     p.PositionSize,
		Margin:           p.Margin,
		EntryPrice:       p.EntryPrice,
		LiquidationPrice: p.LiquidationPrice,
		BankruptcyPrice:  p.BankruptcyPrice,
		LastFundingIdx:   p.LastFundingIdx,
		VlpSupply:        p.VlpSupply,
		Hash:             field.String(p.Hash()),
	})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (p *Position) UnmarshalJSON(data []byte) error {
	var w positionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("entities: unmarshal position: %w", err)
	}
	p.Index = w.Index
	p.Header.PositionAddress = pubKeyFromStrings(w.AddressX, w.AddressY)
	p.Header.SyntheticToken = w.SyntheticToken
	p.Header.AllowPartialLiquidations = w.AllowPartialLiq
	p.Header.VlpToken = w.VlpToken
	p.Header.MaxVlpSupply = w.MaxVlpSupply
	p.OrderSide = Side(w.OrderSide)
	p.PositionSize = w.PositionSize
	p.Margin = w.Margin
	p.EntryPrice = w.EntryPrice
	p.LiquidationPrice = w.LiquidationPrice
	p.BankruptcyPrice = w.BankruptcyPrice
	p.LastFundingIdx = w.LastFundingIdx
	p.VlpSupply = w.VlpSupply
	hash, err := field.Parse(w.Hash)
	if err != nil {
		return fmt.Errorf("entities: position hash: %w", err)
	}
	p.cached = hash
	return nil
}
