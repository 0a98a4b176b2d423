package api

import "github.com/uhyunpark/rollupcore/pkg/entities"

// Wire types for the REST surface and the WebSocket stream. Transport
// bindings are interface-depth only: every handler decodes a request,
// hands it to the batch engine, and encodes the engine's typed response.

// MarketInfo describes one registered market.
type MarketInfo struct {
	Symbol     string `json:"symbol"`
	Kind       string `json:"kind"` // "spot" | "perp"
	BaseToken  uint32 `json:"base_token"`
	QuoteToken uint32 `json:"quote_token"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	Market  string `json:"market"`
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

// CancelOrderResponse reports the remaining quantity at cancel time.
type CancelOrderResponse struct {
	Successful   bool   `json:"successful"`
	ErrorMessage string `json:"error_message,omitempty"`
	Remaining    uint64 `json:"remaining"`
	Found        bool   `json:"found"`
}

// AmendOrderRequest is the payload for POST /api/v1/orders/amend.
type AmendOrderRequest struct {
	Market        string `json:"market"`
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	NewPrice      uint64 `json:"new_price"`
	NewExpiration uint64 `json:"new_expiration"`
	MatchOnly     bool   `json:"match_only"`
	Signature     []byte `json:"signature"`
}

// IndexPriceRequest is the payload for POST /api/v1/oracle/index_price.
type IndexPriceRequest struct {
	Updates []IndexPriceWire `json:"updates"`
}

// IndexPriceWire is one oracle observation on the wire.
type IndexPriceWire struct {
	Token     uint32 `json:"token"`
	Price     uint64 `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// IndexPriceResponse reports per-update acceptance.
type IndexPriceResponse struct {
	Successful bool     `json:"successful"`
	Errors     []string `json:"errors,omitempty"`
}

// ErrorResponse is returned for transport-level errors.
type ErrorResponse struct {
	Successful   bool   `json:"successful"`
	ErrorMessage string `json:"error_message"`
}

// WSSubscribeRequest is sent by a client to manage its event feed: a list
// of user ids to (un)subscribe, or a privileged-access key.
type WSSubscribeRequest struct {
	Op    string   `json:"op"` // "subscribe" | "unsubscribe" | "privileged"
	Users []string `json:"users,omitempty"`
	Key   string   `json:"key,omitempty"`
}

// FillUpdate is pushed to both counterparties when a fill executes.
type FillUpdate struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	TakerUser string `json:"taker_user"`
	MakerUser string `json:"maker_user"`
	Price     uint64 `json:"price"`
	Qty       uint64 `json:"qty"`
	Timestamp int64  `json:"timestamp"`
}

// LiquidationUpdate is pushed to privileged clients when a position is
// liquidated.
type LiquidationUpdate struct {
	Type          string `json:"type"`
	Symbol        string `json:"symbol"`
	PositionIndex uint64 `json:"position_index"`
	LeftoverValue int64  `json:"leftover_value"`
	Timestamp     int64  `json:"timestamp"`
}

// PositionPush is pushed to a position owner's subscribers after any
// position mutation.
type PositionPush struct {
	Type      string             `json:"type"`
	User      string             `json:"user"`
	Position  *entities.Position `json:"position"`
	Timestamp int64              `json:"timestamp"`
}
