// Package orderbook implements the price-time matching engine: per-market
// books with self-match prevention, partial-fill trackers for the spot and
// perpetual execution pipelines, and the blocked-order bookkeeping that
// serializes concurrent fills of the same order. Each book side is a
// red-black tree of price levels
// (github.com/emirpasic/gods/v2/trees/redblacktree), every level holding a
// FIFO doubly linked list of resting orders, so amend, cancel, and restore
// are ordered-tree operations.
package orderbook

import "github.com/uhyunpark/rollupcore/pkg/field"

// Side is the direction of an order.
type Side uint8

const (
	Buy Side = iota
	Sell
)

// Order is a single resting or incoming order. UserID drives self-match
// prevention; Seq records arrival order. Orders at the same price fill in
// the order they were rested at that level (FIFO); Seq is not consulted.
type Order struct {
	ID          string
	Side        Side
	Price       uint64
	Qty         uint64
	Remaining   uint64
	UserID      string
	Seq         uint64
	Signature   []byte
	PubKeyX     field.Element
	Expiration  uint64
}

// EventKind tags what happened to an order during a book operation.
type EventKind uint8

const (
	EventFilled EventKind = iota
	EventRested
	EventCanceled
)

// Event is one outcome of a book operation: a fill between a taker and a
// resting maker, an order resting unfilled, or a cancellation.
type Event struct {
	Kind    EventKind
	TakerID string
	MakerID string
	Price   uint64
	Qty     uint64
	OrderID string
}
