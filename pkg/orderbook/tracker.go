package orderbook

import (
	"sync"

	"github.com/uhyunpark/rollupcore/pkg/entities"
)

// SpotFillState is what the spot execution pipeline remembers about an
// order's accumulated fills across transactions: an optional note
// refunding whatever has not yet matched, and the running filled amount.
type SpotFillState struct {
	RefundNote    *entities.Note
	FilledAmount  uint64
}

// PerpFillState is the perpetual analogue, additionally tracking margin
// spent so far against the order's max margin commitment.
type PerpFillState struct {
	PartialRefundNote *entities.Note
	FilledAmount      uint64
	SpentMargin       uint64
}

// PartialFillTracker records per-order accumulated spot fill state across
// the multiple transactions a single order_id may be filled by.
type PartialFillTracker struct {
	mu    sync.Mutex
	state map[string]*SpotFillState
}

// NewPartialFillTracker builds an empty tracker.
func NewPartialFillTracker() *PartialFillTracker {
	return &PartialFillTracker{state: make(map[string]*SpotFillState)}
}

// Get returns the fill state for orderID, creating an empty one if absent.
func (t *PartialFillTracker) Get(orderID string) *SpotFillState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[orderID]
	if !ok {
		s = &SpotFillState{}
		t.state[orderID] = s
	}
	return s
}

// Clear removes an order's tracked state once it is fully filled or
// canceled.
func (t *PartialFillTracker) Clear(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, orderID)
}

// PerpPartialFillTracker is PartialFillTracker's perpetual-order analogue.
type PerpPartialFillTracker struct {
	mu    sync.Mutex
	state map[string]*PerpFillState
}

// NewPerpPartialFillTracker builds an empty tracker.
func NewPerpPartialFillTracker() *PerpPartialFillTracker {
	return &PerpPartialFillTracker{state: make(map[string]*PerpFillState)}
}

// Get returns the fill state for orderID, creating an empty one if absent.
func (t *PerpPartialFillTracker) Get(orderID string) *PerpFillState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[orderID]
	if !ok {
		s = &PerpFillState{}
		t.state[orderID] = s
	}
	return s
}

// Clear removes an order's tracked state once it is fully filled,
// liquidated, or canceled.
func (t *PerpPartialFillTracker) Clear(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, orderID)
}
