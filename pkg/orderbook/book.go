package orderbook

import (
	"container/list"
	"fmt"
	"sync"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

// priceLevel holds every resting order at one price, FIFO.
type priceLevel struct {
	price  uint64
	orders *list.List // *Order, oldest first
}

// Book is a single market's two price-ordered sides. Bids are ordered
// highest-first, asks lowest-first, each side a github.com/emirpasic/gods/v2
// redblacktree keyed by price so amend/cancel/restore are O(log n) tree
// operations rather than linear scans.
type Book struct {
	mu sync.Mutex

	bids *rbt.Tree[uint64, *priceLevel]
	asks *rbt.Tree[uint64, *priceLevel]

	// byID maps an order id to (side, *list.Element) for O(log n)
	// cancel/amend without a linear scan of either side.
	byID map[string]orderLocation

	seq uint64
}

type orderLocation struct {
	side Side
	elem *list.Element
}

func descending(a, b uint64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}

func ascending(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NewBook builds an empty order book for one market.
func NewBook() *Book {
	return &Book{
		bids: rbt.NewWith[uint64, *priceLevel](descending),
		asks: rbt.NewWith[uint64, *priceLevel](ascending),
		byID: make(map[string]orderLocation),
	}
}

func (b *Book) sideTree(side Side) *rbt.Tree[uint64, *priceLevel] {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func opposite(side Side) Side {
	if side == Buy {
		return Sell
	}
	return Buy
}

func (b *Book) levelAt(tree *rbt.Tree[uint64, *priceLevel], price uint64) *priceLevel {
	lvl, ok := tree.Get(price)
	if ok {
		return lvl
	}
	lvl = &priceLevel{price: price, orders: list.New()}
	tree.Put(price, lvl)
	return lvl
}

func (b *Book) rest(o *Order) {
	tree := b.sideTree(o.Side)
	lvl := b.levelAt(tree, o.Price)
	elem := lvl.orders.PushBack(o)
	b.byID[o.ID] = orderLocation{side: o.Side, elem: elem}
}

func (b *Book) removeElem(tree *rbt.Tree[uint64, *priceLevel], price uint64, elem *list.Element) {
	lvl, ok := tree.Get(price)
	if !ok {
		return
	}
	lvl.orders.Remove(elem)
	if lvl.orders.Len() == 0 {
		tree.Remove(price)
	}
}

// best returns the best resting order at the top of tree, or nil if empty.
func best(tree *rbt.Tree[uint64, *priceLevel]) (*priceLevel, *list.Element) {
	node := tree.Left()
	if node == nil {
		return nil, nil
	}
	lvl := node.Value
	if lvl.orders.Len() == 0 {
		return lvl, nil
	}
	return lvl, lvl.orders.Front()
}

func crosses(side Side, incomingPrice, restingPrice uint64) bool {
	if side == Buy {
		return restingPrice <= incomingPrice
	}
	return restingPrice >= incomingPrice
}

// match runs price-time priority matching of incoming against the opposite
// side of the book, skipping resting orders sharing UserID with incoming
// (self-match prevention), until incoming is exhausted or the book no
// longer crosses. It returns the fill events produced.
func (b *Book) match(incoming *Order) []Event {
	var events []Event
	oppTree := b.sideTree(opposite(incoming.Side))

	for incoming.Remaining > 0 {
		lvl, elem := best(oppTree)
		if lvl == nil {
			break
		}
		if elem == nil {
			oppTree.Remove(lvl.price)
			continue
		}
		if !crosses(incoming.Side, incoming.Price, lvl.price) {
			break
		}
		maker := elem.Value.(*Order)
		// Self-match prevention: walk past every resting order sharing the
		// incoming order's user at this level without matching it.
		for maker.UserID == incoming.UserID {
			elem = elem.Next()
			if elem == nil {
				break
			}
			maker = elem.Value.(*Order)
		}
		if elem == nil {
			break
		}

		qty := incoming.Remaining
		if maker.Remaining < qty {
			qty = maker.Remaining
		}
		incoming.Remaining -= qty
		maker.Remaining -= qty

		events = append(events, Event{
			Kind:    EventFilled,
			TakerID: incoming.ID,
			MakerID: maker.ID,
			Price:   lvl.price,
			Qty:     qty,
		})

		if maker.Remaining == 0 {
			delete(b.byID, maker.ID)
			b.removeElem(oppTree, lvl.price, elem)
		}
	}
	return events
}

// NewLimit attempts to immediately match the incoming order against the
// opposite side; any residual rests in the book at its limit price.
func (b *Book) NewLimit(o *Order) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	o.Seq = b.seq
	o.Remaining = o.Qty

	events := b.match(o)
	if o.Remaining > 0 {
		b.rest(o)
		events = append(events, Event{Kind: EventRested, OrderID: o.ID, Qty: o.Remaining, Price: o.Price})
	}
	return events
}

// NewMarket fills qty through the opposite side until exhausted or the
// book runs dry; any unfilled remainder is reported but never rests.
func (b *Book) NewMarket(id, userID string, side Side, qty uint64) (events []Event, unfilled uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	price := uint64(0)
	if side == Buy {
		price = ^uint64(0)
	}
	incoming := &Order{ID: id, UserID: userID, Side: side, Price: price, Qty: qty, Remaining: qty, Seq: b.seq}
	events = b.match(incoming)
	return events, incoming.Remaining
}

// Cancel removes an order, authenticating by userID match. Idempotent:
// canceling an unknown or already-removed order returns (0, false)
// without error.
func (b *Book) Cancel(orderID, userID string) (remaining uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, exists := b.byID[orderID]
	if !exists {
		return 0, false
	}
	o := loc.elem.Value.(*Order)
	if o.UserID != userID {
		return 0, false
	}
	remaining = o.Remaining
	delete(b.byID, orderID)
	b.removeElem(b.sideTree(loc.side), o.Price, loc.elem)
	return remaining, true
}

// Amend atomically cancels and reinserts an order at a new price and
// expiration. If matchOnly is true, only the crossable portion is matched
// and any residual is dropped rather than rested.
func (b *Book) Amend(orderID, userID string, newPrice, newExpiration uint64, matchOnly bool) ([]Event, error) {
	b.mu.Lock()
	loc, exists := b.byID[orderID]
	if !exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("orderbook: amend: order %s not found", orderID)
	}
	o := loc.elem.Value.(*Order)
	if o.UserID != userID {
		b.mu.Unlock()
		return nil, fmt.Errorf("orderbook: amend: order %s not owned by %s", orderID, userID)
	}
	remaining := o.Remaining
	delete(b.byID, orderID)
	b.removeElem(b.sideTree(loc.side), o.Price, loc.elem)
	b.seq++
	replacement := &Order{
		ID: o.ID, Side: o.Side, Price: newPrice, Qty: remaining, Remaining: remaining,
		UserID: o.UserID, Seq: b.seq, Expiration: newExpiration,
	}
	defer b.mu.Unlock()
	events := b.match(replacement)
	if replacement.Remaining > 0 && !matchOnly {
		b.rest(replacement)
		events = append(events, Event{Kind: EventRested, OrderID: replacement.ID, Qty: replacement.Remaining, Price: replacement.Price})
	}
	return events, nil
}

// Restore rebuilds the book from an external snapshot of resting orders,
// used after a crash-recovery replay. Both slices are applied as pure
// inserts (no matching): the assumption is the snapshot already reflects a
// consistent, already-matched state.
func (b *Book) Restore(bids, asks []*Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = rbt.NewWith[uint64, *priceLevel](descending)
	b.asks = rbt.NewWith[uint64, *priceLevel](ascending)
	b.byID = make(map[string]orderLocation)

	for _, o := range bids {
		o.Side = Buy
		b.rest(o)
		if o.Seq > b.seq {
			b.seq = o.Seq
		}
	}
	for _, o := range asks {
		o.Side = Sell
		b.rest(o)
		if o.Seq > b.seq {
			b.seq = o.Seq
		}
	}
}

// BestBid returns the highest resting bid price, if any.
func (b *Book) BestBid() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lvl, _ := best(b.bids)
	if lvl == nil {
		return 0, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest resting ask price, if any.
func (b *Book) BestAsk() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lvl, _ := best(b.asks)
	if lvl == nil {
		return 0, false
	}
	return lvl.price, true
}
