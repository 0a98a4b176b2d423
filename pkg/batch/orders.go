package batch

import (
	"github.com/google/uuid"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/execution"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// FillReport is one fill's outcome as reported back to the submitting
// client and the WebSocket stream.
type FillReport struct {
	TakerID    string `json:"taker_id"`
	MakerID    string `json:"maker_id"`
	Price      uint64 `json:"price"`
	Qty        uint64 `json:"qty"`
	Successful bool   `json:"successful"`
	Error      string `json:"error,omitempty"`
}

// OrderAck is the response to a limit/market order submission.
type OrderAck struct {
	Successful   bool         `json:"successful"`
	ErrorMessage string       `json:"error_message,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	Fills        []FillReport `json:"fills,omitempty"`
	Rested       bool         `json:"rested"`
	Unfilled     uint64       `json:"unfilled,omitempty"`
}

func ackErr(err error) OrderAck {
	return OrderAck{Successful: false, ErrorMessage: err.Error()}
}

// SpotLimitMsg submits a spot limit order: the book-facing terms plus the
// signed execution payload fills are authenticated against.
type SpotLimitMsg struct {
	Market string
	Side   orderbook.Side
	Price  uint64
	Qty    uint64
	Order  *execution.SpotOrder
}

// SubmitSpotLimit places a spot limit order, executing whatever crosses
// immediately and resting the remainder.
func (b *TransactionBatch) SubmitSpotLimit(msg SpotLimitMsg) OrderAck {
	m, err := b.markets.get(msg.Market)
	if err != nil {
		return ackErr(err)
	}
	if m.Kind != Spot {
		return ackErr(rollerr.New(rollerr.UnknownMarket, "batch.SubmitSpotLimit", "market is not a spot market"))
	}
	if msg.Order == nil {
		return ackErr(rollerr.New(rollerr.OrderNotFound, "batch.SubmitSpotLimit", "missing order payload"))
	}
	ensureOrderID(&msg.Order.OrderID)

	userID := field.AddressFromPubKey(&msg.Order.Owner).Hex()
	b.ordersMu.Lock()
	b.spotOrders[msg.Order.OrderID] = msg.Order
	b.ordersMu.Unlock()

	events := m.Book.NewLimit(&orderbook.Order{
		ID:         msg.Order.OrderID,
		Side:       msg.Side,
		Price:      msg.Price,
		Qty:        msg.Qty,
		UserID:     userID,
		Expiration: msg.Order.Expiration,
	})
	fills, rested := b.processSpotEvents(m, events)
	return OrderAck{Successful: true, OrderID: msg.Order.OrderID, Fills: fills, Rested: rested}
}

// SpotMarketMsg submits a spot market order.
type SpotMarketMsg struct {
	Market string
	Side   orderbook.Side
	Qty    uint64
	Order  *execution.SpotOrder
}

// SubmitSpotMarket fills through the opposite side until the quantity is
// met or the book runs dry; the unfilled remainder is reported, never
// rested.
func (b *TransactionBatch) SubmitSpotMarket(msg SpotMarketMsg) OrderAck {
	m, err := b.markets.get(msg.Market)
	if err != nil {
		return ackErr(err)
	}
	if m.Kind != Spot {
		return ackErr(rollerr.New(rollerr.UnknownMarket, "batch.SubmitSpotMarket", "market is not a spot market"))
	}
	if msg.Order == nil {
		return ackErr(rollerr.New(rollerr.OrderNotFound, "batch.SubmitSpotMarket", "missing order payload"))
	}
	ensureOrderID(&msg.Order.OrderID)

	userID := field.AddressFromPubKey(&msg.Order.Owner).Hex()
	b.ordersMu.Lock()
	b.spotOrders[msg.Order.OrderID] = msg.Order
	b.ordersMu.Unlock()

	events, unfilled := m.Book.NewMarket(msg.Order.OrderID, userID, msg.Side, msg.Qty)
	fills, _ := b.processSpotEvents(m, events)
	return OrderAck{Successful: true, OrderID: msg.Order.OrderID, Fills: fills, Unfilled: unfilled}
}

// processSpotEvents binds each matching-engine fill to a SpotSwap
// execution. A failed fill is reported (and the failure recorded in the
// transcript by the engine) without disturbing the book or the other
// fills.
func (b *TransactionBatch) processSpotEvents(m *Market, events []orderbook.Event) ([]FillReport, bool) {
	var fills []FillReport
	rested := false
	for _, ev := range events {
		switch ev.Kind {
		case orderbook.EventRested:
			rested = true
		case orderbook.EventFilled:
			fills = append(fills, b.executeSpotFill(m, ev))
		}
	}
	return fills, rested
}

func (b *TransactionBatch) executeSpotFill(m *Market, ev orderbook.Event) FillReport {
	report := FillReport{TakerID: ev.TakerID, MakerID: ev.MakerID, Price: ev.Price, Qty: ev.Qty}
	b.ordersMu.RLock()
	taker := b.spotOrders[ev.TakerID]
	maker := b.spotOrders[ev.MakerID]
	b.ordersMu.RUnlock()
	if taker == nil || maker == nil {
		report.Error = "order payload not found"
		return report
	}

	spentBase := ev.Qty
	spentQuote := execution.CollateralFromPrice(m.BaseToken, ev.Price, ev.Qty)

	takerReceives := spentBase
	if !spendsQuote(taker, m) {
		takerReceives = spentQuote
	}
	makerReceives := spentBase
	if !spendsQuote(maker, m) {
		makerReceives = spentQuote
	}

	ts := b.now()
	res := b.engine.SpotSwap(execution.SpotSwapRequest{
		Taker:      taker,
		Maker:      maker,
		SpentBase:  spentBase,
		SpentQuote: spentQuote,
		FeeTaker:   execution.Fee(takerReceives, b.engine.Fees.SpotTakerBps),
		FeeMaker:   execution.Fee(makerReceives, b.engine.Fees.SpotMakerBps),
	}, ts)

	report.Successful = res.Successful
	report.Error = res.ErrorMessage
	if res.Successful {
		takerUser := field.AddressFromPubKey(&taker.Owner).Hex()
		makerUser := field.AddressFromPubKey(&maker.Owner).Hex()
		b.broadcastFill(m.Symbol, takerUser, makerUser, ev.Price, ev.Qty, ts)
	}
	return report
}

// spendsQuote reports whether the order's spend leg is the market's quote
// token (i.e. the order buys base).
func spendsQuote(o *execution.SpotOrder, m *Market) bool {
	return o.TokenSpent == m.QuoteToken
}

// PerpLimitMsg submits a perpetual limit order.
type PerpLimitMsg struct {
	Market string
	Price  uint64
	Qty    uint64
	Order  *execution.PerpOrder
}

// SubmitPerpLimit places a perpetual limit order. The book side follows
// the order's exposure direction: longs buy, shorts sell.
func (b *TransactionBatch) SubmitPerpLimit(msg PerpLimitMsg) OrderAck {
	m, err := b.markets.get(msg.Market)
	if err != nil {
		return ackErr(err)
	}
	if m.Kind != Perp {
		return ackErr(rollerr.New(rollerr.UnknownMarket, "batch.SubmitPerpLimit", "market is not a perp market"))
	}
	if msg.Order == nil {
		return ackErr(rollerr.New(rollerr.OrderNotFound, "batch.SubmitPerpLimit", "missing order payload"))
	}
	ensureOrderID(&msg.Order.OrderID)
	if msg.Order.SyntheticToken != m.BaseToken {
		return ackErr(rollerr.New(rollerr.TokenMismatch, "batch.SubmitPerpLimit", "order synthetic token does not match market"))
	}

	userID := field.AddressFromPubKey(&msg.Order.Owner).Hex()
	b.ordersMu.Lock()
	b.perpOrders[msg.Order.OrderID] = msg.Order
	b.ordersMu.Unlock()

	side := orderbook.Buy
	if msg.Order.Side == entities.Short {
		side = orderbook.Sell
	}
	events := m.Book.NewLimit(&orderbook.Order{
		ID:         msg.Order.OrderID,
		Side:       side,
		Price:      msg.Price,
		Qty:        msg.Qty,
		UserID:     userID,
		Expiration: msg.Order.Expiration,
	})
	fills, rested := b.processPerpEvents(m, events)
	return OrderAck{Successful: true, OrderID: msg.Order.OrderID, Fills: fills, Rested: rested}
}

// PerpMarketMsg submits a perpetual market order.
type PerpMarketMsg struct {
	Market string
	Qty    uint64
	Order  *execution.PerpOrder
}

// SubmitPerpMarket fills a perpetual order through the book without
// resting a remainder.
func (b *TransactionBatch) SubmitPerpMarket(msg PerpMarketMsg) OrderAck {
	m, err := b.markets.get(msg.Market)
	if err != nil {
		return ackErr(err)
	}
	if m.Kind != Perp {
		return ackErr(rollerr.New(rollerr.UnknownMarket, "batch.SubmitPerpMarket", "market is not a perp market"))
	}
	if msg.Order == nil {
		return ackErr(rollerr.New(rollerr.OrderNotFound, "batch.SubmitPerpMarket", "missing order payload"))
	}
	ensureOrderID(&msg.Order.OrderID)

	userID := field.AddressFromPubKey(&msg.Order.Owner).Hex()
	b.ordersMu.Lock()
	b.perpOrders[msg.Order.OrderID] = msg.Order
	b.ordersMu.Unlock()

	side := orderbook.Buy
	if msg.Order.Side == entities.Short {
		side = orderbook.Sell
	}
	events, unfilled := m.Book.NewMarket(msg.Order.OrderID, userID, side, msg.Qty)
	fills, _ := b.processPerpEvents(m, events)
	return OrderAck{Successful: true, OrderID: msg.Order.OrderID, Fills: fills, Unfilled: unfilled}
}

func (b *TransactionBatch) processPerpEvents(m *Market, events []orderbook.Event) ([]FillReport, bool) {
	var fills []FillReport
	rested := false
	for _, ev := range events {
		switch ev.Kind {
		case orderbook.EventRested:
			rested = true
		case orderbook.EventFilled:
			fills = append(fills, b.executePerpFill(m, ev))
		}
	}
	return fills, rested
}

// executePerpFill runs both sides of a perpetual fill through the
// execution pipeline: each signed order's position effect is applied
// independently against the same fill quantity and price.
func (b *TransactionBatch) executePerpFill(m *Market, ev orderbook.Event) FillReport {
	report := FillReport{TakerID: ev.TakerID, MakerID: ev.MakerID, Price: ev.Price, Qty: ev.Qty}
	b.ordersMu.RLock()
	taker := b.perpOrders[ev.TakerID]
	maker := b.perpOrders[ev.MakerID]
	b.ordersMu.RUnlock()
	if taker == nil || maker == nil {
		report.Error = "order payload not found"
		return report
	}

	ts := b.now()
	takerRes := b.executePerpLeg(m, taker, ev.Qty, ev.Price, ts)
	makerRes := b.executePerpLeg(m, maker, ev.Qty, ev.Price, ts)

	report.Successful = takerRes.Successful && makerRes.Successful
	if takerRes.ErrorMessage != "" {
		report.Error = takerRes.ErrorMessage
	} else if makerRes.ErrorMessage != "" {
		report.Error = makerRes.ErrorMessage
	}
	if report.Successful {
		takerUser := field.AddressFromPubKey(&taker.Owner).Hex()
		makerUser := field.AddressFromPubKey(&maker.Owner).Hex()
		b.broadcastFill(m.Symbol, takerUser, makerUser, ev.Price, ev.Qty, ts)
	}
	return report
}

// executePerpLeg applies one fill to one signed perpetual order.
func (b *TransactionBatch) executePerpLeg(m *Market, o *execution.PerpOrder, qty, price uint64, ts int64) execution.PerpSwapResult {
	fillCollateral := execution.CollateralFromPrice(m.BaseToken, price, qty)
	fee := execution.Fee(fillCollateral, b.engine.Fees.SpotTakerBps)

	b.openPositions.mu.Lock()
	existing := b.openPositions.positions[o.OrderID]
	b.openPositions.mu.Unlock()

	indexPrice, _ := b.IndexPrice(m.BaseToken)
	res := b.engine.PerpSwap(execution.PerpSwapRequest{
		Order:          o,
		Existing:       existing,
		FillSynthetic:  qty,
		FillCollateral: fillCollateral,
		Fee:            fee,
		Funding:        b.fundingSnapshot(),
		IndexPrice:     indexPrice,
	}, ts)

	if res.Successful {
		if o.Effect == execution.EffectOpen && res.Position != nil {
			b.openPositions.mu.Lock()
			b.openPositions.positions[o.OrderID] = res.Position
			b.openPositions.mu.Unlock()
		}
		user := field.AddressFromPubKey(&o.Owner).Hex()
		b.broadcastPosition(user, res.Position, ts)
	}
	return res
}

// CancelOrder removes a resting order, authenticating by the submitting
// user's id, and clears its partial-fill tracker state. Idempotent: a
// second cancel of the same id reports the same zero-remaining outcome.
func (b *TransactionBatch) CancelOrder(market, orderID, userID string) (remaining uint64, found bool, err error) {
	m, merr := b.markets.get(market)
	if merr != nil {
		return 0, false, merr
	}
	remaining, found = m.Book.Cancel(orderID, userID)
	if found {
		b.engine.SpotTracker.Clear(orderID)
		b.engine.PerpTracker.Clear(orderID)
		b.ordersMu.Lock()
		delete(b.spotOrders, orderID)
		delete(b.perpOrders, orderID)
		b.ordersMu.Unlock()
	}
	return remaining, found, nil
}

// AmendMsg adjusts a resting order's price and expiration. If MatchOnly,
// only the crossable portion executes and the residual is dropped.
type AmendMsg struct {
	Market        string
	OrderID       string
	UserID        string
	NewPrice      uint64
	NewExpiration uint64
	MatchOnly     bool
	Signature     []byte
}

// AmendOrder atomically cancels and reinserts an order at its new price,
// executing anything that now crosses.
func (b *TransactionBatch) AmendOrder(msg AmendMsg) OrderAck {
	m, err := b.markets.get(msg.Market)
	if err != nil {
		return ackErr(err)
	}

	events, aerr := m.Book.Amend(msg.OrderID, msg.UserID, msg.NewPrice, msg.NewExpiration, msg.MatchOnly)
	if aerr != nil {
		return ackErr(rollerr.Wrap(rollerr.OrderNotFound, "batch.AmendOrder", aerr))
	}

	var fills []FillReport
	var rested bool
	if m.Kind == Spot {
		fills, rested = b.processSpotEvents(m, events)
	} else {
		fills, rested = b.processPerpEvents(m, events)
	}
	return OrderAck{Successful: true, OrderID: msg.OrderID, Fills: fills, Rested: rested}
}

// LiquidateMsg asks the engine to liquidate an underwater position at the
// current oracle index price, absorbed by the liquidator's signed order.
type LiquidateMsg struct {
	Market string
	Order  *execution.PerpOrder // Effect must be EffectLiquidate, Position set to the target
	Qty    uint64               // 0 = full liquidation
}

// Liquidate settles an underwater position against the liquidator.
func (b *TransactionBatch) Liquidate(msg LiquidateMsg) execution.PerpSwapResult {
	m, err := b.markets.get(msg.Market)
	if err != nil {
		return execution.PerpSwapResult{Result: execution.Result{Successful: false, ErrorMessage: err.Error()}}
	}
	indexPrice, ok := b.IndexPrice(m.BaseToken)
	if !ok {
		err := rollerr.New(rollerr.OracleStale, "batch.Liquidate", "no index price for market")
		return execution.PerpSwapResult{Result: execution.Result{Successful: false, ErrorMessage: err.Error()}}
	}

	qty := msg.Qty
	ts := b.now()
	fillCollateral := execution.CollateralFromPrice(m.BaseToken, indexPrice, qtyOrFull(qty, msg.Order))
	res := b.engine.PerpSwap(execution.PerpSwapRequest{
		Order:          msg.Order,
		FillSynthetic:  qty,
		FillCollateral: fillCollateral,
		Fee:            0,
		Funding:        b.fundingSnapshot(),
		IndexPrice:     indexPrice,
	}, ts)

	if res.Successful {
		b.broadcastLiquidation(m.Symbol, msg.Order.Position.Index, res.LeftoverValue, ts)
		user := field.AddressFromPubKey(&msg.Order.Owner).Hex()
		b.broadcastPosition(user, res.LiquidatorPosition, ts)
	}
	return res
}

func qtyOrFull(qty uint64, o *execution.PerpOrder) uint64 {
	if qty == 0 && o != nil && o.Position != nil {
		return o.Position.PositionSize
	}
	return qty
}

// ensureOrderID assigns a fresh id to an order submitted without one, so
// the trackers and the blocked-order set always have a usable key.
func ensureOrderID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
