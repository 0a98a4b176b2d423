// Package batch is the top-level transaction batch engine: it owns the
// live superficial state tree, the order books, the execution engine, the
// oracle and funding state, and main storage, and multiplexes concurrent
// client transactions over them under the fixed lock order the concurrency
// model mandates (tree -> updated-hashes -> trackers -> output JSON).
// Mutators run as bounded worker goroutines admitted by a semaphore; batch
// finalization is a global barrier that promotes the superficial tree,
// assembles the DA blob and prover input, and rotates the transcript
// segment.
package batch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/execution"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollcfg"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
	"github.com/uhyunpark/rollupcore/pkg/storage"
	"github.com/uhyunpark/rollupcore/pkg/util"
)

// Broadcaster is the push channel for fill events, liquidation notices,
// and position updates. The API layer's WebSocket hub implements it; a nil
// broadcaster drops everything.
type Broadcaster interface {
	FillEvent(symbol, takerUser, makerUser string, price, qty uint64, ts int64)
	LiquidationNotice(symbol string, positionIndex uint64, leftoverValue int64, ts int64)
	PositionUpdate(user string, position *entities.Position, ts int64)
}

// IndexPriceUpdate is one oracle observation for one asset.
type IndexPriceUpdate struct {
	Token     uint32 `json:"token"`
	Price     uint64 `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// oracleState tracks the last accepted index price and timestamp per
// asset; updates must be strictly newer per asset or they are rejected.
type oracleState struct {
	mu     sync.Mutex
	prices map[uint32]uint64
	ts     map[uint32]int64
}

// fundingState is the batch's funding epoch history: per-epoch rates and
// mark-price snapshots starting at minIdx.
type fundingState struct {
	mu      sync.Mutex
	rates   []int64
	prices  []uint64
	minIdx  uint32
	current uint32
}

// perpOrderState remembers, per Open order id, the position its first
// partial fill created so later fills pile onto it.
type perpOrderState struct {
	mu        sync.Mutex
	positions map[string]*entities.Position
}

// TransactionBatch is the single owner of all shared execution state.
type TransactionBatch struct {
	cfg   rollcfg.Config
	log   *zap.SugaredLogger
	clock util.Clock

	tree   *merkletree.SuperficialTree
	alloc  *merkletree.IndexAllocator
	engine *execution.Engine
	store  *storage.Store

	markets *registry
	oracle  oracleState
	funding fundingState

	// spotOrders/perpOrders map order ids to the signed payloads fills are
	// authenticated against; openPositions tracks Open orders' partial
	// position state.
	ordersMu      sync.RWMutex
	spotOrders    map[string]*execution.SpotOrder
	perpOrders    map[string]*execution.PerpOrder
	openPositions perpOrderState

	// sem admits at most cfg.Batch.MaxConcurrentTx mutating workers; it is
	// the sole backpressure knob.
	sem chan struct{}

	// pause is the finalize barrier: every mutator holds it for read, and
	// FinalizeBatch takes it for write, draining in-flight workers before
	// the tree is promoted.
	pause sync.RWMutex

	batchIdx     uint64
	lastFinalize *FinalizeResult
	finalizeMu   sync.Mutex

	notifier Broadcaster
}

// New assembles a TransactionBatch over an open store, recovering any
// previously finalized state from its transcript segments.
func New(cfg rollcfg.Config, store *storage.Store, log *zap.SugaredLogger) (*TransactionBatch, error) {
	tree := merkletree.NewSuperficial(cfg.Tree.Depth)
	alloc := merkletree.NewIndexAllocator(cfg.Tree.Depth)

	var batchIdx uint64
	if store != nil {
		rec := storage.NewRecovery(store, log)
		last, err := rec.Replay(tree, alloc)
		if err != nil {
			return nil, err
		}
		batchIdx = last
	}

	engine := execution.NewEngine(tree, alloc)
	engine.BlockedMaxWait = cfg.Batch.BlockedOrderMaxWait
	if store != nil {
		engine.Commitments = store
	}

	b := &TransactionBatch{
		cfg:        cfg,
		log:        log,
		clock:      util.RealClock{},
		tree:       tree,
		alloc:      alloc,
		engine:     engine,
		store:      store,
		markets:    newRegistry(),
		spotOrders: make(map[string]*execution.SpotOrder),
		perpOrders: make(map[string]*execution.PerpOrder),
		sem:        make(chan struct{}, cfg.Batch.MaxConcurrentTx),
		batchIdx:   batchIdx,
	}
	b.oracle.prices = make(map[uint32]uint64)
	b.oracle.ts = make(map[uint32]int64)
	b.funding.current = 1
	b.funding.minIdx = 1
	b.openPositions.positions = make(map[string]*entities.Position)

	for _, m := range defaultMarkets() {
		if err := b.markets.register(m); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SetBroadcaster wires the push channel. Call before serving traffic.
func (b *TransactionBatch) SetBroadcaster(n Broadcaster) {
	b.notifier = n
}

// SetClock substitutes the time source, for tests.
func (b *TransactionBatch) SetClock(c util.Clock) {
	b.clock = c
}

// Engine exposes the execution engine for tests and recovery tooling.
func (b *TransactionBatch) Engine() *execution.Engine {
	return b.engine
}

// Tree exposes the live state tree for read-only inspection.
func (b *TransactionBatch) Tree() *merkletree.SuperficialTree {
	return b.tree
}

// Markets lists the registered markets.
func (b *TransactionBatch) Markets() []*Market {
	return b.markets.list()
}

// now returns the engine's transaction timestamp in unix milliseconds.
func (b *TransactionBatch) now() int64 {
	return b.clock.Now().UnixMilli()
}

// UpdateIndexPrices applies a batch of oracle observations. Per asset the
// timestamp must be strictly newer than the last accepted one, and the
// asset must be a listed synthetic; each failing update is rejected
// without affecting the others.
func (b *TransactionBatch) UpdateIndexPrices(updates []IndexPriceUpdate) []error {
	b.oracle.mu.Lock()
	defer b.oracle.mu.Unlock()

	errs := make([]error, len(updates))
	for i, u := range updates {
		if !perpmath.IsListedSynthetic(u.Token) {
			errs[i] = rollerr.New(rollerr.UnknownMarket, "batch.UpdateIndexPrices", "token is not a listed synthetic")
			continue
		}
		if u.Timestamp <= b.oracle.ts[u.Token] {
			errs[i] = rollerr.New(rollerr.OracleStale, "batch.UpdateIndexPrices", "timestamp not newer than last accepted")
			continue
		}
		b.oracle.prices[u.Token] = u.Price
		b.oracle.ts[u.Token] = u.Timestamp
	}
	return errs
}

// IndexPrice returns the last accepted index price for token.
func (b *TransactionBatch) IndexPrice(token uint32) (uint64, bool) {
	b.oracle.mu.Lock()
	defer b.oracle.mu.Unlock()
	p, ok := b.oracle.prices[token]
	return p, ok
}

// AdvanceFundingEpoch closes the current funding epoch with the given
// rate, snapshotting the token's current index price as the epoch's funding
// price, and opens the next epoch. Positions accrue the closed epoch when
// they are next touched.
func (b *TransactionBatch) AdvanceFundingEpoch(token uint32, rate int64) error {
	price, ok := b.IndexPrice(token)
	if !ok {
		return rollerr.New(rollerr.OracleStale, "batch.AdvanceFundingEpoch", "no index price for funding snapshot")
	}
	b.funding.mu.Lock()
	defer b.funding.mu.Unlock()
	b.funding.rates = append(b.funding.rates, rate)
	b.funding.prices = append(b.funding.prices, price)
	b.funding.current++
	return nil
}

// fundingSnapshot returns the funding history slice workers hand to the
// execution pipeline.
func (b *TransactionBatch) fundingSnapshot() execution.FundingData {
	b.funding.mu.Lock()
	defer b.funding.mu.Unlock()
	rates := make([]int64, len(b.funding.rates))
	copy(rates, b.funding.rates)
	prices := make([]uint64, len(b.funding.prices))
	copy(prices, b.funding.prices)
	return execution.FundingData{
		Rates:             rates,
		Prices:            prices,
		MinFundingIdx:     b.funding.minIdx,
		CurrentFundingIdx: b.funding.current,
	}
}

// RestoreOrderbook rebuilds a market's book from an external snapshot
// after crash recovery.
func (b *TransactionBatch) RestoreOrderbook(symbol string, bids, asks []*orderbook.Order) error {
	m, err := b.markets.get(symbol)
	if err != nil {
		return err
	}
	m.Book.Restore(bids, asks)
	b.log.Infow("orderbook restored", "market", symbol, "bids", len(bids), "asks", len(asks))
	return nil
}

// broadcastFill fans a fill event out to subscribed clients, if a
// broadcaster is wired.
func (b *TransactionBatch) broadcastFill(symbol, takerUser, makerUser string, price, qty uint64, ts int64) {
	if b.notifier != nil {
		b.notifier.FillEvent(symbol, takerUser, makerUser, price, qty, ts)
	}
}

func (b *TransactionBatch) broadcastPosition(user string, pos *entities.Position, ts int64) {
	if b.notifier != nil && pos != nil {
		b.notifier.PositionUpdate(user, pos, ts)
	}
}

func (b *TransactionBatch) broadcastLiquidation(symbol string, idx uint64, leftover int64, ts int64) {
	if b.notifier != nil {
		b.notifier.LiquidationNotice(symbol, idx, leftover, ts)
	}
}
