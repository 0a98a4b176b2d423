package batch

import (
	"fmt"
	"sync"

	"github.com/uhyunpark/rollupcore/pkg/orderbook"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// MarketKind distinguishes a spot pair from a perpetual market.
type MarketKind uint8

const (
	Spot MarketKind = iota
	Perp
)

func (k MarketKind) String() string {
	if k == Perp {
		return "perp"
	}
	return "spot"
}

// Market is one tradable pair: its tokens and its order book. Perp markets
// always quote against the canonical collateral.
type Market struct {
	Symbol     string
	Kind       MarketKind
	BaseToken  uint32
	QuoteToken uint32
	Book       *orderbook.Book
}

// registry holds the batch engine's markets, immutable after startup.
type registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func newRegistry() *registry {
	return &registry{markets: make(map[string]*Market)}
}

func (r *registry) register(m *Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	m.Book = orderbook.NewBook()
	r.markets[m.Symbol] = m
	return nil
}

func (r *registry) get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[symbol]
	if !ok {
		return nil, rollerr.New(rollerr.UnknownMarket, "batch.registry", "unknown market "+symbol)
	}
	return m, nil
}

func (r *registry) list() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// defaultMarkets is the devnet market set: one spot pair and one perp
// market per listed synthetic, all quoted in the canonical collateral.
func defaultMarkets() []*Market {
	return []*Market{
		{Symbol: "BTC-USDC", Kind: Spot, BaseToken: perpmath.TokenBTC, QuoteToken: perpmath.TokenUSDC},
		{Symbol: "ETH-USDC", Kind: Spot, BaseToken: perpmath.TokenETH, QuoteToken: perpmath.TokenUSDC},
		{Symbol: "SOL-USDC", Kind: Spot, BaseToken: perpmath.TokenSOL, QuoteToken: perpmath.TokenUSDC},
		{Symbol: "BTC-USDC-PERP", Kind: Perp, BaseToken: perpmath.TokenBTC, QuoteToken: perpmath.TokenUSDC},
		{Symbol: "ETH-USDC-PERP", Kind: Perp, BaseToken: perpmath.TokenETH, QuoteToken: perpmath.TokenUSDC},
		{Symbol: "SOL-USDC-PERP", Kind: Perp, BaseToken: perpmath.TokenSOL, QuoteToken: perpmath.TokenUSDC},
	}
}
