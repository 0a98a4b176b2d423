// Package execution implements the transaction execution pipeline: it
// binds a matching-engine fill or a direct client request (deposit,
// withdrawal, margin change, tab open/close, onchain MM action, forced
// escape) to authenticated state mutations against the sparse Merkle
// tree, appends the corresponding record to the output transcript, and
// updates the partial-fill trackers. Every operation follows the same
// shape: verify signature, check resting state, mutate, emit the record.
package execution

import "github.com/uhyunpark/rollupcore/pkg/perpmath"

// DustTable holds the per-token minimum amount below which a quantity is
// treated as zero, used by every "fully filled"/"fully closed" comparison
// in the pipeline.
type DustTable map[uint32]uint64

// DefaultDustTable sits several orders of magnitude below
// perpmath.MinPartialLiquidationSize for the same tokens (BTC 1000 against
// 5000000, ETH 1e6 against 1e9, SOL 1e5 against 1e10): dust absorbs
// integer-division remainders and does not gate partial liquidations.
func DefaultDustTable() DustTable {
	return DustTable{
		perpmath.TokenBTC:  1000,    // 0.00001 BTC
		perpmath.TokenETH:  1000000, // matches ETH's 9-decimal size unit
		perpmath.TokenSOL:  100000,
		perpmath.TokenUSDC: 1,
	}
}

// Of returns the dust threshold for token, or 0 if the token has no
// registered dust floor (every comparison below dust is then exact-zero).
func (d DustTable) Of(token uint32) uint64 {
	return d[token]
}

// Below reports whether amount is at or below token's dust threshold.
func (d DustTable) Below(token uint32, amount uint64) bool {
	return amount <= d.Of(token)
}

// FeeSchedule holds the basis-point fee rates the pipeline applies: spot
// swap taker/maker fees and the onchain MM performance fee on positive PnL
// realized at remove-liquidity/close-mm time.
type FeeSchedule struct {
	SpotTakerBps        uint64
	SpotMakerBps        uint64
	MMPerformanceFeeBps uint64
}

// DefaultFeeSchedule is a conservative devnet default: 20bps taker, 0bps
// maker, 20% MM performance fee.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		SpotTakerBps:        20,
		SpotMakerBps:        0,
		MMPerformanceFeeBps: 2000,
	}
}

// Fee returns amount*bps/10000, integer division, matching every basis-point
// computation in perpmath.
func Fee(amount, bps uint64) uint64 {
	return (amount * bps) / 10000
}

// priceDecimals is the scale applied to every stored price field. Kept at
// 0: prices are plain integer ticks (a BTC price of 30,000 is 30,000 whole
// collateral units per whole synthetic), with no further fixed-point
// scaling. Token base-unit decimals live in perpmath, shared with the
// leverage and funding arithmetic.
const priceDecimals = 0

// collateralToken is the canonical collateral every perp margin and every
// spot quote leg settles in.
const collateralToken = perpmath.TokenUSDC
