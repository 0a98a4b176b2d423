// Package perpmath implements the arithmetic of a leveraged perpetual
// position: effective leverage, the tiered max-leverage schedule, the
// liquidation/bankruptcy price derivation, realized PnL, and funding
// accrual, all in integer price/size units.
//
// Unit conventions, shared with the execution pipeline's price derivation:
// prices are integer ticks of whole collateral per whole synthetic
// (price 30000 = 30,000 USDC per BTC); sizes are synthetic base units
// (8 decimals for BTC); margins and every collateral amount are collateral
// base units (6 decimals for USDC). Notional therefore de-scales by
// 10^(synthetic decimals - collateral decimals).
package perpmath

import "github.com/uhyunpark/rollupcore/pkg/entities"

// Token IDs matching the on-chain contract constants.
const (
	TokenBTC  uint32 = 3592681469
	TokenETH  uint32 = 453755560
	TokenUSDC uint32 = 2413654107
	TokenSOL  uint32 = 277158171
)

// CollateralDecimals is the canonical collateral's (USDC) base-unit
// decimals.
const CollateralDecimals uint8 = 6

// decimals records each token's base-unit decimals.
var decimals = map[uint32]uint8{
	TokenBTC:  8,
	TokenETH:  9,
	TokenSOL:  9,
	TokenUSDC: 6,
}

// Decimals returns token's base-unit decimals, defaulting to the
// collateral's when the token is unknown.
func Decimals(token uint32) uint8 {
	if d, ok := decimals[token]; ok {
		return d
	}
	return CollateralDecimals
}

// IsListedSynthetic reports whether token has a registered decimals entry
// and is not the collateral itself, i.e. whether a perp market can quote
// it against the canonical collateral.
func IsListedSynthetic(token uint32) bool {
	_, ok := decimals[token]
	return ok && token != TokenUSDC
}

// scale returns 10^(synthetic decimals - collateral decimals), the divisor
// turning price*size into collateral base units. Every listed synthetic
// carries at least as many decimals as the collateral.
func scale(token uint32) uint64 {
	return uint64(pow10(Decimals(token) - CollateralDecimals))
}

// LeverageTier is one band of a token's max-leverage schedule: positions up
// to UpToSize (in synthetic base units) may use at most MaxLeverageBps/10000
// leverage; larger positions fall through to the next, stricter tier.
type LeverageTier struct {
	UpToSize       uint64
	MaxLeverageBps uint64
}

// LeverageSchedule is a token's ordered list of tiers, smallest UpToSize
// first, terminated by a final tier with UpToSize = ^uint64(0).
type LeverageSchedule []LeverageTier

// Default tiered schedules per synthetic token: leverage tightens in
// bands as position size grows, the way a real venue schedules it.
var (
	btcSchedule = LeverageSchedule{
		{UpToSize: 10_00000000, MaxLeverageBps: 300000}, // <=10 BTC: 30x
		{UpToSize: 50_00000000, MaxLeverageBps: 150000}, // <=50 BTC: 15x
		{UpToSize: ^uint64(0), MaxLeverageBps: 15000},   // beyond: 1.5x
	}
	ethSchedule = LeverageSchedule{
		{UpToSize: 100_000000000, MaxLeverageBps: 250000}, // <=100 ETH: 25x
		{UpToSize: 500_000000000, MaxLeverageBps: 100000}, // <=500 ETH: 10x
		{UpToSize: ^uint64(0), MaxLeverageBps: 15000},
	}
	solSchedule = LeverageSchedule{
		{UpToSize: 1000_000000000, MaxLeverageBps: 200000}, // <=1000 SOL: 20x
		{UpToSize: 5000_000000000, MaxLeverageBps: 100000},
		{UpToSize: ^uint64(0), MaxLeverageBps: 15000},
	}
	usdcSchedule = LeverageSchedule{
		// USDC-collateral-only synthetics: conservative flat cap, no tiers.
		{UpToSize: ^uint64(0), MaxLeverageBps: 50000}, // 5x
	}
)

// ScheduleFor returns the leverage schedule for a synthetic token.
func ScheduleFor(token uint32) LeverageSchedule {
	switch token {
	case TokenBTC:
		return btcSchedule
	case TokenETH:
		return ethSchedule
	case TokenSOL:
		return solSchedule
	default:
		return usdcSchedule
	}
}

// MaxLeverageBps returns the basis-point leverage cap applying to a
// position of the given size in token's schedule.
func MaxLeverageBps(token uint32, size uint64) uint64 {
	sched := ScheduleFor(token)
	for _, tier := range sched {
		if size <= tier.UpToSize {
			return tier.MaxLeverageBps
		}
	}
	return sched[len(sched)-1].MaxLeverageBps
}

// MaxLeverage is an alias for MaxLeverageBps kept for call-site readability
// where the basis-point unit is clear from context.
func MaxLeverage(token uint32, size uint64) uint64 {
	return MaxLeverageBps(token, size)
}

// Notional returns the position's current value in collateral base units.
func Notional(token uint32, price, size uint64) uint64 {
	return price * size / scale(token)
}

// Leverage computes effective leverage in basis points:
// notional*10000/margin. Leverage with zero margin returns 0 rather than
// dividing by zero: a position with zero margin has already been fully
// liquidated, not infinitely levered.
func Leverage(token uint32, price, size, margin uint64) uint64 {
	if margin == 0 {
		return 0
	}
	return (Notional(token, price, size) * 10000) / margin
}

// RequiredInitialMargin returns the margin a position of this size and
// entry price must post, given its token's max leverage: notional /
// maxLeverage, i.e. notional*10000/maxLeverageBps.
func RequiredInitialMargin(token uint32, price, size uint64) uint64 {
	maxLevBps := MaxLeverageBps(token, size)
	if maxLevBps == 0 {
		return Notional(token, price, size)
	}
	return (Notional(token, price, size) * 10000) / maxLevBps
}

// MaintenanceMarginRate returns the maintenance margin rate, in basis
// points of notional, for a position of this size in token: half of the
// initial margin rate implied by the token's leverage tier.
func MaintenanceMarginRate(token uint32, size uint64) uint64 {
	maxLevBps := MaxLeverageBps(token, size)
	if maxLevBps == 0 {
		return 10000
	}
	initialRateBps := 100000000 / maxLevBps
	return initialRateBps / 2
}

// MaintenanceMargin returns the maintenance margin requirement, in
// collateral base units, at the given mark price.
func MaintenanceMargin(token uint32, price, size uint64) uint64 {
	return Notional(token, price, size) * MaintenanceMarginRate(token, size) / 10000
}

// LiquidationPrice returns the mark price at which a position's margin
// equals its maintenance margin requirement, triggering liquidation.
// Holding the maintenance rate fixed at entry size:
//
//	long:  liqPrice = entry - (margin - maint)*scale/size
//	short: liqPrice = entry + (margin - maint)*scale/size
func LiquidationPrice(side entities.Side, entryPrice, size, margin uint64, token uint32) uint64 {
	if size == 0 {
		return 0
	}
	maint := MaintenanceMargin(token, entryPrice, size)
	if side == entities.Long {
		if margin <= maint {
			return entryPrice
		}
		delta := (margin - maint) * scale(token) / size
		if delta > entryPrice {
			return 0
		}
		return entryPrice - delta
	}
	delta := uint64(0)
	if margin > maint {
		delta = (margin - maint) * scale(token) / size
	}
	return entryPrice + delta
}

// BankruptcyPrice returns the mark price at which margin is fully consumed
// (the point past which the counterparty, not the trader, absorbs loss):
//
//	long:  bankruptcyPrice = entry - margin*scale/size
//	short: bankruptcyPrice = entry + margin*scale/size
func BankruptcyPrice(side entities.Side, entryPrice, size, margin uint64, token uint32) uint64 {
	if size == 0 {
		return 0
	}
	delta := margin * scale(token) / size
	if side == entities.Long {
		if delta > entryPrice {
			return 0
		}
		return entryPrice - delta
	}
	return entryPrice + delta
}

// RealizedPnL returns the signed collateral-base-unit profit realized by
// closing size base units entered at entryPrice and exited at exitPrice.
func RealizedPnL(side entities.Side, entryPrice, exitPrice, size uint64, token uint32) int64 {
	diff := int64(exitPrice) - int64(entryPrice)
	if side == entities.Short {
		diff = -diff
	}
	return diff * int64(size) / int64(scale(token))
}

// fundingRateScale is the fixed-point scale of a funding rate: a rate of
// 1_000_000 is 100% per epoch.
const fundingRateScale = 1_000_000

// FundingDelta returns the signed margin adjustment for a position of the
// given side and size crossing the supplied funding epochs: for each epoch
// the payment is rate_i * funding_price_i * size, de-scaled into collateral
// base units. Positive rates mean longs pay shorts, so a long's delta is
// negative when rates are positive.
func FundingDelta(side entities.Side, size uint64, rates []int64, prices []uint64, token uint32) int64 {
	var delta int64
	n := len(rates)
	if len(prices) < n {
		n = len(prices)
	}
	for i := 0; i < n; i++ {
		notional := int64(prices[i]) * int64(size) / int64(scale(token))
		delta += rates[i] * notional / fundingRateScale
	}
	if side == entities.Long {
		return -delta
	}
	return delta
}

func pow10(n uint8) int64 {
	out := int64(1)
	for i := uint8(0); i < n; i++ {
		out *= 10
	}
	return out
}

// MinPartialLiquidationSize is the smallest position size a partial
// liquidation may carve off; below this, a liquidation must close the
// position entirely rather than partially, since a dust-sized remainder
// could never itself be liquidated or closed economically.
var MinPartialLiquidationSize = map[uint32]uint64{
	TokenBTC: 5000000,     // 0.05 BTC (8 decimals)
	TokenETH: 1000000000,  // 1 ETH
	TokenSOL: 10000000000, // 10 SOL
}

// AllowsPartialLiquidation reports whether a position of the given
// synthetic token may be partially liquidated rather than fully closed,
// honoring both the position's own AllowPartialLiquidations flag and the
// token's minimum partial size for the liquidated slice.
func AllowsPartialLiquidation(allowFlag bool, token uint32, liquidatedSize uint64) bool {
	if !allowFlag {
		return false
	}
	min, ok := MinPartialLiquidationSize[token]
	if !ok {
		return false
	}
	return liquidatedSize >= min
}
