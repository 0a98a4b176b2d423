package execution

import (
	"math/big"

	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// PriceFromAmounts derives the execution price of one leg of a swap from
// the collateral amount and synthetic amount that were actually
// exchanged: price = collateral_amount * 10^(syn_dec+price_dec-coll_dec) /
// synthetic_amount, integer division.
//
// A quote token other than the canonical collateral is an explicit
// TokenMismatch error, so a caller can't mistake "price function doesn't
// apply here" for "price is zero".
func PriceFromAmounts(synToken, quoteToken uint32, collateralAmount, syntheticAmount uint64) (uint64, error) {
	if quoteToken != collateralToken {
		return 0, rollerr.New(rollerr.TokenMismatch, "execution.PriceFromAmounts", "quote token is not the canonical collateral")
	}
	if syntheticAmount == 0 {
		return 0, rollerr.New(rollerr.AmountMismatch, "execution.PriceFromAmounts", "synthetic amount is zero")
	}
	if !perpmath.IsListedSynthetic(synToken) {
		return 0, rollerr.New(rollerr.UnknownMarket, "execution.PriceFromAmounts", "no decimal entry for synthetic token")
	}
	synDec := perpmath.Decimals(synToken)

	exp := int(synDec) + priceDecimals - int(perpmath.CollateralDecimals)
	num := new(big.Int).SetUint64(collateralAmount)
	if exp >= 0 {
		num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	} else {
		den := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil)
		num.Div(num, den)
	}
	den := new(big.Int).SetUint64(syntheticAmount)
	price := new(big.Int).Div(num, den)
	if !price.IsUint64() {
		return 0, rollerr.New(rollerr.Internal, "execution.PriceFromAmounts", "derived price overflows u64")
	}
	return price.Uint64(), nil
}

// CollateralFromPrice is the inverse derivation: the collateral base units
// corresponding to syntheticAmount at price. Used when minting close-out
// and swap-output notes whose value is quoted in ticks.
func CollateralFromPrice(synToken uint32, price, syntheticAmount uint64) uint64 {
	synDec := perpmath.Decimals(synToken)
	exp := int(synDec) + priceDecimals - int(perpmath.CollateralDecimals)
	num := new(big.Int).SetUint64(price)
	num.Mul(num, new(big.Int).SetUint64(syntheticAmount))
	if exp > 0 {
		num.Div(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	} else if exp < 0 {
		num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil))
	}
	if !num.IsUint64() {
		return ^uint64(0)
	}
	return num.Uint64()
}
