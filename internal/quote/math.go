// Package quote prices routes: leg outputs, price impact, minimum output,
// and the unit conversions at the RPC boundary.
package quote

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput marks negative amounts or out-of-range slippage.
var ErrInvalidInput = errors.New("invalid quote input")

// pricePrecision is the number of decimal places kept for pool prices.
const pricePrecision = 36

const (
	directGas   uint64 = 100_000
	twoHopGas   uint64 = 180_000
	extraHopGas uint64 = 80_000
)

var (
	one  = decimal.NewFromInt(1)
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)
)

// ToBaseUnits converts a display amount into integer token units, truncating dust.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidInput, amount)
	}
	return amount.Shift(int32(decimals)).BigInt(), nil
}

// FromBaseUnits converts integer token units into a display amount.
func FromBaseUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// PriceFromSqrtX96 returns token1 per token0 in display units.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return decimal.Zero
	}
	num := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	num.Mul(num, pow10(decimals0))
	den := new(big.Int).Mul(q192, pow10(decimals1))
	return decimal.NewFromBigInt(num, 0).DivRound(decimal.NewFromBigInt(den, 0), pricePrecision)
}

// PriceFromReserves returns token1 per token0 in display units.
func PriceFromReserves(reserve0, reserve1 *big.Int, decimals0, decimals1 uint8) decimal.Decimal {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 {
		return decimal.Zero
	}
	r0 := FromBaseUnits(reserve0, decimals0)
	r1 := FromBaseUnits(reserve1, decimals1)
	return r1.DivRound(r0, pricePrecision)
}

// Invert returns 1/price, or zero for a zero price.
func Invert(price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return one.DivRound(price, pricePrecision)
}

// ConstantProductOut applies x*y=k with the 0.3% pair fee.
func ConstantProductOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn == nil || reserveIn == nil || reserveOut == nil {
		return nil, fmt.Errorf("%w: missing amount or reserves", ErrInvalidInput)
	}
	if amountIn.Sign() < 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive reserves", ErrInvalidInput)
	}
	in, overflow := uint256.FromBig(amountIn)
	if overflow {
		return nil, fmt.Errorf("%w: amount overflows uint256", ErrInvalidInput)
	}
	rIn, overflow := uint256.FromBig(reserveIn)
	if overflow {
		return nil, fmt.Errorf("%w: reserve overflows uint256", ErrInvalidInput)
	}
	rOut, overflow := uint256.FromBig(reserveOut)
	if overflow {
		return nil, fmt.Errorf("%w: reserve overflows uint256", ErrInvalidInput)
	}

	inWithFee, overflow := new(uint256.Int).MulOverflow(in, uint256.NewInt(997))
	if overflow {
		return nil, fmt.Errorf("%w: amount too large", ErrInvalidInput)
	}
	numerator, overflow := new(uint256.Int).MulOverflow(inWithFee, rOut)
	if overflow {
		return nil, fmt.Errorf("%w: amount too large", ErrInvalidInput)
	}
	denominator, overflow := new(uint256.Int).MulOverflow(rIn, uint256.NewInt(1000))
	if overflow {
		return nil, fmt.Errorf("%w: reserve too large", ErrInvalidInput)
	}
	denominator, overflow = new(uint256.Int).AddOverflow(denominator, inWithFee)
	if overflow {
		return nil, fmt.Errorf("%w: amount too large", ErrInvalidInput)
	}
	return new(uint256.Int).Div(numerator, denominator).ToBig(), nil
}

// PriceImpact is |1 - out/(in*priceIn)| clamped to [0,1]. A missing reference price counts as full impact.
func PriceImpact(amountIn, amountOut, priceIn decimal.Decimal) decimal.Decimal {
	if amountIn.IsZero() {
		return decimal.Zero
	}
	expected := amountIn.Mul(priceIn)
	if expected.Sign() <= 0 {
		return one
	}
	ratio := amountOut.DivRound(expected, pricePrecision)
	return ClampImpact(one.Sub(ratio).Abs())
}

// ClampImpact bounds an impact to [0,1].
func ClampImpact(impact decimal.Decimal) decimal.Decimal {
	if impact.IsNegative() {
		return decimal.Zero
	}
	if impact.GreaterThan(one) {
		return one
	}
	return impact
}

// MinimumOutput applies the slippage tolerance to an output amount.
func MinimumOutput(output, slippage decimal.Decimal) decimal.Decimal {
	return output.Mul(one.Sub(slippage))
}

// ValidSlippage reports whether slippage lies in the open interval (0,1).
func ValidSlippage(slippage decimal.Decimal) bool {
	return slippage.IsPositive() && slippage.LessThan(one)
}

// GasEstimate is the flat per-route gas budget by hop count.
func GasEstimate(hops int) uint64 {
	switch {
	case hops <= 1:
		return directGas
	case hops == 2:
		return twoHopGas
	default:
		return twoHopGas + uint64(hops-2)*extraHopGas
	}
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
