package quote

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"swapguard/internal/model"
)

// Quoter prices a single V3 hop on-chain, in base units.
type Quoter interface {
	QuoteExactInputSingle(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error)
}

// Engine computes leg outputs against pool snapshots.
type Engine struct {
	quoter Quoter
}

func NewEngine(quoter Quoter) *Engine {
	return &Engine{quoter: quoter}
}

// LegOutput returns the output of swapping amountIn of tokenIn through pool.
func (e *Engine) LegOutput(ctx context.Context, pool model.PoolInfo, tokenIn common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	in, out, ok := pool.Orient(tokenIn)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: token %s not in pool %s", ErrInvalidInput, tokenIn.Hex(), pool.Address.Hex())
	}
	raw, err := ToBaseUnits(amountIn, in.Decimals)
	if err != nil {
		return decimal.Zero, err
	}

	switch pool.Protocol {
	case model.ProtocolV2:
		reserveIn, reserveOut := pool.Reserve0, pool.Reserve1
		if tokenIn == pool.Token1.Address {
			reserveIn, reserveOut = pool.Reserve1, pool.Reserve0
		}
		outRaw, err := ConstantProductOut(raw, reserveIn, reserveOut)
		if err != nil {
			return decimal.Zero, err
		}
		return FromBaseUnits(outRaw, out.Decimals), nil
	case model.ProtocolV3:
		if e.quoter == nil {
			return decimal.Zero, fmt.Errorf("no quoter configured for v3 pool %s", pool.Address.Hex())
		}
		outRaw, err := e.quoter.QuoteExactInputSingle(ctx, in.Address, out.Address, pool.Fee, raw)
		if err != nil {
			return decimal.Zero, err
		}
		return FromBaseUnits(outRaw, out.Decimals), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported protocol %q", pool.Protocol)
	}
}

// LegImpact measures the price impact of one leg against the pool's reference price.
func LegImpact(pool model.PoolInfo, tokenIn common.Address, amountIn, amountOut decimal.Decimal) decimal.Decimal {
	price, ok := pool.PriceOf(tokenIn)
	if !ok {
		return one
	}
	return PriceImpact(amountIn, amountOut, price)
}

// Quote prices a discovered route for the given slippage tolerance.
func Quote(route model.SwapRoute, slippage decimal.Decimal) (model.Quote, error) {
	if !ValidSlippage(slippage) {
		return model.Quote{}, fmt.Errorf("%w: slippage %s outside (0,1)", ErrInvalidInput, slippage)
	}
	if route.InputAmount.IsNegative() || route.OutputAmount.IsNegative() {
		return model.Quote{}, fmt.Errorf("%w: negative route amount", ErrInvalidInput)
	}
	gas := route.GasEstimate
	if gas == 0 {
		gas = GasEstimate(route.Hops())
	}
	return model.Quote{
		OutputAmount:      route.OutputAmount,
		MinimumOutput:     MinimumOutput(route.OutputAmount, slippage),
		PriceImpact:       ClampImpact(route.PriceImpact),
		GasEstimate:       gas,
		SlippageTolerance: slippage,
		Hops:              route.Hops(),
	}, nil
}
