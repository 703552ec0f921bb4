package route_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"swapguard/internal/dex"
	"swapguard/internal/dex/dextest"
	"swapguard/internal/gateway"
	"swapguard/internal/model"
	"swapguard/internal/observability"
	"swapguard/internal/quote"
	"swapguard/internal/route"
)

var (
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	tokenA = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenB = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func newWorld() *dextest.World {
	w := dextest.NewWorld()
	w.AddToken(dextest.Token{Address: weth, Symbol: "WETH", Decimals: 18})
	w.AddToken(dextest.Token{Address: usdc, Symbol: "USDC", Decimals: 6})
	w.AddToken(dextest.Token{Address: tokenA, Symbol: "AAA", Decimals: 18})
	w.AddToken(dextest.Token{Address: tokenB, Symbol: "BBB", Decimals: 18})
	return w
}

func newFinder(t *testing.T, w *dextest.World, cfg route.Config) *route.Finder {
	t.Helper()
	gw := gateway.New(w.Backend, gateway.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, observability.Nop())
	reg, err := dex.NewRegistry(gw, w.Contracts, time.Minute, nil, observability.Nop())
	require.NoError(t, err)
	return route.NewFinder(reg, quote.NewEngine(reg), cfg, observability.Nop())
}

// addWethUsdc scripts WETH/USDC pools at 500, 3000, and 10000 with liquidity only at 3000.
func addWethUsdc(w *dextest.World) {
	sqrt := new(big.Int).Mul(big.NewInt(22360679), dextest.Q96())
	sqrt.Div(sqrt, big.NewInt(1000))
	for i, fee := range []uint32{model.FeeLow, model.FeeMedium, model.FeeHigh} {
		pool := dextest.V3Pool{
			Address:      common.BigToAddress(big.NewInt(int64(0xa000 + i))),
			TokenA:       weth,
			TokenB:       usdc,
			Fee:          fee,
			SqrtPriceX96: sqrt,
		}
		if fee == model.FeeMedium {
			pool.Liquidity = big.NewInt(1e18)
		}
		w.AddV3Pool(pool)
	}
	w.SetQuote(weth, usdc, model.FeeMedium, dextest.Rate(1990, 1e12))
}

func TestFindSingleTierWithLiquidity(t *testing.T) {
	w := newWorld()
	addWethUsdc(w)
	cfg := route.DefaultConfig()
	cfg.FeeTiers = []uint32{model.FeeLow, model.FeeMedium, model.FeeHigh}
	finder := newFinder(t, w, cfg)

	result, err := finder.Find(context.Background(), weth, usdc, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, result.Err())
	require.Len(t, result.Routes, 1)

	r := result.Routes[0]
	assert.Equal(t, []uint32{model.FeeMedium}, r.Fees)
	assert.Equal(t, []common.Address{weth, usdc}, r.Path)
	assert.Len(t, r.Pools, 1)
	assert.True(t, r.OutputAmount.Equal(decimal.NewFromInt(1990)), r.OutputAmount.String())
	assert.Equal(t, uint64(100_000), r.GasEstimate)
	assert.InDelta(t, 0.005, r.PriceImpact.InexactFloat64(), 0.0001)
	assert.True(t, r.MinimumOutput.LessThan(r.OutputAmount))
	require.NoError(t, r.Validate())

	outcomes := map[route.Outcome]int{}
	for _, c := range result.Candidates {
		outcomes[c.Outcome]++
	}
	assert.Equal(t, 1, outcomes[route.OutcomeRoute])
	assert.Equal(t, 2, outcomes[route.OutcomeNoLiquidity])
	assert.Equal(t, 0, outcomes[route.OutcomeFailed])
}

func TestFindTwoHopThroughWETH(t *testing.T) {
	w := newWorld()
	w.AddV3Pool(dextest.V3Pool{Address: common.HexToAddress("0xaa01"), TokenA: tokenA, TokenB: weth, Fee: model.FeeMedium, Liquidity: big.NewInt(1e18), SqrtPriceX96: dextest.Q96()})
	w.AddV3Pool(dextest.V3Pool{Address: common.HexToAddress("0xaa02"), TokenA: weth, TokenB: tokenB, Fee: model.FeeMedium, Liquidity: big.NewInt(1e18), SqrtPriceX96: dextest.Q96()})
	w.SetQuote(tokenA, weth, model.FeeMedium, dextest.Rate(99, 100))
	w.SetQuote(weth, tokenB, model.FeeMedium, dextest.Rate(98, 100))
	finder := newFinder(t, w, route.DefaultConfig())

	result, err := finder.Find(context.Background(), tokenA, tokenB, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Len(t, result.Routes, 1)

	r := result.Routes[0]
	assert.Equal(t, []common.Address{tokenA, weth, tokenB}, r.Path)
	assert.Equal(t, []uint32{model.FeeMedium, model.FeeMedium}, r.Fees)
	assert.Equal(t, []common.Address{common.HexToAddress("0xaa01"), common.HexToAddress("0xaa02")}, r.Pools)
	assert.True(t, r.OutputAmount.Equal(decimal.RequireFromString("97.02")), r.OutputAmount.String())
	// 1% then 2% against a 1:1 reference price
	assert.True(t, r.PriceImpact.Equal(decimal.RequireFromString("0.03")), r.PriceImpact.String())
	assert.Equal(t, uint64(180_000), r.GasEstimate)
}

func TestFindIsIdempotentAndOrderStable(t *testing.T) {
	w := newWorld()
	addWethUsdc(w)
	w.AddV3Pool(dextest.V3Pool{Address: common.HexToAddress("0xaa03"), TokenA: weth, TokenB: usdc, Fee: model.FeeLowest, Liquidity: big.NewInt(1e18), SqrtPriceX96: dextest.Q96()})
	w.SetQuote(weth, usdc, model.FeeLowest, dextest.Rate(1980, 1e12))

	sequential := newFinder(t, w, route.DefaultConfig())
	cfg := route.DefaultConfig()
	cfg.Concurrency = 8
	parallel := newFinder(t, w, cfg)

	first, err := sequential.Find(context.Background(), weth, usdc, decimal.NewFromInt(1))
	require.NoError(t, err)
	second, err := sequential.Find(context.Background(), weth, usdc, decimal.NewFromInt(1))
	require.NoError(t, err)
	third, err := parallel.Find(context.Background(), weth, usdc, decimal.NewFromInt(1))
	require.NoError(t, err)

	require.Len(t, first.Routes, 2)
	assert.Equal(t, first.Routes, second.Routes)
	assert.Equal(t, first.Routes, third.Routes)
	assert.Equal(t, []uint32{model.FeeLowest}, first.Routes[0].Fees)

	best, ok := first.Best()
	require.True(t, ok)
	assert.Equal(t, []uint32{model.FeeMedium}, best.Fees)
}

func TestFindDistinguishesNoRouteFromFailure(t *testing.T) {
	w := newWorld()
	finder := newFinder(t, w, route.DefaultConfig())

	result, err := finder.Find(context.Background(), tokenA, tokenB, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Empty(t, result.Routes)
	assert.NoError(t, result.Err(), "missing pools are not failures")

	w.Backend.Errors["CallContract"] = errors.New("boom")
	finder = newFinder(t, w, route.DefaultConfig())
	result, err = finder.Find(context.Background(), tokenA, tokenB, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Empty(t, result.Routes)
	assert.ErrorIs(t, result.Err(), gateway.ErrCall)
}

func TestFindDropsOnlyTheFailingLeg(t *testing.T) {
	w := newWorld()
	addWethUsdc(w)
	// liquid pool whose quote reverts
	w.AddV3Pool(dextest.V3Pool{Address: common.HexToAddress("0xaa04"), TokenA: weth, TokenB: usdc, Fee: model.FeeLowest, Liquidity: big.NewInt(1e18), SqrtPriceX96: dextest.Q96()})
	finder := newFinder(t, w, route.DefaultConfig())

	result, err := finder.Find(context.Background(), weth, usdc, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, result.Routes, 1)
	assert.NoError(t, result.Err())

	var failed int
	for _, c := range result.Candidates {
		if c.Outcome == route.OutcomeFailed {
			failed++
			assert.ErrorIs(t, c.Err, gateway.ErrContractExecution)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestFindV2CollapsesFeeTiers(t *testing.T) {
	w := newWorld()
	w.AddV2Pair(dextest.V2Pair{
		Address:  common.HexToAddress("0xbb01"),
		TokenA:   tokenA,
		TokenB:   tokenB,
		Reserve0: new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
		Reserve1: new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
	})
	cfg := route.DefaultConfig()
	cfg.Protocol = model.ProtocolV2
	cfg.MaxHops = 1
	finder := newFinder(t, w, cfg)

	result, err := finder.Find(context.Background(), tokenA, tokenB, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	require.Len(t, result.Routes, 1)
	r := result.Routes[0]
	assert.Equal(t, []uint32{model.FeeMedium}, r.Fees)
	assert.True(t, r.OutputAmount.LessThan(decimal.NewFromInt(10)))
	assert.True(t, r.OutputAmount.GreaterThan(decimal.RequireFromString("9.8")))
}

func TestFindRejectsBadRequests(t *testing.T) {
	finder := newFinder(t, newWorld(), route.DefaultConfig())

	_, err := finder.Find(context.Background(), weth, weth, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, route.ErrInvalidRequest)

	_, err = finder.Find(context.Background(), weth, usdc, decimal.Zero)
	assert.ErrorIs(t, err, route.ErrInvalidRequest)
}

func TestFindHonoursCancellation(t *testing.T) {
	finder := newFinder(t, newWorld(), route.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := finder.Find(ctx, weth, usdc, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoutesAlwaysWellFormed(t *testing.T) {
	w := newWorld()
	addWethUsdc(w)
	finder := newFinder(t, w, route.DefaultConfig())

	rapid.Check(t, func(t *rapid.T) {
		amount := decimal.New(rapid.Int64Range(1, 1e9).Draw(t, "amount"), -3)
		result, err := finder.Find(context.Background(), weth, usdc, amount)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		for _, r := range result.Routes {
			if err := r.Validate(); err != nil {
				t.Fatalf("invalid route: %v", err)
			}
			if len(r.Path) != len(r.Pools)+1 || len(r.Fees) != len(r.Pools) {
				t.Fatalf("route shape mismatch: %+v", r)
			}
			if r.MinimumOutput.GreaterThan(r.OutputAmount) {
				t.Fatalf("minimum above output")
			}
		}
	})
}
