// Package route discovers direct and two-hop swap routes across pools.
package route

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swapguard/internal/model"
	"swapguard/internal/observability"
	"swapguard/internal/quote"
)

// ErrInvalidRequest is returned for requests that cannot be routed at all.
var ErrInvalidRequest = errors.New("invalid route request")

// PoolSource resolves pools and their state.
type PoolSource interface {
	PoolAddress(ctx context.Context, protocol model.Protocol, tokenA, tokenB common.Address, fee uint32) (common.Address, bool, error)
	Pool(ctx context.Context, protocol model.Protocol, pool common.Address) (model.PoolInfo, error)
}

// LegPricer computes a single leg's output.
type LegPricer interface {
	LegOutput(ctx context.Context, pool model.PoolInfo, tokenIn common.Address, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// DefaultIntermediates is the mainnet base basket: WETH, USDC, USDT, DAI.
func DefaultIntermediates() []common.Address {
	return []common.Address{
		common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
		common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
	}
}

// Config controls candidate enumeration.
type Config struct {
	Protocol      model.Protocol
	FeeTiers      []uint32
	Intermediates []common.Address
	// MaxHops above 2 is accepted but contributes no candidates.
	MaxHops     int
	Concurrency int
	// Slippage sets MinimumOutput on discovered routes.
	Slippage decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		Protocol:      model.ProtocolV3,
		FeeTiers:      []uint32{model.FeeLowest, model.FeeLow, model.FeeMedium, model.FeeHigh},
		Intermediates: DefaultIntermediates(),
		MaxHops:       3,
		Concurrency:   1,
		Slippage:      decimal.RequireFromString("0.005"),
	}
}

// Finder enumerates and evaluates route candidates.
type Finder struct {
	pools  PoolSource
	pricer LegPricer
	cfg    Config
	obs    *observability.Observer
}

func NewFinder(pools PoolSource, pricer LegPricer, cfg Config, obs *observability.Observer) *Finder {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxHops < 1 {
		cfg.MaxHops = 1
	}
	if cfg.Protocol == model.ProtocolV2 {
		cfg.FeeTiers = []uint32{model.FeeMedium}
	}
	if !quote.ValidSlippage(cfg.Slippage) {
		cfg.Slippage = DefaultConfig().Slippage
	}
	return &Finder{pools: pools, pricer: pricer, cfg: cfg, obs: obs.Named("route")}
}

// Find evaluates every candidate between tokenIn and tokenOut. Candidate failures are
// reported in the Result; the error return covers bad input and cancellation.
func (f *Finder) Find(ctx context.Context, tokenIn, tokenOut common.Address, amountIn decimal.Decimal) (Result, error) {
	if tokenIn == tokenOut {
		return Result{}, fmt.Errorf("%w: token in and out are the same", ErrInvalidRequest)
	}
	if !amountIn.IsPositive() {
		return Result{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	start := time.Now()
	candidates := f.enumerate(tokenIn, tokenOut)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i := range candidates {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f.evaluate(gctx, &candidates[i], amountIn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result := Result{Candidates: candidates}
	for _, c := range candidates {
		f.obs.Metrics.RouteCandidates.WithLabelValues(strconv.Itoa(c.Hops()), c.Outcome.String()).Inc()
		switch c.Outcome {
		case OutcomeRoute:
			result.Routes = append(result.Routes, *c.Route)
			f.obs.Metrics.PriceImpact.Observe(c.Route.PriceImpact.InexactFloat64())
		case OutcomeFailed:
			f.obs.Logger.Debug("route candidate failed", zap.Stringer("candidate", c), zap.Error(c.Err))
		}
	}
	f.obs.Metrics.DiscoveryLatency.Observe(time.Since(start).Seconds())
	f.obs.Logger.Debug("route discovery finished",
		zap.String("token_in", tokenIn.Hex()),
		zap.String("token_out", tokenOut.Hex()),
		zap.Int("candidates", len(candidates)),
		zap.Int("routes", len(result.Routes)),
	)
	return result, nil
}

// enumerate lists direct candidates per fee tier, then two-hop candidates per
// intermediate and ordered fee pair.
func (f *Finder) enumerate(tokenIn, tokenOut common.Address) []Candidate {
	var out []Candidate
	for _, fee := range f.cfg.FeeTiers {
		out = append(out, Candidate{
			Path: []common.Address{tokenIn, tokenOut},
			Fees: []uint32{fee},
		})
	}
	if f.cfg.MaxHops < 2 {
		return out
	}
	for _, mid := range f.cfg.Intermediates {
		if mid == tokenIn || mid == tokenOut {
			continue
		}
		for _, fee1 := range f.cfg.FeeTiers {
			for _, fee2 := range f.cfg.FeeTiers {
				out = append(out, Candidate{
					Path: []common.Address{tokenIn, mid, tokenOut},
					Fees: []uint32{fee1, fee2},
				})
			}
		}
	}
	return out
}

func (f *Finder) evaluate(ctx context.Context, c *Candidate, amountIn decimal.Decimal) {
	amount := amountIn
	impact := decimal.Zero
	for leg := range c.Fees {
		in, out := c.Path[leg], c.Path[leg+1]
		addr, found, err := f.pools.PoolAddress(ctx, f.cfg.Protocol, in, out, c.Fees[leg])
		if err != nil {
			c.fail(err)
			return
		}
		if !found {
			c.Outcome = OutcomeNoPool
			return
		}
		c.Pools = append(c.Pools, addr)

		pool, err := f.pools.Pool(ctx, f.cfg.Protocol, addr)
		if err != nil {
			c.fail(err)
			return
		}
		if !pool.HasLiquidity() {
			c.Outcome = OutcomeNoLiquidity
			return
		}

		legOut, err := f.pricer.LegOutput(ctx, pool, in, amount)
		if err != nil {
			c.fail(err)
			return
		}
		impact = impact.Add(quote.LegImpact(pool, in, amount, legOut))
		amount = legOut
	}

	route := model.SwapRoute{
		Path:          c.Path,
		Pools:         c.Pools,
		Fees:          c.Fees,
		InputAmount:   amountIn,
		OutputAmount:  amount,
		PriceImpact:   quote.ClampImpact(impact),
		MinimumOutput: quote.MinimumOutput(amount, f.cfg.Slippage),
		GasEstimate:   quote.GasEstimate(len(c.Fees)),
	}
	if err := route.Validate(); err != nil {
		c.fail(err)
		return
	}
	c.Outcome = OutcomeRoute
	c.Route = &route
}

func (c *Candidate) fail(err error) {
	c.Outcome = OutcomeFailed
	c.Err = err
}
