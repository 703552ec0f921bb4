package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"swapguard/internal/cache"
	"swapguard/internal/gateway"
	"swapguard/internal/model"
	"swapguard/internal/observability"
	"swapguard/internal/quote"
)

// PriceSource resolves USD prices for tokens. ok is false when the token is unpriced.
type PriceSource interface {
	PriceUSD(ctx context.Context, token common.Address) (price decimal.Decimal, ok bool, err error)
}

// Registry loads and memoizes token and pool metadata through the gateway.
type Registry struct {
	gw        *gateway.Gateway
	abis      *ABIs
	contracts Contracts
	prices    PriceSource
	obs       *observability.Observer

	tokens    *cache.TTL[model.TokenInfo]
	poolAddrs *cache.TTL[common.Address]
	pools     *cache.TTL[model.PoolInfo]
}

// NewRegistry builds a registry. prices may be nil, in which case TVL stays unknown.
func NewRegistry(gw *gateway.Gateway, contracts Contracts, ttl time.Duration, prices PriceSource, obs *observability.Observer, opts ...cache.Option) (*Registry, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is nil")
	}
	abis, err := LoadABIs()
	if err != nil {
		return nil, err
	}
	obs = obs.Named("registry")
	opts = append([]cache.Option{cache.WithMetrics(obs.Metrics)}, opts...)
	return &Registry{
		gw:        gw,
		abis:      abis,
		contracts: contracts,
		prices:    prices,
		obs:       obs,
		tokens:    cache.NewTTL[model.TokenInfo]("tokens", ttl, opts...),
		poolAddrs: cache.NewTTL[common.Address]("pool_addresses", ttl, opts...),
		pools:     cache.NewTTL[model.PoolInfo]("pools", ttl, opts...),
	}, nil
}

func (r *Registry) ABIs() *ABIs {
	return r.abis
}

func (r *Registry) Contracts() Contracts {
	return r.contracts
}

func (r *Registry) Gateway() *gateway.Gateway {
	return r.gw
}

// Token returns ERC20 metadata, memoized per address.
func (r *Registry) Token(ctx context.Context, token common.Address) (model.TokenInfo, error) {
	return r.tokens.GetOrFetch(ctx, token.Hex(), func(ctx context.Context) (model.TokenInfo, error) {
		return r.fetchToken(ctx, token)
	})
}

func (r *Registry) fetchToken(ctx context.Context, token common.Address) (model.TokenInfo, error) {
	info := model.TokenInfo{Address: token}

	chainID, err := r.gw.ChainID(ctx)
	if err != nil {
		return info, err
	}
	info.ChainID = chainID

	values, err := r.gw.Call(ctx, r.abis.ERC20, token, "decimals", nil, nil)
	if err != nil {
		return info, fmt.Errorf("token %s decimals: %w", token.Hex(), err)
	}
	if info.Decimals, err = asUint8(values[0]); err != nil {
		return info, fmt.Errorf("token %s decimals: %w", token.Hex(), err)
	}

	if info.Symbol, err = r.stringField(ctx, token, "symbol"); err != nil {
		return info, fmt.Errorf("token %s symbol: %w", token.Hex(), err)
	}
	if info.Name, err = r.stringField(ctx, token, "name"); err != nil {
		return info, fmt.Errorf("token %s name: %w", token.Hex(), err)
	}

	if r.prices != nil {
		price, ok, err := r.prices.PriceUSD(ctx, token)
		switch {
		case err != nil:
			r.obs.Logger.Warn("token price lookup failed", zap.String("token", token.Hex()), zap.Error(err))
		case ok:
			info = info.WithPrice(price)
		}
	}
	return info, nil
}

// stringField reads name or symbol, falling back to the bytes32 encoding.
// A token that answers neither way yields ""; transport failures are returned.
func (r *Registry) stringField(ctx context.Context, token common.Address, method string) (string, error) {
	values, err := r.gw.Call(ctx, r.abis.ERC20, token, method, nil, nil)
	if err == nil {
		if s, ok := values[0].(string); ok {
			return s, nil
		}
	} else if !contractFault(err) {
		return "", err
	}
	values, errBytes := r.gw.Call(ctx, r.abis.ERC20Bytes32, token, method, nil, nil)
	if errBytes == nil {
		if s, ok := bytes32ToString(values[0]); ok {
			return s, nil
		}
	} else if !contractFault(errBytes) {
		return "", errBytes
	}
	r.obs.Logger.Debug("token field unavailable", zap.String("token", token.Hex()), zap.String("field", method), zap.Error(err))
	return "", nil
}

// contractFault reports whether err came from the contract itself (a revert
// or undecodable return data) rather than from the node.
func contractFault(err error) bool {
	switch gateway.KindOf(err) {
	case gateway.KindExecution, gateway.KindValidation:
		return true
	default:
		return false
	}
}

// TotalSupply returns the raw total supply of a token.
func (r *Registry) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	values, err := r.gw.Call(ctx, r.abis.ERC20, token, "totalSupply", nil, nil)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// BalanceOf returns the raw token balance of holder.
func (r *Registry) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	values, err := r.gw.Call(ctx, r.abis.ERC20, token, "balanceOf", []interface{}{holder}, nil)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// PoolAddress resolves a pool through the protocol factory. found is false when
// the factory has no pool for the pair and fee.
func (r *Registry) PoolAddress(ctx context.Context, protocol model.Protocol, tokenA, tokenB common.Address, fee uint32) (common.Address, bool, error) {
	token0, token1 := SortTokens(tokenA, tokenB)
	key := fmt.Sprintf("pool:%s:%s:%s:%d", protocol, token0.Hex(), token1.Hex(), fee)
	addr, err := r.poolAddrs.GetOrFetch(ctx, key, func(ctx context.Context) (common.Address, error) {
		var values []interface{}
		var err error
		switch protocol {
		case model.ProtocolV3:
			values, err = r.gw.Call(ctx, r.abis.V3Factory, r.contracts.V3Factory, "getPool",
				[]interface{}{token0, token1, new(big.Int).SetUint64(uint64(fee))}, nil)
		case model.ProtocolV2:
			values, err = r.gw.Call(ctx, r.abis.V2Factory, r.contracts.V2Factory, "getPair",
				[]interface{}{token0, token1}, nil)
		default:
			return common.Address{}, fmt.Errorf("unsupported protocol %q", protocol)
		}
		if err != nil {
			return common.Address{}, err
		}
		return asAddress(values[0])
	})
	if err != nil {
		return common.Address{}, false, err
	}
	return addr, addr != (common.Address{}), nil
}

// Pool returns a pool snapshot with prices and, when prices are known, TVL.
func (r *Registry) Pool(ctx context.Context, protocol model.Protocol, pool common.Address) (model.PoolInfo, error) {
	return r.pools.GetOrFetch(ctx, poolKey(protocol, pool), func(ctx context.Context) (model.PoolInfo, error) {
		return r.fetchPool(ctx, protocol, pool)
	})
}

func (r *Registry) fetchPool(ctx context.Context, protocol model.Protocol, pool common.Address) (model.PoolInfo, error) {
	info := model.PoolInfo{Address: pool, Protocol: protocol}

	poolABI := r.abis.V3Pool
	if protocol == model.ProtocolV2 {
		poolABI = r.abis.V2Pair
	}
	token0, err := r.poolToken(ctx, poolABI, pool, "token0")
	if err != nil {
		return info, err
	}
	token1, err := r.poolToken(ctx, poolABI, pool, "token1")
	if err != nil {
		return info, err
	}
	if info.Token0, err = r.Token(ctx, token0); err != nil {
		return info, err
	}
	if info.Token1, err = r.Token(ctx, token1); err != nil {
		return info, err
	}

	switch protocol {
	case model.ProtocolV3:
		err = r.loadV3State(ctx, &info)
	case model.ProtocolV2:
		err = r.loadV2State(ctx, &info)
	default:
		err = fmt.Errorf("unsupported protocol %q", protocol)
	}
	if err != nil {
		return info, err
	}

	info.Token1Price = quote.Invert(info.Token0Price)
	if info.HasLiquidity() {
		info.TVLUSD = r.poolTVL(ctx, info)
	}
	return info, nil
}

func (r *Registry) poolToken(ctx context.Context, poolABI abi.ABI, pool common.Address, method string) (common.Address, error) {
	values, err := r.gw.Call(ctx, poolABI, pool, method, nil, nil)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

func (r *Registry) loadV3State(ctx context.Context, info *model.PoolInfo) error {
	values, err := r.gw.Call(ctx, r.abis.V3Pool, info.Address, "fee", nil, nil)
	if err != nil {
		return err
	}
	fee, err := asBigInt(values[0])
	if err != nil {
		return fmt.Errorf("fee: %w", err)
	}
	info.Fee = uint32(fee.Uint64())

	values, err = r.gw.Call(ctx, r.abis.V3Pool, info.Address, "liquidity", nil, nil)
	if err != nil {
		return err
	}
	if info.Liquidity, err = asBigInt(values[0]); err != nil {
		return fmt.Errorf("liquidity: %w", err)
	}
	if info.Liquidity.Sign() == 0 {
		return nil
	}

	values, err = r.gw.Call(ctx, r.abis.V3Pool, info.Address, "slot0", nil, func(values []interface{}) error {
		sqrt, err := asBigInt(values[0])
		if err != nil {
			return err
		}
		if sqrt.Sign() <= 0 {
			return fmt.Errorf("pool is not initialized")
		}
		return nil
	})
	if err != nil {
		return err
	}
	sqrt, _ := asBigInt(values[0])
	tickInt, err := asBigInt(values[1])
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return err
	}
	info.SqrtPriceX96 = sqrt
	info.Tick = &tick
	info.Token0Price = quote.PriceFromSqrtX96(sqrt, info.Token0.Decimals, info.Token1.Decimals)
	return nil
}

func (r *Registry) loadV2State(ctx context.Context, info *model.PoolInfo) error {
	values, err := r.gw.Call(ctx, r.abis.V2Pair, info.Address, "getReserves", nil, nil)
	if err != nil {
		return err
	}
	if info.Reserve0, err = asBigInt(values[0]); err != nil {
		return fmt.Errorf("reserve0: %w", err)
	}
	if info.Reserve1, err = asBigInt(values[1]); err != nil {
		return fmt.Errorf("reserve1: %w", err)
	}
	info.Fee = model.FeeMedium
	info.Liquidity = new(big.Int).Sqrt(new(big.Int).Mul(info.Reserve0, info.Reserve1))
	info.Token0Price = quote.PriceFromReserves(info.Reserve0, info.Reserve1, info.Token0.Decimals, info.Token1.Decimals)
	return nil
}

// poolTVL values pool balances in USD. A single priced side counts twice; no prices means unknown.
func (r *Registry) poolTVL(ctx context.Context, info model.PoolInfo) *decimal.Decimal {
	if info.Token0.PriceUSD == nil && info.Token1.PriceUSD == nil {
		return nil
	}

	bal0, bal1 := info.Reserve0, info.Reserve1
	if info.Protocol == model.ProtocolV3 {
		var err0, err1 error
		bal0, err0 = r.BalanceOf(ctx, info.Token0.Address, info.Address)
		bal1, err1 = r.BalanceOf(ctx, info.Token1.Address, info.Address)
		if err0 != nil || err1 != nil {
			r.obs.Logger.Warn("pool balance lookup failed", zap.String("pool", info.Address.Hex()), zap.NamedError("token0", err0), zap.NamedError("token1", err1))
			return nil
		}
	}

	var tvl decimal.Decimal
	switch {
	case info.Token0.PriceUSD != nil && info.Token1.PriceUSD != nil:
		tvl = quote.FromBaseUnits(bal0, info.Token0.Decimals).Mul(*info.Token0.PriceUSD).
			Add(quote.FromBaseUnits(bal1, info.Token1.Decimals).Mul(*info.Token1.PriceUSD))
	case info.Token0.PriceUSD != nil:
		tvl = quote.FromBaseUnits(bal0, info.Token0.Decimals).Mul(*info.Token0.PriceUSD).Mul(decimal.NewFromInt(2))
	default:
		tvl = quote.FromBaseUnits(bal1, info.Token1.Decimals).Mul(*info.Token1.PriceUSD).Mul(decimal.NewFromInt(2))
	}
	return &tvl
}

// QuoteExactInputSingle asks QuoterV2 for a single-hop V3 output in base units.
func (r *Registry) QuoteExactInputSingle(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error) {
	params := QuoteExactInputSingleParams{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		AmountIn:          amountIn,
		Fee:               new(big.Int).SetUint64(uint64(fee)),
		SqrtPriceLimitX96: new(big.Int),
	}
	values, err := r.gw.Call(ctx, r.abis.QuoterV2, r.contracts.QuoterV2, "quoteExactInputSingle", []interface{}{params}, nil)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Invalidate drops any cached snapshot of a pool.
func (r *Registry) Invalidate(pool common.Address) {
	r.pools.Invalidate(poolKey(model.ProtocolV2, pool))
	r.pools.Invalidate(poolKey(model.ProtocolV3, pool))
}

func poolKey(protocol model.Protocol, pool common.Address) string {
	return string(protocol) + ":" + pool.Hex()
}
