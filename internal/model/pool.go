package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Protocol identifies the AMM flavour a pool belongs to.
type Protocol string

const (
	ProtocolV2 Protocol = "v2"
	ProtocolV3 Protocol = "v3"
)

// Fee tiers in hundredths of a basis point.
const (
	FeeLowest uint32 = 100
	FeeLow    uint32 = 500
	FeeMedium uint32 = 3000
	FeeHigh   uint32 = 10000
)

// PoolInfo is a snapshot of pool state. Snapshots are replaced, never mutated.
type PoolInfo struct {
	Address  common.Address `json:"address"`
	Protocol Protocol       `json:"protocol"`
	Token0   TokenInfo      `json:"token0"`
	Token1   TokenInfo      `json:"token1"`
	Fee      uint32         `json:"fee"`

	Liquidity    *big.Int `json:"liquidity"`
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96,omitempty"`
	Tick         *int32   `json:"tick,omitempty"`
	Reserve0     *big.Int `json:"reserve0,omitempty"`
	Reserve1     *big.Int `json:"reserve1,omitempty"`

	// Token0Price is token1 per token0 in display units; Token1Price is its inverse.
	Token0Price decimal.Decimal  `json:"token0_price"`
	Token1Price decimal.Decimal  `json:"token1_price"`
	TVLUSD      *decimal.Decimal `json:"tvl_usd,omitempty"`
}

// HasLiquidity reports whether the pool can quote at all.
func (p PoolInfo) HasLiquidity() bool {
	if p.Protocol == ProtocolV2 {
		return p.Reserve0 != nil && p.Reserve1 != nil && p.Reserve0.Sign() > 0 && p.Reserve1.Sign() > 0
	}
	return p.Liquidity != nil && p.Liquidity.Sign() > 0
}

// PriceOf returns the reference price of token in units of the other pool token.
func (p PoolInfo) PriceOf(token common.Address) (decimal.Decimal, bool) {
	switch token {
	case p.Token0.Address:
		return p.Token0Price, true
	case p.Token1.Address:
		return p.Token1Price, true
	default:
		return decimal.Zero, false
	}
}

// Orient returns the input and output token of a swap entering with tokenIn.
func (p PoolInfo) Orient(tokenIn common.Address) (TokenInfo, TokenInfo, bool) {
	switch tokenIn {
	case p.Token0.Address:
		return p.Token0, p.Token1, true
	case p.Token1.Address:
		return p.Token1, p.Token0, true
	default:
		return TokenInfo{}, TokenInfo{}, false
	}
}
