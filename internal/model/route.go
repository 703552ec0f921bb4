package model

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MaxRouteHops bounds the number of pools a route may cross.
const MaxRouteHops = 4

// ErrInvalidRoute is returned by SwapRoute.Validate.
var ErrInvalidRoute = errors.New("invalid route")

// SwapRoute is an immutable, per-call route candidate.
type SwapRoute struct {
	Path          []common.Address `json:"path"`
	Pools         []common.Address `json:"pools"`
	Fees          []uint32         `json:"fees"`
	InputAmount   decimal.Decimal  `json:"input_amount"`
	OutputAmount  decimal.Decimal  `json:"output_amount"`
	PriceImpact   decimal.Decimal  `json:"price_impact"`
	MinimumOutput decimal.Decimal  `json:"minimum_output"`
	GasEstimate   uint64           `json:"gas_estimate"`
}

// Hops returns the number of pools crossed.
func (r SwapRoute) Hops() int {
	return len(r.Pools)
}

// TokenIn returns the first token of the path.
func (r SwapRoute) TokenIn() common.Address {
	if len(r.Path) == 0 {
		return common.Address{}
	}
	return r.Path[0]
}

// TokenOut returns the last token of the path.
func (r SwapRoute) TokenOut() common.Address {
	if len(r.Path) == 0 {
		return common.Address{}
	}
	return r.Path[len(r.Path)-1]
}

// Validate checks the structural invariants of the route.
func (r SwapRoute) Validate() error {
	if len(r.Pools) == 0 {
		return fmt.Errorf("%w: no pools", ErrInvalidRoute)
	}
	if len(r.Path) != len(r.Pools)+1 {
		return fmt.Errorf("%w: path has %d tokens for %d pools", ErrInvalidRoute, len(r.Path), len(r.Pools))
	}
	if len(r.Fees) != len(r.Pools) {
		return fmt.Errorf("%w: %d fees for %d pools", ErrInvalidRoute, len(r.Fees), len(r.Pools))
	}
	if len(r.Pools) > MaxRouteHops {
		return fmt.Errorf("%w: %d hops exceeds %d", ErrInvalidRoute, len(r.Pools), MaxRouteHops)
	}
	seen := make(map[common.Address]struct{}, len(r.Path))
	for _, token := range r.Path {
		if _, ok := seen[token]; ok {
			return fmt.Errorf("%w: duplicate token %s", ErrInvalidRoute, token.Hex())
		}
		seen[token] = struct{}{}
	}
	seen = make(map[common.Address]struct{}, len(r.Pools))
	for _, pool := range r.Pools {
		if _, ok := seen[pool]; ok {
			return fmt.Errorf("%w: duplicate pool %s", ErrInvalidRoute, pool.Hex())
		}
		seen[pool] = struct{}{}
	}
	if r.PriceImpact.IsNegative() || r.PriceImpact.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: price impact %s out of range", ErrInvalidRoute, r.PriceImpact)
	}
	return nil
}
