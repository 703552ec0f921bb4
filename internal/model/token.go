package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenInfo captures ERC20 metadata plus an optional USD price.
type TokenInfo struct {
	Address  common.Address   `json:"address"`
	Symbol   string           `json:"symbol"`
	Name     string           `json:"name"`
	Decimals uint8            `json:"decimals"`
	ChainID  uint64           `json:"chain_id"`
	PriceUSD *decimal.Decimal `json:"price_usd,omitempty"`
	Verified bool             `json:"verified"`
}

// WithPrice returns a copy of the token carrying the given USD price.
func (t TokenInfo) WithPrice(price decimal.Decimal) TokenInfo {
	t.PriceUSD = &price
	return t
}
