package model

import "github.com/shopspring/decimal"

// Quote is the priced view of a route for a given slippage tolerance.
type Quote struct {
	OutputAmount      decimal.Decimal `json:"output_amount"`
	MinimumOutput     decimal.Decimal `json:"minimum_output"`
	PriceImpact       decimal.Decimal `json:"price_impact"`
	GasEstimate       uint64          `json:"gas_estimate"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
	Hops              int             `json:"hops"`
}
