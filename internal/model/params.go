package model

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrInvalidParams is returned when swap or security parameters are malformed.
var ErrInvalidParams = errors.New("invalid swap parameters")

// SecurityLevel selects how aggressively MEV risk is enforced.
type SecurityLevel string

const (
	SecurityLow    SecurityLevel = "LOW"
	SecurityMedium SecurityLevel = "MEDIUM"
	SecurityHigh   SecurityLevel = "HIGH"
)

// ParseSecurityLevel accepts a level name in any case.
func ParseSecurityLevel(value string) (SecurityLevel, error) {
	switch SecurityLevel(strings.ToUpper(strings.TrimSpace(value))) {
	case SecurityLow:
		return SecurityLow, nil
	case SecurityMedium:
		return SecurityMedium, nil
	case SecurityHigh:
		return SecurityHigh, nil
	default:
		return "", fmt.Errorf("unknown security level %q", value)
	}
}

// AtLeast reports whether l is as strict as other.
func (l SecurityLevel) AtLeast(other SecurityLevel) bool {
	return l.rank() >= other.rank()
}

func (l SecurityLevel) rank() int {
	switch l {
	case SecurityHigh:
		return 2
	case SecurityMedium:
		return 1
	default:
		return 0
	}
}

// SecuritySettings tunes the validate-before-swap checks.
type SecuritySettings struct {
	MinLiquidityUSD     decimal.Decimal `json:"min_liquidity"`
	MaxPriceImpact      decimal.Decimal `json:"max_price_impact"`
	SimulateTransaction bool            `json:"simulate_transaction"`
	CheckVerifiedTokens bool            `json:"check_verified_tokens"`
	Level               SecurityLevel   `json:"security_level"`
}

// DefaultSecuritySettings mirrors the conservative defaults of the swap guard.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		MinLiquidityUSD:     decimal.NewFromInt(1000),
		MaxPriceImpact:      decimal.RequireFromString("0.05"),
		SimulateTransaction: true,
		CheckVerifiedTokens: true,
		Level:               SecurityMedium,
	}
}

// Validate checks the thresholds.
func (s SecuritySettings) Validate() error {
	if s.MinLiquidityUSD.IsNegative() {
		return fmt.Errorf("%w: min liquidity must not be negative", ErrInvalidParams)
	}
	if !s.MaxPriceImpact.IsPositive() || s.MaxPriceImpact.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: max price impact must be in (0,1)", ErrInvalidParams)
	}
	if _, err := ParseSecurityLevel(string(s.Level)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Gas limit bounds accepted by GasSettings.Validate.
const (
	MinGasLimit uint64 = 21000
	MaxGasLimit uint64 = 30000000
)

// GasSettings optionally overrides fee and limit selection.
type GasSettings struct {
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas,omitempty"`
	GasLimit             uint64   `json:"gas_limit,omitempty"`
}

// Validate checks gas bounds and fee ordering.
func (g GasSettings) Validate() error {
	if g.GasLimit != 0 && (g.GasLimit < MinGasLimit || g.GasLimit > MaxGasLimit) {
		return fmt.Errorf("%w: gas limit %d outside [%d, %d]", ErrInvalidParams, g.GasLimit, MinGasLimit, MaxGasLimit)
	}
	if g.MaxFeePerGas != nil && g.MaxFeePerGas.Sign() <= 0 {
		return fmt.Errorf("%w: max fee per gas must be positive", ErrInvalidParams)
	}
	if g.MaxPriorityFeePerGas != nil && g.MaxPriorityFeePerGas.Sign() <= 0 {
		return fmt.Errorf("%w: max priority fee per gas must be positive", ErrInvalidParams)
	}
	if g.MaxFeePerGas != nil && g.MaxPriorityFeePerGas != nil && g.MaxFeePerGas.Cmp(g.MaxPriorityFeePerGas) < 0 {
		return fmt.Errorf("%w: max fee per gas below priority fee", ErrInvalidParams)
	}
	return nil
}

// MaxDeadlineMinutes caps how long a swap may stay valid.
const MaxDeadlineMinutes = 60

var maxAmount = decimal.New(1, 36)

// SwapParams is the input to the swap guard.
type SwapParams struct {
	TokenIn           common.Address   `json:"token_in"`
	TokenOut          common.Address   `json:"token_out"`
	AmountIn          decimal.Decimal  `json:"amount_in"`
	Swapper           common.Address   `json:"swapper"`
	Recipient         common.Address   `json:"recipient"`
	SlippageTolerance decimal.Decimal  `json:"slippage_tolerance"`
	DeadlineMinutes   int              `json:"deadline_minutes"`
	Security          SecuritySettings `json:"security"`
	Gas               *GasSettings     `json:"gas,omitempty"`
}

// Validate checks amounts, slippage, deadline, and the nested settings.
func (p SwapParams) Validate() error {
	if p.TokenIn == (common.Address{}) || p.TokenOut == (common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrInvalidParams)
	}
	if p.TokenIn == p.TokenOut {
		return fmt.Errorf("%w: token in equals token out", ErrInvalidParams)
	}
	if !p.AmountIn.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if p.AmountIn.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: amount too large", ErrInvalidParams)
	}
	if !p.SlippageTolerance.IsPositive() || p.SlippageTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: slippage must be in (0,1)", ErrInvalidParams)
	}
	if p.DeadlineMinutes <= 0 || p.DeadlineMinutes > MaxDeadlineMinutes {
		return fmt.Errorf("%w: deadline must be in [1, %d] minutes", ErrInvalidParams, MaxDeadlineMinutes)
	}
	if err := p.Security.Validate(); err != nil {
		return err
	}
	if p.Gas != nil {
		if err := p.Gas.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MatchesRoute checks that the route starts and ends at the swap tokens.
func (p SwapParams) MatchesRoute(route SwapRoute) error {
	if route.TokenIn() != p.TokenIn {
		return fmt.Errorf("%w: token in must match first token in route", ErrInvalidParams)
	}
	if route.TokenOut() != p.TokenOut {
		return fmt.Errorf("%w: token out must match last token in route", ErrInvalidParams)
	}
	return nil
}
