package route

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"swapguard/internal/model"
)

// Outcome tags how a route candidate ended.
type Outcome int

const (
	OutcomeRoute Outcome = iota
	OutcomeNoPool
	OutcomeNoLiquidity
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRoute:
		return "route"
	case OutcomeNoPool:
		return "no_pool"
	case OutcomeNoLiquidity:
		return "no_liquidity"
	default:
		return "failed"
	}
}

// Candidate is one token path and fee combination that was evaluated.
type Candidate struct {
	Path  []common.Address
	Fees  []uint32
	Pools []common.Address

	Outcome Outcome
	Route   *model.SwapRoute
	Err     error
}

// Hops is the number of legs in the candidate.
func (c Candidate) Hops() int {
	return len(c.Fees)
}

func (c Candidate) String() string {
	return fmt.Sprintf("%d-hop %v fees=%v: %s", c.Hops(), c.Path, c.Fees, c.Outcome)
}

// Result holds every candidate in enumeration order and the routes found among them.
type Result struct {
	Routes     []model.SwapRoute
	Candidates []Candidate
}

// Err is non-nil only when nothing routed and at least one candidate failed on a call error.
func (r Result) Err() error {
	if len(r.Routes) > 0 {
		return nil
	}
	var errs []error
	for _, c := range r.Candidates {
		if c.Outcome == OutcomeFailed && c.Err != nil {
			errs = append(errs, fmt.Errorf("%v fees=%v: %w", c.Path, c.Fees, c.Err))
		}
	}
	return errors.Join(errs...)
}

// Best returns the route with the highest output, ties broken by fewer hops.
func (r Result) Best() (model.SwapRoute, bool) {
	if len(r.Routes) == 0 {
		return model.SwapRoute{}, false
	}
	best := r.Routes[0]
	for _, route := range r.Routes[1:] {
		if route.OutputAmount.GreaterThan(best.OutputAmount) ||
			(route.OutputAmount.Equal(best.OutputAmount) && route.Hops() < best.Hops()) {
			best = route
		}
	}
	return best, true
}
