package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swapguard/internal/config"
	"swapguard/internal/model"
	"swapguard/internal/quote"
	"swapguard/internal/route"
)

type swapRequest struct {
	TokenIn  common.Address
	TokenOut common.Address
	Amount   decimal.Decimal
}

type quotedRoute struct {
	Route model.SwapRoute `json:"route"`
	Quote model.Quote     `json:"quote"`
}

type routesOutput struct {
	Routes  []quotedRoute `json:"routes"`
	Skipped []string      `json:"skipped,omitempty"`
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	req, err := readSwapRequest(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := discover(ctx, a, req)
	if err != nil {
		return err
	}

	out := routesOutput{Routes: make([]quotedRoute, 0, len(result.Routes))}
	for _, r := range result.Routes {
		q, err := quote.Quote(r, a.cfg.Discovery.Slippage)
		if err != nil {
			return err
		}
		out.Routes = append(out.Routes, quotedRoute{Route: r, Quote: q})
	}
	for _, c := range result.Candidates {
		if c.Outcome != route.OutcomeRoute {
			out.Skipped = append(out.Skipped, c.String())
		}
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func discover(ctx context.Context, a *app, req swapRequest) (route.Result, error) {
	result, err := a.finder().Find(ctx, req.TokenIn, req.TokenOut, req.Amount)
	if err != nil {
		return route.Result{}, err
	}
	if err := result.Err(); err != nil {
		return route.Result{}, fmt.Errorf("route discovery: %w", err)
	}
	a.obs.Logger.Info("routes discovered",
		zap.String("token_in", req.TokenIn.Hex()),
		zap.String("token_out", req.TokenOut.Hex()),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("routes", len(result.Routes)),
	)
	return result, nil
}

func readSwapRequest(cmd *cobra.Command) (swapRequest, error) {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	amount, _ := cmd.Flags().GetString("amount")

	tokenIn, err := requiredAddress("in", in)
	if err != nil {
		return swapRequest{}, err
	}
	tokenOut, err := requiredAddress("out", out)
	if err != nil {
		return swapRequest{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return swapRequest{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !value.IsPositive() {
		return swapRequest{}, fmt.Errorf("amount must be positive")
	}
	return swapRequest{TokenIn: tokenIn, TokenOut: tokenOut, Amount: value}, nil
}

func requiredAddress(flag, value string) (common.Address, error) {
	addrs, err := config.ParseAddresses([]string{value})
	if err != nil {
		return common.Address{}, fmt.Errorf("--%s: %w", flag, err)
	}
	if len(addrs) == 0 {
		return common.Address{}, fmt.Errorf("--%s is required", flag)
	}
	return addrs[0], nil
}
