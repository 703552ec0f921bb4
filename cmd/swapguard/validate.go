package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swapguard/internal/config"
	"swapguard/internal/model"
)

type poolValidation struct {
	Pool   common.Address `json:"pool"`
	OK     bool           `json:"ok"`
	Reason string         `json:"reason"`
}

type validateOutput struct {
	Route   *model.SwapRoute `json:"route,omitempty"`
	OK      bool             `json:"ok"`
	Reason  string           `json:"reason,omitempty"`
	Results []poolValidation `json:"results,omitempty"`
}

func runValidate(cmd *cobra.Command, _ []string) error {
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

	params, err := readSwapParams(cmd, a.cfg, req)
	if err != nil {
		return err
	}
	if err := a.openSinks(ctx); err != nil {
		return err
	}

	result, err := discover(ctx, a, req)
	if err != nil {
		return err
	}
	best, ok := result.Best()
	if !ok {
		return writeJSON(cmd.OutOrStdout(), validateOutput{Reason: "no route found"})
	}

	manager := a.guard(a.checker())
	out := validateOutput{Route: &best, OK: true}
	for _, addr := range best.Pools {
		pool, err := a.registry.Pool(ctx, a.cfg.Discovery.Protocol, addr)
		if err != nil {
			return fmt.Errorf("load pool %s: %w", addr.Hex(), err)
		}

		valid, reason := manager.Validate(ctx, params, best, pool)
		a.obs.Logger.Info("route validated",
			zap.String("pool", addr.Hex()),
			zap.Bool("ok", valid),
			zap.String("reason", reason),
		)
		out.Results = append(out.Results, poolValidation{Pool: addr, OK: valid, Reason: reason})
		if !valid {
			out.OK = false
			out.Reason = reason
			break
		}
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func readSwapParams(cmd *cobra.Command, cfg config.Config, req swapRequest) (model.SwapParams, error) {
	swapper, _ := cmd.Flags().GetString("swapper")
	recipient, _ := cmd.Flags().GetString("recipient")
	deadline, _ := cmd.Flags().GetInt("deadline")

	from, err := requiredAddress("swapper", swapper)
	if err != nil {
		return model.SwapParams{}, err
	}
	params := model.SwapParams{
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		AmountIn:          req.Amount,
		Swapper:           from,
		Recipient:         from,
		SlippageTolerance: cfg.Discovery.Slippage,
		DeadlineMinutes:   deadline,
		Security:          cfg.Security.Settings,
	}
	if recipient != "" {
		to, err := requiredAddress("recipient", recipient)
		if err != nil {
			return model.SwapParams{}, err
		}
		params.Recipient = to
	}
	return params, params.Validate()
}
