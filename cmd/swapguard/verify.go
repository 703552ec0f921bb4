package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swapguard/internal/config"
	"swapguard/internal/model"
)

type verdictOutput struct {
	Token    common.Address `json:"token"`
	Verdict  model.Verdict  `json:"verdict"`
	Previous *model.Verdict `json:"previous,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	tokens, err := config.ParseAddresses(args)
	if err != nil {
		return err
	}
	history, _ := cmd.Flags().GetBool("history")

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openSinks(ctx); err != nil {
		return err
	}
	if history && a.store == nil {
		return fmt.Errorf("--history requires --pg-dsn")
	}

	chainID, err := a.gw.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	checker := a.checker()
	manager := a.guard(checker)

	out := make([]verdictOutput, 0, len(tokens))
	records := make([]model.AuditRecord, 0, len(tokens))
	for _, token := range tokens {
		item := verdictOutput{Token: token}
		if history {
			prev, ok, err := a.store.LatestVerdict(ctx, chainID, token.Hex())
			if err != nil {
				return fmt.Errorf("load previous verdict: %w", err)
			}
			if ok {
				item.Previous = &prev
			}
		}

		item.Verdict = checker.Verify(ctx, token)
		a.obs.Logger.Info("token verified",
			zap.String("token", token.Hex()),
			zap.Bool("ok", item.Verdict.OK),
			zap.String("reason", item.Verdict.Reason),
		)
		out = append(out, item)
		records = append(records, manager.VerdictRecord(ctx, token, item.Verdict))
	}

	manager.Audit(ctx, records...)
	return writeJSON(cmd.OutOrStdout(), out)
}
