package security

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"swapguard/internal/chain"
	"swapguard/internal/gateway"
	"swapguard/internal/observability"
)

// DefaultActivityBlocks is how far back ActivityAnalyzer looks.
const DefaultActivityBlocks = 10

// ContextAnalyzer decides whether a bytecode pattern match is a real threat.
// Callers treat an error as a confirmation.
type ContextAnalyzer interface {
	Confirm(ctx context.Context, targets []common.Address, pattern Pattern) (bool, error)
}

// ActivityAnalyzer confirms a pattern when a recent successful transaction to
// one of the targets called a privileged function of that pattern.
type ActivityAnalyzer struct {
	gw     *gateway.Gateway
	blocks uint64
	obs    *observability.Observer
}

var _ ContextAnalyzer = (*ActivityAnalyzer)(nil)

func NewActivityAnalyzer(gw *gateway.Gateway, blocks uint64, obs *observability.Observer) *ActivityAnalyzer {
	if blocks == 0 {
		blocks = DefaultActivityBlocks
	}
	return &ActivityAnalyzer{gw: gw, blocks: blocks, obs: obs.Named("activity")}
}

func (a *ActivityAnalyzer) Confirm(ctx context.Context, targets []common.Address, pattern Pattern) (bool, error) {
	latest, err := a.gw.LatestBlockNumber(ctx)
	if err != nil {
		return true, fmt.Errorf("latest block: %w", err)
	}
	window, err := chain.Recent(latest, a.blocks)
	if err != nil {
		return true, err
	}

	for n := window.To; ; n-- {
		block, err := a.gw.Block(ctx, n)
		if err != nil {
			return true, fmt.Errorf("block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			if !calls(tx, targets, pattern) {
				continue
			}
			receipt, err := a.gw.Receipt(ctx, tx.Hash())
			if err != nil {
				return true, fmt.Errorf("receipt %s: %w", tx.Hash().Hex(), err)
			}
			if receipt.Status == types.ReceiptStatusSuccessful {
				a.obs.Logger.Info("privileged call observed",
					zap.String("pattern", pattern.Name),
					zap.String("tx", tx.Hash().Hex()),
					zap.Uint64("block", n),
				)
				return true, nil
			}
		}
		if n == window.From {
			break
		}
	}
	return false, nil
}

func calls(tx *types.Transaction, targets []common.Address, pattern Pattern) bool {
	to := tx.To()
	if to == nil || !pattern.Privileged(tx.Data()) {
		return false
	}
	for _, target := range targets {
		if *to == target {
			return true
		}
	}
	return false
}
