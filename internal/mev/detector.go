// Package mev looks for front-running risk around a planned swap.
package mev

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"swapguard/internal/chain"
	"swapguard/internal/dex"
	"swapguard/internal/gateway"
	"swapguard/internal/model"
	"swapguard/internal/observability"
)

const (
	ReasonMempool  = "Similar transactions detected in mempool"
	ReasonSandwich = "Potential sandwich attack pattern detected"
)

// Config tunes the block scan used at HIGH security.
type Config struct {
	// Lookback is the number of recent blocks scanned for sandwiches.
	Lookback uint64
	// LogBatch caps the block span of one log query.
	LogBatch uint64
}

func DefaultConfig() Config {
	return Config{Lookback: 5, LogBatch: 2000}
}

// Detector inspects the mempool and recent blocks for the route's pair.
type Detector struct {
	gw      *gateway.Gateway
	abis    *dex.ABIs
	decoder *dex.SwapLogDecoder
	cfg     Config
	obs     *observability.Observer
}

func NewDetector(gw *gateway.Gateway, abis *dex.ABIs, cfg Config, obs *observability.Observer) *Detector {
	def := DefaultConfig()
	if cfg.Lookback == 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.LogBatch == 0 {
		cfg.LogBatch = def.LogBatch
	}
	return &Detector{
		gw:      gw,
		abis:    abis,
		decoder: dex.NewSwapLogDecoder(abis),
		cfg:     cfg,
		obs:     obs.Named("mev"),
	}
}

// Check returns a reason when the route looks exposed. LOW never finds anything.
func (d *Detector) Check(ctx context.Context, level model.SecurityLevel, route model.SwapRoute) (string, bool, error) {
	if !level.AtLeast(model.SecurityMedium) {
		return "", false, nil
	}
	if len(route.Path) < 2 {
		return "", false, fmt.Errorf("route has no pair")
	}

	found, err := d.pendingSimilar(ctx, route)
	if err != nil {
		return "", false, fmt.Errorf("inspect mempool: %w", err)
	}
	if found {
		d.obs.Metrics.MEVSignals.WithLabelValues("mempool").Inc()
		return ReasonMempool, true, nil
	}

	if !level.AtLeast(model.SecurityHigh) {
		return "", false, nil
	}
	found, err = d.sandwiched(ctx, route)
	if err != nil {
		return "", false, fmt.Errorf("scan blocks: %w", err)
	}
	if found {
		d.obs.Metrics.MEVSignals.WithLabelValues("sandwich").Inc()
		return ReasonSandwich, true, nil
	}
	return "", false, nil
}

func (d *Detector) pendingSimilar(ctx context.Context, route model.SwapRoute) (bool, error) {
	txs, err := d.gw.PendingTransactions(ctx)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if _, ok := d.routerTrade(tx, route); ok {
			d.obs.Logger.Debug("similar pending swap", zap.String("tx", tx.Hash().Hex()))
			return true, nil
		}
	}
	return false, nil
}

// routerTrade decodes tx as a router swap of the route's pair and reports
// whether it trades in the route's direction.
func (d *Detector) routerTrade(tx *types.Transaction, route model.SwapRoute) (bool, bool) {
	if tx.To() == nil {
		return false, false
	}
	swap, err := d.abis.DecodeRouterSwap(tx.Data())
	if err != nil || len(swap.Path) < 2 {
		return false, false
	}
	in, out := route.TokenIn(), route.TokenOut()
	switch {
	case swap.TokenIn() == in && swap.TokenOut() == out:
		return true, true
	case swap.TokenIn() == out && swap.TokenOut() == in:
		return false, true
	default:
		return false, false
	}
}

type trade struct {
	txIndex  uint
	logIndex uint
	forward  bool
	from     common.Address
	hasFrom  bool
}

func (d *Detector) sandwiched(ctx context.Context, route model.SwapRoute) (bool, error) {
	latest, err := d.gw.LatestBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	window, err := chain.Recent(latest, d.cfg.Lookback)
	if err != nil {
		return false, err
	}
	events, err := d.poolSwaps(ctx, route, window)
	if err != nil {
		return false, err
	}

	var signer types.Signer
	if chainID, err := d.gw.ChainID(ctx); err == nil {
		signer = types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	}

	for n := window.From; n <= window.To; n++ {
		block, err := d.gw.Block(ctx, n)
		if err != nil {
			return false, err
		}
		trades := d.blockTrades(block, route, events[n], signer)
		if sandwichIn(trades) {
			d.obs.Logger.Info("sandwich pattern observed",
				zap.Uint64("block", n),
				zap.String("token_in", route.TokenIn().Hex()),
				zap.String("token_out", route.TokenOut().Hex()),
			)
			return true, nil
		}
	}
	return false, nil
}

// poolSwaps collects Swap logs on the route's pools, grouped by block.
func (d *Detector) poolSwaps(ctx context.Context, route model.SwapRoute, window chain.BlockRange) (map[uint64][]dex.SwapEvent, error) {
	out := make(map[uint64][]dex.SwapEvent)
	if len(route.Pools) == 0 {
		return out, nil
	}
	batches, err := chain.SplitRange(window, d.cfg.LogBatch)
	if err != nil {
		return nil, err
	}
	for _, batch := range batches {
		logs, err := d.gw.Logs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(batch.From),
			ToBlock:   new(big.Int).SetUint64(batch.To),
			Addresses: route.Pools,
			Topics:    [][]common.Hash{d.decoder.Topics()},
		})
		if err != nil {
			return nil, err
		}
		for _, log := range logs {
			if log.Removed || !d.decoder.CanDecode(log) {
				continue
			}
			event, err := d.decoder.Decode(log)
			if err != nil {
				d.obs.Logger.Debug("skip undecodable swap log", zap.String("tx", log.TxHash.Hex()), zap.Error(err))
				continue
			}
			out[event.BlockNumber] = append(out[event.BlockNumber], event)
		}
	}
	return out, nil
}

// blockTrades merges router calldata and pool logs into one trade per
// transaction, ordered by position in the block.
func (d *Detector) blockTrades(block *types.Block, route model.SwapRoute, events []dex.SwapEvent, signer types.Signer) []trade {
	txs := block.Transactions()
	sender := func(index uint) (common.Address, bool) {
		if signer == nil || int(index) >= len(txs) {
			return common.Address{}, false
		}
		from, err := types.Sender(signer, txs[index])
		return from, err == nil
	}

	seen := make(map[uint]struct{})
	var trades []trade
	for i, tx := range txs {
		forward, ok := d.routerTrade(tx, route)
		if !ok {
			continue
		}
		t := trade{txIndex: uint(i), forward: forward}
		t.from, t.hasFrom = sender(t.txIndex)
		trades = append(trades, t)
		seen[t.txIndex] = struct{}{}
	}
	for _, event := range events {
		if _, ok := seen[event.TxIndex]; ok {
			continue
		}
		forward, ok := legDirection(route, event)
		if !ok {
			continue
		}
		t := trade{txIndex: event.TxIndex, logIndex: event.LogIndex, forward: forward}
		t.from, t.hasFrom = sender(t.txIndex)
		trades = append(trades, t)
		seen[t.txIndex] = struct{}{}
	}

	sort.Slice(trades, func(i, j int) bool {
		if trades[i].txIndex != trades[j].txIndex {
			return trades[i].txIndex < trades[j].txIndex
		}
		return trades[i].logIndex < trades[j].logIndex
	})
	return trades
}

// legDirection reports whether a pool swap sold the token the route sells into that pool.
func legDirection(route model.SwapRoute, event dex.SwapEvent) (bool, bool) {
	for i, pool := range route.Pools {
		if pool != event.Pool || i+1 >= len(route.Path) {
			continue
		}
		token0, _ := dex.SortTokens(route.Path[i], route.Path[i+1])
		sellsToken0 := route.Path[i] == token0
		return event.ZeroForOne() == sellsToken0, true
	}
	return false, false
}

// sandwichIn looks for consecutive trades a, b, c with a and b in the route's
// direction and c reversed. When all senders are known, a and c must share a
// sender that differs from b's.
func sandwichIn(trades []trade) bool {
	for i := 0; i+2 < len(trades); i++ {
		a, b, c := trades[i], trades[i+1], trades[i+2]
		if !a.forward || !b.forward || c.forward {
			continue
		}
		if a.hasFrom && b.hasFrom && c.hasFrom {
			if a.from != c.from || a.from == b.from {
				continue
			}
		}
		return true
	}
	return false
}
