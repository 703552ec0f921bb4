// Package gateway funnels every chain interaction through tracing, retry,
// and result validation, and maps failures onto a small error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"swapguard/internal/chain"
	"swapguard/internal/observability"
)

// Validator checks decoded call outputs.
type Validator func(values []interface{}) error

// Gateway is safe for concurrent use.
type Gateway struct {
	backend chain.Backend
	policy  RetryPolicy
	obs     *observability.Observer

	chainMu sync.Mutex
	chainID uint64
}

// New builds a gateway over a chain backend.
func New(backend chain.Backend, policy RetryPolicy, obs *observability.Observer) *Gateway {
	obs = obs.Named("gateway")
	g := &Gateway{backend: backend, obs: obs}
	userHook := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		obs.Logger.Warn("retrying chain call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if userHook != nil {
			userHook(attempt, delay, err)
		}
	}
	g.policy = policy
	return g
}

// Backend returns the wrapped chain backend.
func (g *Gateway) Backend() chain.Backend {
	return g.backend
}

func run[T any](ctx context.Context, g *Gateway, op string, addr common.Address, fn Operation[T], extra ...Middleware[T]) (T, error) {
	policy := g.policy
	hook := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.obs.Metrics.RPCRetries.WithLabelValues(op).Inc()
		if hook != nil {
			hook(attempt, delay, err)
		}
	}
	mws := append([]Middleware[T]{Trace[T](op, g.obs), Retry[T](policy)}, extra...)
	value, err := Compose(mws...)(fn)(ctx)
	if err != nil {
		var zero T
		return zero, wrap(op, addr, err)
	}
	return value, nil
}

// Call packs, executes, unpacks, and validates a view call.
func (g *Gateway) Call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args []interface{}, validate Validator) ([]interface{}, error) {
	op := "call." + method
	m, ok := parsed.Methods[method]
	if !ok {
		return nil, &Error{Kind: KindCall, Op: op, Address: to, Attempts: 0, Err: fmt.Errorf("method %s not in abi", method)}
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, &Error{Kind: KindCall, Op: op, Address: to, Attempts: 0, Err: fmt.Errorf("pack: %w", err)}
	}

	call := func(ctx context.Context) ([]interface{}, error) {
		raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, Invalid("empty return data")
		}
		values, err := m.Outputs.Unpack(raw)
		if err != nil {
			return nil, Invalid("unpack %s: %v", method, err)
		}
		return values, nil
	}
	return run[[]interface{}](ctx, g, op, to, call, Validate[[]interface{}](validate))
}

// CallRaw executes an arbitrary eth_call against the latest block.
func (g *Gateway) CallRaw(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var addr common.Address
	if msg.To != nil {
		addr = *msg.To
	}
	return run(ctx, g, "call.raw", addr, func(ctx context.Context) ([]byte, error) {
		return g.backend.CallContract(ctx, msg, nil)
	})
}

// Code returns runtime bytecode at addr.
func (g *Gateway) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return run(ctx, g, "code", addr, func(ctx context.Context) ([]byte, error) {
		return g.backend.CodeAt(ctx, addr, nil)
	})
}

// Storage reads one storage word.
func (g *Gateway) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return run(ctx, g, "storage", addr, func(ctx context.Context) (common.Hash, error) {
		raw, err := g.backend.StorageAt(ctx, addr, slot, nil)
		if err != nil {
			return common.Hash{}, err
		}
		return common.BytesToHash(raw), nil
	})
}

// Receipt fetches a transaction receipt.
func (g *Gateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return run(ctx, g, "receipt", common.Address{}, func(ctx context.Context) (*types.Receipt, error) {
		return g.backend.TransactionReceipt(ctx, hash)
	})
}

// LatestBlockNumber returns the head block number.
func (g *Gateway) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return run(ctx, g, "block_number", common.Address{}, func(ctx context.Context) (uint64, error) {
		return g.backend.BlockNumber(ctx)
	})
}

// Block fetches a block with its transactions.
func (g *Gateway) Block(ctx context.Context, number uint64) (*types.Block, error) {
	return run(ctx, g, "block", common.Address{}, func(ctx context.Context) (*types.Block, error) {
		return g.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	})
}

// Logs runs a log filter.
func (g *Gateway) Logs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return run(ctx, g, "logs", common.Address{}, func(ctx context.Context) ([]types.Log, error) {
		return g.backend.FilterLogs(ctx, query)
	})
}

// PendingTransactions returns the node's pending block transactions.
func (g *Gateway) PendingTransactions(ctx context.Context) ([]*types.Transaction, error) {
	return run(ctx, g, "pending", common.Address{}, func(ctx context.Context) ([]*types.Transaction, error) {
		return g.backend.PendingTransactions(ctx)
	})
}

// ChainID returns the chain id, fetched once.
func (g *Gateway) ChainID(ctx context.Context) (uint64, error) {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()
	if g.chainID != 0 {
		return g.chainID, nil
	}
	id, err := run(ctx, g, "chain_id", common.Address{}, func(ctx context.Context) (*big.Int, error) {
		return g.backend.ChainID(ctx)
	})
	if err != nil {
		return 0, err
	}
	g.chainID = id.Uint64()
	return g.chainID, nil
}

// ValidateContract checks that addr has code and answers at least one of the probe methods.
func (g *Gateway) ValidateContract(ctx context.Context, addr common.Address, parsed abi.ABI, probes ...string) error {
	code, err := g.Code(ctx, addr)
	if err != nil {
		return err
	}
	if len(bytes.TrimLeft(code, "\x00")) == 0 {
		return &Error{Kind: KindValidation, Op: "validate_contract", Address: addr, Attempts: 1, Err: errors.New("no contract code found")}
	}
	if len(probes) == 0 {
		return nil
	}
	var lastErr error
	for _, method := range probes {
		_, err := g.Call(ctx, parsed, addr, method, nil, nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return &Error{Kind: KindValidation, Op: "validate_contract", Address: addr, Attempts: 1, Err: fmt.Errorf("no probe method answered: %w", lastErr)}
}
