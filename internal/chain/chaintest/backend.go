// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"swapguard/internal/chain"
)

// CallHandler answers an eth_call for one contract selector.
type CallHandler func(msg ethereum.CallMsg) ([]byte, error)

type callKey struct {
	to       common.Address
	selector [4]byte
}

// Backend is a scriptable chain.Backend. Zero value is not usable; use New.
type Backend struct {
	mu sync.Mutex

	ID       *big.Int
	Latest   uint64
	codes    map[common.Address][]byte
	storage  map[common.Address]map[common.Hash][]byte
	handlers map[callKey]CallHandler
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	pending  []*types.Transaction
	logs     []types.Log

	// Errors forces a backend method (by name) to fail.
	Errors map[string]error

	counts     map[string]int
	callCounts map[callKey]int
	failures   map[string]*failure
}

type failure struct {
	remaining int
	err       error
}

var _ chain.Backend = (*Backend)(nil)

// New returns an empty backend on chain id 1.
func New() *Backend {
	return &Backend{
		ID:         big.NewInt(1),
		codes:      make(map[common.Address][]byte),
		storage:    make(map[common.Address]map[common.Hash][]byte),
		handlers:   make(map[callKey]CallHandler),
		blocks:     make(map[uint64]*types.Block),
		receipts:   make(map[common.Hash]*types.Receipt),
		Errors:     make(map[string]error),
		counts:     make(map[string]int),
		callCounts: make(map[callKey]int),
		failures:   make(map[string]*failure),
	}
}

// FailNext makes the next n invocations of a backend method fail with err.
func (b *Backend) FailNext(method string, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = &failure{remaining: n, err: err}
}

// SetCode installs runtime bytecode at an address.
func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[addr] = code
}

// SetStorage installs a storage word.
func (b *Backend) SetStorage(addr common.Address, slot common.Hash, value common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storage[addr] == nil {
		b.storage[addr] = make(map[common.Hash][]byte)
	}
	b.storage[addr][slot] = value.Bytes()
}

// Handle registers a raw handler for a contract selector.
func (b *Backend) Handle(to common.Address, selector []byte, fn CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var key callKey
	key.to = to
	copy(key.selector[:], selector)
	b.handlers[key] = fn
}

// HandleMethod registers a handler that receives unpacked inputs and returns outputs to pack.
func (b *Backend) HandleMethod(to common.Address, parsed abi.ABI, method string, fn func(args []interface{}) ([]interface{}, error)) {
	m, ok := parsed.Methods[method]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown method %s", method))
	}
	b.Handle(to, m.ID, func(msg ethereum.CallMsg) ([]byte, error) {
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		out, err := fn(args)
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(out...)
	})
}

// Returns registers a constant response for a method.
func (b *Backend) Returns(to common.Address, parsed abi.ABI, method string, values ...interface{}) {
	b.HandleMethod(to, parsed, method, func([]interface{}) ([]interface{}, error) {
		return values, nil
	})
}

// AddBlock stores a block and advances Latest when needed.
func (b *Backend) AddBlock(block *types.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	number := block.NumberU64()
	b.blocks[number] = block
	if number > b.Latest {
		b.Latest = number
	}
}

// AddReceipt stores a receipt by transaction hash.
func (b *Backend) AddReceipt(receipt *types.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[receipt.TxHash] = receipt
}

// SetPending replaces the pending transaction set.
func (b *Backend) SetPending(txs []*types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = txs
}

// AddLogs appends logs served by FilterLogs.
func (b *Backend) AddLogs(logs ...types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, logs...)
}

// Count returns how many times a backend method was invoked.
func (b *Backend) Count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[method]
}

// CallCount returns how many eth_calls hit a contract selector.
func (b *Backend) CallCount(to common.Address, selector []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var key callKey
	key.to = to
	copy(key.selector[:], selector)
	return b.callCounts[key]
}

func (b *Backend) enter(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[method]++
	if f := b.failures[method]; f != nil && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return b.Errors[method]
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	if err := b.enter("ChainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.ID), nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	if err := b.enter("BlockNumber"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Latest, nil
}

func (b *Backend) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	if err := b.enter("BlockByNumber"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.Latest
	if number != nil {
		n = number.Uint64()
	}
	block, ok := b.blocks[n]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block, nil
}

func (b *Backend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := b.enter("CodeAt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[account], nil
}

func (b *Backend) StorageAt(_ context.Context, account common.Address, key common.Hash, _ *big.Int) ([]byte, error) {
	if err := b.enter("StorageAt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if value, ok := b.storage[account][key]; ok {
		return value, nil
	}
	return common.Hash{}.Bytes(), nil
}

func (b *Backend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := b.enter("TransactionReceipt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := b.enter("CallContract"); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("execution reverted")
	}
	var key callKey
	key.to = *msg.To
	copy(key.selector[:], msg.Data[:4])

	b.mu.Lock()
	b.callCounts[key]++
	handler, ok := b.handlers[key]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return handler(msg)
}

func (b *Backend) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := b.enter("FilterLogs"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.Log
	for _, log := range b.logs {
		if query.FromBlock != nil && log.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && log.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if len(query.Addresses) > 0 && !containsAddress(query.Addresses, log.Address) {
			continue
		}
		if len(query.Topics) > 0 && len(query.Topics[0]) > 0 {
			if len(log.Topics) == 0 || !containsHash(query.Topics[0], log.Topics[0]) {
				continue
			}
		}
		out = append(out, log)
	}
	return out, nil
}

func (b *Backend) PendingTransactions(context.Context) ([]*types.Transaction, error) {
	if err := b.enter("PendingTransactions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.pending...), nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, item := range list {
		if item == addr {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, hash common.Hash) bool {
	for _, item := range list {
		if item == hash {
			return true
		}
	}
	return false
}
