// Package dextest scripts tokens, pools, and a quoter on a chaintest backend.
package dextest

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"swapguard/internal/chain/chaintest"
	"swapguard/internal/dex"
)

// Code is placeholder runtime bytecode for scripted contracts.
var Code = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

// QuoteFunc maps an input amount to an output amount in base units.
type QuoteFunc func(amountIn *big.Int) *big.Int

type v3Key struct {
	token0, token1 common.Address
	fee            uint32
}

type quoteKey struct {
	in, out common.Address
	fee     uint32
}

// World is a scripted Uniswap deployment.
type World struct {
	Backend   *chaintest.Backend
	ABIs      *dex.ABIs
	Contracts dex.Contracts

	mu       sync.Mutex
	v3Pools  map[v3Key]common.Address
	v2Pairs  map[[2]common.Address]common.Address
	quotes   map[quoteKey]QuoteFunc
	balances map[common.Address]map[common.Address]*big.Int
}

// NewWorld installs the factories, quoter, and routers on a fresh backend.
func NewWorld() *World {
	abis, err := dex.LoadABIs()
	if err != nil {
		panic(err)
	}
	w := &World{
		Backend:   chaintest.New(),
		ABIs:      abis,
		Contracts: dex.DefaultContracts(),
		v3Pools:   make(map[v3Key]common.Address),
		v2Pairs:   make(map[[2]common.Address]common.Address),
		quotes:    make(map[quoteKey]QuoteFunc),
		balances:  make(map[common.Address]map[common.Address]*big.Int),
	}
	for _, probe := range w.Contracts.Probes(abis) {
		w.Backend.SetCode(probe.Address, Code)
		for _, method := range probe.Methods {
			w.Backend.Returns(probe.Address, probe.ABI, method, pickReturn(probe.ABI, method))
		}
	}

	w.Backend.HandleMethod(w.Contracts.V3Factory, abis.V3Factory, "getPool", func(args []interface{}) ([]interface{}, error) {
		a, b := sorted(args[0].(common.Address), args[1].(common.Address))
		fee := uint32(args[2].(*big.Int).Uint64())
		w.mu.Lock()
		defer w.mu.Unlock()
		return []interface{}{w.v3Pools[v3Key{a, b, fee}]}, nil
	})
	w.Backend.HandleMethod(w.Contracts.V2Factory, abis.V2Factory, "getPair", func(args []interface{}) ([]interface{}, error) {
		a, b := sorted(args[0].(common.Address), args[1].(common.Address))
		w.mu.Lock()
		defer w.mu.Unlock()
		return []interface{}{w.v2Pairs[[2]common.Address{a, b}]}, nil
	})
	w.Backend.HandleMethod(w.Contracts.QuoterV2, abis.QuoterV2, "quoteExactInputSingle", func(args []interface{}) ([]interface{}, error) {
		params := abi.ConvertType(args[0], new(dex.QuoteExactInputSingleParams)).(*dex.QuoteExactInputSingleParams)
		w.mu.Lock()
		fn, ok := w.quotes[quoteKey{params.TokenIn, params.TokenOut, uint32(params.Fee.Uint64())}]
		w.mu.Unlock()
		if !ok {
			return nil, errRevert("SPL")
		}
		return []interface{}{fn(params.AmountIn), new(big.Int), uint32(1), big.NewInt(90_000)}, nil
	})
	return w
}

func pickReturn(parsed abi.ABI, method string) interface{} {
	if parsed.Methods[method].Outputs[0].Type.T == abi.AddressTy {
		return common.HexToAddress("0x00000000000000000000000000000000000000ee")
	}
	return big.NewInt(1)
}

type revertError string

func (e revertError) Error() string { return "execution reverted: " + string(e) }

func errRevert(reason string) error { return revertError(reason) }

func sorted(a, b common.Address) (common.Address, common.Address) {
	if a.Big().Cmp(b.Big()) < 0 {
		return a, b
	}
	return b, a
}

// Token describes a scripted ERC20.
type Token struct {
	Address  common.Address
	Symbol   string
	Name     string
	Decimals uint8
	Supply   *big.Int
}

// AddToken deploys an ERC20 answering metadata, balanceOf, and transfer.
func (w *World) AddToken(tok Token) {
	if tok.Name == "" {
		tok.Name = tok.Symbol
	}
	supply := tok.Supply
	if supply == nil {
		supply = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tok.Decimals)+9), nil)
	}
	w.Backend.SetCode(tok.Address, Code)
	w.Backend.Returns(tok.Address, w.ABIs.ERC20, "decimals", tok.Decimals)
	w.Backend.Returns(tok.Address, w.ABIs.ERC20, "symbol", tok.Symbol)
	w.Backend.Returns(tok.Address, w.ABIs.ERC20, "name", tok.Name)
	w.Backend.Returns(tok.Address, w.ABIs.ERC20, "totalSupply", supply)
	w.Backend.Returns(tok.Address, w.ABIs.ERC20, "transfer", true)
	w.Backend.HandleMethod(tok.Address, w.ABIs.ERC20, "balanceOf", func(args []interface{}) ([]interface{}, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		bal := w.balances[tok.Address][args[0].(common.Address)]
		if bal == nil {
			bal = new(big.Int)
		}
		return []interface{}{bal}, nil
	})
}

// SetBalance sets holder's balance of token.
func (w *World) SetBalance(token, holder common.Address, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[token] == nil {
		w.balances[token] = make(map[common.Address]*big.Int)
	}
	w.balances[token][holder] = amount
}

// V3Pool describes a scripted V3 pool.
type V3Pool struct {
	Address      common.Address
	TokenA       common.Address
	TokenB       common.Address
	Fee          uint32
	Liquidity    *big.Int
	SqrtPriceX96 *big.Int
	Tick         int64
	Balance0     *big.Int
	Balance1     *big.Int
}

// AddV3Pool registers the pool with the factory and scripts its state.
func (w *World) AddV3Pool(p V3Pool) {
	token0, token1 := sorted(p.TokenA, p.TokenB)
	w.mu.Lock()
	w.v3Pools[v3Key{token0, token1, p.Fee}] = p.Address
	w.mu.Unlock()

	liquidity := p.Liquidity
	if liquidity == nil {
		liquidity = new(big.Int)
	}
	sqrt := p.SqrtPriceX96
	if sqrt == nil {
		sqrt = new(big.Int)
	}
	w.Backend.SetCode(p.Address, Code)
	w.Backend.Returns(p.Address, w.ABIs.V3Pool, "token0", token0)
	w.Backend.Returns(p.Address, w.ABIs.V3Pool, "token1", token1)
	w.Backend.Returns(p.Address, w.ABIs.V3Pool, "fee", new(big.Int).SetUint64(uint64(p.Fee)))
	w.Backend.Returns(p.Address, w.ABIs.V3Pool, "liquidity", liquidity)
	w.Backend.Returns(p.Address, w.ABIs.V3Pool, "slot0", sqrt, big.NewInt(p.Tick), uint16(0), uint16(1), uint16(1), uint8(0), true)
	if p.Balance0 != nil {
		w.SetBalance(token0, p.Address, p.Balance0)
	}
	if p.Balance1 != nil {
		w.SetBalance(token1, p.Address, p.Balance1)
	}
}

// V2Pair describes a scripted V2 pair.
type V2Pair struct {
	Address  common.Address
	TokenA   common.Address
	TokenB   common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// AddV2Pair registers the pair with the factory and scripts its reserves.
func (w *World) AddV2Pair(p V2Pair) {
	token0, token1 := sorted(p.TokenA, p.TokenB)
	w.mu.Lock()
	w.v2Pairs[[2]common.Address{token0, token1}] = p.Address
	w.mu.Unlock()

	w.Backend.SetCode(p.Address, Code)
	w.Backend.Returns(p.Address, w.ABIs.V2Pair, "token0", token0)
	w.Backend.Returns(p.Address, w.ABIs.V2Pair, "token1", token1)
	w.Backend.Returns(p.Address, w.ABIs.V2Pair, "getReserves", p.Reserve0, p.Reserve1, uint32(0))
}

// SetQuote scripts the quoter for one direction of a fee tier.
func (w *World) SetQuote(tokenIn, tokenOut common.Address, fee uint32, fn QuoteFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.quotes[quoteKey{tokenIn, tokenOut, fee}] = fn
}

// Rate returns a QuoteFunc computing amountIn*num/den.
func Rate(num, den int64) QuoteFunc {
	return func(amountIn *big.Int) *big.Int {
		out := new(big.Int).Mul(amountIn, big.NewInt(num))
		return out.Div(out, big.NewInt(den))
	}
}

// Q96 is 2^96, the sqrt price of a 1:1 pool in raw units.
func Q96() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 96)
}
