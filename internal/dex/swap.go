package dex

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"swapguard/internal/model"
)

// QuoteExactInputSingleParams mirrors the QuoterV2 tuple.
type QuoteExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

// ExactInputSingleParams mirrors the SwapRouter single-hop tuple.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// ExactInputParams mirrors the SwapRouter multi-hop tuple.
type ExactInputParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// SwapRequest is an exact-input swap along a discovered route, in base units.
type SwapRequest struct {
	Protocol     model.Protocol
	Path         []common.Address
	Fees         []uint32
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Recipient    common.Address
	Deadline     time.Time
}

// EncodeSwap builds router calldata for req and returns the router to call.
func (r *Registry) EncodeSwap(req SwapRequest) (common.Address, []byte, error) {
	return EncodeSwap(r.abis, r.contracts, req)
}

// EncodeSwap builds router calldata for req against the given deployments.
func EncodeSwap(abis *ABIs, contracts Contracts, req SwapRequest) (common.Address, []byte, error) {
	if len(req.Path) < 2 {
		return common.Address{}, nil, errors.New("swap path needs at least two tokens")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return common.Address{}, nil, errors.New("swap amount must be positive")
	}
	minOut := req.AmountOutMin
	if minOut == nil {
		minOut = new(big.Int)
	}
	deadline := big.NewInt(req.Deadline.Unix())

	switch req.Protocol {
	case model.ProtocolV2:
		data, err := abis.V2Router.Pack("swapExactTokensForTokens", req.AmountIn, minOut, req.Path, req.Recipient, deadline)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack swapExactTokensForTokens: %w", err)
		}
		return contracts.V2Router, data, nil
	case model.ProtocolV3:
		if len(req.Fees) != len(req.Path)-1 {
			return common.Address{}, nil, fmt.Errorf("%d fees for %d hops", len(req.Fees), len(req.Path)-1)
		}
		if len(req.Path) == 2 {
			params := ExactInputSingleParams{
				TokenIn:           req.Path[0],
				TokenOut:          req.Path[1],
				Fee:               new(big.Int).SetUint64(uint64(req.Fees[0])),
				Recipient:         req.Recipient,
				Deadline:          deadline,
				AmountIn:          req.AmountIn,
				AmountOutMinimum:  minOut,
				SqrtPriceLimitX96: new(big.Int),
			}
			data, err := abis.V3Router.Pack("exactInputSingle", params)
			if err != nil {
				return common.Address{}, nil, fmt.Errorf("pack exactInputSingle: %w", err)
			}
			return contracts.V3Router, data, nil
		}
		params := ExactInputParams{
			Path:             EncodeV3Path(req.Path, req.Fees),
			Recipient:        req.Recipient,
			Deadline:         deadline,
			AmountIn:         req.AmountIn,
			AmountOutMinimum: minOut,
		}
		data, err := abis.V3Router.Pack("exactInput", params)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack exactInput: %w", err)
		}
		return contracts.V3Router, data, nil
	default:
		return common.Address{}, nil, fmt.Errorf("unsupported protocol %q", req.Protocol)
	}
}

// EncodeV3Path packs token(20) fee(3) token(20) ... as the V3 router expects.
func EncodeV3Path(tokens []common.Address, fees []uint32) []byte {
	out := make([]byte, 0, len(tokens)*common.AddressLength+len(fees)*3)
	for i, token := range tokens {
		out = append(out, token.Bytes()...)
		if i < len(fees) {
			fee := fees[i]
			out = append(out, byte(fee>>16), byte(fee>>8), byte(fee))
		}
	}
	return out
}

// DecodeV3Path is the inverse of EncodeV3Path.
func DecodeV3Path(path []byte) ([]common.Address, []uint32, error) {
	const hop = common.AddressLength + 3
	if len(path) < common.AddressLength || (len(path)-common.AddressLength)%hop != 0 {
		return nil, nil, fmt.Errorf("malformed v3 path of %d bytes", len(path))
	}
	tokens := []common.Address{common.BytesToAddress(path[:common.AddressLength])}
	var fees []uint32
	for offset := common.AddressLength; offset < len(path); offset += hop {
		fee := uint32(path[offset])<<16 | uint32(path[offset+1])<<8 | uint32(path[offset+2])
		fees = append(fees, fee)
		tokens = append(tokens, common.BytesToAddress(path[offset+3:offset+hop]))
	}
	return tokens, fees, nil
}

// RouterSwap is a router call recovered from transaction input.
type RouterSwap struct {
	Method   string
	Protocol model.Protocol
	Path     []common.Address
	// AmountIn is nil for exact-output calls.
	AmountIn  *big.Int
	Recipient common.Address
}

// TokenIn returns the first token of the decoded path.
func (s RouterSwap) TokenIn() common.Address {
	return s.Path[0]
}

// TokenOut returns the last token of the decoded path.
func (s RouterSwap) TokenOut() common.Address {
	return s.Path[len(s.Path)-1]
}

// ErrNotRouterSwap is returned for calldata that is not a known router swap.
var ErrNotRouterSwap = errors.New("not a router swap")

// DecodeRouterSwap recognises V2 and V3 router swap calldata.
func (a *ABIs) DecodeRouterSwap(data []byte) (RouterSwap, error) {
	if len(data) < 4 {
		return RouterSwap{}, ErrNotRouterSwap
	}
	if method, err := a.V2Router.MethodById(data[:4]); err == nil {
		return decodeV2Swap(method, data[4:])
	}
	if method, err := a.V3Router.MethodById(data[:4]); err == nil {
		return decodeV3Swap(method, data[4:])
	}
	return RouterSwap{}, ErrNotRouterSwap
}

func decodeV2Swap(method *abi.Method, payload []byte) (RouterSwap, error) {
	switch method.Name {
	case "swapExactTokensForTokens", "swapTokensForExactTokens", "swapExactETHForTokens", "swapExactTokensForETH":
	default:
		return RouterSwap{}, ErrNotRouterSwap
	}
	values, err := method.Inputs.Unpack(payload)
	if err != nil {
		return RouterSwap{}, fmt.Errorf("unpack %s: %w", method.Name, err)
	}
	args := make(map[string]interface{}, len(values))
	for i, input := range method.Inputs {
		args[input.Name] = values[i]
	}

	path, ok := args["path"].([]common.Address)
	if !ok || len(path) < 2 {
		return RouterSwap{}, fmt.Errorf("%s: bad path", method.Name)
	}
	swap := RouterSwap{Method: method.Name, Protocol: model.ProtocolV2, Path: path}
	if to, ok := args["to"].(common.Address); ok {
		swap.Recipient = to
	}
	if amountIn, ok := args["amountIn"].(*big.Int); ok {
		swap.AmountIn = amountIn
	}
	return swap, nil
}

func decodeV3Swap(method *abi.Method, payload []byte) (RouterSwap, error) {
	values, err := method.Inputs.Unpack(payload)
	if err != nil {
		return RouterSwap{}, fmt.Errorf("unpack %s: %w", method.Name, err)
	}
	if len(values) != 1 {
		return RouterSwap{}, ErrNotRouterSwap
	}
	switch method.Name {
	case "exactInputSingle":
		params, ok := abi.ConvertType(values[0], new(ExactInputSingleParams)).(*ExactInputSingleParams)
		if !ok {
			return RouterSwap{}, fmt.Errorf("exactInputSingle: unexpected params")
		}
		return RouterSwap{
			Method:    method.Name,
			Protocol:  model.ProtocolV3,
			Path:      []common.Address{params.TokenIn, params.TokenOut},
			AmountIn:  params.AmountIn,
			Recipient: params.Recipient,
		}, nil
	case "exactInput":
		params, ok := abi.ConvertType(values[0], new(ExactInputParams)).(*ExactInputParams)
		if !ok {
			return RouterSwap{}, fmt.Errorf("exactInput: unexpected params")
		}
		path, _, err := DecodeV3Path(params.Path)
		if err != nil {
			return RouterSwap{}, err
		}
		return RouterSwap{
			Method:    method.Name,
			Protocol:  model.ProtocolV3,
			Path:      path,
			AmountIn:  params.AmountIn,
			Recipient: params.Recipient,
		}, nil
	default:
		return RouterSwap{}, ErrNotRouterSwap
	}
}
