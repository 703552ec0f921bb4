package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"swapguard/internal/model"
)

// SwapEvent is a pool Swap log normalised across V2 and V3.
type SwapEvent struct {
	Protocol    model.Protocol
	Pool        common.Address
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
	Sender      common.Address
	Recipient   common.Address
	// Amount0 and Amount1 are signed from the pool's view: positive flows in.
	Amount0 *big.Int
	Amount1 *big.Int
}

// ZeroForOne reports whether token0 was sold into the pool.
func (e SwapEvent) ZeroForOne() bool {
	return e.Amount0 != nil && e.Amount0.Sign() > 0
}

// SwapLogDecoder decodes V2 pair and V3 pool Swap events.
type SwapLogDecoder struct {
	v3Swap abi.Event
	v2Swap abi.Event
}

// NewSwapLogDecoder builds a decoder from the bundled ABIs.
func NewSwapLogDecoder(abis *ABIs) *SwapLogDecoder {
	return &SwapLogDecoder{
		v3Swap: abis.V3Pool.Events["Swap"],
		v2Swap: abis.V2Pair.Events["Swap"],
	}
}

// Topics returns the topic0 values the decoder understands.
func (d *SwapLogDecoder) Topics() []common.Hash {
	return []common.Hash{d.v3Swap.ID, d.v2Swap.ID}
}

// CanDecode checks if the topic0 is supported.
func (d *SwapLogDecoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	return log.Topics[0] == d.v3Swap.ID || log.Topics[0] == d.v2Swap.ID
}

// Decode converts a Swap log into a SwapEvent.
func (d *SwapLogDecoder) Decode(log types.Log) (SwapEvent, error) {
	if len(log.Topics) == 0 {
		return SwapEvent{}, fmt.Errorf("missing topics")
	}
	event := SwapEvent{
		Pool:        log.Address,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
	}
	switch log.Topics[0] {
	case d.v3Swap.ID:
		return d.decodeV3(log, event)
	case d.v2Swap.ID:
		return d.decodeV2(log, event)
	default:
		return SwapEvent{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}
}

func (d *SwapLogDecoder) decodeV3(log types.Log, event SwapEvent) (SwapEvent, error) {
	var indexed struct {
		Sender    common.Address
		Recipient common.Address
	}
	if err := parseIndexed(d.v3Swap, log.Topics, &indexed); err != nil {
		return SwapEvent{}, err
	}
	values, err := d.v3Swap.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return SwapEvent{}, fmt.Errorf("unpack swap: %w", err)
	}
	if len(values) != 5 {
		return SwapEvent{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}
	if event.Amount0, err = asBigInt(values[0]); err != nil {
		return SwapEvent{}, err
	}
	if event.Amount1, err = asBigInt(values[1]); err != nil {
		return SwapEvent{}, err
	}
	event.Protocol = model.ProtocolV3
	event.Sender = indexed.Sender
	event.Recipient = indexed.Recipient
	return event, nil
}

func (d *SwapLogDecoder) decodeV2(log types.Log, event SwapEvent) (SwapEvent, error) {
	var indexed struct {
		Sender common.Address
		To     common.Address
	}
	if err := parseIndexed(d.v2Swap, log.Topics, &indexed); err != nil {
		return SwapEvent{}, err
	}
	values, err := d.v2Swap.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return SwapEvent{}, fmt.Errorf("unpack swap: %w", err)
	}
	if len(values) != 4 {
		return SwapEvent{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}
	amounts := make([]*big.Int, 4)
	for i := range amounts {
		if amounts[i], err = asBigInt(values[i]); err != nil {
			return SwapEvent{}, err
		}
	}
	event.Protocol = model.ProtocolV2
	event.Amount0 = new(big.Int).Sub(amounts[0], amounts[2])
	event.Amount1 = new(big.Int).Sub(amounts[1], amounts[3])
	event.Sender = indexed.Sender
	event.Recipient = indexed.To
	return event, nil
}

func parseIndexed(event abi.Event, topics []common.Hash, out interface{}) error {
	indexed := indexedArguments(event.Inputs)
	if len(topics) != len(indexed)+1 {
		return fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(topics))
	}
	if err := abi.ParseTopics(out, indexed, topics[1:]); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}
	return nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
