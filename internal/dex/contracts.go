package dex

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contracts are the protocol deployments the engine queries.
type Contracts struct {
	V3Factory common.Address
	QuoterV2  common.Address
	V3Router  common.Address
	V2Factory common.Address
	V2Router  common.Address
}

// DefaultContracts returns the Ethereum mainnet Uniswap deployments.
func DefaultContracts() Contracts {
	return Contracts{
		V3Factory: common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
		QuoterV2:  common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e"),
		V3Router:  common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"),
		V2Factory: common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		V2Router:  common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
	}
}

// Validate rejects zero addresses.
func (c Contracts) Validate() error {
	for _, probe := range c.Probes(nil) {
		if probe.Address == (common.Address{}) {
			return fmt.Errorf("%s address is zero", probe.Name)
		}
	}
	return nil
}

// Probe names a deployment and the view methods that prove it answers.
type Probe struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
	Methods []string
}

// Probes lists every configured contract with its liveness methods.
// A nil abis leaves the ABI fields empty.
func (c Contracts) Probes(abis *ABIs) []Probe {
	if abis == nil {
		abis = &ABIs{}
	}
	return []Probe{
		{Name: "v3 factory", Address: c.V3Factory, ABI: abis.V3Factory, Methods: []string{"owner"}},
		{Name: "quoter v2", Address: c.QuoterV2, ABI: abis.QuoterV2, Methods: []string{"factory", "WETH9"}},
		{Name: "v3 router", Address: c.V3Router, ABI: abis.V3Router, Methods: []string{"factory", "WETH9"}},
		{Name: "v2 factory", Address: c.V2Factory, ABI: abis.V2Factory, Methods: []string{"allPairsLength"}},
		{Name: "v2 router", Address: c.V2Router, ABI: abis.V2Router, Methods: []string{"factory", "WETH"}},
	}
}
