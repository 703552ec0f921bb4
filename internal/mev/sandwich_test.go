package mev

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestSandwichInWithoutSenders(t *testing.T) {
	assert.True(t, sandwichIn([]trade{{forward: true}, {forward: true}, {forward: false}}))
	assert.False(t, sandwichIn([]trade{{forward: false}, {forward: true}, {forward: true}}))
	assert.False(t, sandwichIn([]trade{{forward: true}, {forward: false}}))
}

func TestSandwichInRequiresWrappingSender(t *testing.T) {
	attacker := common.HexToAddress("0x01")
	victim := common.HexToAddress("0x02")
	other := common.HexToAddress("0x03")

	wrap := []trade{
		{forward: true, from: attacker, hasFrom: true},
		{forward: true, from: victim, hasFrom: true},
		{forward: false, from: attacker, hasFrom: true},
	}
	assert.True(t, sandwichIn(wrap))

	unrelated := []trade{
		{forward: true, from: attacker, hasFrom: true},
		{forward: true, from: victim, hasFrom: true},
		{forward: false, from: other, hasFrom: true},
	}
	assert.False(t, sandwichIn(unrelated))

	shifted := append([]trade{{forward: false, from: other, hasFrom: true}}, wrap...)
	assert.True(t, sandwichIn(shifted))
}
