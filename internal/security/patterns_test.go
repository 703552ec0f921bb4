package security

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
)

func TestPatternMatchesKeyword(t *testing.T) {
	p := NewPattern("selfdestruct", "msg", "destroy()")
	code := hex.EncodeToString(append([]byte{0x60, 0x80}, []byte("selfdestruct")...))
	assert.True(t, p.Matches(code))
	assert.False(t, p.Matches("6080604052"))
}

func TestPatternMatchesPush4Selector(t *testing.T) {
	p := NewPattern("mint", "msg", "mint(address,uint256)")
	sel := crypto.Keccak256([]byte("mint(address,uint256)"))[:4]
	code := "6080" + "63" + hex.EncodeToString(sel) + "14"
	assert.True(t, p.Matches(code))
	assert.True(t, p.Matches(code[:4]+"63"+hex.EncodeToString(sel)))
	// selector bytes without the PUSH4 opcode do not count
	assert.False(t, p.Matches("6080"+"60"+hex.EncodeToString(sel)))
}

func TestPatternPrivileged(t *testing.T) {
	p := NewPattern("pause", "msg", "pause()")
	sel := crypto.Keccak256([]byte("pause()"))[:4]
	assert.True(t, p.Privileged(append(sel, 0x00)))
	assert.False(t, p.Privileged(crypto.Keccak256([]byte("unpause()"))[:4]))
	assert.False(t, p.Privileged([]byte{0x01}))
}

func TestDefaultPatternsCoverKeywords(t *testing.T) {
	names := make(map[string]bool)
	for _, p := range DefaultPatterns() {
		names[p.Name] = true
		assert.NotEmpty(t, p.Message, p.Name)
		assert.NotEmpty(t, p.Signatures, p.Name)
	}
	for _, want := range []string{"selfdestruct", "delegatecall", "mint", "burn", "blacklist", "pause", "transferOwnership"} {
		assert.True(t, names[want], want)
	}
}
