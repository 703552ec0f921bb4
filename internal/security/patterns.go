// Package security decides whether an ERC20 token is safe to trade.
package security

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// opPush4 precedes a literal function selector in dispatcher code.
const opPush4 = "63"

// Pattern is a suspicious capability recognised in runtime bytecode.
type Pattern struct {
	Name    string
	Message string
	// Signatures are the privileged functions that exercise the capability.
	Signatures []string

	keyword   string
	selectors [][]byte
}

// NewPattern builds a pattern matching the ASCII keyword or a PUSH4 of any signature's selector.
func NewPattern(name, message string, signatures ...string) Pattern {
	p := Pattern{
		Name:       name,
		Message:    message,
		Signatures: signatures,
		keyword:    hex.EncodeToString([]byte(name)),
	}
	for _, sig := range signatures {
		p.selectors = append(p.selectors, crypto.Keccak256([]byte(sig))[:4])
	}
	return p
}

// Matches reports whether the hex-encoded bytecode contains the pattern.
func (p Pattern) Matches(codeHex string) bool {
	codeHex = strings.ToLower(codeHex)
	if p.keyword != "" && strings.Contains(codeHex, p.keyword) {
		return true
	}
	for _, sel := range p.selectors {
		if strings.Contains(codeHex, opPush4+hex.EncodeToString(sel)) {
			return true
		}
	}
	return false
}

// Privileged reports whether selector calls one of the pattern's functions.
func (p Pattern) Privileged(selector []byte) bool {
	if len(selector) < 4 {
		return false
	}
	for _, sel := range p.selectors {
		if bytes.Equal(sel, selector[:4]) {
			return true
		}
	}
	return false
}

// DefaultPatterns returns the built-in capability list.
func DefaultPatterns() []Pattern {
	return []Pattern{
		NewPattern("selfdestruct", "Potential self-destruct functionality", "destroy()", "kill()"),
		NewPattern("delegatecall", "Dangerous delegatecall usage", "upgradeTo(address)", "upgradeToAndCall(address,bytes)"),
		NewPattern("mint", "Privileged minting capability", "mint(address,uint256)", "mint(uint256)"),
		NewPattern("burn", "Privileged burn capability", "burn(address,uint256)", "burnFrom(address,uint256)"),
		NewPattern("blacklist", "Address blacklisting capability", "blacklist(address)", "addBlackList(address)", "setBlacklist(address,bool)"),
		NewPattern("pause", "Transfer pause capability", "pause()"),
		NewPattern("transferOwnership", "Suspicious owner transfer", "transferOwnership(address)"),
	}
}
