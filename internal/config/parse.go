package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses parses hex addresses, skipping blanks and repeats while keeping input order.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	seen := make(map[common.Address]struct{}, len(inputs))
	out := make([]common.Address, 0, len(inputs))
	for i, raw := range inputs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address #%d: %q", i, raw)
		}
		addr := common.HexToAddress(raw)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
