package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SecurityClient queries a GoPlus-style token security endpoint.
type SecurityClient struct {
	client *Client
}

func NewSecurityClient(baseURL string, opts ...Option) *SecurityClient {
	return &SecurityClient{client: NewClient(baseURL, opts...)}
}

type securityResponse struct {
	Code    json.Number     `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// IsBlacklisted reports the endpoint's is_blacklisted flag for token.
func (s *SecurityClient) IsBlacklisted(ctx context.Context, chainID uint64, token common.Address) (bool, error) {
	path := fmt.Sprintf("/token_security/%d/%s", chainID, strings.ToLower(token.Hex()))
	var resp securityResponse
	if err := s.client.getJSON(ctx, path, nil, &resp); err != nil {
		return false, err
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return false, fmt.Errorf("token security: empty result (%s)", resp.Message)
	}

	// Either {"is_blacklisted": ...} or keyed by lower-case address.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &fields); err != nil {
		return false, fmt.Errorf("token security: decode result: %w", err)
	}
	if raw, ok := fields["is_blacklisted"]; ok {
		return parseFlag(raw)
	}
	for key, raw := range fields {
		if !strings.EqualFold(key, token.Hex()) {
			continue
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			return false, fmt.Errorf("token security: decode token entry: %w", err)
		}
		if flag, ok := inner["is_blacklisted"]; ok {
			return parseFlag(flag)
		}
		return false, nil
	}
	return false, fmt.Errorf("token security: no entry for %s", token.Hex())
}

// parseFlag accepts true/false, 0/1, and their quoted forms.
func parseFlag(raw json.RawMessage) (bool, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	switch text {
	case "", "null":
		return false, nil
	}
	if n, err := strconv.Atoi(text); err == nil {
		return n != 0, nil
	}
	flag, err := strconv.ParseBool(text)
	if err != nil {
		return false, fmt.Errorf("token security: bad flag %q", text)
	}
	return flag, nil
}
