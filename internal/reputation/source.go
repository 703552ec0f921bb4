package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const etherscanUnverified = "Contract source code not verified"

// EtherscanClient asks an Etherscan-style explorer whether a contract has published source.
type EtherscanClient struct {
	client *Client
	apiKey string
}

func NewEtherscanClient(baseURL, apiKey string, opts ...Option) *EtherscanClient {
	return &EtherscanClient{client: NewClient(baseURL, opts...), apiKey: apiKey}
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// IsVerified calls module=contract&action=getabi. A published ABI means verified source.
func (e *EtherscanClient) IsVerified(ctx context.Context, chainID uint64, addr common.Address) (bool, error) {
	query := url.Values{}
	query.Set("chainid", strconv.FormatUint(chainID, 10))
	query.Set("module", "contract")
	query.Set("action", "getabi")
	query.Set("address", addr.Hex())
	if e.apiKey != "" {
		query.Set("apikey", e.apiKey)
	}

	var resp etherscanResponse
	if err := e.client.getJSON(ctx, "", query, &resp); err != nil {
		return false, err
	}
	var result string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return false, fmt.Errorf("etherscan: decode result: %w", err)
	}
	if strings.Contains(result, etherscanUnverified) {
		return false, nil
	}
	if resp.Status != "1" {
		return false, fmt.Errorf("etherscan: %s: %s", resp.Message, result)
	}
	return true, nil
}

// SourcifyClient queries the Sourcify check-by-addresses endpoint.
type SourcifyClient struct {
	client *Client
}

func NewSourcifyClient(baseURL string, opts ...Option) *SourcifyClient {
	return &SourcifyClient{client: NewClient(baseURL, opts...)}
}

type sourcifyMatch struct {
	Address  string `json:"address"`
	Status   string `json:"status"`
	ChainIDs []struct {
		ChainID string `json:"chainId"`
		Status  string `json:"status"`
	} `json:"chainIds"`
}

// IsVerified reports a perfect (full) match only.
func (s *SourcifyClient) IsVerified(ctx context.Context, chainID uint64, addr common.Address) (bool, error) {
	query := url.Values{}
	query.Set("addresses", addr.Hex())
	query.Set("chainIds", strconv.FormatUint(chainID, 10))

	var matches []sourcifyMatch
	if err := s.client.getJSON(ctx, "/check-by-addresses", query, &matches); err != nil {
		return false, err
	}
	chain := strconv.FormatUint(chainID, 10)
	for _, m := range matches {
		if !strings.EqualFold(m.Address, addr.Hex()) {
			continue
		}
		if m.Status == "perfect" {
			return true, nil
		}
		for _, c := range m.ChainIDs {
			if c.ChainID == chain && c.Status == "perfect" {
				return true, nil
			}
		}
	}
	return false, nil
}

// SourceChecker is one source-verification backend.
type SourceChecker interface {
	IsVerified(ctx context.Context, chainID uint64, addr common.Address) (bool, error)
}

// AnySource asks each backend in order and stops at the first that knows the
// source. It fails only when no backend answered at all.
type AnySource []SourceChecker

func (a AnySource) IsVerified(ctx context.Context, chainID uint64, addr common.Address) (bool, error) {
	var errs []error
	answered := false
	for _, src := range a {
		if src == nil {
			continue
		}
		ok, err := src.IsVerified(ctx, chainID, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
		answered = true
	}
	if answered || len(errs) == 0 {
		return false, nil
	}
	return false, errors.Join(errs...)
}
