package security

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"swapguard/internal/dex"
	"swapguard/internal/gateway"
	"swapguard/internal/model"
	"swapguard/internal/observability"
)

// Rejection reasons.
const (
	ReasonNoCode        = "No contract code found"
	ReasonProxy         = "Unable to verify proxy implementation"
	ReasonMetadata      = "Invalid token metadata"
	ReasonTransfer      = "Transfer functionality check failed"
	ReasonBlacklisted   = "Token is blacklisted"
	ReasonUnverified    = "Contract not verified"
	reasonPatternPrefix = "Malicious pattern detected: "
	reasonErrorPrefix   = "Verification error: "
)

// MaxTokenDecimals is the largest decimals value accepted as well-formed.
const MaxTokenDecimals = 18

var (
	minimalProxyPrefix     = common.FromHex("0x363d3d373d3d3d363d73")
	transparentProxyPrefix = common.FromHex("0x5c60806040")

	// ImplementationSlot is the EIP-1967 implementation slot.
	ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	// LegacyImplementationSlot is the pre-1967 OpenZeppelin slot.
	LegacyImplementationSlot = crypto.Keccak256Hash([]byte("org.zeppelinos.proxy.implementation"))

	probeRecipient    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	acceptableReverts = []string{"insufficient", "balance", "allowance"}
)

// Reputation looks a token up in a third-party security database.
type Reputation interface {
	IsBlacklisted(ctx context.Context, chainID uint64, token common.Address) (bool, error)
}

// SourceVerifier reports whether a contract's source is published and matched.
type SourceVerifier interface {
	IsVerified(ctx context.Context, chainID uint64, addr common.Address) (bool, error)
}

// Option configures optional checker stages.
type Option func(*Checker)

// WithSourceVerifier requires the resolved implementation to have verified source.
func WithSourceVerifier(v SourceVerifier) Option {
	return func(c *Checker) { c.sources = v }
}

// Config tunes the checker.
type Config struct {
	Denylist      []common.Address
	TransferProbe bool
	MaxProxyDepth int
	Patterns      []Pattern
}

func DefaultConfig() Config {
	return Config{
		TransferProbe: true,
		MaxProxyDepth: 3,
		Patterns:      DefaultPatterns(),
	}
}

// Checker verifies tokens and remembers verdicts for its lifetime.
type Checker struct {
	registry   *dex.Registry
	gw         *gateway.Gateway
	analyzer   ContextAnalyzer
	reputation Reputation
	sources    SourceVerifier
	cfg        Config
	denylist   map[common.Address]struct{}
	obs        *observability.Observer

	mu       sync.RWMutex
	verdicts map[common.Address]model.Verdict
}

// NewChecker builds a checker. A nil analyzer confirms every pattern match and
// a nil reputation skips the external lookup.
func NewChecker(registry *dex.Registry, analyzer ContextAnalyzer, reputation Reputation, cfg Config, obs *observability.Observer, opts ...Option) *Checker {
	if cfg.MaxProxyDepth <= 0 {
		cfg.MaxProxyDepth = DefaultConfig().MaxProxyDepth
	}
	if cfg.Patterns == nil {
		cfg.Patterns = DefaultPatterns()
	}
	denylist := make(map[common.Address]struct{}, len(cfg.Denylist))
	for _, addr := range cfg.Denylist {
		denylist[addr] = struct{}{}
	}
	c := &Checker{
		registry:   registry,
		gw:         registry.Gateway(),
		analyzer:   analyzer,
		reputation: reputation,
		cfg:        cfg,
		denylist:   denylist,
		obs:        obs.Named("security"),
		verdicts:   make(map[common.Address]model.Verdict),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify returns the verdict for token. It never fails: every error becomes
// a rejection reason.
func (c *Checker) Verify(ctx context.Context, token common.Address) model.Verdict {
	c.mu.RLock()
	verdict, ok := c.verdicts[token]
	c.mu.RUnlock()
	if ok {
		return verdict
	}

	verdict = c.verify(ctx, token)
	if ctx.Err() == nil {
		c.mu.Lock()
		c.verdicts[token] = verdict
		c.mu.Unlock()
	}

	result := "verified"
	if !verdict.OK {
		result = "rejected"
		c.obs.Logger.Info("token rejected", zap.String("token", token.Hex()), zap.String("reason", verdict.Reason))
	}
	c.obs.Metrics.TokenVerdicts.WithLabelValues(result).Inc()
	return verdict
}

// VerifyAll checks tokens in order and returns the first rejection.
func (c *Checker) VerifyAll(ctx context.Context, tokens ...common.Address) (common.Address, model.Verdict) {
	for _, token := range tokens {
		if verdict := c.Verify(ctx, token); !verdict.OK {
			return token, verdict
		}
	}
	return common.Address{}, model.Verified()
}

// Forget drops a cached verdict.
func (c *Checker) Forget(token common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.verdicts, token)
}

func (c *Checker) verify(ctx context.Context, token common.Address) model.Verdict {
	if verdict, ok := c.inspectCode(ctx, token); !ok {
		return verdict
	}
	if ok, err := c.metadataValid(ctx, token); err != nil {
		return model.Rejected(reasonErrorPrefix + err.Error())
	} else if !ok {
		return model.Rejected(ReasonMetadata)
	}
	if c.cfg.TransferProbe && !c.transferWorks(ctx, token) {
		return model.Rejected(ReasonTransfer)
	}
	if c.blacklisted(ctx, token) {
		return model.Rejected(ReasonBlacklisted)
	}
	return model.Verified()
}

// inspectCode follows proxies to the implementation and scans its bytecode.
func (c *Checker) inspectCode(ctx context.Context, token common.Address) (model.Verdict, bool) {
	addr := token
	targets := []common.Address{token}
	for depth := 0; ; depth++ {
		code, err := c.gw.Code(ctx, addr)
		if err != nil {
			return model.Rejected(reasonErrorPrefix + err.Error()), false
		}
		if len(code) == 0 {
			return model.Rejected(ReasonNoCode), false
		}

		impl, isProxy, err := c.implementation(ctx, addr, code)
		if err != nil {
			return model.Rejected(reasonErrorPrefix + err.Error()), false
		}
		if isProxy {
			if impl == (common.Address{}) || depth >= c.cfg.MaxProxyDepth {
				return model.Rejected(ReasonProxy), false
			}
			c.obs.Logger.Debug("proxy resolved",
				zap.String("proxy", addr.Hex()),
				zap.String("implementation", impl.Hex()),
			)
			addr = impl
			targets = append(targets, impl)
			continue
		}

		if verdict, ok := c.sourceVerified(ctx, addr); !ok {
			return verdict, false
		}
		if message, found := c.scanPatterns(ctx, targets, code); found {
			return model.Rejected(reasonPatternPrefix + message), false
		}
		return model.Verified(), true
	}
}

// sourceVerified asks the source verifier about the resolved implementation.
// Lookup failures count as unverified.
func (c *Checker) sourceVerified(ctx context.Context, addr common.Address) (model.Verdict, bool) {
	if c.sources == nil {
		return model.Verified(), true
	}
	chainID, err := c.gw.ChainID(ctx)
	if err != nil {
		return model.Rejected(reasonErrorPrefix + err.Error()), false
	}
	ok, err := c.sources.IsVerified(ctx, chainID, addr)
	if err != nil {
		c.obs.Metrics.ReputationErrors.Inc()
		c.obs.Logger.Warn("source verification lookup failed", zap.String("address", addr.Hex()), zap.Error(err))
	}
	if err != nil || !ok {
		return model.Rejected(ReasonUnverified), false
	}
	return model.Verified(), true
}

// implementation detects a proxy and returns its implementation, which is the
// zero address when the proxy cannot be resolved.
func (c *Checker) implementation(ctx context.Context, addr common.Address, code []byte) (common.Address, bool, error) {
	if i := bytes.Index(code, minimalProxyPrefix); i >= 0 {
		start := i + len(minimalProxyPrefix)
		if len(code) < start+common.AddressLength {
			return common.Address{}, true, nil
		}
		return common.BytesToAddress(code[start : start+common.AddressLength]), true, nil
	}

	slot, err := c.gw.Storage(ctx, addr, ImplementationSlot)
	if err != nil {
		return common.Address{}, false, err
	}
	if slot != (common.Hash{}) {
		return common.BytesToAddress(slot.Bytes()), true, nil
	}
	if !bytes.Contains(code, transparentProxyPrefix) {
		return common.Address{}, false, nil
	}

	legacy, err := c.gw.Storage(ctx, addr, LegacyImplementationSlot)
	if err != nil {
		return common.Address{}, true, err
	}
	return common.BytesToAddress(legacy.Bytes()), true, nil
}

func (c *Checker) scanPatterns(ctx context.Context, targets []common.Address, code []byte) (string, bool) {
	codeHex := hex.EncodeToString(code)
	for _, pattern := range c.cfg.Patterns {
		if !pattern.Matches(codeHex) {
			continue
		}
		confirmed := true
		if c.analyzer != nil {
			ok, err := c.analyzer.Confirm(ctx, targets, pattern)
			if err != nil {
				c.obs.Logger.Warn("pattern analysis failed",
					zap.String("token", targets[0].Hex()),
					zap.String("pattern", pattern.Name),
					zap.Error(err),
				)
				ok = true
			}
			confirmed = ok
		}
		c.obs.Metrics.PatternMatches.WithLabelValues(pattern.Name, strconv.FormatBool(confirmed)).Inc()
		if confirmed {
			return pattern.Message, true
		}
	}
	return "", false
}

// metadataValid checks name, symbol, decimals, and supply. Only node
// failures are returned as errors; a contract that cannot answer is invalid.
func (c *Checker) metadataValid(ctx context.Context, token common.Address) (bool, error) {
	info, err := c.registry.Token(ctx, token)
	if err != nil {
		if !contractFault(err) {
			return false, err
		}
		c.obs.Logger.Debug("token metadata unavailable", zap.String("token", token.Hex()), zap.Error(err))
		return false, nil
	}
	if info.Name == "" || info.Symbol == "" || info.Decimals > MaxTokenDecimals {
		return false, nil
	}
	supply, err := c.registry.TotalSupply(ctx, token)
	if err != nil {
		if !contractFault(err) {
			return false, err
		}
		c.obs.Logger.Debug("token supply unavailable", zap.String("token", token.Hex()), zap.Error(err))
		return false, nil
	}
	return supply.Sign() > 0, nil
}

func contractFault(err error) bool {
	kind := gateway.KindOf(err)
	return kind == gateway.KindExecution || kind == gateway.KindValidation
}

// transferWorks simulates a zero-value transfer. Tokens that return no data
// are accepted.
func (c *Checker) transferWorks(ctx context.Context, token common.Address) bool {
	data, err := c.registry.ABIs().ERC20.Pack("transfer", probeRecipient, new(big.Int))
	if err != nil {
		return false
	}
	raw, err := c.gw.CallRaw(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		msg := strings.ToLower(gateway.DecodeRevert(err) + " " + err.Error())
		for _, reason := range acceptableReverts {
			if strings.Contains(msg, reason) {
				return true
			}
		}
		c.obs.Logger.Debug("transfer probe failed", zap.String("token", token.Hex()), zap.Error(err))
		return false
	}
	if len(raw) == 0 {
		return true
	}
	values, err := c.registry.ABIs().ERC20.Unpack("transfer", raw)
	if err != nil || len(values) == 0 {
		return false
	}
	ok, _ := values[0].(bool)
	return ok
}

func (c *Checker) blacklisted(ctx context.Context, token common.Address) bool {
	if _, ok := c.denylist[token]; ok {
		return true
	}
	if c.reputation == nil {
		return false
	}
	chainID, err := c.gw.ChainID(ctx)
	if err == nil {
		var flagged bool
		flagged, err = c.reputation.IsBlacklisted(ctx, chainID, token)
		if err == nil {
			return flagged
		}
	}
	c.obs.Metrics.ReputationErrors.Inc()
	c.obs.Logger.Warn("reputation lookup failed", zap.String("token", token.Hex()), zap.Error(err))
	return false
}
