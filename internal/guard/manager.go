// Package guard runs the pre-trade checks that gate a swap.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"swapguard/internal/dex"
	"swapguard/internal/gateway"
	"swapguard/internal/model"
	"swapguard/internal/observability"
	"swapguard/internal/quote"
	"swapguard/internal/storage"
)

const (
	ReasonSuccess    = "Validation successful"
	ReasonUnverified = "Unverified tokens detected"
)

// Validation stages, used as metric labels.
const (
	StageParams     = "params"
	StageTokens     = "tokens"
	StageLiquidity  = "liquidity"
	StageImpact     = "price_impact"
	StageSimulation = "simulation"
	StageMEV        = "mev"
	StageNone       = "none"
)

// Verifier checks tokens and returns the first rejection.
type Verifier interface {
	VerifyAll(ctx context.Context, tokens ...common.Address) (common.Address, model.Verdict)
}

// RiskDetector reports MEV exposure of a route.
type RiskDetector interface {
	Check(ctx context.Context, level model.SecurityLevel, route model.SwapRoute) (string, bool, error)
}

// Manager validates swaps before they are sent.
type Manager struct {
	registry *dex.Registry
	verifier Verifier
	detector RiskDetector
	sink     storage.AuditSink
	now      func() time.Time
	obs      *observability.Observer
}

// Option configures Manager.
type Option func(*Manager)

// WithSinks sets where audit records go.
func WithSinks(sinks ...storage.AuditSink) Option {
	return func(m *Manager) {
		m.sink = storage.Fanout(sinks)
	}
}

// WithClock overrides the time source used for deadlines and audit stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(registry *dex.Registry, verifier Verifier, detector RiskDetector, obs *observability.Observer, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		verifier: verifier,
		detector: detector,
		now:      time.Now,
		obs:      obs.Named("guard"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate runs the checks in order and stops at the first failure.
func (m *Manager) Validate(ctx context.Context, params model.SwapParams, route model.SwapRoute, pool model.PoolInfo) (bool, string) {
	stage, reason := m.validate(ctx, params, route, pool)
	ok := stage == StageNone

	result := "pass"
	if !ok {
		result = "fail"
		m.obs.Logger.Info("swap rejected",
			zap.String("stage", stage),
			zap.String("reason", reason),
			zap.String("token_in", params.TokenIn.Hex()),
			zap.String("token_out", params.TokenOut.Hex()),
		)
	}
	m.obs.Metrics.ValidationResults.WithLabelValues(result, stage).Inc()

	if m.sink != nil {
		m.Audit(ctx, m.validationRecord(ctx, params, route, ok, reason))
	}
	return ok, reason
}

func (m *Manager) validate(ctx context.Context, params model.SwapParams, route model.SwapRoute, pool model.PoolInfo) (string, string) {
	if err := params.Validate(); err != nil {
		return StageParams, err.Error()
	}
	if err := route.Validate(); err != nil {
		return StageParams, err.Error()
	}
	if err := params.MatchesRoute(route); err != nil {
		return StageParams, err.Error()
	}
	security := params.Security

	if security.CheckVerifiedTokens && m.verifier != nil {
		if token, verdict := m.verifier.VerifyAll(ctx, route.Path...); !verdict.OK {
			m.obs.Logger.Info("token failed verification", zap.String("token", token.Hex()), zap.String("reason", verdict.Reason))
			return StageTokens, ReasonUnverified
		}
	}

	if pool.TVLUSD == nil {
		m.obs.Logger.Warn("pool tvl unknown, skipping liquidity floor", zap.String("pool", pool.Address.Hex()))
	} else if pool.TVLUSD.LessThan(security.MinLiquidityUSD) {
		return StageLiquidity, fmt.Sprintf("Insufficient liquidity: %s USD", pool.TVLUSD.String())
	}

	if route.PriceImpact.GreaterThan(security.MaxPriceImpact) {
		return StageImpact, fmt.Sprintf("Price impact too high: %s", route.PriceImpact.String())
	}

	if security.SimulateTransaction {
		if reason, ok := m.simulate(ctx, params, route, pool); !ok {
			return StageSimulation, fmt.Sprintf("Transaction simulation failed: %s", reason)
		}
	}

	if security.Level.AtLeast(model.SecurityMedium) && m.detector != nil {
		reason, found, err := m.detector.Check(ctx, security.Level, route)
		switch {
		case err != nil:
			m.obs.Logger.Warn("mev check failed", zap.Error(err))
		case found:
			return StageMEV, fmt.Sprintf("High MEV risk detected: %s", reason)
		}
	}

	return StageNone, ReasonSuccess
}

// simulate dry-runs the router call from the swapper's address.
func (m *Manager) simulate(ctx context.Context, params model.SwapParams, route model.SwapRoute, pool model.PoolInfo) (string, bool) {
	tokenIn, err := m.registry.Token(ctx, params.TokenIn)
	if err != nil {
		return err.Error(), false
	}
	tokenOut, err := m.registry.Token(ctx, params.TokenOut)
	if err != nil {
		return err.Error(), false
	}
	amountIn, err := quote.ToBaseUnits(params.AmountIn, tokenIn.Decimals)
	if err != nil {
		return err.Error(), false
	}
	minOut, err := quote.ToBaseUnits(quote.MinimumOutput(route.OutputAmount, params.SlippageTolerance), tokenOut.Decimals)
	if err != nil {
		return err.Error(), false
	}

	protocol := pool.Protocol
	if protocol == "" {
		protocol = model.ProtocolV3
	}
	recipient := params.Recipient
	if recipient == (common.Address{}) {
		recipient = params.Swapper
	}
	router, data, err := m.registry.EncodeSwap(dex.SwapRequest{
		Protocol:     protocol,
		Path:         route.Path,
		Fees:         route.Fees,
		AmountIn:     amountIn,
		AmountOutMin: minOut,
		Recipient:    recipient,
		Deadline:     m.now().Add(time.Duration(params.DeadlineMinutes) * time.Minute),
	})
	if err != nil {
		return err.Error(), false
	}

	msg := ethereum.CallMsg{From: params.Swapper, To: &router, Data: data}
	if gas := params.Gas; gas != nil {
		msg.Gas = gas.GasLimit
		msg.GasFeeCap = gas.MaxFeePerGas
		msg.GasTipCap = gas.MaxPriorityFeePerGas
	}
	if _, err := m.registry.Gateway().CallRaw(ctx, msg); err != nil {
		m.obs.Logger.Debug("simulation reverted", zap.String("router", router.Hex()), zap.Error(err))
		if gateway.KindOf(err) == gateway.KindExecution {
			return gateway.DecodeRevert(err), false
		}
		return err.Error(), false
	}
	return "", true
}

// Audit sends records to the configured sinks. Sink failures are logged.
func (m *Manager) Audit(ctx context.Context, records ...model.AuditRecord) {
	if m.sink == nil || len(records) == 0 {
		return
	}
	if err := m.sink.PutAuditBatch(ctx, records); err != nil {
		m.obs.Logger.Warn("audit write failed", zap.Int("records", len(records)), zap.Error(err))
	}
}

// VerdictRecord builds the audit record of a token verdict.
func (m *Manager) VerdictRecord(ctx context.Context, token common.Address, verdict model.Verdict) model.AuditRecord {
	return model.AuditRecord{
		Kind:      model.AuditKindVerify,
		ChainID:   m.chainID(ctx),
		Subject:   token.Hex(),
		OK:        verdict.OK,
		Reason:    verdict.Reason,
		CheckedAt: m.now().UTC().Format(time.RFC3339),
	}
}

func (m *Manager) validationRecord(ctx context.Context, params model.SwapParams, route model.SwapRoute, ok bool, reason string) model.AuditRecord {
	path := make([]string, len(route.Path))
	for i, token := range route.Path {
		path[i] = token.Hex()
	}
	return model.AuditRecord{
		Kind:      model.AuditKindValidate,
		ChainID:   m.chainID(ctx),
		Subject:   params.Swapper.Hex(),
		Path:      path,
		Level:     string(params.Security.Level),
		OK:        ok,
		Reason:    reason,
		CheckedAt: m.now().UTC().Format(time.RFC3339),
	}
}

func (m *Manager) chainID(ctx context.Context) uint64 {
	id, err := m.registry.Gateway().ChainID(ctx)
	if err != nil {
		return 0
	}
	return id
}
