package guard_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapguard/internal/dex"
	"swapguard/internal/dex/dextest"
	"swapguard/internal/gateway"
	"swapguard/internal/guard"
	"swapguard/internal/model"
	"swapguard/internal/observability"
)

var (
	tokenA  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenB  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	pair    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	swapper = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type fakeVerifier struct {
	reject common.Address
	calls  int
}

func (v *fakeVerifier) VerifyAll(_ context.Context, tokens ...common.Address) (common.Address, model.Verdict) {
	v.calls++
	for _, token := range tokens {
		if token == v.reject {
			return token, model.Rejected("Token is blacklisted")
		}
	}
	return common.Address{}, model.Verified()
}

type fakeDetector struct {
	reason string
	found  bool
	err    error
	calls  int
}

func (d *fakeDetector) Check(context.Context, model.SecurityLevel, model.SwapRoute) (string, bool, error) {
	d.calls++
	return d.reason, d.found, d.err
}

type memorySink struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

func (s *memorySink) PutAuditBatch(_ context.Context, records []model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

type harness struct {
	w        *dextest.World
	verifier *fakeVerifier
	detector *fakeDetector
	sink     *memorySink
	manager  *guard.Manager
	// simulated records the last router call.
	simulated ethereum.CallMsg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w := dextest.NewWorld()
	w.AddToken(dextest.Token{Address: tokenA, Symbol: "AAA", Decimals: 18})
	w.AddToken(dextest.Token{Address: tokenB, Symbol: "BBB", Decimals: 6})

	gw := gateway.New(w.Backend, gateway.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, observability.Nop())
	reg, err := dex.NewRegistry(gw, w.Contracts, time.Minute, nil, observability.Nop())
	require.NoError(t, err)

	h := &harness{
		w:        w,
		verifier: &fakeVerifier{},
		detector: &fakeDetector{},
		sink:     &memorySink{},
	}
	h.manager = guard.NewManager(reg, h.verifier, h.detector, observability.Nop(),
		guard.WithSinks(h.sink),
		guard.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
	h.scriptRouter(nil)
	return h
}

// scriptRouter answers swapExactTokensForTokens, failing with err when set.
func (h *harness) scriptRouter(err error) {
	method := h.w.ABIs.V2Router.Methods["swapExactTokensForTokens"]
	h.w.Backend.Handle(h.w.Contracts.V2Router, method.ID, func(msg ethereum.CallMsg) ([]byte, error) {
		h.simulated = msg
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack([]*big.Int{big.NewInt(1e18), big.NewInt(990_000)})
	})
}

func params() model.SwapParams {
	return model.SwapParams{
		TokenIn:           tokenA,
		TokenOut:          tokenB,
		AmountIn:          decimal.NewFromInt(1),
		Swapper:           swapper,
		SlippageTolerance: decimal.RequireFromString("0.005"),
		DeadlineMinutes:   20,
		Security:          model.DefaultSecuritySettings(),
	}
}

func swapRoute(impact string) model.SwapRoute {
	return model.SwapRoute{
		Path:          []common.Address{tokenA, tokenB},
		Pools:         []common.Address{pair},
		Fees:          []uint32{model.FeeMedium},
		InputAmount:   decimal.NewFromInt(1),
		OutputAmount:  decimal.RequireFromString("0.99"),
		PriceImpact:   decimal.RequireFromString(impact),
		MinimumOutput: decimal.RequireFromString("0.98505"),
		GasEstimate:   100_000,
	}
}

func pool(tvl string) model.PoolInfo {
	info := model.PoolInfo{Address: pair, Protocol: model.ProtocolV2, Fee: model.FeeMedium}
	if tvl != "" {
		value := decimal.RequireFromString(tvl)
		info.TVLUSD = &value
	}
	return info
}

func TestValidateSuccess(t *testing.T) {
	h := newHarness(t)

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool("250000"))
	assert.True(t, ok)
	assert.Equal(t, guard.ReasonSuccess, reason)

	assert.Equal(t, swapper, h.simulated.From)
	require.NotNil(t, h.simulated.To)
	assert.Equal(t, h.w.Contracts.V2Router, *h.simulated.To)
	assert.Equal(t, 1, h.verifier.calls)
	assert.Equal(t, 1, h.detector.calls)

	require.Len(t, h.sink.records, 1)
	record := h.sink.records[0]
	assert.Equal(t, model.AuditKindValidate, record.Kind)
	assert.True(t, record.OK)
	assert.Equal(t, uint64(1), record.ChainID)
	assert.Equal(t, []string{tokenA.Hex(), tokenB.Hex()}, record.Path)
	assert.Equal(t, "MEDIUM", record.Level)
	assert.Equal(t, "2023-11-14T22:13:20Z", record.CheckedAt)
}

func TestValidatePriceImpactTooHigh(t *testing.T) {
	h := newHarness(t)

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.06"), pool("250000"))
	assert.False(t, ok)
	assert.Equal(t, "Price impact too high: 0.06", reason)
	assert.Zero(t, h.detector.calls)

	require.Len(t, h.sink.records, 1)
	assert.False(t, h.sink.records[0].OK)
	assert.Equal(t, reason, h.sink.records[0].Reason)
}

func TestValidateUnverifiedTokens(t *testing.T) {
	h := newHarness(t)
	h.verifier.reject = tokenB

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool("250000"))
	assert.False(t, ok)
	assert.Equal(t, guard.ReasonUnverified, reason)
}

func TestValidateVerifiesIntermediateTokens(t *testing.T) {
	h := newHarness(t)
	mid := common.HexToAddress("0x4000000000000000000000000000000000000004")
	h.verifier.reject = mid
	p := params()
	p.Security.SimulateTransaction = false

	r := swapRoute("0.01")
	r.Path = []common.Address{tokenA, mid, tokenB}
	r.Pools = []common.Address{pair, common.HexToAddress("0x00000000000000000000000000000000000000a3")}
	r.Fees = []uint32{model.FeeMedium, model.FeeMedium}

	ok, reason := h.manager.Validate(context.Background(), p, r, pool("250000"))
	assert.False(t, ok)
	assert.Equal(t, guard.ReasonUnverified, reason)
	assert.Equal(t, 1, h.verifier.calls)
}

func TestSimulationUsesCallerSlippage(t *testing.T) {
	h := newHarness(t)
	p := params()
	p.SlippageTolerance = decimal.RequireFromString("0.01")

	ok, reason := h.manager.Validate(context.Background(), p, swapRoute("0.01"), pool("250000"))
	require.True(t, ok, reason)

	method := h.w.ABIs.V2Router.Methods["swapExactTokensForTokens"]
	args, err := method.Inputs.Unpack(h.simulated.Data[4:])
	require.NoError(t, err)
	// 0.99 * (1 - 0.01) with 6 decimals
	assert.Equal(t, big.NewInt(980_100), args[1].(*big.Int))
}

func TestValidateSkipsVerificationWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.verifier.reject = tokenB
	p := params()
	p.Security.CheckVerifiedTokens = false

	ok, _ := h.manager.Validate(context.Background(), p, swapRoute("0.01"), pool("250000"))
	assert.True(t, ok)
	assert.Zero(t, h.verifier.calls)
}

func TestValidateLiquidityFloor(t *testing.T) {
	h := newHarness(t)

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool("500"))
	assert.False(t, ok)
	assert.Equal(t, "Insufficient liquidity: 500 USD", reason)

	ok, reason = h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool(""))
	assert.True(t, ok, reason)
}

func TestValidateSimulationRevert(t *testing.T) {
	h := newHarness(t)
	h.scriptRouter(errors.New("execution reverted: UniswapV2Library: INSUFFICIENT_OUTPUT_AMOUNT"))

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool("250000"))
	assert.False(t, ok)
	assert.Equal(t, "Transaction simulation failed: UniswapV2Library: INSUFFICIENT_OUTPUT_AMOUNT", reason)
}

func TestValidateSimulationDisabled(t *testing.T) {
	h := newHarness(t)
	h.scriptRouter(errors.New("execution reverted: STF"))
	p := params()
	p.Security.SimulateTransaction = false

	ok, reason := h.manager.Validate(context.Background(), p, swapRoute("0.01"), pool("250000"))
	assert.True(t, ok, reason)
}

func TestValidateMEV(t *testing.T) {
	h := newHarness(t)
	h.detector.reason, h.detector.found = "Similar transactions detected in mempool", true

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool("250000"))
	assert.False(t, ok)
	assert.Equal(t, "High MEV risk detected: Similar transactions detected in mempool", reason)

	p := params()
	p.Security.Level = model.SecurityLow
	ok, _ = h.manager.Validate(context.Background(), p, swapRoute("0.01"), pool("250000"))
	assert.True(t, ok)
	assert.Equal(t, 1, h.detector.calls)
}

func TestValidateMEVErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.detector.err = errors.New("pending block unavailable")

	ok, reason := h.manager.Validate(context.Background(), params(), swapRoute("0.01"), pool("250000"))
	assert.True(t, ok)
	assert.Equal(t, guard.ReasonSuccess, reason)
}

func TestValidateRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	p := params()
	p.SlippageTolerance = decimal.Zero
	ok, reason := h.manager.Validate(context.Background(), p, swapRoute("0.01"), pool("250000"))
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(reason, "invalid swap parameters"), reason)

	p = params()
	p.TokenOut = common.HexToAddress("0x3000000000000000000000000000000000000003")
	ok, reason = h.manager.Validate(context.Background(), p, swapRoute("0.01"), pool("250000"))
	assert.False(t, ok)
	assert.Contains(t, reason, "token out must match")
	assert.Zero(t, h.verifier.calls)
}

func TestVerdictRecord(t *testing.T) {
	h := newHarness(t)
	record := h.manager.VerdictRecord(context.Background(), tokenA, model.Rejected("Token is blacklisted"))
	assert.Equal(t, model.AuditKindVerify, record.Kind)
	assert.Equal(t, tokenA.Hex(), record.Subject)
	assert.False(t, record.OK)
	assert.Equal(t, "Token is blacklisted", record.Reason)
}
