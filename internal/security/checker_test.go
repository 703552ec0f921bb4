package security_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapguard/internal/dex"
	"swapguard/internal/dex/dextest"
	"swapguard/internal/gateway"
	"swapguard/internal/model"
	"swapguard/internal/observability"
	"swapguard/internal/security"
)

var (
	token = common.HexToAddress("0x3000000000000000000000000000000000000003")
	other = common.HexToAddress("0x4000000000000000000000000000000000000004")
	impl  = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

type fixture struct {
	w   *dextest.World
	gw  *gateway.Gateway
	reg *dex.Registry
}

// newFixture returns a world whose last ten blocks are empty.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := dextest.NewWorld()
	gw := gateway.New(w.Backend, gateway.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, observability.Nop())
	reg, err := dex.NewRegistry(gw, w.Contracts, time.Minute, nil, observability.Nop())
	require.NoError(t, err)
	for n := int64(1); n <= 10; n++ {
		w.Backend.AddBlock(types.NewBlockWithHeader(&types.Header{Number: big.NewInt(n)}))
	}
	return &fixture{w: w, gw: gw, reg: reg}
}

func (f *fixture) checker(cfg security.Config, rep security.Reputation) *security.Checker {
	analyzer := security.NewActivityAnalyzer(f.gw, security.DefaultActivityBlocks, observability.Nop())
	return security.NewChecker(f.reg, analyzer, rep, cfg, observability.Nop())
}

func (f *fixture) addToken(addr common.Address) {
	f.w.AddToken(dextest.Token{Address: addr, Symbol: "TKN", Name: "Token", Decimals: 18})
}

// addActivity mines a block holding one call to `to` with the given signature.
func (f *fixture) addActivity(to common.Address, signature string, status uint64) {
	tx := types.NewTx(&types.LegacyTx{
		To:       &to,
		Data:     crypto.Keccak256([]byte(signature))[:4],
		Gas:      60_000,
		GasPrice: big.NewInt(1),
	})
	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(11)}).WithBody([]*types.Transaction{tx}, nil)
	f.w.Backend.AddBlock(block)
	f.w.Backend.AddReceipt(&types.Receipt{TxHash: tx.Hash(), Status: status})
}

func withSelfdestruct() []byte {
	return append(append([]byte{}, dextest.Code...), []byte("selfdestruct")...)
}

type fakeReputation struct {
	flagged bool
	err     error
	calls   int
}

func (r *fakeReputation) IsBlacklisted(context.Context, uint64, common.Address) (bool, error) {
	r.calls++
	return r.flagged, r.err
}

type fakeSources struct {
	verified map[common.Address]bool
	err      error
	asked    []common.Address
	chainIDs []uint64
}

func (s *fakeSources) IsVerified(_ context.Context, chainID uint64, addr common.Address) (bool, error) {
	s.asked = append(s.asked, addr)
	s.chainIDs = append(s.chainIDs, chainID)
	return s.verified[addr], s.err
}

func TestVerifyWellFormedToken(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.Equal(t, model.Verified(), verdict)
}

func TestVerifyRejectsEmptyCodeAndCachesVerdict(t *testing.T) {
	f := newFixture(t)
	checker := f.checker(security.DefaultConfig(), nil)

	verdict := checker.Verify(context.Background(), token)
	assert.False(t, verdict.OK)
	assert.Equal(t, security.ReasonNoCode, verdict.Reason)

	before := f.w.Backend.Count("CodeAt")
	again := checker.Verify(context.Background(), token)
	assert.Equal(t, verdict, again)
	assert.Equal(t, before, f.w.Backend.Count("CodeAt"))
	assert.Equal(t, 1, before)
}

func TestVerifyCodeErrorBecomesReason(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.Errors["CodeAt"] = errors.New("connection refused")

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.False(t, verdict.OK)
	assert.True(t, strings.HasPrefix(verdict.Reason, "Verification error: "), verdict.Reason)
}

func TestVerifyPatternWithoutActivityIsVerified(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetCode(token, withSelfdestruct())

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.True(t, verdict.OK)
	assert.Empty(t, verdict.Reason)
}

func TestVerifyPatternConfirmedByActivity(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetCode(token, withSelfdestruct())
	f.addActivity(token, "destroy()", types.ReceiptStatusSuccessful)

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.False(t, verdict.OK)
	assert.Equal(t, "Malicious pattern detected: Potential self-destruct functionality", verdict.Reason)
}

func TestVerifyIgnoresRevertedPrivilegedCall(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetCode(token, withSelfdestruct())
	f.addActivity(token, "destroy()", types.ReceiptStatusFailed)

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.True(t, verdict.OK)
}

func TestVerifyPatternFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetCode(token, withSelfdestruct())
	f.w.Backend.Errors["BlockByNumber"] = errors.New("connection refused")

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.False(t, verdict.OK)
	assert.Equal(t, "Malicious pattern detected: Potential self-destruct functionality", verdict.Reason)
}

func TestVerifyFollowsEIP1967Proxy(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetStorage(token, security.ImplementationSlot, common.BytesToHash(impl.Bytes()))
	f.w.Backend.SetCode(impl, dextest.Code)

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.True(t, verdict.OK)
	assert.Equal(t, 2, f.w.Backend.Count("CodeAt"))
}

func TestVerifyScansImplementationNotProxy(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetStorage(token, security.ImplementationSlot, common.BytesToHash(impl.Bytes()))
	f.w.Backend.SetCode(impl, withSelfdestruct())
	f.addActivity(token, "kill()", types.ReceiptStatusSuccessful)

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.False(t, verdict.OK)
	assert.Equal(t, "Malicious pattern detected: Potential self-destruct functionality", verdict.Reason)
}

func TestVerifyMinimalProxyWithoutImplementationCode(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	code := common.FromHex("0x363d3d373d3d3d363d73")
	code = append(code, impl.Bytes()...)
	code = append(code, common.FromHex("0x5af43d82803e903d91602b57fd5bf3")...)
	f.w.Backend.SetCode(token, code)

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.Equal(t, model.Rejected(security.ReasonNoCode), verdict)

	f2 := newFixture(t)
	f2.addToken(token)
	f2.w.Backend.SetCode(token, code)
	f2.w.Backend.SetCode(impl, dextest.Code)
	assert.True(t, f2.checker(security.DefaultConfig(), nil).Verify(context.Background(), token).OK)
}

func TestVerifyUnresolvableTransparentProxy(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetCode(token, common.FromHex("0x5c608060405260043610"))

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.Equal(t, model.Rejected(security.ReasonProxy), verdict)
}

func TestVerifyLegacyProxySlot(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetCode(token, common.FromHex("0x5c608060405260043610"))
	f.w.Backend.SetStorage(token, security.LegacyImplementationSlot, common.BytesToHash(impl.Bytes()))
	f.w.Backend.SetCode(impl, dextest.Code)

	assert.True(t, f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token).OK)
}

func TestVerifyProxyCycleIsBounded(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetStorage(token, security.ImplementationSlot, common.BytesToHash(token.Bytes()))

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.Equal(t, model.Rejected(security.ReasonProxy), verdict)
	assert.Equal(t, 4, f.w.Backend.Count("CodeAt"))
}

func TestVerifyMetadataNodeFailureIsVerificationError(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.HandleMethod(token, f.w.ABIs.ERC20, "symbol", func([]interface{}) ([]interface{}, error) {
		return nil, errors.New("connection refused")
	})

	verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
	assert.False(t, verdict.OK)
	assert.True(t, strings.HasPrefix(verdict.Reason, "Verification error: "), verdict.Reason)
	assert.Contains(t, verdict.Reason, "connection refused")
}

func TestVerifyRejectsBadMetadata(t *testing.T) {
	cases := map[string]dextest.Token{
		"decimals": {Address: token, Symbol: "TKN", Decimals: 24},
		"supply":   {Address: token, Symbol: "TKN", Decimals: 18, Supply: big.NewInt(0)},
		"symbol":   {Address: token, Decimals: 18},
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.w.AddToken(tok)
			verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
			assert.Equal(t, model.Rejected(security.ReasonMetadata), verdict)
		})
	}
}

func TestVerifyTransferProbe(t *testing.T) {
	t.Run("balance revert accepted", func(t *testing.T) {
		f := newFixture(t)
		f.addToken(token)
		f.w.Backend.HandleMethod(token, f.w.ABIs.ERC20, "transfer", func([]interface{}) ([]interface{}, error) {
			return nil, errors.New("execution reverted: ERC20: transfer amount exceeds balance")
		})
		assert.True(t, f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token).OK)
	})
	t.Run("other revert rejected", func(t *testing.T) {
		f := newFixture(t)
		f.addToken(token)
		f.w.Backend.HandleMethod(token, f.w.ABIs.ERC20, "transfer", func([]interface{}) ([]interface{}, error) {
			return nil, errors.New("execution reverted: trading not enabled")
		})
		verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
		assert.Equal(t, model.Rejected(security.ReasonTransfer), verdict)
	})
	t.Run("false rejected", func(t *testing.T) {
		f := newFixture(t)
		f.addToken(token)
		f.w.Backend.Returns(token, f.w.ABIs.ERC20, "transfer", false)
		verdict := f.checker(security.DefaultConfig(), nil).Verify(context.Background(), token)
		assert.Equal(t, model.Rejected(security.ReasonTransfer), verdict)
	})
	t.Run("probe disabled", func(t *testing.T) {
		f := newFixture(t)
		f.addToken(token)
		f.w.Backend.Returns(token, f.w.ABIs.ERC20, "transfer", false)
		cfg := security.DefaultConfig()
		cfg.TransferProbe = false
		assert.True(t, f.checker(cfg, nil).Verify(context.Background(), token).OK)
	})
}

func TestVerifyDenylist(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	cfg := security.DefaultConfig()
	cfg.Denylist = []common.Address{token}
	rep := &fakeReputation{}

	verdict := f.checker(cfg, rep).Verify(context.Background(), token)
	assert.Equal(t, model.Rejected(security.ReasonBlacklisted), verdict)
	assert.Zero(t, rep.calls)
}

func TestVerifyReputation(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.addToken(other)

	flagged := &fakeReputation{flagged: true}
	assert.Equal(t, model.Rejected(security.ReasonBlacklisted), f.checker(security.DefaultConfig(), flagged).Verify(context.Background(), token))

	failing := &fakeReputation{err: errors.New("http 503")}
	verdict := f.checker(security.DefaultConfig(), failing).Verify(context.Background(), other)
	assert.True(t, verdict.OK)
	assert.Equal(t, 1, failing.calls)
}

func TestVerifyRequiresVerifiedSource(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.addToken(other)
	sources := &fakeSources{verified: map[common.Address]bool{other: true}}
	analyzer := security.NewActivityAnalyzer(f.gw, security.DefaultActivityBlocks, observability.Nop())
	checker := security.NewChecker(f.reg, analyzer, nil, security.DefaultConfig(), observability.Nop(), security.WithSourceVerifier(sources))

	assert.Equal(t, model.Rejected(security.ReasonUnverified), checker.Verify(context.Background(), token))
	assert.True(t, checker.Verify(context.Background(), other).OK)
	assert.Equal(t, []common.Address{token, other}, sources.asked)
	assert.Equal(t, []uint64{1, 1}, sources.chainIDs)
}

func TestVerifySourceOfProxyImplementation(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	f.w.Backend.SetStorage(token, security.ImplementationSlot, common.BytesToHash(impl.Bytes()))
	f.w.Backend.SetCode(impl, dextest.Code)
	sources := &fakeSources{verified: map[common.Address]bool{impl: true}}
	analyzer := security.NewActivityAnalyzer(f.gw, security.DefaultActivityBlocks, observability.Nop())
	checker := security.NewChecker(f.reg, analyzer, nil, security.DefaultConfig(), observability.Nop(), security.WithSourceVerifier(sources))

	assert.True(t, checker.Verify(context.Background(), token).OK)
	assert.Equal(t, []common.Address{impl}, sources.asked)
}

func TestVerifySourceLookupFailureIsUnverified(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	sources := &fakeSources{verified: map[common.Address]bool{token: true}, err: errors.New("http 503")}
	analyzer := security.NewActivityAnalyzer(f.gw, security.DefaultActivityBlocks, observability.Nop())
	checker := security.NewChecker(f.reg, analyzer, nil, security.DefaultConfig(), observability.Nop(), security.WithSourceVerifier(sources))

	assert.Equal(t, model.Rejected(security.ReasonUnverified), checker.Verify(context.Background(), token))
}

func TestVerifyCancelledIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	checker := f.checker(security.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Verify(ctx, token)
	before := f.w.Backend.Count("CodeAt")

	verdict := checker.Verify(context.Background(), token)
	assert.True(t, verdict.OK)
	assert.Greater(t, f.w.Backend.Count("CodeAt"), before)
}

func TestVerifyAllStopsAtFirstRejection(t *testing.T) {
	f := newFixture(t)
	f.addToken(token)
	checker := f.checker(security.DefaultConfig(), nil)

	bad, verdict := checker.VerifyAll(context.Background(), token, other)
	assert.Equal(t, other, bad)
	assert.Equal(t, security.ReasonNoCode, verdict.Reason)

	_, verdict = checker.VerifyAll(context.Background(), token)
	assert.True(t, verdict.OK)
}
