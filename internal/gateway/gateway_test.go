package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapguard/internal/chain/chaintest"
	"swapguard/internal/observability"
)

const tokenABIJSON = `[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newTestGateway(t *testing.T) (*Gateway, *chaintest.Backend, abi.ABI) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	require.NoError(t, err)
	backend := chaintest.New()
	backend.SetCode(token, []byte{0x60, 0x80})
	backend.Returns(token, parsed, "decimals", uint8(18))
	gw := New(backend, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, observability.Nop())
	return gw, backend, parsed
}

func TestCallSuccess(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)

	out, err := gw.Call(context.Background(), parsed, token, "decimals", nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint8(18), out[0])
	assert.Equal(t, 1, backend.Count("CallContract"))
}

func TestCallRetriesTransientUntilExhausted(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)
	backend.FailNext("CallContract", 10, errors.New("Request Timeout"))

	_, err := gw.Call(context.Background(), parsed, token, "decimals", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, backend.Count("CallContract"))

	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	assert.Equal(t, 3, gErr.Attempts)
	assert.Equal(t, token, gErr.Address)
	assert.Equal(t, "call.decimals", gErr.Op)
}

func TestCallRecoversAfterTransientFailures(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)
	backend.FailNext("CallContract", 2, errors.New("nonce too low"))

	out, err := gw.Call(context.Background(), parsed, token, "decimals", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), out[0])
	assert.Equal(t, 3, backend.Count("CallContract"))
}

func TestCallDoesNotRetryUnknownErrors(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)
	backend.FailNext("CallContract", 10, errors.New("boom"))

	_, err := gw.Call(context.Background(), parsed, token, "decimals", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCall)
	assert.Equal(t, 1, backend.Count("CallContract"))
}

func TestCallRevertIsExecutionError(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)

	_, err := gw.Call(context.Background(), parsed, token, "totalSupply", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractExecution)
	assert.Equal(t, KindExecution, KindOf(err))
	assert.Equal(t, 1, backend.Count("CallContract"))
}

type dataError struct {
	data string
}

func (e *dataError) Error() string          { return "execution reverted" }
func (e *dataError) ErrorData() interface{} { return e.data }

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	body, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, body...)
}

func TestCallDecodesRevertReason(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)
	payload := revertPayload(t, "Pausable: paused")
	backend.Handle(token, parsed.Methods["totalSupply"].ID, func(ethereum.CallMsg) ([]byte, error) {
		return nil, &dataError{data: hexutil.Encode(payload)}
	})

	_, err := gw.Call(context.Background(), parsed, token, "totalSupply", nil, nil)
	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	assert.Equal(t, KindExecution, gErr.Kind)
	assert.Equal(t, "Pausable: paused", gErr.Reason)
}

func TestDecodeRevertFallsBackToMessage(t *testing.T) {
	assert.Equal(t, "STF", DecodeRevert(errors.New("execution reverted: STF")))
	assert.Equal(t, "other", DecodeRevert(errors.New("other")))
	assert.Equal(t, "", DecodeRevert(nil))
}

func TestCallValidationFailureIsNotRetried(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)

	_, err := gw.Call(context.Background(), parsed, token, "decimals", nil, func(values []interface{}) error {
		return errors.New("decimals out of range")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractValidation)
	assert.Contains(t, err.Error(), "decimals out of range")
	assert.Equal(t, 1, backend.Count("CallContract"))
}

func TestCallUndecodableReturnIsValidationError(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)
	backend.Handle(token, parsed.Methods["totalSupply"].ID, func(ethereum.CallMsg) ([]byte, error) {
		return nil, nil
	})

	_, err := gw.Call(context.Background(), parsed, token, "totalSupply", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractValidation)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, 1, backend.Count("CallContract"))
}

func TestCallUnknownMethod(t *testing.T) {
	gw, backend, parsed := newTestGateway(t)

	_, err := gw.Call(context.Background(), parsed, token, "symbol", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCall)
	assert.Equal(t, 0, backend.Count("CallContract"))
}

func TestRetryHonoursContextDuringBackoff(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	require.NoError(t, err)
	backend := chaintest.New()
	backend.FailNext("CallContract", 10, errors.New("connection timeout"))
	gw := New(backend, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = gw.Call(ctx, parsed, token, "decimals", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, backend.Count("CallContract"))
}

func TestRetryBackoffDoubles(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		OnRetry: func(_ int, delay time.Duration, _ error) {
			delays = append(delays, delay)
		},
	}
	calls := 0
	op := Retry[int](policy)(func(context.Context) (int, error) {
		calls++
		return 0, errors.New("already known")
	})

	_, err := op(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
	assert.Equal(t, 8*time.Millisecond, policy.Backoff(4))
}

func TestComposeOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware[int] {
		return func(next Operation[int]) Operation[int] {
			return func(ctx context.Context) (int, error) {
				order = append(order, name)
				return next(ctx)
			}
		}
	}
	op := Compose(mark("outer"), nil, mark("inner"))(func(context.Context) (int, error) {
		order = append(order, "op")
		return 1, nil
	})

	v, err := op(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, []string{"outer", "inner", "op"}, order)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("replacement transaction underpriced")))
	assert.True(t, IsRetryable(errors.New("CONNECTION TIMEOUT while dialing")))
	assert.False(t, IsRetryable(errors.New("execution reverted")))
	assert.False(t, IsRetryable(Invalid("request timeout in result")))
	assert.False(t, IsRetryable(nil))
}

func TestValidateContract(t *testing.T) {
	gw, _, parsed := newTestGateway(t)

	require.NoError(t, gw.ValidateContract(context.Background(), token, parsed, "decimals"))

	empty := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	err := gw.ValidateContract(context.Background(), empty, parsed, "decimals")
	assert.ErrorIs(t, err, ErrContractValidation)

	err = gw.ValidateContract(context.Background(), token, parsed, "totalSupply")
	assert.ErrorIs(t, err, ErrContractValidation)
}

func TestChainIDIsCached(t *testing.T) {
	gw, backend, _ := newTestGateway(t)
	backend.ID = big.NewInt(5)

	for i := 0; i < 3; i++ {
		id, err := gw.ChainID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(5), id)
	}
	assert.Equal(t, 1, backend.Count("ChainID"))
}
