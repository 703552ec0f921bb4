package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Kind classifies gateway failures.
type Kind int

const (
	KindCall Kind = iota
	KindTransient
	KindExecution
	KindValidation
)

var (
	ErrCall               = errors.New("contract call failed")
	ErrTransient          = errors.New("transient rpc error")
	ErrContractExecution  = errors.New("contract execution failed")
	ErrContractValidation = errors.New("contract validation failed")
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindExecution:
		return "execution"
	case KindValidation:
		return "validation"
	default:
		return "call"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindExecution:
		return ErrContractExecution
	case KindValidation:
		return ErrContractValidation
	default:
		return ErrCall
	}
}

// retryableErrors are matched against the lower-cased error text.
var retryableErrors = []string{
	"connection timeout",
	"request timeout",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
}

// IsRetryable reports whether err is a whitelisted transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var vErr *validationError
	if errors.As(err, &vErr) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, item := range retryableErrors {
		if strings.Contains(msg, item) {
			return true
		}
	}
	return false
}

// Error is the single error type surfaced by the gateway.
type Error struct {
	Kind     Kind
	Op       string
	Address  common.Address
	Attempts int
	// Reason holds the decoded revert reason for execution errors.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	target := ""
	if e.Address != (common.Address{}) {
		target = " " + e.Address.Hex()
	}
	return fmt.Sprintf("%s%s: %s after %d attempt(s): %v", e.Op, target, e.Kind.sentinel(), e.Attempts, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of a gateway error, or KindCall for foreign errors.
func KindOf(err error) Kind {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.Kind
	}
	return classify(err)
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

// Invalid builds a non-retryable validation failure.
func Invalid(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type attemptsError struct {
	attempts int
	err      error
}

func (e *attemptsError) Error() string {
	return e.err.Error()
}

func (e *attemptsError) Unwrap() error {
	return e.err
}

func classify(err error) Kind {
	var vErr *validationError
	if errors.As(err, &vErr) {
		return KindValidation
	}
	if IsRetryable(err) {
		return KindTransient
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return KindExecution
	}
	return KindCall
}

func wrap(op string, addr common.Address, err error) error {
	var gErr *Error
	if errors.As(err, &gErr) {
		return err
	}
	attempts := 1
	var aErr *attemptsError
	if errors.As(err, &aErr) {
		attempts = aErr.attempts
		err = aErr.err
	}
	kind := classify(err)
	out := &Error{Kind: kind, Op: op, Address: addr, Attempts: attempts, Err: err}
	if kind == KindExecution {
		out.Reason = DecodeRevert(err)
	}
	return out
}

// DecodeRevert extracts a human readable revert reason from a call error.
func DecodeRevert(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReason(dataErr.ErrorData()); ok {
			return reason
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return msg[idx+len("execution reverted: "):]
	}
	return msg
}

// DecodeRevertData decodes raw revert return data.
func DecodeRevertData(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}

func revertReason(data interface{}) (string, bool) {
	text, ok := data.(string)
	if !ok {
		return "", false
	}
	raw, err := hexutil.Decode(text)
	if err != nil {
		return "", false
	}
	return DecodeRevertData(raw)
}
