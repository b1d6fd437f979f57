package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mbd888/p2pramp/internal/chain"
)

// Code is a machine-readable failure category returned to callers.
type Code string

const (
	CodeWrongNetwork         Code = "WRONG_NETWORK"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeApprovalRequired     Code = "APPROVAL_REQUIRED"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientRelayGas Code = "INSUFFICIENT_RELAY_GAS"
	CodeDailyLimitExceeded   Code = "DAILY_LIMIT_EXCEEDED"
	CodeNetworkBusy          Code = "NETWORK_BUSY"
	CodeTransferFailed       Code = "TRANSFER_FAILED"
	// CodeTxPending: the transaction was broadcast but its outcome is not
	// known yet. Never resubmit; poll TxHash instead.
	CodeTxPending Code = "TX_PENDING"
)

// Error is a classified relay failure. Reason carries the raw chain message
// when one exists.
type Error struct {
	Code      Code   `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("relay: %s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the code as a string.
func (e *Error) ErrorCode() string { return string(e.Code) }

// IsRetryable reports whether the same request may be re-submitted as is.
func (e *Error) IsRetryable() bool { return e.Retryable }

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeWrongNetwork, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeApprovalRequired:
		return http.StatusPreconditionRequired
	case CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case CodeDailyLimitExceeded:
		return http.StatusTooManyRequests
	case CodeInsufficientRelayGas, CodeNetworkBusy:
		return http.StatusServiceUnavailable
	case CodeTransferFailed:
		return http.StatusBadGateway
	case CodeTxPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: code == CodeNetworkBusy}
}

// Sentinel outcomes; compare with errors.Is or by Code.
var (
	ErrWrongNetwork         = newError(CodeWrongNetwork, "unsupported chain id")
	ErrApprovalRequired     = newError(CodeApprovalRequired, "user has not approved the relay for this amount")
	ErrInsufficientBalance  = newError(CodeInsufficientBalance, "user token balance is below the requested amount")
	ErrInsufficientRelayGas = newError(CodeInsufficientRelayGas, "relay account is below its operating gas balance")
	ErrDailyLimitExceeded   = newError(CodeDailyLimitExceeded, "daily gas sponsorship budget exhausted")
)

// Is matches errors by code so wrapped copies compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func invalid(format string, args ...interface{}) *Error {
	return newError(CodeInvalidRequest, fmt.Sprintf(format, args...))
}

// reason patterns, matched against the lowercased chain error
var classifyRules = []struct {
	patterns []string
	code     Code
	message  string
}{
	{[]string{"exceeds allowance", "insufficient allowance", "allowance exceeded"},
		CodeApprovalRequired, "on-chain allowance is below the requested amount"},
	{[]string{"exceeds balance", "insufficient balance", "balance too low"},
		CodeInsufficientBalance, "token balance is below the requested amount"},
	{[]string{"insufficient funds"},
		CodeInsufficientRelayGas, "relay account cannot pay for gas"},
	{[]string{"timeout", "deadline exceeded", "too many requests", "429", "rate limit",
		"nonce too low", "replacement transaction underpriced", "connection refused", "eof"},
		CodeNetworkBusy, "network busy, retry the request"},
}

// Classify maps a chain-layer error onto the relay taxonomy. Errors that are
// already classified pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}

	reason := err.Error()
	if hash, ok := chain.PendingTxHash(err); ok {
		return &Error{Code: CodeTxPending, Message: "transaction submitted, outcome pending", Reason: reason, TxHash: hash, Err: err}
	}
	if errors.Is(err, chain.ErrInvalidAmount) {
		return &Error{Code: CodeInvalidRequest, Message: "amount must be positive", Reason: reason, Err: err}
	}

	lower := strings.ToLower(reason)
	for _, rule := range classifyRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return &Error{
					Code:      rule.code,
					Message:   rule.message,
					Retryable: rule.code == CodeNetworkBusy,
					Reason:    reason,
					Err:       err,
				}
			}
		}
	}

	if errors.Is(err, chain.ErrEndpointsExhausted) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, chain.ErrQueueStopped) {
		return &Error{Code: CodeNetworkBusy, Message: "network busy, retry the request", Retryable: true, Reason: reason, Err: err}
	}

	return &Error{Code: CodeTransferFailed, Message: "transfer failed", Reason: reason, Err: err}
}
