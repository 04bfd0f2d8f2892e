package types

import (
	"errors"
	"fmt"
)

// Error is the typed error carried across package boundaries. Code is a
// stable machine-readable string; Message is for humans.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes.
const (
	// ErrInvalidInput covers malformed requirements, proofs and amounts.
	// Reported immediately, never retried.
	ErrInvalidInput = "INVALID_INPUT"

	// ErrInvalidCredential is a malformed signing credential (bad key
	// encoding for the target chain).
	ErrInvalidCredential = "INVALID_CREDENTIAL"

	// ErrPolicyRejected is a spend blocked by the policy engine. The
	// Data field carries the reason code.
	ErrPolicyRejected = "POLICY_REJECTED"

	// ErrInsufficientFunds is a terminal settlement failure.
	ErrInsufficientFunds = "INSUFFICIENT_FUNDS"

	// ErrNetwork is a transient node/RPC failure. Safe to retry with
	// backoff; the settlement record stays in processing.
	ErrNetwork = "NETWORK_ERROR"

	// ErrChainRejected is a terminal on-chain rejection (revert,
	// program error). Never retried.
	ErrChainRejected = "CHAIN_REJECTED"

	// ErrAuthFailed is a webhook signature or replay-window failure.
	ErrAuthFailed = "AUTH_FAILED"

	ErrNotFound         = "NOT_FOUND"
	ErrUnsupportedChain = "UNSUPPORTED_CHAIN"
	ErrStoreConflict    = "STORE_CONFLICT"
)

// Errorf builds a typed error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, or empty string for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether the error is safe to retry.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrNetwork
}

// IsTerminalFailure reports whether the error ends the settlement in a
// failed state.
func IsTerminalFailure(err error) bool {
	switch CodeOf(err) {
	case ErrChainRejected, ErrInsufficientFunds:
		return true
	}
	return false
}
