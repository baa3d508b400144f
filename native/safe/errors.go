package safe

import "errors"

var (
	// ErrInvalidNonce indicates the claimed permit nonce did not match the
	// freshly incremented stored value. The consumed nonce is not restored.
	ErrInvalidNonce = errors.New("safe: invalid nonce")
	// ErrInvalidSignature indicates the permit digest did not verify against
	// the safe owner.
	ErrInvalidSignature = errors.New("safe: invalid signature")
	// ErrUnauthorizedCall indicates the caller does not hold the role required
	// by the entry point.
	ErrUnauthorizedCall = errors.New("safe: unauthorized call")
	// ErrArrayLengthMismatch indicates the token and amount sequences of a
	// withdrawal request differ in length.
	ErrArrayLengthMismatch = errors.New("safe: array length mismatch")
	// ErrInvalidSpendingLimitTier indicates an unknown renewal tier value.
	ErrInvalidSpendingLimitTier = errors.New("safe: invalid spending limit tier")
	// ErrInsufficientBalance indicates the requested amount exceeds the live
	// balance, or would dip into funds blocked for a pending withdrawal.
	ErrInsufficientBalance = errors.New("safe: insufficient balance")
	// ErrAmountGreaterThanReceived indicates a swap returned less stable unit
	// than the caller asked to send onward.
	ErrAmountGreaterThanReceived = errors.New("safe: amount greater than received")
	// ErrCannotWithdrawYet indicates the withdrawal finalize time has not been
	// reached.
	ErrCannotWithdrawYet = errors.New("safe: cannot withdraw yet")
	// ErrExceededSpendingLimit indicates the charge would push the used amount
	// past the renewed cap.
	ErrExceededSpendingLimit = errors.New("safe: exceeded spending limit")
)
