package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; services add context with
// fmt.Errorf("%w: ...").
var (
	// ErrValidation is the caller's fault and is never retried.
	ErrValidation = errors.New("validation failed")

	ErrInvalidAmount  = fmt.Errorf("%w: amount must be a positive whole number of coins", ErrValidation)
	ErrUnknownOutcome = fmt.Errorf("%w: outcome does not belong to market", ErrValidation)

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMarketNotOpen     = errors.New("market is not open for staking")
	ErrUnauthorized      = errors.New("actor is not allowed to perform this action")
	ErrAlreadyResolved   = errors.New("market is already resolved")
	ErrInvalidTransition = errors.New("invalid market state transition")

	ErrUserNotFound   = errors.New("user not found")
	ErrMarketNotFound = errors.New("market not found")
	ErrDuplicate      = errors.New("record already exists")

	// ErrTransient marks store contention or connectivity failures that are
	// safe to retry. After the retry budget is spent they surface wrapped in
	// ErrOperationFailed.
	ErrTransient       = errors.New("transient store error")
	ErrOperationFailed = errors.New("operation failed")

	// ErrPolicyMismatch is returned when corrections would be applied over
	// markets settled with a different rounding policy.
	ErrPolicyMismatch = errors.New("resolved markets use a different payout policy")
)
