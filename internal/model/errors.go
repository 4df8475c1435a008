package model

import "errors"

// Sentinel errors returned across component boundaries. Validation errors
// surface synchronously to the caller and are never retried; transient
// infrastructure errors are retried by the settlement engine with bounded
// backoff.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidStake       = errors.New("stake must be positive")
	ErrInvalidDuration    = errors.New("duration not in allowed set")
	ErrInvalidPrediction  = errors.New("prediction must be up or down")
	ErrUnknownUser        = errors.New("unknown user")
	ErrDuplicateUser      = errors.New("user already exists")
	ErrUserSuspended      = errors.New("user is suspended")
	ErrDuplicateContract  = errors.New("contract id already exists")
	ErrAlreadySettling    = errors.New("contract already settling")
	ErrNotFound           = errors.New("not found")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
