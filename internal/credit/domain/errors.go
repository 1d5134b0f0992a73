package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey  = errors.New("invalid_idempotency_key")
	ErrInvalidBucket          = errors.New("invalid_bucket")
	ErrInvalidCycleKey        = errors.New("invalid_cycle_key")
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrOriginalDebitNotFound  = errors.New("original_debit_not_found")
	ErrRefundExceedsDebit     = errors.New("refund_exceeds_debit")
	ErrIdempotencyKeyMismatch = errors.New("idempotency_key_mismatch")
	ErrConcurrencyConflict    = errors.New("concurrency_conflict")
)

// InsufficientCreditsError carries the amounts a caller needs to render a 402.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// AsInsufficientCredits unwraps err into the typed payload when present.
func AsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var typed *InsufficientCreditsError
	if errors.As(err, &typed) && typed != nil {
		return typed, true
	}
	return nil, false
}
