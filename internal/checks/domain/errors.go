package domain

import "errors"

var (
	ErrInvalidTenant         = errors.New("invalid_tenant")
	ErrNoItems               = errors.New("no_items")
	ErrTooManyItems          = errors.New("too_many_items")
	ErrNoChecksEnabled       = errors.New("no_checks_enabled")
	ErrInvalidRunType        = errors.New("invalid_run_type")
	ErrInvalidItem           = errors.New("invalid_item")
	ErrInvalidParams         = errors.New("invalid_params")
	ErrUnknownLLMProvider    = errors.New("unknown_llm_provider")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrRunNotFound           = errors.New("run_not_found")
	ErrRunnerNotRegistered   = errors.New("runner_not_registered")

	// ErrSubmissionCompensated means the key belongs to a submission whose debit was refunded
	// after its enqueue failed. The caller must retry with a new key.
	ErrSubmissionCompensated = errors.New("submission_compensated")
)
