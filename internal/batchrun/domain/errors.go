package domain

import "errors"

var (
	ErrRunNotFound       = errors.New("run_not_found")
	ErrClaimLost         = errors.New("run_claim_lost")
	ErrInvalidCheckType  = errors.New("invalid_check_type")
	ErrNoItems           = errors.New("run_has_no_items")
	ErrNoChecksEnabled   = errors.New("run_has_no_checks_enabled")
	ErrInvalidTerminal   = errors.New("invalid_terminal_status")
	ErrInvalidRunRequest = errors.New("invalid_run_request")
)
