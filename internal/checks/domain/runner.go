package domain

import (
	"context"
	"errors"
	"fmt"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
)

// ErrCheckDeferred means the provider refused the call for now (rate limited). The item stays
// pending and the run resumes on a later pass.
var ErrCheckDeferred = errors.New("check_deferred")

// Metric is the typed result of one check, persisted as JSON on the item.
type Metric map[string]any

type CheckRequest struct {
	Run  *batchdomain.BatchRun
	Item *batchdomain.BatchRunItem
}

func (r CheckRequest) Params() batchdomain.RunParams {
	if r.Run == nil {
		return batchdomain.RunParams{}
	}
	return r.Run.Params.Data()
}

// Runner performs one unit of metered external work for a single item.
type Runner interface {
	Type() batchdomain.CheckType
	Execute(ctx context.Context, req CheckRequest) (Metric, error)
}

// CheckError is a failed check. It is recorded on the sub-task and never aborts siblings.
type CheckError struct {
	CheckType batchdomain.CheckType
	ItemID    string
	Cause     error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check failed for item %s: %v", e.CheckType, e.ItemID, e.Cause)
}

func (e *CheckError) Unwrap() error {
	return e.Cause
}

func NewCheckError(checkType batchdomain.CheckType, item *batchdomain.BatchRunItem, cause error) *CheckError {
	id := ""
	if item != nil {
		id = item.ID.String()
	}
	return &CheckError{CheckType: checkType, ItemID: id, Cause: cause}
}
