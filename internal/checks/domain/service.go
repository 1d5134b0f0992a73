package domain

import (
	"context"
	"time"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
)

type Service interface {
	Estimate(ctx context.Context, req SubmitRequest) (*Estimate, error)
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	GetRun(ctx context.Context, runID string) (*RunView, error)
}

// Checks selects the sub-tasks of a run. Every enabled check runs against every item.
type Checks struct {
	SearchRank     bool `json:"search_rank"`
	LLMVisibility  bool `json:"llm_visibility"`
	GeoGrid        bool `json:"geo_grid"`
	ReviewMatching bool `json:"review_matching"`
}

func (c Checks) Enabled() []batchdomain.CheckType {
	var out []batchdomain.CheckType
	if c.SearchRank {
		out = append(out, batchdomain.CheckSearchRank)
	}
	if c.LLMVisibility {
		out = append(out, batchdomain.CheckLLMVisibility)
	}
	if c.GeoGrid {
		out = append(out, batchdomain.CheckGeoGrid)
	}
	if c.ReviewMatching {
		out = append(out, batchdomain.CheckReviewMatching)
	}
	return out
}

type ItemInput struct {
	ReferenceID   string                    `json:"reference_id"`
	ReferenceType batchdomain.ReferenceType `json:"reference_type"`
	Label         string                    `json:"label"`
}

type SubmitRequest struct {
	TenantID       string                `json:"tenant_id"`
	RunType        batchdomain.RunType   `json:"run_type"`
	Items          []ItemInput           `json:"items"`
	Checks         Checks                `json:"checks"`
	Params         batchdomain.RunParams `json:"params"`
	IdempotencyKey string                `json:"idempotency_key"`
	TriggeredBy    string                `json:"triggered_by"`
}

type Estimate struct {
	Total     int64                           `json:"estimated_credits"`
	Breakdown map[batchdomain.CheckType]int64 `json:"breakdown"`
}

type SubmitResponse struct {
	RunID            string                `json:"run_id"`
	Status           batchdomain.RunStatus `json:"status"`
	EstimatedCredits int64                 `json:"estimated_credits"`
	IdempotencyKey   string                `json:"idempotency_key"`
	Replayed         bool                  `json:"replayed"`
}

// SubTasks maps each check type to its status.
type SubTasks map[batchdomain.CheckType]batchdomain.SubTaskStatus

type RunView struct {
	ID                string                `json:"id"`
	TenantID          string                `json:"tenant_id"`
	RunType           batchdomain.RunType   `json:"run_type"`
	Status            batchdomain.RunStatus `json:"status"`
	SubTasks          SubTasks              `json:"sub_tasks"`
	TotalItems        int                   `json:"total_items"`
	ProcessedItems    int                   `json:"processed_items"`
	SuccessfulItems   int                   `json:"successful_items"`
	FailedItems       int                   `json:"failed_items"`
	EstimatedCredits  int64                 `json:"estimated_credits"`
	ActualCreditsUsed int64                 `json:"actual_credits_used"`
	RefundedCredits   int64                 `json:"refunded_credits"`
	Errors            []string              `json:"errors"`
	TriggeredBy       string                `json:"triggered_by,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	Items             []ItemView            `json:"items"`
}

type ItemView struct {
	ID            string                    `json:"id"`
	Position      int                       `json:"position"`
	ReferenceID   string                    `json:"reference_id,omitempty"`
	ReferenceType batchdomain.ReferenceType `json:"reference_type"`
	Label         string                    `json:"label"`
	Status        batchdomain.RunStatus     `json:"status"`
	SubTasks      SubTasks                  `json:"sub_tasks"`
	Result        map[string]any            `json:"result,omitempty"`
}
