package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// SubTaskStatus tracks one check type inside a run or an item.
type SubTaskStatus string

const (
	SubTaskDisabled   SubTaskStatus = "disabled"
	SubTaskPending    SubTaskStatus = "pending"
	SubTaskProcessing SubTaskStatus = "processing"
	SubTaskCompleted  SubTaskStatus = "completed"
	SubTaskFailed     SubTaskStatus = "failed"
)

func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskCompleted || s == SubTaskFailed
}

func (s SubTaskStatus) IsEnabled() bool {
	return s != SubTaskDisabled && s != ""
}

type CheckType string

const (
	CheckSearchRank     CheckType = "search_rank"
	CheckLLMVisibility  CheckType = "llm_visibility"
	CheckGeoGrid        CheckType = "geo_grid"
	CheckReviewMatching CheckType = "review_matching"
)

// CheckTypes lists every check type in execution order.
var CheckTypes = []CheckType{CheckSearchRank, CheckLLMVisibility, CheckGeoGrid, CheckReviewMatching}

func (c CheckType) Valid() bool {
	switch c {
	case CheckSearchRank, CheckLLMVisibility, CheckGeoGrid, CheckReviewMatching:
		return true
	}
	return false
}

// StatusColumn is the per-check-type status column on batch_runs and batch_run_items.
func (c CheckType) StatusColumn() string {
	return string(c) + "_status"
}

type RunType string

const (
	RunTypeConceptCheck  RunType = "concept_check"
	RunTypeKeywordCheck  RunType = "keyword_check"
	RunTypeQuestionCheck RunType = "question_check"
)

type ReferenceType string

const (
	ReferenceKeyword  ReferenceType = "keyword"
	ReferenceQuestion ReferenceType = "question"
	ReferenceLocation ReferenceType = "location"
)

// RunParams is the business context every runner of a run shares.
type RunParams struct {
	BusinessName  string   `json:"business_name"`
	Domain        string   `json:"domain,omitempty"`
	PlaceID       string   `json:"place_id,omitempty"`
	Location      string   `json:"location,omitempty"`
	Latitude      float64  `json:"latitude,omitempty"`
	Longitude     float64  `json:"longitude,omitempty"`
	GridSize      int      `json:"grid_size,omitempty"`
	GridSpacingKm float64  `json:"grid_spacing_km,omitempty"`
	LLMProviders  []string `json:"llm_providers,omitempty"`
	DebitKey      string   `json:"debit_key"`
	RequestHash   string   `json:"request_hash,omitempty"`
}

type BatchRun struct {
	ID       snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	TenantID string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_batch_runs_idempotency,priority:1;index:ix_batch_runs_tenant"`
	RunType  RunType      `gorm:"type:varchar(32);not null"`
	Status   RunStatus    `gorm:"type:varchar(16);not null;index:ix_batch_runs_claim,priority:1"`

	TotalItems        int   `gorm:"not null;default:0"`
	ProcessedItems    int   `gorm:"not null;default:0"`
	SuccessfulItems   int   `gorm:"not null;default:0"`
	FailedItems       int   `gorm:"not null;default:0"`
	EstimatedCredits  int64 `gorm:"not null;default:0"`
	ActualCreditsUsed int64 `gorm:"not null;default:0"`
	RefundedCredits   int64 `gorm:"not null;default:0"`

	TriggeredBy    string `gorm:"type:varchar(64)"`
	IdempotencyKey string `gorm:"type:varchar(255);not null;uniqueIndex:ux_batch_runs_idempotency,priority:2"`

	SearchRankStatus     SubTaskStatus `gorm:"type:varchar(16);not null;default:'disabled'"`
	LLMVisibilityStatus  SubTaskStatus `gorm:"column:llm_visibility_status;type:varchar(16);not null;default:'disabled'"`
	GeoGridStatus        SubTaskStatus `gorm:"type:varchar(16);not null;default:'disabled'"`
	ReviewMatchingStatus SubTaskStatus `gorm:"type:varchar(16);not null;default:'disabled'"`

	Errors       datatypes.JSONSlice[string]   `gorm:"type:json"`
	ErrorMessage string                        `gorm:"type:text"`
	Params       datatypes.JSONType[RunParams] `gorm:"type:json"`

	ClaimToken     *string    `gorm:"type:varchar(32)"`
	LeaseExpiresAt *time.Time `gorm:"index:ix_batch_runs_claim,priority:2"`
	Attempts       int        `gorm:"not null;default:0"`

	CreatedAt   time.Time `gorm:"not null;index:ix_batch_runs_claim,priority:3"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time `gorm:"not null"`
}

func (BatchRun) TableName() string { return "batch_runs" }

func (r *BatchRun) SubTaskStatus(checkType CheckType) SubTaskStatus {
	switch checkType {
	case CheckSearchRank:
		return r.SearchRankStatus
	case CheckLLMVisibility:
		return r.LLMVisibilityStatus
	case CheckGeoGrid:
		return r.GeoGridStatus
	case CheckReviewMatching:
		return r.ReviewMatchingStatus
	}
	return SubTaskDisabled
}

func (r *BatchRun) SetSubTaskStatus(checkType CheckType, status SubTaskStatus) {
	switch checkType {
	case CheckSearchRank:
		r.SearchRankStatus = status
	case CheckLLMVisibility:
		r.LLMVisibilityStatus = status
	case CheckGeoGrid:
		r.GeoGridStatus = status
	case CheckReviewMatching:
		r.ReviewMatchingStatus = status
	}
}

// EnabledCheckTypes returns the check types this run was paid for, in execution order.
func (r *BatchRun) EnabledCheckTypes() []CheckType {
	out := make([]CheckType, 0, len(CheckTypes))
	for _, ct := range CheckTypes {
		if r.SubTaskStatus(ct).IsEnabled() {
			out = append(out, ct)
		}
	}
	return out
}

// AllSubTasksTerminal ignores disabled sub-tasks.
func (r *BatchRun) AllSubTasksTerminal() bool {
	for _, ct := range r.EnabledCheckTypes() {
		if !r.SubTaskStatus(ct).IsTerminal() {
			return false
		}
	}
	return true
}

type BatchRunItem struct {
	ID            snowflake.ID  `gorm:"primaryKey;autoIncrement:false"`
	BatchRunID    snowflake.ID  `gorm:"not null;index:ix_batch_run_items_run,priority:1"`
	TenantID      string        `gorm:"type:varchar(64);not null"`
	Position      int           `gorm:"not null;index:ix_batch_run_items_run,priority:2"`
	ReferenceID   string        `gorm:"type:varchar(128)"`
	ReferenceType ReferenceType `gorm:"type:varchar(16);not null"`
	Label         string        `gorm:"type:text;not null"`
	Status        RunStatus     `gorm:"type:varchar(16);not null"`

	SearchRankStatus     SubTaskStatus `gorm:"type:varchar(16);not null;default:'disabled'"`
	LLMVisibilityStatus  SubTaskStatus `gorm:"column:llm_visibility_status;type:varchar(16);not null;default:'disabled'"`
	GeoGridStatus        SubTaskStatus `gorm:"type:varchar(16);not null;default:'disabled'"`
	ReviewMatchingStatus SubTaskStatus `gorm:"type:varchar(16);not null;default:'disabled'"`

	Result datatypes.JSONMap `gorm:"type:json"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BatchRunItem) TableName() string { return "batch_run_items" }

func (i *BatchRunItem) SubTaskStatus(checkType CheckType) SubTaskStatus {
	switch checkType {
	case CheckSearchRank:
		return i.SearchRankStatus
	case CheckLLMVisibility:
		return i.LLMVisibilityStatus
	case CheckGeoGrid:
		return i.GeoGridStatus
	case CheckReviewMatching:
		return i.ReviewMatchingStatus
	}
	return SubTaskDisabled
}

func (i *BatchRunItem) SetSubTaskStatus(checkType CheckType, status SubTaskStatus) {
	switch checkType {
	case CheckSearchRank:
		i.SearchRankStatus = status
	case CheckLLMVisibility:
		i.LLMVisibilityStatus = status
	case CheckGeoGrid:
		i.GeoGridStatus = status
	case CheckReviewMatching:
		i.ReviewMatchingStatus = status
	}
}

// Settle derives the item status from its enabled sub-tasks: processing until all are terminal,
// then completed only when none failed.
func (i *BatchRunItem) Settle() {
	anyFailed := false
	for _, ct := range CheckTypes {
		status := i.SubTaskStatus(ct)
		if !status.IsEnabled() {
			continue
		}
		if !status.IsTerminal() {
			if i.Status != RunPending {
				i.Status = RunProcessing
			}
			return
		}
		if status == SubTaskFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		i.Status = RunFailed
		return
	}
	i.Status = RunCompleted
}

// CheckResult is what one runner recorded for one item, stored under Result[checkType].
type CheckResult struct {
	Metric map[string]any `json:"metric,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (i *BatchRunItem) SetResult(checkType CheckType, result CheckResult) {
	if i.Result == nil {
		i.Result = datatypes.JSONMap{}
	}
	entry := map[string]any{}
	if result.Metric != nil {
		entry["metric"] = result.Metric
	}
	if result.Error != "" {
		entry["error"] = result.Error
	}
	i.Result[string(checkType)] = entry
}

// ResultError returns the recorded error for checkType, or "".
func (i *BatchRunItem) ResultError(checkType CheckType) string {
	entry, ok := i.Result[string(checkType)].(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := entry["error"].(string)
	return msg
}
