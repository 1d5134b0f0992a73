package domain

import (
	"context"
	"time"
)

type Service interface {
	EnsureBalance(ctx context.Context, tenantID string) error
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
	Debit(ctx context.Context, req DebitRequest) (*LedgerResult, error)
	RefundFeature(ctx context.Context, req RefundRequest) (*LedgerResult, error)
	Grant(ctx context.Context, req GrantRequest) (*LedgerResult, error)
	ResetIncluded(ctx context.Context, req ResetIncludedRequest) (*LedgerResult, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResponse, error)
	// GetTransaction returns the committed transaction for (tenant, key, kind), or nil.
	GetTransaction(ctx context.Context, tenantID, idempotencyKey string, kind TransactionKind) (*Transaction, error)
}

type Balance struct {
	TenantID  string `json:"tenant_id"`
	Included  int64  `json:"included"`
	Purchased int64  `json:"purchased"`
	Total     int64  `json:"total"`
}

func BalanceFrom(tenantID string, row *CreditBalance) Balance {
	if row == nil {
		return Balance{TenantID: tenantID}
	}
	return Balance{
		TenantID:  row.TenantID,
		Included:  row.IncludedCredits,
		Purchased: row.PurchasedCredits,
		Total:     row.Total(),
	}
}

type DebitRequest struct {
	TenantID        string         `json:"tenant_id"`
	Amount          int64          `json:"amount"`
	FeatureType     string         `json:"feature_type"`
	FeatureMetadata map[string]any `json:"feature_metadata"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Description     string         `json:"description"`
}

// RefundRequest refunds (part of) the debit recorded under the same idempotency key.
type RefundRequest struct {
	TenantID        string         `json:"tenant_id"`
	Amount          int64          `json:"amount"`
	FeatureType     string         `json:"feature_type"`
	FeatureMetadata map[string]any `json:"feature_metadata"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Description     string         `json:"description"`
}

type GrantRequest struct {
	TenantID       string         `json:"tenant_id"`
	Amount         int64          `json:"amount"`
	Bucket         CreditBucket   `json:"bucket"`
	IdempotencyKey string         `json:"idempotency_key"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
}

// ResetIncludedRequest sets included credits to the plan allotment once per cycle key.
type ResetIncludedRequest struct {
	TenantID  string `json:"tenant_id"`
	Allotment int64  `json:"allotment"`
	CycleKey  string `json:"cycle_key"`
}

type LedgerResult struct {
	Balance       Balance `json:"balance"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Replayed      bool    `json:"replayed"`
}

type ListTransactionsRequest struct {
	TenantID  string
	PageToken string
	PageSize  int
}

type Transaction struct {
	ID              string          `json:"id"`
	Kind            TransactionKind `json:"kind"`
	Amount          int64           `json:"amount"`
	IncludedDelta   int64           `json:"included_delta"`
	PurchasedDelta  int64           `json:"purchased_delta"`
	BalanceAfter    int64           `json:"balance_after"`
	FeatureType     string          `json:"feature_type,omitempty"`
	FeatureMetadata map[string]any  `json:"feature_metadata,omitempty"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type ListTransactionsResponse struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	HasMore       bool          `json:"has_more"`
}
