package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/checkledger/internal/clock"
	"github.com/smallbiznis/checkledger/internal/credit/domain"
	"github.com/smallbiznis/checkledger/internal/credit/idempotency"
	"github.com/smallbiznis/checkledger/internal/credit/repository"
	obslogger "github.com/smallbiznis/checkledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/checkledger/internal/observability/metrics"
	"github.com/smallbiznis/checkledger/pkg/db"
	"github.com/smallbiznis/checkledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMaxConflictRetries = 5
	maxTenantIDLength         = 64
)

// Both abort a transaction that lost a race to a concurrent writer.
var (
	errVersionConflict = errors.New("balance version conflict")
	errKeyTaken        = errors.New("idempotency key taken")
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Store   *repository.Store
	Guard   *idempotency.Guard
	Metrics *obsmetrics.Metrics `optional:"true"`

	MaxConflictRetries int `name:"credit_max_conflict_retries" optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	store      *repository.Store
	guard      *idempotency.Guard
	metrics    *obsmetrics.Metrics
	maxRetries int
}

func NewService(p Params) domain.Service {
	retries := p.MaxConflictRetries
	if retries <= 0 {
		retries = defaultMaxConflictRetries
	}
	store := p.Store
	if store == nil {
		store = repository.New(p.DB)
	}
	guard := p.Guard
	if guard == nil {
		guard = idempotency.NewGuard()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		store:      store,
		guard:      guard,
		metrics:    p.Metrics,
		maxRetries: retries,
	}
}

func (s *Service) EnsureBalance(ctx context.Context, tenantID string) error {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return err
	}
	return s.store.EnsureBalance(ctx, tenantID, s.clock.Now())
}

func (s *Service) GetBalance(ctx context.Context, tenantID string) (*domain.Balance, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	row, err := s.store.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	balance := domain.BalanceFrom(tenantID, row)
	return &balance, nil
}

// Debit consumes purchased credits first, then included credits, all or nothing.
// A key that already has a committed debit returns the current balance with Replayed set.
func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (*domain.LedgerResult, error) {
	tenantID, err := normalizeTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	key, err := s.guard.Caller(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	result, err := s.withRetry(ctx, domain.KindDebit, func() (*domain.LedgerResult, error) {
		return s.debitOnce(ctx, tenantID, key, req)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.metrics.RecordInsufficientCredits(ctx, req.FeatureType)
		}
		return nil, err
	}
	s.observe(ctx, domain.KindDebit, req.FeatureType, -req.Amount, result)
	return result, nil
}

func (s *Service) debitOnce(ctx context.Context, tenantID, key string, req domain.DebitRequest) (*domain.LedgerResult, error) {
	var result *domain.LedgerResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)

		existing, err := store.FindTransaction(ctx, tenantID, key, domain.KindDebit)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Amount != -req.Amount {
				return domain.ErrIdempotencyKeyMismatch
			}
			result, err = s.replay(ctx, store, tenantID, existing)
			return err
		}

		balance, err := store.LockBalance(ctx, tenantID)
		if err != nil {
			return err
		}
		if balance == nil || balance.Total() < req.Amount {
			available := int64(0)
			if balance != nil {
				available = balance.Total()
			}
			return &domain.InsufficientCreditsError{Required: req.Amount, Available: available}
		}

		fromPurchased := min(req.Amount, balance.PurchasedCredits)
		fromIncluded := req.Amount - fromPurchased
		txn := s.newTransaction(tenantID, key, domain.KindDebit, -req.Amount)
		txn.PurchasedDelta = -fromPurchased
		txn.IncludedDelta = -fromIncluded
		txn.FeatureType = strings.TrimSpace(req.FeatureType)
		txn.FeatureMetadata = datatypes.JSONMap(req.FeatureMetadata)
		txn.Description = req.Description

		result, err = s.apply(ctx, store, balance, txn)
		return err
	})
	if errors.Is(err, errKeyTaken) {
		return s.replayCommitted(ctx, tenantID, key, domain.KindDebit)
	}
	return result, err
}

// RefundFeature returns credits to the purchased bucket for a previously debited key.
// At most one refund is ever committed per key.
func (s *Service) RefundFeature(ctx context.Context, req domain.RefundRequest) (*domain.LedgerResult, error) {
	tenantID, err := normalizeTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	key, err := s.guard.Caller(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	result, err := s.withRetry(ctx, domain.KindRefund, func() (*domain.LedgerResult, error) {
		return s.refundOnce(ctx, tenantID, key, req)
	})
	if err != nil {
		return nil, err
	}
	s.observe(ctx, domain.KindRefund, req.FeatureType, req.Amount, result)
	return result, nil
}

func (s *Service) refundOnce(ctx context.Context, tenantID, key string, req domain.RefundRequest) (*domain.LedgerResult, error) {
	var result *domain.LedgerResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)

		existing, err := store.FindTransaction(ctx, tenantID, key, domain.KindRefund)
		if err != nil {
			return err
		}
		if existing != nil {
			result, err = s.replay(ctx, store, tenantID, existing)
			return err
		}

		debit, err := store.FindTransaction(ctx, tenantID, key, domain.KindDebit)
		if err != nil {
			return err
		}
		if debit == nil {
			return domain.ErrOriginalDebitNotFound
		}
		if req.Amount > -debit.Amount {
			return domain.ErrRefundExceedsDebit
		}

		balance, err := s.lockOrCreateBalance(ctx, store, tenantID)
		if err != nil {
			return err
		}

		featureType := strings.TrimSpace(req.FeatureType)
		if featureType == "" {
			featureType = debit.FeatureType
		}
		txn := s.newTransaction(tenantID, key, domain.KindRefund, req.Amount)
		txn.PurchasedDelta = req.Amount
		txn.FeatureType = featureType
		txn.FeatureMetadata = datatypes.JSONMap(req.FeatureMetadata)
		txn.Description = req.Description

		result, err = s.apply(ctx, store, balance, txn)
		return err
	})
	if errors.Is(err, errKeyTaken) {
		return s.replayCommitted(ctx, tenantID, key, domain.KindRefund)
	}
	return result, err
}

// Grant adds credits to one bucket, once per key.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.LedgerResult, error) {
	tenantID, err := normalizeTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.Bucket != domain.BucketIncluded && req.Bucket != domain.BucketPurchased {
		return nil, domain.ErrInvalidBucket
	}
	key, err := s.guard.Caller(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	result, err := s.withRetry(ctx, domain.KindGrant, func() (*domain.LedgerResult, error) {
		return s.grantOnce(ctx, tenantID, key, func(balance *domain.CreditBalance) (*domain.CreditTransaction, error) {
			txn := s.newTransaction(tenantID, key, domain.KindGrant, req.Amount)
			if req.Bucket == domain.BucketIncluded {
				txn.IncludedDelta = req.Amount
			} else {
				txn.PurchasedDelta = req.Amount
			}
			txn.FeatureType = "grant_" + string(req.Bucket)
			txn.FeatureMetadata = datatypes.JSONMap(req.Metadata)
			txn.Description = req.Description
			return txn, nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.observe(ctx, domain.KindGrant, "grant_"+string(req.Bucket), req.Amount, result)
	return result, nil
}

// ResetIncluded sets the included bucket to allotment at a billing cycle boundary.
// Purchased credits are untouched. The cycle key makes the reset happen once.
func (s *Service) ResetIncluded(ctx context.Context, req domain.ResetIncludedRequest) (*domain.LedgerResult, error) {
	tenantID, err := normalizeTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	if req.Allotment < 0 {
		return nil, domain.ErrInvalidAmount
	}
	cycleKey := strings.TrimSpace(req.CycleKey)
	if cycleKey == "" {
		return nil, domain.ErrInvalidCycleKey
	}
	key, err := s.guard.Derive("reset", cycleKey)
	if err != nil {
		return nil, err
	}

	result, err := s.withRetry(ctx, domain.KindGrant, func() (*domain.LedgerResult, error) {
		return s.grantOnce(ctx, tenantID, key, func(balance *domain.CreditBalance) (*domain.CreditTransaction, error) {
			delta := req.Allotment - balance.IncludedCredits
			txn := s.newTransaction(tenantID, key, domain.KindGrant, delta)
			txn.IncludedDelta = delta
			txn.FeatureType = "included_reset"
			txn.FeatureMetadata = datatypes.JSONMap{"cycle_key": cycleKey, "allotment": req.Allotment}
			txn.Description = "included credits reset"
			return txn, nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.observe(ctx, domain.KindGrant, "included_reset", req.Allotment, result)
	return result, nil
}

func (s *Service) grantOnce(
	ctx context.Context,
	tenantID, key string,
	build func(balance *domain.CreditBalance) (*domain.CreditTransaction, error),
) (*domain.LedgerResult, error) {
	var result *domain.LedgerResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)

		existing, err := store.FindTransaction(ctx, tenantID, key, domain.KindGrant)
		if err != nil {
			return err
		}
		if existing != nil {
			result, err = s.replay(ctx, store, tenantID, existing)
			return err
		}

		balance, err := s.lockOrCreateBalance(ctx, store, tenantID)
		if err != nil {
			return err
		}
		txn, err := build(balance)
		if err != nil {
			return err
		}
		result, err = s.apply(ctx, store, balance, txn)
		return err
	})
	if errors.Is(err, errKeyTaken) {
		return s.replayCommitted(ctx, tenantID, key, domain.KindGrant)
	}
	return result, err
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (*domain.ListTransactionsResponse, error) {
	tenantID, err := normalizeTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()

	var beforeID snowflake.ID
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, err
		}
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
	}

	rows, err := s.store.ListTransactions(ctx, tenantID, beforeID, page.PageSize+1)
	if err != nil {
		return nil, err
	}
	rows, info, err := pagination.BuildCursorPageInfo(rows, page.PageSize, func(row domain.CreditTransaction) pagination.Cursor {
		return pagination.Cursor{ID: row.ID.String()}
	})
	if err != nil {
		return nil, err
	}

	resp := &domain.ListTransactionsResponse{
		Transactions:  make([]domain.Transaction, 0, len(rows)),
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}
	for _, row := range rows {
		resp.Transactions = append(resp.Transactions, toTransaction(row))
	}
	return resp, nil
}

func (s *Service) GetTransaction(ctx context.Context, tenantID, idempotencyKey string, kind domain.TransactionKind) (*domain.Transaction, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	key, err := s.guard.Normalize(idempotencyKey)
	if err != nil {
		return nil, err
	}
	row, err := s.store.FindTransaction(ctx, tenantID, key, kind)
	if err != nil || row == nil {
		return nil, err
	}
	txn := toTransaction(*row)
	return &txn, nil
}

// apply swaps the balance and appends txn inside the caller's transaction.
func (s *Service) apply(
	ctx context.Context,
	store *repository.Store,
	balance *domain.CreditBalance,
	txn *domain.CreditTransaction,
) (*domain.LedgerResult, error) {
	included := balance.IncludedCredits + txn.IncludedDelta
	purchased := balance.PurchasedCredits + txn.PurchasedDelta
	if included < 0 || purchased < 0 {
		return nil, &domain.InsufficientCreditsError{Required: -txn.Amount, Available: balance.Total()}
	}

	swapped, err := store.CompareAndSwapBalance(ctx, balance.TenantID, balance.Version, included, purchased, txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, errVersionConflict
	}

	txn.BalanceAfter = included + purchased
	inserted, err := store.InsertTransaction(ctx, txn)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, errKeyTaken
	}

	return &domain.LedgerResult{
		Balance: domain.Balance{
			TenantID:  balance.TenantID,
			Included:  included,
			Purchased: purchased,
			Total:     included + purchased,
		},
		TransactionID: txn.ID.String(),
	}, nil
}

func (s *Service) lockOrCreateBalance(ctx context.Context, store *repository.Store, tenantID string) (*domain.CreditBalance, error) {
	balance, err := store.LockBalance(ctx, tenantID)
	if err != nil || balance != nil {
		return balance, err
	}
	if err := store.EnsureBalance(ctx, tenantID, s.clock.Now()); err != nil {
		return nil, err
	}
	balance, err = store.LockBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, errVersionConflict
	}
	return balance, nil
}

func (s *Service) replay(
	ctx context.Context,
	store *repository.Store,
	tenantID string,
	existing *domain.CreditTransaction,
) (*domain.LedgerResult, error) {
	row, err := store.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &domain.LedgerResult{
		Balance:       domain.BalanceFrom(tenantID, row),
		TransactionID: existing.ID.String(),
		Replayed:      true,
	}, nil
}

// replayCommitted reads the winner of a key race after our transaction rolled back.
func (s *Service) replayCommitted(ctx context.Context, tenantID, key string, kind domain.TransactionKind) (*domain.LedgerResult, error) {
	existing, err := s.store.FindTransaction(ctx, tenantID, key, kind)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errVersionConflict
	}
	return s.replay(ctx, s.store, tenantID, existing)
}

// withRetry reruns fn on lost races and retryable database errors, up to maxRetries times.
func (s *Service) withRetry(
	ctx context.Context,
	kind domain.TransactionKind,
	fn func() (*domain.LedgerResult, error),
) (*domain.LedgerResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errVersionConflict) && !db.IsRetryableTxErr(err) {
			return nil, err
		}
		lastErr = err
		s.metrics.RecordConflictRetry(ctx, string(kind))
		obslogger.WithContext(ctx, s.log).Debug("ledger write conflict, retrying",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	s.log.Warn("ledger write gave up after conflicts",
		zap.String("kind", string(kind)),
		zap.Int("attempts", s.maxRetries),
		zap.Error(lastErr),
	)
	return nil, domain.ErrConcurrencyConflict
}

func (s *Service) observe(ctx context.Context, kind domain.TransactionKind, featureType string, amount int64, result *domain.LedgerResult) {
	if result == nil {
		return
	}
	if result.Replayed {
		s.metrics.RecordReplay(ctx, string(kind))
		return
	}
	s.metrics.RecordLedgerEntry(ctx, string(kind), featureType, amount)
	obslogger.WithContext(ctx, s.log).Info("ledger entry committed",
		zap.String("tenant_id", result.Balance.TenantID),
		zap.String("kind", string(kind)),
		zap.Int64("amount", amount),
		zap.Int64("balance_total", result.Balance.Total),
		zap.String("transaction_id", result.TransactionID),
	)
}

func (s *Service) newTransaction(tenantID, key string, kind domain.TransactionKind, amount int64) *domain.CreditTransaction {
	return &domain.CreditTransaction{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		IdempotencyKey: key,
		Kind:           kind,
		Amount:         amount,
		CreatedAt:      s.clock.Now(),
	}
}

func toTransaction(row domain.CreditTransaction) domain.Transaction {
	return domain.Transaction{
		ID:              row.ID.String(),
		Kind:            row.Kind,
		Amount:          row.Amount,
		IncludedDelta:   row.IncludedDelta,
		PurchasedDelta:  row.PurchasedDelta,
		BalanceAfter:    row.BalanceAfter,
		FeatureType:     row.FeatureType,
		FeatureMetadata: map[string]any(row.FeatureMetadata),
		Description:     row.Description,
		CreatedAt:       row.CreatedAt,
	}
}

func normalizeTenant(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || len(tenantID) > maxTenantIDLength {
		return "", domain.ErrInvalidTenant
	}
	return tenantID, nil
}
