package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/checkledger/internal/credit/domain"
	"github.com/smallbiznis/checkledger/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the ledger persistence layer: one balance row per tenant plus the transaction log.
type Store struct {
	db *gorm.DB
}

func New(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

// WithTx returns a Store bound to tx. Every call inside a transaction must go through it.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// EnsureBalance inserts a zero balance unless one exists.
func (s *Store) EnsureBalance(ctx context.Context, tenantID string, now time.Time) error {
	row := domain.CreditBalance{
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// GetBalance returns nil when the tenant has no balance row.
func (s *Store) GetBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	return s.findBalance(s.db.WithContext(ctx), tenantID)
}

// LockBalance reads the balance row with a row lock where the dialect supports one.
func (s *Store) LockBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	query := s.db.WithContext(ctx)
	if db.SupportsRowLocks(s.db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.findBalance(query, tenantID)
}

func (s *Store) findBalance(query *gorm.DB, tenantID string) (*domain.CreditBalance, error) {
	var row domain.CreditBalance
	err := query.Where("tenant_id = ?", tenantID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// CompareAndSwapBalance writes new bucket values only if the row still has expectedVersion.
func (s *Store) CompareAndSwapBalance(
	ctx context.Context,
	tenantID string,
	expectedVersion int64,
	included, purchased int64,
	now time.Time,
) (bool, error) {
	if included < 0 || purchased < 0 {
		return false, domain.ErrInvalidAmount
	}
	result := s.db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET included_credits = ?,
		     purchased_credits = ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE tenant_id = ?
		   AND version = ?`,
		included,
		purchased,
		now,
		tenantID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// InsertTransaction appends txn. It reports false when (tenant, key, kind) is already taken.
func (s *Store) InsertTransaction(ctx context.Context, txn *domain.CreditTransaction) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(txn)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) FindTransaction(
	ctx context.Context,
	tenantID, idempotencyKey string,
	kind domain.TransactionKind,
) (*domain.CreditTransaction, error) {
	var row domain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ? AND kind = ?", tenantID, idempotencyKey, kind).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListTransactions pages newest first. Snowflake ids are time ordered, so the id is the cursor.
func (s *Store) ListTransactions(ctx context.Context, tenantID string, beforeID snowflake.ID, limit int) ([]domain.CreditTransaction, error) {
	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}

	var rows []domain.CreditTransaction
	err := query.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
