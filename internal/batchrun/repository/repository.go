package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	claimCandidateLimit = 5
	itemInsertBatchSize = 200
)

// Repository is the durable batch run queue.
type Repository struct {
	db *gorm.DB
}

func New(conn *gorm.DB) *Repository {
	return &Repository{db: conn}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// Enqueue inserts run and its items in one transaction. When (tenant_id, idempotency_key) already
// exists the stored run is returned with created=false and nothing is written.
func (r *Repository) Enqueue(ctx context.Context, run *domain.BatchRun, items []domain.BatchRunItem) (*domain.BatchRun, bool, error) {
	if run == nil || len(items) == 0 {
		return nil, false, domain.ErrNoItems
	}

	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(run)
		if result.Error != nil {
			if db.IsDuplicateKeyErr(result.Error) {
				return nil
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		for i := range items {
			items[i].BatchRunID = run.ID
		}
		if err := tx.CreateInBatches(items, itemInsertBatchSize).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return run, true, nil
	}

	existing, err := r.FindByIdempotencyKey(ctx, run.TenantID, run.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, domain.ErrRunNotFound
	}
	return existing, false, nil
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.BatchRun, error) {
	var run domain.BatchRun
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (r *Repository) GetRun(ctx context.Context, runID snowflake.ID) (*domain.BatchRun, error) {
	var run domain.BatchRun
	err := r.db.WithContext(ctx).Where("id = ?", runID).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *Repository) ListItems(ctx context.Context, runID snowflake.ID) ([]domain.BatchRunItem, error) {
	var items []domain.BatchRunItem
	err := r.db.WithContext(ctx).
		Where("batch_run_id = ?", runID).
		Order("position ASC").
		Find(&items).Error
	return items, err
}

// ClaimOldestPending atomically moves the oldest eligible run to processing under token.
// Eligible runs are pending, or processing with a released or expired lease. A caller that
// loses the race on a candidate sees zero affected rows and tries the next one.
func (r *Repository) ClaimOldestPending(ctx context.Context, token string, now, leaseUntil time.Time) (*domain.BatchRun, error) {
	var candidates []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT id FROM batch_runs
		 WHERE status = ?
		    OR (status = ? AND (claim_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?))
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		domain.RunPending,
		domain.RunProcessing,
		now,
		claimCandidateLimit,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, id := range candidates {
		result := r.db.WithContext(ctx).Exec(
			`UPDATE batch_runs
			 SET status = ?,
			     claim_token = ?,
			     lease_expires_at = ?,
			     attempts = attempts + 1,
			     started_at = COALESCE(started_at, ?),
			     updated_at = ?
			 WHERE id = ?
			   AND (status = ?
			    OR (status = ? AND (claim_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)))`,
			domain.RunProcessing,
			token,
			leaseUntil,
			now,
			now,
			id,
			domain.RunPending,
			domain.RunProcessing,
			now,
		)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		return r.GetRun(ctx, id)
	}
	return nil, nil
}

// ResetStaleClaims returns processing runs whose lease ended before cutoff to pending.
func (r *Repository) ResetStaleClaims(ctx context.Context, now, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE batch_runs
		 SET status = ?,
		     claim_token = NULL,
		     lease_expires_at = NULL,
		     updated_at = ?
		 WHERE status = ?
		   AND updated_at < ?
		   AND (lease_expires_at IS NULL OR lease_expires_at < ?)`,
		domain.RunPending,
		now,
		domain.RunProcessing,
		cutoff,
		now,
	)
	return result.RowsAffected, result.Error
}

func (r *Repository) ExtendLease(ctx context.Context, claim domain.Claim, until, now time.Time) error {
	return r.updateClaimed(ctx, claim, map[string]any{
		"lease_expires_at": until,
		"updated_at":       now,
	})
}

// ReleaseClaim keeps the run processing but lets the next pass claim it immediately.
func (r *Repository) ReleaseClaim(ctx context.Context, claim domain.Claim, now time.Time) error {
	return r.updateClaimed(ctx, claim, map[string]any{
		"claim_token":      nil,
		"lease_expires_at": nil,
		"updated_at":       now,
	})
}

func (r *Repository) UpdateRunSubTask(ctx context.Context, claim domain.Claim, checkType domain.CheckType, status domain.SubTaskStatus, now time.Time) error {
	if !checkType.Valid() {
		return domain.ErrInvalidCheckType
	}
	return r.updateClaimed(ctx, claim, map[string]any{
		checkType.StatusColumn(): status,
		"updated_at":             now,
	})
}

func (r *Repository) UpdateRunProgress(ctx context.Context, claim domain.Claim, progress domain.Progress, now time.Time) error {
	return r.updateClaimed(ctx, claim, map[string]any{
		"processed_items":  progress.Processed,
		"successful_items": progress.Successful,
		"failed_items":     progress.Failed,
		"updated_at":       now,
	})
}

// ResolveSubTask sets the terminal status of checkType and, when errMsg is set, appends it to the
// run's error list in the same transaction. It returns the resulting error list.
func (r *Repository) ResolveSubTask(ctx context.Context, claim domain.Claim, checkType domain.CheckType, status domain.SubTaskStatus, errMsg string, now time.Time) ([]string, error) {
	if !checkType.Valid() {
		return nil, domain.ErrInvalidCheckType
	}
	if !status.IsTerminal() {
		return nil, domain.ErrInvalidTerminal
	}
	var errs []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.BatchRun
		err := claimed(tx, claim).Take(&run).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrClaimLost
			}
			return err
		}

		errs = append([]string{}, run.Errors...)
		values := map[string]any{
			checkType.StatusColumn(): status,
			"updated_at":             now,
		}
		if errMsg != "" {
			errs = append(errs, errMsg)
			values["errors"] = datatypes.NewJSONSlice(errs)
			values["error_message"] = strings.Join(errs, "; ")
		}
		return r.WithTx(tx).updateClaimed(ctx, claim, values)
	})
	return errs, err
}

// MarkRunTerminal finishes the run and drops the claim. It succeeds once; afterwards the run no
// longer matches any claimed predicate.
func (r *Repository) MarkRunTerminal(ctx context.Context, claim domain.Claim, update domain.TerminalUpdate, now time.Time) error {
	if !update.Status.IsTerminal() {
		return domain.ErrInvalidTerminal
	}
	values := map[string]any{
		"status":              update.Status,
		"refunded_credits":    update.RefundedCredits,
		"actual_credits_used": update.ActualUsed,
		"claim_token":         nil,
		"lease_expires_at":    nil,
		"completed_at":        now,
		"updated_at":          now,
	}
	if update.ErrorSummary != "" {
		values["error_message"] = update.ErrorSummary
	}
	return r.updateClaimed(ctx, claim, values)
}

// UpdateItemStatus persists item's status columns and result for checkType while the claim holds.
func (r *Repository) UpdateItemStatus(ctx context.Context, claim domain.Claim, item *domain.BatchRunItem, checkType domain.CheckType, now time.Time) error {
	if !checkType.Valid() {
		return domain.ErrInvalidCheckType
	}
	result := r.db.WithContext(ctx).
		Model(&domain.BatchRunItem{}).
		Where("id = ? AND batch_run_id = ?", item.ID, claim.RunID).
		Where("EXISTS (SELECT 1 FROM batch_runs WHERE id = ? AND status = ? AND claim_token = ?)",
			claim.RunID, domain.RunProcessing, claim.Token).
		Updates(map[string]any{
			checkType.StatusColumn(): item.SubTaskStatus(checkType),
			"status":                 item.Status,
			"result":                 item.Result,
			"updated_at":             now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrClaimLost
	}
	item.UpdatedAt = now
	return nil
}

func (r *Repository) updateClaimed(ctx context.Context, claim domain.Claim, values map[string]any) error {
	result := claimed(r.db.WithContext(ctx).Model(&domain.BatchRun{}), claim).Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func claimed(query *gorm.DB, claim domain.Claim) *gorm.DB {
	return query.Where("id = ? AND status = ? AND claim_token = ?", claim.RunID, domain.RunProcessing, claim.Token)
}
