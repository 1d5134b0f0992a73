package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func setupQueue(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(&domain.BatchRun{}, &domain.BatchRunItem{}))
	return New(conn), conn
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func newRun(node *snowflake.Node, tenantID, key string, createdAt time.Time) (*domain.BatchRun, []domain.BatchRunItem) {
	run := &domain.BatchRun{
		ID:               node.Generate(),
		TenantID:         tenantID,
		RunType:          domain.RunTypeKeywordCheck,
		Status:           domain.RunPending,
		TotalItems:       2,
		EstimatedCredits: 4,
		IdempotencyKey:   key,
		SearchRankStatus: domain.SubTaskPending,
		GeoGridStatus:    domain.SubTaskPending,
		Params:           datatypes.NewJSONType(domain.RunParams{BusinessName: "Acme", DebitKey: "checks:" + key}),
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	run.LLMVisibilityStatus = domain.SubTaskDisabled
	run.ReviewMatchingStatus = domain.SubTaskDisabled

	items := make([]domain.BatchRunItem, 0, 2)
	for i, label := range []string{"plumber", "emergency plumber"} {
		items = append(items, domain.BatchRunItem{
			ID:                   node.Generate(),
			TenantID:             tenantID,
			Position:             i,
			ReferenceType:        domain.ReferenceKeyword,
			Label:                label,
			Status:               domain.RunPending,
			SearchRankStatus:     domain.SubTaskPending,
			GeoGridStatus:        domain.SubTaskPending,
			LLMVisibilityStatus:  domain.SubTaskDisabled,
			ReviewMatchingStatus: domain.SubTaskDisabled,
			CreatedAt:            createdAt,
			UpdatedAt:            createdAt,
		})
	}
	return run, items
}

func TestEnqueue_DuplicateKeyReturnsExistingRun(t *testing.T) {
	repo, conn := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	run, items := newRun(node, "t1", "submit-1", baseTime)
	stored, created, err := repo.Enqueue(ctx, run, items)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, run.ID, stored.ID)

	dup, dupItems := newRun(node, "t1", "submit-1", baseTime.Add(time.Minute))
	existing, created, err := repo.Enqueue(ctx, dup, dupItems)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, existing.ID)

	var count int64
	require.NoError(t, conn.Model(&domain.BatchRunItem{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	loaded, err := repo.ListItems(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "plumber", loaded[0].Label)
	assert.Equal(t, run.ID, loaded[0].BatchRunID)
}

func TestClaimOldestPending_ClaimsOldestOnlyOnce(t *testing.T) {
	repo, _ := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	older, olderItems := newRun(node, "t1", "a", baseTime)
	newer, newerItems := newRun(node, "t1", "b", baseTime.Add(time.Minute))
	_, _, err := repo.Enqueue(ctx, newer, newerItems)
	require.NoError(t, err)
	_, _, err = repo.Enqueue(ctx, older, olderItems)
	require.NoError(t, err)

	now := baseTime.Add(2 * time.Minute)
	lease := now.Add(time.Minute)

	first, err := repo.ClaimOldestPending(ctx, "tok-1", now, lease)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, older.ID, first.ID)
	assert.Equal(t, domain.RunProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	require.NotNil(t, first.StartedAt)

	second, err := repo.ClaimOldestPending(ctx, "tok-2", now, lease)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, newer.ID, second.ID)

	none, err := repo.ClaimOldestPending(ctx, "tok-3", now, lease)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimOldestPending_ConcurrentClaimantsGetDistinctRuns(t *testing.T) {
	repo, _ := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	run, items := newRun(node, "t1", "only", baseTime)
	_, _, err := repo.Enqueue(ctx, run, items)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := repo.ClaimOldestPending(ctx, fmt.Sprintf("tok-%d", i), baseTime, baseTime.Add(time.Minute))
			assert.NoError(t, err)
			if got != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestClaim_ExpiredOrReleasedLeaseIsReclaimable(t *testing.T) {
	repo, _ := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	run, items := newRun(node, "t1", "lease", baseTime)
	_, _, err := repo.Enqueue(ctx, run, items)
	require.NoError(t, err)

	_, err = repo.ClaimOldestPending(ctx, "tok-1", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)

	got, err := repo.ClaimOldestPending(ctx, "tok-2", baseTime.Add(30*time.Second), baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got, "lease still held")

	got, err = repo.ClaimOldestPending(ctx, "tok-2", baseTime.Add(2*time.Minute), baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempts)

	err = repo.UpdateRunSubTask(ctx, domain.Claim{RunID: run.ID, Token: "tok-1"}, domain.CheckSearchRank, domain.SubTaskProcessing, baseTime)
	assert.ErrorIs(t, err, domain.ErrClaimLost)

	claim := domain.Claim{RunID: run.ID, Token: "tok-2"}
	require.NoError(t, repo.ReleaseClaim(ctx, claim, baseTime.Add(2*time.Minute)))

	got, err = repo.ClaimOldestPending(ctx, "tok-3", baseTime.Add(2*time.Minute), baseTime.Add(4*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Attempts)
}

func TestMarkRunTerminal_HappensOnceAndIsNeverReclaimed(t *testing.T) {
	repo, _ := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	run, items := newRun(node, "t1", "term", baseTime)
	_, _, err := repo.Enqueue(ctx, run, items)
	require.NoError(t, err)
	_, err = repo.ClaimOldestPending(ctx, "tok", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)

	claim := domain.Claim{RunID: run.ID, Token: "tok"}
	errs, err := repo.ResolveSubTask(ctx, claim, domain.CheckSearchRank, domain.SubTaskCompleted, "", baseTime)
	require.NoError(t, err)
	assert.Empty(t, errs)
	errs, err = repo.ResolveSubTask(ctx, claim, domain.CheckGeoGrid, domain.SubTaskFailed, "geo_grid: 2 of 2 items failed", baseTime)
	require.NoError(t, err)
	assert.Equal(t, []string{"geo_grid: 2 of 2 items failed"}, errs)
	_, err = repo.ResolveSubTask(ctx, claim, domain.CheckGeoGrid, domain.SubTaskProcessing, "", baseTime)
	assert.ErrorIs(t, err, domain.ErrInvalidTerminal)

	require.NoError(t, repo.UpdateRunProgress(ctx, claim, domain.Progress{Processed: 2, Failed: 2}, baseTime))
	require.NoError(t, repo.MarkRunTerminal(ctx, claim, domain.TerminalUpdate{
		Status:          domain.RunFailed,
		RefundedCredits: 4,
	}, baseTime))

	err = repo.MarkRunTerminal(ctx, claim, domain.TerminalUpdate{Status: domain.RunCompleted}, baseTime)
	assert.ErrorIs(t, err, domain.ErrClaimLost)

	got, err := repo.ClaimOldestPending(ctx, "tok-2", baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Equal(t, 2, stored.ProcessedItems)
	assert.Equal(t, int64(4), stored.RefundedCredits)
	assert.Equal(t, "geo_grid: 2 of 2 items failed", stored.ErrorMessage)
	assert.Equal(t, domain.SubTaskCompleted, stored.SearchRankStatus)
	assert.Equal(t, domain.SubTaskFailed, stored.GeoGridStatus)
	assert.True(t, stored.AllSubTasksTerminal())
	assert.Nil(t, stored.ClaimToken)
	require.NotNil(t, stored.CompletedAt)

	err = repo.MarkRunTerminal(ctx, claim, domain.TerminalUpdate{Status: domain.RunProcessing}, baseTime)
	assert.ErrorIs(t, err, domain.ErrInvalidTerminal)
}

func TestUpdateItemStatus_RequiresClaim(t *testing.T) {
	repo, _ := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	run, items := newRun(node, "t1", "items", baseTime)
	_, _, err := repo.Enqueue(ctx, run, items)
	require.NoError(t, err)

	item := items[0]
	item.SetSubTaskStatus(domain.CheckSearchRank, domain.SubTaskCompleted)
	item.SetResult(domain.CheckSearchRank, domain.CheckResult{Metric: map[string]any{"position": 3}})
	item.Settle()

	err = repo.UpdateItemStatus(ctx, domain.Claim{RunID: run.ID, Token: "nobody"}, &item, domain.CheckSearchRank, baseTime)
	assert.ErrorIs(t, err, domain.ErrClaimLost)

	_, err = repo.ClaimOldestPending(ctx, "tok", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateItemStatus(ctx, domain.Claim{RunID: run.ID, Token: "tok"}, &item, domain.CheckSearchRank, baseTime))

	loaded, err := repo.ListItems(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubTaskCompleted, loaded[0].SearchRankStatus)
	assert.Equal(t, domain.SubTaskPending, loaded[0].GeoGridStatus)
	assert.Equal(t, domain.RunPending, loaded[0].Status)
	assert.Empty(t, loaded[0].ResultError(domain.CheckSearchRank))
	assert.Contains(t, loaded[0].Result, "search_rank")
}

func TestResetStaleClaims_ReturnsAbandonedRunsToPending(t *testing.T) {
	repo, _ := setupQueue(t)
	node := mustNode(t)
	ctx := context.Background()

	run, items := newRun(node, "t1", "stale", baseTime)
	_, _, err := repo.Enqueue(ctx, run, items)
	require.NoError(t, err)
	_, err = repo.ClaimOldestPending(ctx, "tok", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)

	n, err := repo.ResetStaleClaims(ctx, baseTime.Add(30*time.Second), baseTime.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	now := baseTime.Add(30 * time.Minute)
	n, err = repo.ResetStaleClaims(ctx, now, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, stored.Status)
	assert.Nil(t, stored.ClaimToken)
}

func TestClaimOldestPending_SkipsCandidateTakenByAnotherClaimant(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := New(conn)

	mock.ExpectQuery(`SELECT id FROM batch_runs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)).AddRow(int64(12)))
	mock.ExpectExec(`UPDATE batch_runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE batch_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "batch_runs" WHERE id = `).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "status", "claim_token"}).
			AddRow(int64(12), "t1", "processing", "tok"))

	run, err := repo.ClaimOldestPending(context.Background(), "tok", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, snowflake.ID(12), run.ID)
	assert.Equal(t, domain.RunProcessing, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
