package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	batchrepo "github.com/smallbiznis/checkledger/internal/batchrun/repository"
	"github.com/smallbiznis/checkledger/internal/clock"
	"github.com/smallbiznis/checkledger/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeProcessor struct {
	mu      sync.Mutex
	runs    []snowflake.ID
	tokens  []string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeProcessor) Process(_ context.Context, run *batchdomain.BatchRun, claim batchdomain.Claim) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, run.ID)
	f.tokens = append(f.tokens, claim.Token)
	f.mu.Unlock()

	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Result{RunID: run.ID.String(), Status: batchdomain.RunCompleted, Checks: 2}, nil
}

func (f *fakeProcessor) Runs() []snowflake.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snowflake.ID{}, f.runs...)
}

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	queue *batchrepo.Repository
}

func setup(t *testing.T) *fixture {
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
	require.NoError(t, conn.AutoMigrate(&batchdomain.BatchRun{}, &batchdomain.BatchRunItem{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &fixture{
		db:    conn,
		node:  node,
		clock: clock.NewFakeClock(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)),
		queue: batchrepo.New(conn),
	}
}

func (f *fixture) dispatcher(t *testing.T, processor Processor) *Dispatcher {
	t.Helper()
	d, err := NewWithProcessor(Params{
		Log:   zap.NewNop(),
		Clock: f.clock,
		Queue: f.queue,
	}, processor)
	require.NoError(t, err)
	return d
}

func (f *fixture) enqueue(t *testing.T, key string, createdAt time.Time) *batchdomain.BatchRun {
	t.Helper()
	run := &batchdomain.BatchRun{
		ID:               f.node.Generate(),
		TenantID:         "t1",
		RunType:          batchdomain.RunTypeKeywordCheck,
		Status:           batchdomain.RunPending,
		TotalItems:       1,
		IdempotencyKey:   key,
		SearchRankStatus: batchdomain.SubTaskPending,
		Params:           datatypes.NewJSONType(batchdomain.RunParams{BusinessName: "Acme"}),
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	run.LLMVisibilityStatus = batchdomain.SubTaskDisabled
	run.GeoGridStatus = batchdomain.SubTaskDisabled
	run.ReviewMatchingStatus = batchdomain.SubTaskDisabled
	items := []batchdomain.BatchRunItem{{
		ID:                   f.node.Generate(),
		TenantID:             "t1",
		ReferenceType:        batchdomain.ReferenceKeyword,
		Label:                "plumber",
		Status:               batchdomain.RunPending,
		SearchRankStatus:     batchdomain.SubTaskPending,
		LLMVisibilityStatus:  batchdomain.SubTaskDisabled,
		GeoGridStatus:        batchdomain.SubTaskDisabled,
		ReviewMatchingStatus: batchdomain.SubTaskDisabled,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}}
	stored, _, err := f.queue.Enqueue(context.Background(), run, items)
	require.NoError(t, err)
	return stored
}

func TestDispatch_NoPendingRuns(t *testing.T) {
	f := setup(t)
	processor := &fakeProcessor{}

	res, err := f.dispatcher(t, processor).Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MessageNoPendingRuns, res.Message)
	assert.Empty(t, res.ProcessedRunID)
	assert.Empty(t, processor.Runs())
}

func TestDispatch_ProcessesOnlyTheOldestRun(t *testing.T) {
	f := setup(t)
	now := f.clock.Now()
	newer := f.enqueue(t, "newer", now.Add(-time.Minute))
	older := f.enqueue(t, "older", now.Add(-time.Hour))
	processor := &fakeProcessor{}

	res, err := f.dispatcher(t, processor).Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, older.ID.String(), res.ProcessedRunID)
	assert.Equal(t, batchdomain.RunCompleted, res.Status)
	assert.Equal(t, []snowflake.ID{older.ID}, processor.Runs())
	assert.Len(t, processor.tokens[0], 26)

	untouched, err := f.queue.GetRun(context.Background(), newer.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.RunPending, untouched.Status)
}

func TestDispatch_RecoversStuckRunBeforeClaiming(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()
	stuck := f.enqueue(t, "stuck", now.Add(-2*time.Hour))

	past := now.Add(-time.Hour)
	_, err := f.queue.ClaimOldestPending(ctx, "crashed-worker", past, past.Add(2*time.Minute))
	require.NoError(t, err)

	processor := &fakeProcessor{}
	res, err := f.dispatcher(t, processor).Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Recovered)
	assert.Equal(t, stuck.ID.String(), res.ProcessedRunID)

	stored, err := f.queue.GetRun(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
}

func TestDispatch_OverlappingCallsShareOnePass(t *testing.T) {
	f := setup(t)
	f.enqueue(t, "only", f.clock.Now().Add(-time.Minute))
	processor := &fakeProcessor{entered: make(chan struct{}), release: make(chan struct{})}
	d := f.dispatcher(t, processor)

	results := make([]*Result, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := d.Dispatch(context.Background())
		assert.NoError(t, err)
		results[0] = res
	}()
	<-processor.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := d.Dispatch(context.Background())
		assert.NoError(t, err)
		results[1] = res
	}()
	close(processor.release)
	wg.Wait()

	assert.Len(t, processor.Runs(), 1)
	assert.NotEmpty(t, results[0].ProcessedRunID)
}

func TestDispatch_ProcessorErrorIsReportedNotRaised(t *testing.T) {
	f := setup(t)
	run := f.enqueue(t, "broken", f.clock.Now().Add(-time.Minute))
	processor := &fakeProcessor{err: errors.New("database is locked")}

	res, err := f.dispatcher(t, processor).Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.ID.String(), res.ProcessedRunID)
	assert.Equal(t, batchdomain.RunProcessing, res.Status)
	assert.Equal(t, []string{"database is locked"}, res.Errors)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewWithProcessor(Params{Log: zap.NewNop()}, &fakeProcessor{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 2*time.Minute, cfg.Lease)
	assert.Equal(t, 15*time.Minute, cfg.RecoveryThreshold)
	assert.False(t, cfg.OverlapLock)
}
