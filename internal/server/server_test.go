package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	batchrepo "github.com/smallbiznis/checkledger/internal/batchrun/repository"
	checksdomain "github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/clock"
	"github.com/smallbiznis/checkledger/internal/config"
	creditdomain "github.com/smallbiznis/checkledger/internal/credit/domain"
	"github.com/smallbiznis/checkledger/internal/dispatcher"
	"github.com/smallbiznis/checkledger/internal/observability"
	"github.com/smallbiznis/checkledger/internal/orchestrator"
	"github.com/smallbiznis/checkledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testCronSecret = "s3cret"

type fakeCreditService struct {
	debitErr  error
	lastDebit creditdomain.DebitRequest
	lastList  creditdomain.ListTransactionsRequest
}

func (f *fakeCreditService) EnsureBalance(context.Context, string) error { return nil }

func (f *fakeCreditService) GetBalance(_ context.Context, tenantID string) (*creditdomain.Balance, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, creditdomain.ErrInvalidTenant
	}
	return &creditdomain.Balance{TenantID: tenantID, Included: 5, Purchased: 10, Total: 15}, nil
}

func (f *fakeCreditService) Debit(_ context.Context, req creditdomain.DebitRequest) (*creditdomain.LedgerResult, error) {
	f.lastDebit = req
	if f.debitErr != nil {
		return nil, f.debitErr
	}
	return &creditdomain.LedgerResult{
		Balance:       creditdomain.Balance{TenantID: req.TenantID, Purchased: 90, Total: 90},
		TransactionID: "1",
	}, nil
}

func (f *fakeCreditService) RefundFeature(context.Context, creditdomain.RefundRequest) (*creditdomain.LedgerResult, error) {
	return nil, creditdomain.ErrOriginalDebitNotFound
}

func (f *fakeCreditService) Grant(_ context.Context, req creditdomain.GrantRequest) (*creditdomain.LedgerResult, error) {
	return &creditdomain.LedgerResult{Balance: creditdomain.Balance{TenantID: req.TenantID, Total: req.Amount}}, nil
}

func (f *fakeCreditService) ResetIncluded(context.Context, creditdomain.ResetIncludedRequest) (*creditdomain.LedgerResult, error) {
	return nil, creditdomain.ErrConcurrencyConflict
}

func (f *fakeCreditService) ListTransactions(_ context.Context, req creditdomain.ListTransactionsRequest) (*creditdomain.ListTransactionsResponse, error) {
	f.lastList = req
	if req.PageToken == "garbage" {
		return nil, pagination.ErrInvalidPageToken
	}
	return &creditdomain.ListTransactionsResponse{Transactions: []creditdomain.Transaction{}}, nil
}

func (f *fakeCreditService) GetTransaction(context.Context, string, string, creditdomain.TransactionKind) (*creditdomain.Transaction, error) {
	return nil, nil
}

type fakeChecksService struct {
	submitErr  error
	lastSubmit checksdomain.SubmitRequest
}

func (f *fakeChecksService) Estimate(context.Context, checksdomain.SubmitRequest) (*checksdomain.Estimate, error) {
	return &checksdomain.Estimate{
		Total:     3,
		Breakdown: map[batchdomain.CheckType]int64{batchdomain.CheckSearchRank: 3},
	}, nil
}

func (f *fakeChecksService) Submit(_ context.Context, req checksdomain.SubmitRequest) (*checksdomain.SubmitResponse, error) {
	f.lastSubmit = req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &checksdomain.SubmitResponse{
		RunID:            "42",
		Status:           batchdomain.RunPending,
		EstimatedCredits: 3,
		IdempotencyKey:   req.IdempotencyKey,
	}, nil
}

func (f *fakeChecksService) GetRun(_ context.Context, runID string) (*checksdomain.RunView, error) {
	if runID != "42" {
		return nil, checksdomain.ErrRunNotFound
	}
	return &checksdomain.RunView{ID: "42", TenantID: "t1", Status: batchdomain.RunCompleted}, nil
}

type idleProcessor struct{}

func (idleProcessor) Process(context.Context, *batchdomain.BatchRun, batchdomain.Claim) (*orchestrator.Result, error) {
	return nil, errors.New("unexpected run")
}

type testServer struct {
	engine  *gin.Engine
	credits *fakeCreditService
	checks  *fakeChecksService
}

func newTestServer(t *testing.T, cronSecret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&batchdomain.BatchRun{}, &batchdomain.BatchRunItem{}))

	d, err := dispatcher.NewWithProcessor(dispatcher.Params{
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)),
		Queue: batchrepo.New(conn),
	}, idleProcessor{})
	require.NoError(t, err)

	credits := &fakeCreditService{}
	checks := &fakeChecksService{}
	srv := NewServer(ServerParams{
		Gin:        NewEngine(observability.Config{}, nil),
		Cfg:        config.Config{CronSecret: cronSecret},
		Credits:    credits,
		Checks:     checks,
		Dispatcher: d,
	})
	return &testServer{engine: srv.Engine(), credits: credits, checks: checks}
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestDebitCredits(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	rec := ts.do(http.MethodPost, "/v1/credits/debit",
		`{"tenant_id":"t1","amount":10,"feature_type":"keyword_check","idempotency_key":"k1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res creditdomain.LedgerResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(90), res.Balance.Total)
	assert.Equal(t, "k1", ts.credits.lastDebit.IdempotencyKey)
	assert.Equal(t, int64(10), ts.credits.lastDebit.Amount)
}

func TestDebitCredits_InsufficientCredits(t *testing.T) {
	ts := newTestServer(t, testCronSecret)
	ts.credits.debitErr = fmt.Errorf("debit: %w", &creditdomain.InsufficientCreditsError{Required: 10, Available: 4})

	rec := ts.do(http.MethodPost, "/v1/credits/debit", `{"tenant_id":"t1","amount":10,"idempotency_key":"k1"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	payload := decodeError(t, rec)
	assert.Equal(t, "insufficient_credits", payload.Type)
	require.NotNil(t, payload.Required)
	require.NotNil(t, payload.Available)
	assert.Equal(t, int64(10), *payload.Required)
	assert.Equal(t, int64(4), *payload.Available)
}

func TestCreditErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	rec := ts.do(http.MethodPost, "/v1/credits/debit", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(http.MethodPost, "/v1/credits/refund", `{"tenant_id":"t1","amount":1,"idempotency_key":"k"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "original_debit_not_found", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(http.MethodPost, "/v1/credits/reset-included", `{"tenant_id":"t1","allotment":5,"cycle_key":"2026-10"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "concurrency_conflict", decodeError(t, rec).Type)

	ts.credits.debitErr = creditdomain.ErrIdempotencyKeyMismatch
	rec = ts.do(http.MethodPost, "/v1/credits/debit", `{"tenant_id":"t1","amount":3,"idempotency_key":"k1"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.credits.debitErr = errors.New("connection reset")
	rec = ts.do(http.MethodPost, "/v1/credits/debit", `{"tenant_id":"t1","amount":3,"idempotency_key":"k2"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Type)
}

func TestBalanceAndTransactions(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	rec := ts.do(http.MethodGet, "/v1/credits/t1/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance creditdomain.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, int64(15), balance.Total)

	rec = ts.do(http.MethodGet, "/v1/credits/t1/transactions?page_size=5&page_token=abc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, ts.credits.lastList.PageSize)
	assert.Equal(t, "abc", ts.credits.lastList.PageToken)

	rec = ts.do(http.MethodGet, "/v1/credits/t1/transactions?page_size=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/credits/t1/transactions?page_token=garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_page_token", decodeError(t, rec).Errors[0].Code)
}

func TestSubmitChecks(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	body := `{"tenant_id":"t1","run_type":"keyword_check","items":[{"label":"plumber"}],"checks":{"search_rank":true}}`
	rec := ts.do(http.MethodPost, "/v1/checks", body, map[string]string{"Idempotency-Key": "hdr-key"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res checksdomain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "42", res.RunID)
	assert.Equal(t, "hdr-key", ts.checks.lastSubmit.IdempotencyKey)
	assert.True(t, ts.checks.lastSubmit.Checks.SearchRank)
}

func TestSubmitChecks_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, testCronSecret)
	body := `{"tenant_id":"t1","run_type":"keyword_check","items":[{"label":"plumber"}],"checks":{"search_rank":true}}`

	ts.checks.submitErr = fmt.Errorf("%w: gemini", checksdomain.ErrUnknownLLMProvider)
	rec := ts.do(http.MethodPost, "/v1/checks", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_llm_provider", decodeError(t, rec).Errors[0].Code)

	ts.checks.submitErr = &creditdomain.InsufficientCreditsError{Required: 3, Available: 0}
	rec = ts.do(http.MethodPost, "/v1/checks", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	ts.checks.submitErr = checksdomain.ErrSubmissionCompensated
	rec = ts.do(http.MethodPost, "/v1/checks", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "submission_compensated", decodeError(t, rec).Type)

	ts.checks.submitErr = creditdomain.ErrIdempotencyKeyMismatch
	rec = ts.do(http.MethodPost, "/v1/checks", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_key_mismatch", decodeError(t, rec).Type)

	ts.checks.submitErr = checksdomain.ErrInvalidIdempotencyKey
	rec = ts.do(http.MethodPost, "/v1/checks", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_idempotency_key", decodeError(t, rec).Errors[0].Code)
}

func TestEstimateAndGetRun(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	rec := ts.do(http.MethodPost, "/v1/checks/estimate", `{"tenant_id":"t1","items":[{"label":"x"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"estimated_credits":3,"breakdown":{"search_rank":3}}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/checks/42", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/checks/7", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcess_RequiresCronSecret(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	rec := ts.do(http.MethodGet, "/process", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/process", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/process", "", map[string]string{"Authorization": "Bearer " + testCronSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"no pending runs","recovered":0}`, rec.Body.String())

	rec = ts.do(http.MethodPost, "/process", "", map[string]string{headerCronSecret: testCronSecret})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcess_EmptySecretRejectsEveryone(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/process", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(http.MethodGet, "/process", "", map[string]string{headerCronSecret: ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testCronSecret)

	rec := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
