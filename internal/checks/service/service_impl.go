package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	batchrepo "github.com/smallbiznis/checkledger/internal/batchrun/repository"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/providers"
	"github.com/smallbiznis/checkledger/internal/checks/runner"
	"github.com/smallbiznis/checkledger/internal/clock"
	"github.com/smallbiznis/checkledger/internal/config"
	creditdomain "github.com/smallbiznis/checkledger/internal/credit/domain"
	"github.com/smallbiznis/checkledger/internal/credit/idempotency"
	obslogger "github.com/smallbiznis/checkledger/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	MaxItemsPerRun = 100
	debitKeyPrefix = "checks:"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Credits creditdomain.Service
	Queue   *batchrepo.Repository
	Pricing *config.PricingConfigHolder
	Probers map[string]providers.Prober
	Guard   *idempotency.Guard `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	credits creditdomain.Service
	queue   *batchrepo.Repository
	pricing *config.PricingConfigHolder
	probers map[string]providers.Prober
	guard   *idempotency.Guard
}

func NewService(p Params) domain.Service {
	guard := p.Guard
	if guard == nil {
		guard = idempotency.NewGuard()
	}
	return &Service{
		log:     p.Log.Named("checks.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		credits: p.Credits,
		queue:   p.Queue,
		pricing: p.Pricing,
		probers: p.Probers,
		guard:   guard,
	}
}

func (s *Service) Estimate(ctx context.Context, req domain.SubmitRequest) (*domain.Estimate, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	return s.estimate(req), nil
}

// Submit debits the estimated cost, then enqueues the run. Nothing is enqueued without a
// committed debit, and a failed enqueue refunds the debit. A key reused for a different
// request is rejected with ErrIdempotencyKeyMismatch.
func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResponse, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	log := obslogger.WithTenant(obslogger.WithContext(ctx, s.log), req.TenantID)
	hash, err := fingerprint(req)
	if err != nil {
		return nil, err
	}
	estimate := s.estimate(req)

	existing, err := s.queue.FindByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return replayRun(existing, req, estimate, hash)
	}

	debitKey := debitKeyPrefix + req.IdempotencyKey
	if estimate.Total > 0 {
		if err := s.debit(ctx, req, estimate, debitKey, hash); err != nil {
			return nil, err
		}
	}

	run, items := s.buildRun(req, estimate, debitKey, hash)
	stored, created, err := s.queue.Enqueue(ctx, run, items)
	if err != nil {
		if estimate.Total == 0 {
			return nil, err
		}
		log.Error("enqueue failed after debit, refunding", zap.String("debit_key", debitKey), zap.Error(err))
		if _, refundErr := s.credits.RefundFeature(ctx, creditdomain.RefundRequest{
			TenantID:       req.TenantID,
			Amount:         estimate.Total,
			FeatureType:    string(req.RunType),
			IdempotencyKey: debitKey,
			Description:    "enqueue failed",
		}); refundErr != nil {
			log.Error("compensating refund failed", zap.String("debit_key", debitKey), zap.Error(refundErr))
			return nil, errors.Join(err, refundErr)
		}
		return nil, err
	}
	if !created {
		return replayRun(stored, req, estimate, hash)
	}

	log.Info("check run submitted",
		zap.String("run_id", stored.ID.String()),
		zap.String("run_type", string(stored.RunType)),
		zap.Int("items", stored.TotalItems),
		zap.Int64("estimated_credits", stored.EstimatedCredits),
	)
	return submitResponse(stored, req.IdempotencyKey, false), nil
}

func (s *Service) debit(ctx context.Context, req domain.SubmitRequest, estimate *domain.Estimate, debitKey, hash string) error {
	res, err := s.credits.Debit(ctx, creditdomain.DebitRequest{
		TenantID:       req.TenantID,
		Amount:         estimate.Total,
		FeatureType:    string(req.RunType),
		IdempotencyKey: debitKey,
		Description:    fmt.Sprintf("%s: %d items", req.RunType, len(req.Items)),
		FeatureMetadata: map[string]any{
			"run_type":     string(req.RunType),
			"items":        len(req.Items),
			"checks":       checkNames(req.Checks.Enabled()),
			"breakdown":    estimate.Breakdown,
			"request_hash": hash,
		},
	})
	if err != nil {
		return err
	}
	if !res.Replayed {
		return nil
	}

	// A replayed debit with no run means an earlier attempt died before enqueueing, unless that
	// attempt already refunded itself.
	prior, err := s.credits.GetTransaction(ctx, req.TenantID, debitKey, creditdomain.KindDebit)
	if err != nil {
		return err
	}
	if prior != nil {
		if got, ok := prior.FeatureMetadata["request_hash"].(string); ok && got != hash {
			return creditdomain.ErrIdempotencyKeyMismatch
		}
	}
	refund, err := s.credits.GetTransaction(ctx, req.TenantID, debitKey, creditdomain.KindRefund)
	if err != nil {
		return err
	}
	if refund != nil {
		return domain.ErrSubmissionCompensated
	}
	return nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (*domain.RunView, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(runID))
	if err != nil {
		return nil, domain.ErrRunNotFound
	}
	run, err := s.queue.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, batchdomain.ErrRunNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}
	items, err := s.queue.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return runView(run, items), nil
}

func (s *Service) normalize(req *domain.SubmitRequest) error {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return domain.ErrInvalidTenant
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		// The ledger sees the key with debitKeyPrefix in front, under its own length limit.
		if _, err := s.guard.Caller(debitKeyPrefix + req.IdempotencyKey); err != nil {
			return domain.ErrInvalidIdempotencyKey
		}
	}
	req.TriggeredBy = strings.TrimSpace(req.TriggeredBy)
	if req.RunType == "" {
		req.RunType = batchdomain.RunTypeConceptCheck
	}
	switch req.RunType {
	case batchdomain.RunTypeConceptCheck, batchdomain.RunTypeKeywordCheck, batchdomain.RunTypeQuestionCheck:
	default:
		return domain.ErrInvalidRunType
	}

	if len(req.Items) == 0 {
		return domain.ErrNoItems
	}
	if len(req.Items) > MaxItemsPerRun {
		return domain.ErrTooManyItems
	}
	for i := range req.Items {
		item := &req.Items[i]
		item.ReferenceID = strings.TrimSpace(item.ReferenceID)
		item.Label = strings.TrimSpace(item.Label)
		if item.Label == "" {
			return fmt.Errorf("%w: item %d has no label", domain.ErrInvalidItem, i)
		}
		if item.ReferenceType == "" {
			item.ReferenceType = batchdomain.ReferenceKeyword
		}
	}

	enabled := req.Checks.Enabled()
	if len(enabled) == 0 {
		return domain.ErrNoChecksEnabled
	}

	params := &req.Params
	params.BusinessName = strings.TrimSpace(params.BusinessName)
	params.DebitKey = ""
	params.RequestHash = ""
	if req.Checks.LLMVisibility {
		names, err := s.resolveProviders(params.LLMProviders)
		if err != nil {
			return err
		}
		params.LLMProviders = names
	} else {
		params.LLMProviders = nil
	}
	if req.Checks.GeoGrid {
		params.GridSize = runner.GridSize(params.GridSize)
	}
	return nil
}

func (s *Service) resolveProviders(requested []string) ([]string, error) {
	if len(requested) == 0 {
		names := make([]string, 0, len(s.probers))
		for name := range s.probers {
			names = append(names, name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: no llm provider configured", domain.ErrUnknownLLMProvider)
		}
		sort.Strings(names)
		return names, nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := s.probers[name]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownLLMProvider, name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) estimate(req domain.SubmitRequest) *domain.Estimate {
	price := s.pricing.Get()
	items := int64(len(req.Items))
	breakdown := map[batchdomain.CheckType]int64{}

	for _, ct := range req.Checks.Enabled() {
		var cost int64
		switch ct {
		case batchdomain.CheckSearchRank:
			cost = price.SearchRankPerItem * items
		case batchdomain.CheckLLMVisibility:
			cost = price.LLMVisibilityPerProvider * int64(len(req.Params.LLMProviders)) * items
		case batchdomain.CheckGeoGrid:
			size := int64(req.Params.GridSize)
			cost = price.GeoGridPerPoint * size * size * items
		case batchdomain.CheckReviewMatching:
			cost = price.ReviewMatchingPerItem * items
		}
		breakdown[ct] = cost
	}

	total := int64(0)
	for _, cost := range breakdown {
		total += cost
	}
	return &domain.Estimate{Total: total, Breakdown: breakdown}
}

func (s *Service) buildRun(req domain.SubmitRequest, estimate *domain.Estimate, debitKey, hash string) (*batchdomain.BatchRun, []batchdomain.BatchRunItem) {
	now := s.clock.Now()
	params := req.Params
	params.DebitKey = debitKey
	params.RequestHash = hash

	run := &batchdomain.BatchRun{
		ID:               s.genID.Generate(),
		TenantID:         req.TenantID,
		RunType:          req.RunType,
		Status:           batchdomain.RunPending,
		TotalItems:       len(req.Items),
		EstimatedCredits: estimate.Total,
		TriggeredBy:      req.TriggeredBy,
		IdempotencyKey:   req.IdempotencyKey,
		Errors:           datatypes.NewJSONSlice([]string{}),
		Params:           datatypes.NewJSONType(params),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	enabled := map[batchdomain.CheckType]bool{}
	for _, ct := range req.Checks.Enabled() {
		enabled[ct] = true
	}
	for _, ct := range batchdomain.CheckTypes {
		run.SetSubTaskStatus(ct, subTaskFor(enabled[ct]))
	}

	items := make([]batchdomain.BatchRunItem, 0, len(req.Items))
	for i, in := range req.Items {
		item := batchdomain.BatchRunItem{
			ID:            s.genID.Generate(),
			BatchRunID:    run.ID,
			TenantID:      req.TenantID,
			Position:      i,
			ReferenceID:   in.ReferenceID,
			ReferenceType: in.ReferenceType,
			Label:         in.Label,
			Status:        batchdomain.RunPending,
			Result:        datatypes.JSONMap{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for _, ct := range batchdomain.CheckTypes {
			item.SetSubTaskStatus(ct, subTaskFor(enabled[ct]))
		}
		items = append(items, item)
	}
	return run, items
}

func subTaskFor(enabled bool) batchdomain.SubTaskStatus {
	if enabled {
		return batchdomain.SubTaskPending
	}
	return batchdomain.SubTaskDisabled
}

func checkNames(types []batchdomain.CheckType) []string {
	out := make([]string, 0, len(types))
	for _, ct := range types {
		out = append(out, string(ct))
	}
	return out
}

func submitResponse(run *batchdomain.BatchRun, key string, replayed bool) *domain.SubmitResponse {
	return &domain.SubmitResponse{
		RunID:            run.ID.String(),
		Status:           run.Status,
		EstimatedCredits: run.EstimatedCredits,
		IdempotencyKey:   key,
		Replayed:         replayed,
	}
}

func subTasksOf(get func(batchdomain.CheckType) batchdomain.SubTaskStatus) domain.SubTasks {
	out := domain.SubTasks{}
	for _, ct := range batchdomain.CheckTypes {
		out[ct] = get(ct)
	}
	return out
}

func runView(run *batchdomain.BatchRun, items []batchdomain.BatchRunItem) *domain.RunView {
	view := &domain.RunView{
		ID:                run.ID.String(),
		TenantID:          run.TenantID,
		RunType:           run.RunType,
		Status:            run.Status,
		SubTasks:          subTasksOf(run.SubTaskStatus),
		TotalItems:        run.TotalItems,
		ProcessedItems:    run.ProcessedItems,
		SuccessfulItems:   run.SuccessfulItems,
		FailedItems:       run.FailedItems,
		EstimatedCredits:  run.EstimatedCredits,
		ActualCreditsUsed: run.ActualCreditsUsed,
		RefundedCredits:   run.RefundedCredits,
		Errors:            append([]string{}, run.Errors...),
		TriggeredBy:       run.TriggeredBy,
		CreatedAt:         run.CreatedAt,
		StartedAt:         run.StartedAt,
		CompletedAt:       run.CompletedAt,
		Items:             make([]domain.ItemView, 0, len(items)),
	}
	for i := range items {
		item := &items[i]
		view.Items = append(view.Items, domain.ItemView{
			ID:            item.ID.String(),
			Position:      item.Position,
			ReferenceID:   item.ReferenceID,
			ReferenceType: item.ReferenceType,
			Label:         item.Label,
			Status:        item.Status,
			SubTasks:      subTasksOf(item.SubTaskStatus),
			Result:        map[string]any(item.Result),
		})
	}
	return view
}
