package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	batchrepo "github.com/smallbiznis/checkledger/internal/batchrun/repository"
	checksdomain "github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/runner"
	"github.com/smallbiznis/checkledger/internal/clock"
	creditdomain "github.com/smallbiznis/checkledger/internal/credit/domain"
	obscontext "github.com/smallbiznis/checkledger/internal/observability/context"
	obslogger "github.com/smallbiznis/checkledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/checkledger/internal/observability/metrics"
	"github.com/smallbiznis/checkledger/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const tracerName = "checkledger/orchestrator"

var ErrInvalidConfig = errors.New("invalid_orchestrator_config")

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Queue   *batchrepo.Repository
	Runners *runner.Registry
	Credits creditdomain.Service
	Config  Config `optional:"true"`
}

// Orchestrator advances a claimed batch run. Every decision is derived from persisted status
// columns, so a pass that stops early is resumed by the next claimant.
type Orchestrator struct {
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	queue   *batchrepo.Repository
	runners *runner.Registry
	credits creditdomain.Service
}

// Result describes what one pass did to a run.
type Result struct {
	RunID           string
	Status          batchdomain.RunStatus
	Errors          []string
	Checks          int
	Deferred        bool
	RefundedCredits int64
}

type pass struct {
	run        *batchdomain.BatchRun
	claim      batchdomain.Claim
	items      []batchdomain.BatchRunItem
	log        *zap.Logger
	checks     int
	leaseUntil time.Time
	stopped    bool
	deferred   bool
}

func New(p Params) (*Orchestrator, error) {
	if p.Log == nil || p.Clock == nil || p.Queue == nil || p.Runners == nil || p.Credits == nil {
		return nil, ErrInvalidConfig
	}
	return &Orchestrator{
		log:     p.Log.Named("orchestrator"),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		queue:   p.Queue,
		runners: p.Runners,
		credits: p.Credits,
	}, nil
}

// Process runs every non-terminal sub-task of run until the run is terminal or the pass budget
// is spent. An unfinished run is released so the next pass can claim it immediately.
func (o *Orchestrator) Process(ctx context.Context, run *batchdomain.BatchRun, claim batchdomain.Claim) (res *Result, err error) {
	if run == nil {
		return nil, batchdomain.ErrRunNotFound
	}
	ctx = obscontext.WithRunID(obscontext.WithTenantID(ctx, run.TenantID), run.ID.String())
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.process",
		attribute.String("run_id", run.ID.String()),
		attribute.String("run_type", string(run.RunType)),
		attribute.Int("attempt", run.Attempts),
	)
	defer func() { tracing.EndSpan(span, err) }()

	items, err := o.queue.ListItems(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	p := &pass{
		run:   run,
		claim: claim,
		items: items,
		log:   obslogger.WithContext(ctx, o.log).With(zap.Int("attempt", run.Attempts)),
	}
	if run.LeaseExpiresAt != nil {
		p.leaseUntil = *run.LeaseExpiresAt
	}

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.PassBudget)
	defer cancel()

	for _, checkType := range run.EnabledCheckTypes() {
		if run.SubTaskStatus(checkType).IsTerminal() {
			continue
		}
		if err := o.processSubTask(ctx, execCtx, p, checkType); err != nil {
			return nil, err
		}
		if p.stopped {
			break
		}
	}

	if !run.AllSubTasksTerminal() {
		if err := o.queue.ReleaseClaim(ctx, claim, o.clock.Now()); err != nil {
			return nil, err
		}
		p.log.Info("batch run paused",
			zap.Int("checks", p.checks),
			zap.Bool("deferred", p.deferred),
			zap.Int("processed_items", run.ProcessedItems),
		)
		return o.result(p, batchdomain.RunProcessing, 0), nil
	}
	return o.finish(ctx, p)
}

func (o *Orchestrator) processSubTask(ctx, execCtx context.Context, p *pass, checkType batchdomain.CheckType) error {
	checkRunner, lookupErr := o.runners.Get(checkType)

	if p.run.SubTaskStatus(checkType) != batchdomain.SubTaskProcessing {
		if err := o.queue.UpdateRunSubTask(ctx, p.claim, checkType, batchdomain.SubTaskProcessing, o.clock.Now()); err != nil {
			return err
		}
		p.run.SetSubTaskStatus(checkType, batchdomain.SubTaskProcessing)
	}

	for i := range p.items {
		item := &p.items[i]
		status := item.SubTaskStatus(checkType)
		if !status.IsEnabled() || status.IsTerminal() {
			continue
		}
		if p.checks >= o.cfg.MaxChecksPerPass || execCtx.Err() != nil {
			p.stopped = true
			return nil
		}
		p.checks++

		var metric checksdomain.Metric
		execErr := lookupErr
		if execErr == nil {
			metric, execErr = o.execute(execCtx, checkRunner, p.run, item)
		}
		if errors.Is(execErr, checksdomain.ErrCheckDeferred) {
			p.stopped = true
			p.deferred = true
			return nil
		}
		if execErr != nil && execCtx.Err() != nil {
			// Cut off by the pass budget, not a provider failure.
			p.stopped = true
			return nil
		}

		if err := o.recordItem(ctx, p, item, checkType, metric, execErr); err != nil {
			return err
		}
		if err := o.keepLease(ctx, p); err != nil {
			return err
		}
	}
	return o.resolve(ctx, p, checkType)
}

func (o *Orchestrator) execute(ctx context.Context, checkRunner checksdomain.Runner, run *batchdomain.BatchRun, item *batchdomain.BatchRunItem) (metric checksdomain.Metric, err error) {
	checkType := checkRunner.Type()
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.check",
		attribute.String("check_type", string(checkType)),
		attribute.String("item_id", item.ID.String()),
	)
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	metric, err = checkRunner.Execute(ctx, checksdomain.CheckRequest{Run: run, Item: item})

	outcome := obsmetrics.CheckOutcomeCompleted
	switch {
	case errors.Is(err, checksdomain.ErrCheckDeferred):
		outcome = obsmetrics.CheckOutcomeDeferred
	case err != nil:
		outcome = obsmetrics.CheckOutcomeFailed
	}
	obsmetrics.Dispatch().ObserveCheck(string(checkType), outcome, time.Since(start))
	return metric, err
}

func (o *Orchestrator) recordItem(ctx context.Context, p *pass, item *batchdomain.BatchRunItem, checkType batchdomain.CheckType, metric checksdomain.Metric, execErr error) error {
	if execErr != nil {
		checkErr := checksdomain.NewCheckError(checkType, item, execErr)
		p.log.Warn("check failed", zap.String("check_type", string(checkType)), zap.Error(checkErr))
		item.SetSubTaskStatus(checkType, batchdomain.SubTaskFailed)
		item.SetResult(checkType, batchdomain.CheckResult{Error: execErr.Error()})
	} else {
		item.SetSubTaskStatus(checkType, batchdomain.SubTaskCompleted)
		item.SetResult(checkType, batchdomain.CheckResult{Metric: map[string]any(metric)})
	}
	if item.Status == batchdomain.RunPending {
		item.Status = batchdomain.RunProcessing
	}
	item.Settle()

	now := o.clock.Now()
	if err := o.queue.UpdateItemStatus(ctx, p.claim, item, checkType, now); err != nil {
		return err
	}

	progress := progressOf(p.items)
	if progress.Processed == p.run.ProcessedItems &&
		progress.Successful == p.run.SuccessfulItems &&
		progress.Failed == p.run.FailedItems {
		return nil
	}
	if err := o.queue.UpdateRunProgress(ctx, p.claim, progress, now); err != nil {
		return err
	}
	p.run.ProcessedItems = progress.Processed
	p.run.SuccessfulItems = progress.Successful
	p.run.FailedItems = progress.Failed
	return nil
}

// resolve settles a sub-task whose items are all terminal. A failed sub-task contributes
// exactly one aggregated error.
func (o *Orchestrator) resolve(ctx context.Context, p *pass, checkType batchdomain.CheckType) error {
	total, failed := 0, 0
	firstErr := ""
	for i := range p.items {
		item := &p.items[i]
		status := item.SubTaskStatus(checkType)
		if !status.IsEnabled() {
			continue
		}
		total++
		if status == batchdomain.SubTaskFailed {
			failed++
			if firstErr == "" {
				firstErr = item.ResultError(checkType)
			}
		}
	}

	status := batchdomain.SubTaskCompleted
	msg := ""
	if failed > 0 {
		status = batchdomain.SubTaskFailed
		msg = fmt.Sprintf("%s: %d of %d items failed: %s", checkType, failed, total, firstErr)
	}
	errs, err := o.queue.ResolveSubTask(ctx, p.claim, checkType, status, msg, o.clock.Now())
	if err != nil {
		return err
	}
	p.run.SetSubTaskStatus(checkType, status)
	p.run.Errors = datatypes.NewJSONSlice(errs)
	p.log.Info("sub-task resolved",
		zap.String("check_type", string(checkType)),
		zap.String("status", string(status)),
		zap.Int("failed_items", failed),
	)
	return nil
}

// finish marks the run terminal. A failed run with no successful check is refunded in full
// before the terminal write, so a crash in between retries the refund under the same key.
func (o *Orchestrator) finish(ctx context.Context, p *pass) (*Result, error) {
	run := p.run
	status := batchdomain.RunCompleted
	if len(run.Errors) > 0 {
		status = batchdomain.RunFailed
	}

	var refunded int64
	if status == batchdomain.RunFailed && successfulChecks(p.items) == 0 {
		amount, err := o.refund(ctx, run)
		if err != nil {
			p.log.Error("refund for failed run did not commit", zap.Error(err))
			if releaseErr := o.queue.ReleaseClaim(ctx, p.claim, o.clock.Now()); releaseErr != nil {
				return nil, errors.Join(err, releaseErr)
			}
			return nil, err
		}
		refunded = amount
	}

	err := o.queue.MarkRunTerminal(ctx, p.claim, batchdomain.TerminalUpdate{
		Status:          status,
		ErrorSummary:    strings.Join(run.Errors, "; "),
		RefundedCredits: refunded,
		ActualUsed:      run.EstimatedCredits - refunded,
	}, o.clock.Now())
	if err != nil {
		return nil, err
	}
	run.Status = status
	run.RefundedCredits = refunded
	run.ActualCreditsUsed = run.EstimatedCredits - refunded
	obsmetrics.Dispatch().IncRunTransition(string(batchdomain.RunProcessing), string(status))

	p.log.Info("batch run finished",
		zap.String("status", string(status)),
		zap.Int("processed_items", run.ProcessedItems),
		zap.Int("failed_items", run.FailedItems),
		zap.Int64("refunded_credits", refunded),
	)
	return o.result(p, status, refunded), nil
}

func (o *Orchestrator) refund(ctx context.Context, run *batchdomain.BatchRun) (int64, error) {
	debitKey := run.Params.Data().DebitKey
	if run.EstimatedCredits <= 0 || debitKey == "" {
		return 0, nil
	}
	res, err := o.credits.RefundFeature(ctx, creditdomain.RefundRequest{
		TenantID:    run.TenantID,
		Amount:      run.EstimatedCredits,
		FeatureType: string(run.RunType),
		FeatureMetadata: map[string]any{
			"run_id": run.ID.String(),
			"reason": "all_checks_failed",
		},
		IdempotencyKey: debitKey,
		Description:    "batch run failed without a successful check",
	})
	if err != nil {
		return 0, err
	}
	if !res.Replayed {
		obsmetrics.Dispatch().IncRefund()
	}
	return run.EstimatedCredits, nil
}

func (o *Orchestrator) keepLease(ctx context.Context, p *pass) error {
	now := o.clock.Now()
	if !p.leaseUntil.IsZero() && p.leaseUntil.Sub(now) > o.cfg.Lease/2 {
		return nil
	}
	until := now.Add(o.cfg.Lease)
	if err := o.queue.ExtendLease(ctx, p.claim, until, now); err != nil {
		return err
	}
	p.leaseUntil = until
	return nil
}

func (o *Orchestrator) result(p *pass, status batchdomain.RunStatus, refunded int64) *Result {
	return &Result{
		RunID:           p.run.ID.String(),
		Status:          status,
		Errors:          append([]string{}, p.run.Errors...),
		Checks:          p.checks,
		Deferred:        p.deferred,
		RefundedCredits: refunded,
	}
}

func progressOf(items []batchdomain.BatchRunItem) batchdomain.Progress {
	var progress batchdomain.Progress
	for i := range items {
		switch items[i].Status {
		case batchdomain.RunCompleted:
			progress.Processed++
			progress.Successful++
		case batchdomain.RunFailed:
			progress.Processed++
			progress.Failed++
		}
	}
	return progress
}

func successfulChecks(items []batchdomain.BatchRunItem) int {
	count := 0
	for i := range items {
		for _, checkType := range batchdomain.CheckTypes {
			if items[i].SubTaskStatus(checkType) == batchdomain.SubTaskCompleted {
				count++
			}
		}
	}
	return count
}
