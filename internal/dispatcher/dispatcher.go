package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	batchrepo "github.com/smallbiznis/checkledger/internal/batchrun/repository"
	"github.com/smallbiznis/checkledger/internal/clock"
	obslogger "github.com/smallbiznis/checkledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/checkledger/internal/observability/metrics"
	"github.com/smallbiznis/checkledger/internal/observability/tracing"
	"github.com/smallbiznis/checkledger/internal/orchestrator"
	"github.com/smallbiznis/checkledger/internal/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tracerName      = "checkledger/dispatcher"
	dispatchLockKey = "checks:dispatch"

	MessageNoPendingRuns = "no pending runs"
	MessageSkipped       = "dispatch already running"
)

var ErrInvalidConfig = errors.New("invalid_dispatcher_config")

// Processor advances one claimed run.
type Processor interface {
	Process(ctx context.Context, run *batchdomain.BatchRun, claim batchdomain.Claim) (*orchestrator.Result, error)
}

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Queue        *batchrepo.Repository
	Orchestrator *orchestrator.Orchestrator
	Locker       *ratelimit.Locker `optional:"true"`
	Config       Config            `optional:"true"`
}

// Dispatcher runs one pass per invocation: recovery sweep, claim at most one run, process it.
type Dispatcher struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	queue     *batchrepo.Repository
	processor Processor
	locker    *ratelimit.Locker
	group     singleflight.Group
}

// Result is the outcome of one pass.
type Result struct {
	ProcessedRunID string                `json:"processed_run_id,omitempty"`
	Status         batchdomain.RunStatus `json:"status,omitempty"`
	Errors         []string              `json:"errors,omitempty"`
	Message        string                `json:"message,omitempty"`
	Recovered      int64                 `json:"recovered,omitempty"`
}

func New(p Params) (*Dispatcher, error) {
	if p.Orchestrator == nil {
		return nil, ErrInvalidConfig
	}
	return NewWithProcessor(p, p.Orchestrator)
}

func NewWithProcessor(p Params, processor Processor) (*Dispatcher, error) {
	if p.Log == nil || p.Clock == nil || p.Queue == nil || processor == nil {
		return nil, ErrInvalidConfig
	}
	return &Dispatcher{
		log:       p.Log.Named("dispatcher").With(zap.String("component", "dispatcher")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		queue:     p.Queue,
		processor: processor,
		locker:    p.Locker,
	}, nil
}

// Dispatch collapses overlapping in-process calls into one pass; every caller gets its result.
func (d *Dispatcher) Dispatch(ctx context.Context) (*Result, error) {
	v, err, _ := d.group.Do("dispatch", func() (any, error) {
		return d.dispatch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (d *Dispatcher) dispatch(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	metrics := obsmetrics.Dispatch()
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatcher.dispatch")
	defer func() { tracing.EndSpan(span, err) }()
	log := obslogger.WithContext(ctx, d.log)

	if d.cfg.OverlapLock && d.locker.Enabled() {
		token, ok, lockErr := d.locker.TryLock(ctx, dispatchLockKey, d.cfg.LockTTL)
		if lockErr != nil {
			log.Warn("dispatch lock unavailable, continuing without it", zap.Error(lockErr))
		} else if !ok {
			metrics.ObservePass(obsmetrics.DispatchOutcomeSkipped, time.Since(start))
			return &Result{Message: MessageSkipped}, nil
		} else {
			defer func() {
				if releaseErr := d.locker.Release(context.WithoutCancel(ctx), dispatchLockKey, token); releaseErr != nil {
					log.Warn("dispatch lock release failed", zap.Error(releaseErr))
				}
			}()
		}
	}

	now := d.clock.Now()
	recovered, recoverErr := d.queue.ResetStaleClaims(ctx, now, now.Add(-d.cfg.RecoveryThreshold))
	if recoverErr != nil {
		metrics.IncPassError(recoverErr)
		log.Warn("recovery sweep failed", zap.Error(recoverErr))
	} else if recovered > 0 {
		metrics.AddRecovered(recovered)
		log.Warn("recovered stuck batch runs", zap.Int64("count", recovered))
	}

	token := ulid.Make().String()
	claimStart := time.Now()
	run, err := d.queue.ClaimOldestPending(ctx, token, now, now.Add(d.cfg.Lease))
	metrics.ObserveClaim(time.Since(claimStart))
	if err != nil {
		metrics.IncPassError(err)
		metrics.ObservePass(obsmetrics.DispatchOutcomeError, time.Since(start))
		return nil, fmt.Errorf("claim batch run: %w", err)
	}
	if run == nil {
		metrics.ObservePass(obsmetrics.DispatchOutcomeIdle, time.Since(start))
		return &Result{Message: MessageNoPendingRuns, Recovered: recovered}, nil
	}
	if run.Attempts == 1 {
		metrics.IncRunTransition(string(batchdomain.RunPending), string(batchdomain.RunProcessing))
	}
	span.SetAttributes(attribute.String("run_id", run.ID.String()), attribute.Int("attempt", run.Attempts))

	out, err := d.processor.Process(ctx, run, batchdomain.Claim{RunID: run.ID, Token: token})
	if err != nil {
		metrics.IncPassError(err)
		metrics.ObservePass(obsmetrics.DispatchOutcomeError, time.Since(start))
		log.Error("batch run pass failed",
			zap.String("run_id", run.ID.String()),
			zap.String("reason", obsmetrics.ClassifyReason(err)),
			zap.Error(err),
		)
		return &Result{
			ProcessedRunID: run.ID.String(),
			Status:         batchdomain.RunProcessing,
			Errors:         []string{err.Error()},
			Recovered:      recovered,
		}, nil
	}

	metrics.ObservePass(obsmetrics.DispatchOutcomeProcessed, time.Since(start))
	log.Info("dispatch pass finished",
		zap.String("run_id", out.RunID),
		zap.String("status", string(out.Status)),
		zap.Int("checks", out.Checks),
		zap.Bool("deferred", out.Deferred),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return &Result{
		ProcessedRunID: out.RunID,
		Status:         out.Status,
		Errors:         out.Errors,
		Recovered:      recovered,
	}, nil
}
