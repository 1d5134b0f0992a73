package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	DispatchOutcomeProcessed = "processed"
	DispatchOutcomeIdle      = "idle"
	DispatchOutcomeSkipped   = "skipped"
	DispatchOutcomeError     = "error"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonUnknown              = "unknown"
)

const (
	CheckOutcomeCompleted = "completed"
	CheckOutcomeFailed    = "failed"
	CheckOutcomeDeferred  = "deferred"
)

// DispatchMetrics tracks cron dispatch passes and batch run lifecycle.
type DispatchMetrics struct {
	passes          *prometheus.CounterVec
	passDuration    prometheus.Observer
	passErrors      *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	checkExecutions *prometheus.CounterVec
	checkDuration   *prometheus.HistogramVec
	claimWait       prometheus.Observer
	recoveredRuns   prometheus.Counter
	refunds         prometheus.Counter
}

var (
	dispatchMetricsOnce sync.Once
	dispatchMetrics     *DispatchMetrics
)

// Dispatch returns the process-wide dispatch metrics registered on the default registry.
func Dispatch() *DispatchMetrics {
	return DispatchWithConfig(Config{})
}

func DispatchWithConfig(cfg Config) *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetrics = newDispatchMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dispatchMetrics
}

func newDispatchMetrics(registerer prometheus.Registerer, cfg Config) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "checkledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "checkledger_dispatch_passes_total",
		Help:        "Dispatcher invocations by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	passDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "checkledger_dispatch_pass_duration_seconds",
		Help:        "Wall time of a single dispatcher invocation.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 120},
		ConstLabels: constLabels,
	})
	passErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "checkledger_dispatch_errors_total",
		Help:        "Dispatcher errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	runTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "checkledger_batch_run_transitions_total",
		Help:        "Batch run status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	checkExecutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "checkledger_check_executions_total",
		Help:        "Check runner executions by type and outcome.",
		ConstLabels: constLabels,
	}, []string{"check_type", "outcome"})
	checkDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "checkledger_check_duration_seconds",
		Help:        "Latency of a single check against its external provider.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		ConstLabels: constLabels,
	}, []string{"check_type"})
	claimWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "checkledger_batch_run_claim_seconds",
		Help:        "Time spent claiming the oldest eligible batch run.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		ConstLabels: constLabels,
	})
	recoveredRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "checkledger_batch_run_recovered_total",
		Help:        "Stuck processing runs returned to pending by the recovery sweep.",
		ConstLabels: constLabels,
	})
	refunds := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "checkledger_batch_run_refunds_total",
		Help:        "Batch runs refunded after failing without a single successful check.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		passes,
		passDuration,
		passErrors,
		runTransitions,
		checkExecutions,
		checkDuration,
		claimWait,
		recoveredRuns,
		refunds,
	)

	return &DispatchMetrics{
		passes:          passes,
		passDuration:    passDuration,
		passErrors:      passErrors,
		runTransitions:  runTransitions,
		checkExecutions: checkExecutions,
		checkDuration:   checkDuration,
		claimWait:       claimWait,
		recoveredRuns:   recoveredRuns,
		refunds:         refunds,
	}
}

func (m *DispatchMetrics) ObservePass(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(duration.Seconds())
}

func (m *DispatchMetrics) IncPassError(err error) {
	if m == nil || err == nil {
		return
	}
	m.passErrors.WithLabelValues(ClassifyReason(err)).Inc()
}

func (m *DispatchMetrics) IncRunTransition(from, to string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(from, to).Inc()
}

func (m *DispatchMetrics) ObserveCheck(checkType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkExecutions.WithLabelValues(checkType, outcome).Inc()
	m.checkDuration.WithLabelValues(checkType).Observe(duration.Seconds())
}

func (m *DispatchMetrics) ObserveClaim(duration time.Duration) {
	if m == nil {
		return
	}
	m.claimWait.Observe(duration.Seconds())
}

func (m *DispatchMetrics) AddRecovered(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.recoveredRuns.Add(float64(count))
}

func (m *DispatchMetrics) IncRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

// ClassifyReason maps dispatcher errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	default:
		return ReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
