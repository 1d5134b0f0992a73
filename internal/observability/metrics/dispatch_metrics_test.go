package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"gorm.io/gorm"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: ReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: ReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDispatchMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newDispatchMetrics(registry, Config{ServiceName: "checkledger", Environment: "test"})

	m.ObservePass(DispatchOutcomeProcessed, time.Second)
	m.ObserveCheck("search_rank", CheckOutcomeFailed, time.Millisecond)
	m.ObserveCheck("search_rank", CheckOutcomeFailed, time.Millisecond)
	m.AddRecovered(3)
	m.AddRecovered(-1)

	if got := testutil.ToFloat64(m.passes.WithLabelValues(DispatchOutcomeProcessed)); got != 1 {
		t.Fatalf("expected 1 processed pass, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkExecutions.WithLabelValues("search_rank", CheckOutcomeFailed)); got != 2 {
		t.Fatalf("expected 2 failed checks, got %v", got)
	}
	if got := testutil.ToFloat64(m.recoveredRuns); got != 3 {
		t.Fatalf("expected 3 recovered runs, got %v", got)
	}
}

func TestRunTransitionsCarryConstLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newDispatchMetrics(registry, Config{Environment: "test"})

	m.IncRunTransition("pending", "processing")
	m.IncRunTransition("processing", "failed")
	m.IncRunTransition("processing", "failed")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := counterValue(families, "checkledger_batch_run_transitions_total", map[string]string{
		"service": "checkledger",
		"env":     "test",
		"from":    "processing",
		"to":      "failed",
	})
	if got != 2 {
		t.Fatalf("expected 2 processing->failed transitions, got %v", got)
	}
}

func counterValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, label := range metric.GetLabel() {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
