package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes credit ledger instruments exported over OTLP.
type Metrics struct {
	ledgerEntries      metric.Int64Counter
	ledgerCredits      metric.Int64Counter
	ledgerReplays      metric.Int64Counter
	insufficientCredit metric.Int64Counter
	conflictRetries    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "checkledger"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("checkledger_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	ledgerCredits, err := meter.Int64Counter("checkledger_ledger_credits_total",
		metric.WithDescription("Absolute credits moved by ledger entries."))
	if err != nil {
		return nil, err
	}
	ledgerReplays, err := meter.Int64Counter("checkledger_ledger_replays_total")
	if err != nil {
		return nil, err
	}
	insufficientCredit, err := meter.Int64Counter("checkledger_insufficient_credits_total")
	if err != nil {
		return nil, err
	}
	conflictRetries, err := meter.Int64Counter("checkledger_ledger_conflict_retries_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:      ledgerEntries,
		ledgerCredits:      ledgerCredits,
		ledgerReplays:      ledgerReplays,
		insufficientCredit: insufficientCredit,
		conflictRetries:    conflictRetries,
	}, nil
}

// RecordLedgerEntry counts a committed debit, refund or grant.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, kind, featureType string, amount int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("feature_type", strings.TrimSpace(featureType)),
	)...)
	m.ledgerEntries.Add(ctx, 1, attrs)
	if amount < 0 {
		amount = -amount
	}
	m.ledgerCredits.Add(ctx, amount, attrs)
}

func (m *Metrics) RecordReplay(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ledgerReplays.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
	)...))
}

func (m *Metrics) RecordInsufficientCredits(ctx context.Context, featureType string) {
	if m == nil {
		return
	}
	m.insufficientCredit.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("feature_type", strings.TrimSpace(featureType)),
	)...))
}

func (m *Metrics) RecordConflictRetry(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.conflictRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// tenant_id is deliberately absent: tenants are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"kind":         {},
	"feature_type": {},
	"check_type":   {},
	"outcome":      {},
	"status_code":  {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
