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
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageEvents     metric.Int64Counter
	ledgerEvents    metric.Int64Counter
	reconciliations metric.Int64Counter
	cacheLookups    metric.Int64Counter
	queueMessages   metric.Int64Counter
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

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billing-engine"
	}
	meter := provider.Meter(name)

	usageEvents, err := meter.Int64Counter("billing_usage_events_total")
	if err != nil {
		return nil, err
	}
	ledgerEvents, err := meter.Int64Counter("billing_ledger_events_total")
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64Counter("billing_reconciliations_total")
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("billing_entitlement_cache_lookups_total")
	if err != nil {
		return nil, err
	}
	queueMessages, err := meter.Int64Counter("billing_queue_messages_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageEvents:     usageEvents,
		ledgerEvents:    ledgerEvents,
		reconciliations: reconciliations,
		cacheLookups:    cacheLookups,
		queueMessages:   queueMessages,
	}, nil
}

// RecordUsageEvent increments the usage pipeline counter per meter/outcome.
func (m *Metrics) RecordUsageEvent(ctx context.Context, meterCode, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("meter_code", strings.TrimSpace(meterCode)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.usageEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEvent increments ledger webhook event counts.
func (m *Metrics) RecordLedgerEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.ledgerEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciliation increments reconciliation attempt counts.
func (m *Metrics) RecordReconciliation(ctx context.Context, gateway, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup increments entitlement cache lookup counts.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQueueMessage increments per-queue message counts.
func (m *Metrics) RecordQueueMessage(ctx context.Context, queue, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("queue", strings.TrimSpace(queue)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.queueMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"meter_code": {},
	"event_type": {},
	"outcome":    {},
	"gateway":    {},
	"result":     {},
	"queue":      {},
	"reason":     {},
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
