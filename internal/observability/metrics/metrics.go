package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
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

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the recording path.
type Metrics struct {
	usageTracked    metric.Int64Counter
	usageQuantity   metric.Int64Counter
	usageDuplicates metric.Int64Counter
	usageRejected   metric.Int64Counter
	statsServed     metric.Int64Counter
	trackLatency    metric.Float64Histogram
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
		name = "agentmeter"
	}
	meter := provider.Meter(name)

	usageTracked, err := meter.Int64Counter("agentmeter_usage_tracked_total")
	if err != nil {
		return nil, err
	}
	usageQuantity, err := meter.Int64Counter("agentmeter_usage_quantity_total")
	if err != nil {
		return nil, err
	}
	usageDuplicates, err := meter.Int64Counter("agentmeter_usage_duplicates_total")
	if err != nil {
		return nil, err
	}
	usageRejected, err := meter.Int64Counter("agentmeter_usage_rejected_total")
	if err != nil {
		return nil, err
	}
	statsServed, err := meter.Int64Counter("agentmeter_usage_stats_total")
	if err != nil {
		return nil, err
	}
	trackLatency, err := meter.Float64Histogram("agentmeter_usage_track_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageTracked:    usageTracked,
		usageQuantity:   usageQuantity,
		usageDuplicates: usageDuplicates,
		usageRejected:   usageRejected,
		statsServed:     statsServed,
		trackLatency:    trackLatency,
	}, nil
}

// RecordUsageTracked counts a committed usage event.
func (m *Metrics) RecordUsageTracked(ctx context.Context, agent, actionType string, quantity int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("agent", strings.TrimSpace(agent)),
		attribute.String("action_type", ActionLabel(actionType)),
	)
	m.usageTracked.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.usageQuantity.Add(ctx, quantity, metric.WithAttributes(attrs...))
	m.trackLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUsageDuplicate counts a Track call rejected by its idempotency key.
func (m *Metrics) RecordUsageDuplicate(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("agent", strings.TrimSpace(agent)))
	m.usageDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageRejected counts Track calls failing validation or subscription checks.
func (m *Metrics) RecordUsageRejected(ctx context.Context, agent, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("agent", strings.TrimSpace(agent)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.usageRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageStats counts usage report builds by outcome.
func (m *Metrics) RecordUsageStats(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.statsServed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ActionLabel folds free-form action types into a bounded, label-safe form.
func ActionLabel(actionType string) string {
	label := slug.Make(actionType)
	if label == "" {
		return "unknown"
	}
	if len(label) > 48 {
		label = label[:48]
	}
	return label
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
	"agent":       {},
	"action_type": {},
	"reason":      {},
	"outcome":     {},
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
