package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Bucket boundaries in seconds for how long a recognition generation lives.
var generationLifetimeBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(scribeAttributes(cfg)...))
	if err != nil {
		return nil, nil, err
	}

	traceProvider, traceShutdown, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, metricHandler, nil
}

// scribeAttributes identifies the node and its audio pipeline on every
// span and metric.
func scribeAttributes(cfg config.Config) []attribute.KeyValue {
	instance := cfg.RuntimeName
	if cfg.Presence.Enabled && cfg.Presence.NodeID != "" {
		instance = cfg.Presence.NodeID
	}
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(instance),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("scribe.capture.mode", cfg.Capture.Mode),
		attribute.String("scribe.stt.mode", cfg.STT.Mode),
		attribute.String("scribe.auth.mode", cfg.Auth.Mode),
	}
}

// tracesExporter resolves "auto" to otlp when an endpoint is configured.
func tracesExporter(cfg config.TelemetryConfig) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.TracesExporter))
	if mode == "" || mode == "auto" {
		if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
			return "otlp"
		}
		return "stdout"
	}
	return mode
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	mode := tracesExporter(cfg.Telemetry)
	switch mode {
	case "otlp":
		endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
		if endpoint == "" {
			return nil, nil, errors.New("telemetry.otlp_endpoint must be set for the otlp traces exporter")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		exporter = otlp
	case "stdout":
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		exporter = stdout
	case "none":
	default:
		return nil, nil, fmt.Errorf("unknown traces exporter %q", mode)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	logger.Info("telemetry initialized",
		slog.String("traces", mode),
		slog.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	return tp, tp.Shutdown, nil
}

func scribeViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "scribe.recognition.generation.lifetime"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: generationLifetimeBuckets,
			}},
		),
	}
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(scribeViews()...),
	}
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	opts = append(opts, sdkmetric.WithReader(promExporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.Handler()
}
