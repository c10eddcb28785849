package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OTel SDK provider.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "mixbus".
	ServiceName string

	// ServiceVersion is the version reported in telemetry.
	ServiceVersion string
}

// InitProvider sets up a meter provider bridged to a fresh Prometheus
// registry and registers it as the global OTel provider. The registry is
// returned so the caller can mount it on an HTTP handler. The shutdown
// function flushes the provider; call it in a defer from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*prometheus.Registry, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mixbus"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	return registry, mp.Shutdown, nil
}
