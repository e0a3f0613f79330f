package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// InitMetrics installs a global meter provider that pushes to the same OTLP
// collector as traces. Instruments created before this call are rebound by
// the otel global delegate. With an empty endpoint it is a no-op.
func InitMetrics(ctx context.Context, service, endpoint string, interval time.Duration, log *slog.Logger) (Shutdowner, error) {
	if endpoint == "" {
		log.Info("metrics disabled", "reason", "no otlp endpoint")
		return noopShutdown{}, nil
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", service)),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	log.Info("metrics enabled", "endpoint", endpoint, "interval", interval)
	return mp, nil
}
