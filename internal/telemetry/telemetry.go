// Package telemetry sets up the OpenTelemetry meter provider that the
// executor and orchestrator record into.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/SocialClaw/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup builds a meter provider and installs it globally. Metrics are pushed
// over OTLP/HTTP when cfg.Endpoint is set; extra readers (a ManualReader in
// tests) are attached as given. The returned function flushes and shuts the
// provider down.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string, readers ...sdkmetric.Reader) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "socialclaw"
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceName(name), semconv.ServiceVersion(version)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, exporterOptions(endpoint, cfg.Insecure)...)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

// exporterOptions accepts either a full URL or a bare host:port.
func exporterOptions(endpoint string, insecure bool) []otlpmetrichttp.Option {
	var opts []otlpmetrichttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
	}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}
