package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestSetupWithManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp, shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "socialclaw-test"}, "test", reader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := mp.Meter("test").Int64Counter("turns")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Equal(t, "turns", rm.ScopeMetrics[0].Metrics[0].Name)

	svc, ok := rm.Resource.Set().Value("service.name")
	require.True(t, ok)
	require.Equal(t, "socialclaw-test", svc.AsString())
}

func TestSetupWithEndpoint(t *testing.T) {
	_, shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Endpoint:       "http://127.0.0.1:1/v1/metrics",
		ExportInterval: time.Hour,
	}, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Nothing listens on the endpoint, so the final flush may fail.
	_ = shutdown(ctx)
}

func TestExporterOptions(t *testing.T) {
	require.Len(t, exporterOptions("collector:4318", false), 1)
	require.Len(t, exporterOptions("https://collector:4318/v1/metrics", true), 2)
}
