package executor

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/KafClaw/SocialClaw/internal/executor"

type instruments struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

func newInstruments(meter metric.Meter) *instruments {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}
	executions, err := meter.Int64Counter("action.executions",
		metric.WithDescription("Executed actions by capability and status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		slog.Warn("Executor metrics disabled", "error", err)
		return newNoopInstruments()
	}
	duration, err := meter.Float64Histogram("action.duration",
		metric.WithDescription("Action execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		slog.Warn("Executor metrics disabled", "error", err)
		return newNoopInstruments()
	}
	return &instruments{executions: executions, duration: duration}
}

func newNoopInstruments() *instruments {
	m := noop.NewMeterProvider().Meter(scopeName)
	executions, _ := m.Int64Counter("action.executions")
	duration, _ := m.Float64Histogram("action.duration")
	return &instruments{executions: executions, duration: duration}
}

func (i *instruments) record(ctx context.Context, res Result) {
	attrs := metric.WithAttributes(
		attribute.String("capability", res.Capability),
		attribute.String("status", string(res.Status)),
		attribute.String("error_kind", res.ErrorKind),
	)
	i.executions.Add(ctx, 1, attrs)
	i.duration.Record(ctx, float64(res.Duration.Microseconds())/1000.0, attrs)
}
