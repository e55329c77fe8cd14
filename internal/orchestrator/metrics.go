package orchestrator

import (
	"context"
	"log/slog"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/KafClaw/SocialClaw/internal/orchestrator"

type instruments struct {
	turns     metric.Int64Counter
	duration  metric.Float64Histogram
	followUps metric.Int64Counter
}

func newInstruments(meter metric.Meter) *instruments {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}
	turns, err1 := meter.Int64Counter("turn.completed",
		metric.WithDescription("Finished turns by status"),
		metric.WithUnit("{turn}"))
	duration, err2 := meter.Float64Histogram("turn.duration",
		metric.WithDescription("Time from turn start to finish"),
		metric.WithUnit("s"))
	followUps, err3 := meter.Int64Counter("turn.follow_ups",
		metric.WithDescription("Follow-up phases run"),
		metric.WithUnit("{phase}"))
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			slog.Warn("Orchestrator metrics disabled", "error", err)
			m := noop.NewMeterProvider().Meter(scopeName)
			turns, _ = m.Int64Counter("turn.completed")
			duration, _ = m.Float64Histogram("turn.duration")
			followUps, _ = m.Int64Counter("turn.follow_ups")
			break
		}
	}
	return &instruments{turns: turns, duration: duration, followUps: followUps}
}

func (i *instruments) record(ctx context.Context, evt bus.TurnCompletedEvent) {
	attrs := metric.WithAttributes(attribute.String("status", evt.Status))
	ctx = context.WithoutCancel(ctx)
	i.turns.Add(ctx, 1, attrs)
	i.duration.Record(ctx, evt.Duration.Seconds(), attrs)
	if evt.FollowUps > 0 {
		i.followUps.Add(ctx, int64(evt.FollowUps))
	}
}
