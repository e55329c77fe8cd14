package middleware

import (
	"context"
	"log/slog"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/KafClaw/SocialClaw/internal/provider/middleware"

// UsageRecorder counts tokens and estimated cost per model.
type UsageRecorder struct {
	promptPer1k     float64
	completionPer1k float64
	tokens          metric.Int64Counter
	cost            metric.Float64Counter
}

// NewUsageRecorder builds a recorder from config. A nil meter uses the
// global provider.
func NewUsageRecorder(cfg config.GuardConfig, meter metric.Meter) *UsageRecorder {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}
	tokens, err1 := meter.Int64Counter("llm.tokens",
		metric.WithDescription("Tokens used by LLM calls"),
		metric.WithUnit("{token}"))
	cost, err2 := meter.Float64Counter("llm.cost",
		metric.WithDescription("Estimated LLM spend"),
		metric.WithUnit("USD"))
	if err1 != nil || err2 != nil {
		slog.Warn("LLM usage metrics disabled", "error", firstErr(err1, err2))
		m := noop.NewMeterProvider().Meter(scopeName)
		tokens, _ = m.Int64Counter("llm.tokens")
		cost, _ = m.Float64Counter("llm.cost")
	}
	return &UsageRecorder{
		promptPer1k:     cfg.PromptPer1k,
		completionPer1k: cfg.CompletionPer1k,
		tokens:          tokens,
		cost:            cost,
	}
}

func (u *UsageRecorder) Name() string { return "usage" }

func (u *UsageRecorder) ProcessRequest(context.Context, *provider.ChatRequest, *RequestMeta) error {
	return nil
}

func (u *UsageRecorder) ProcessResponse(ctx context.Context, _ *provider.ChatRequest, resp *provider.ChatResponse, meta *RequestMeta) error {
	if resp == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	model := attribute.String("model", meta.Model)
	u.tokens.Add(ctx, int64(resp.Usage.PromptTokens), metric.WithAttributes(model, attribute.String("kind", "prompt")))
	u.tokens.Add(ctx, int64(resp.Usage.CompletionTokens), metric.WithAttributes(model, attribute.String("kind", "completion")))

	meta.CostUSD = u.Cost(resp.Usage)
	if meta.CostUSD > 0 {
		u.cost.Add(ctx, meta.CostUSD, metric.WithAttributes(model))
	}
	return nil
}

// Cost returns the estimated USD cost of usage.
func (u *UsageRecorder) Cost(usage provider.Usage) float64 {
	return (float64(usage.PromptTokens)*u.promptPer1k + float64(usage.CompletionTokens)*u.completionPer1k) / 1000.0
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
