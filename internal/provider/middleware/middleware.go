// Package middleware wraps an LLM provider with interceptors that run before
// and after every completion. The inference service and the summarizer see a
// plain provider.LLMProvider and never know the chain is there.
package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/provider"
	"go.opentelemetry.io/otel/metric"
)

// ChatMiddleware intercepts LLM requests and responses.
type ChatMiddleware interface {
	Name() string
	// ProcessRequest runs before the LLM call. It may rewrite the request or
	// set meta.Blocked to abort the call.
	ProcessRequest(ctx context.Context, req *provider.ChatRequest, meta *RequestMeta) error
	// ProcessResponse runs after the LLM call and may rewrite the response.
	ProcessResponse(ctx context.Context, req *provider.ChatRequest, resp *provider.ChatResponse, meta *RequestMeta) error
}

// RequestMeta carries per-call state through the chain.
type RequestMeta struct {
	Model       string
	Tags        map[string]string
	Blocked     bool
	BlockReason string
	CostUSD     float64
}

func newRequestMeta(model string) *RequestMeta {
	return &RequestMeta{Model: model, Tags: make(map[string]string)}
}

// BlockedError is returned when a middleware refuses to send a request.
type BlockedError struct {
	Middleware string
	Reason     string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("llm request blocked by %s: %s", e.Middleware, e.Reason)
}

// Chain runs pre-hooks in order, calls the provider, then runs post-hooks in
// order. It implements provider.LLMProvider.
type Chain struct {
	Middlewares []ChatMiddleware
	Provider    provider.LLMProvider
}

// NewChain creates a chain around prov.
func NewChain(prov provider.LLMProvider, mw ...ChatMiddleware) *Chain {
	return &Chain{Provider: prov, Middlewares: mw}
}

// Wrap builds the standard chain around prov: prompt guard, output
// sanitizer when enabled, and usage accounting.
func Wrap(prov provider.LLMProvider, cfg config.GuardConfig, meter metric.Meter) *Chain {
	chain := NewChain(prov, NewPromptGuard(cfg))
	if cfg.RedactOutputSecrets {
		chain.Use(NewOutputSanitizer())
	}
	chain.Use(NewUsageRecorder(cfg, meter))
	return chain
}

// Use appends middleware to the chain.
func (c *Chain) Use(mw ...ChatMiddleware) {
	c.Middlewares = append(c.Middlewares, mw...)
}

func (c *Chain) DefaultModel() string { return c.Provider.DefaultModel() }

// Chat runs the chain for one completion.
func (c *Chain) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.Provider.DefaultModel()
	}
	meta := newRequestMeta(model)

	for _, mw := range c.Middlewares {
		if err := mw.ProcessRequest(ctx, req, meta); err != nil {
			return nil, fmt.Errorf("middleware %s pre-hook: %w", mw.Name(), err)
		}
		if meta.Blocked {
			slog.Warn("LLM request blocked", "middleware", mw.Name(), "reason", meta.BlockReason)
			return nil, &BlockedError{Middleware: mw.Name(), Reason: meta.BlockReason}
		}
	}

	resp, err := c.Provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, mw := range c.Middlewares {
		if err := mw.ProcessResponse(ctx, req, resp, meta); err != nil {
			return nil, fmt.Errorf("middleware %s post-hook: %w", mw.Name(), err)
		}
	}
	if len(meta.Tags) > 0 {
		slog.Debug("LLM call tagged", "model", meta.Model, "tags", meta.Tags)
	}
	return resp, nil
}
