package inference

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/provider"
)

// ServiceConfig tunes the LLM calls made by the Service. Timeout bounds a
// call whose request event carries no deadline.
type ServiceConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Service answers the ai.*.request topics with an LLM. Each request is
// handled on its own goroutine so channels do not wait on each other.
type Service struct {
	bus *bus.Bus
	llm provider.LLMProvider
	cfg ServiceConfig

	mu     sync.Mutex
	subs   []*bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(b *bus.Bus, llm provider.LLMProvider, cfg ServiceConfig) *Service {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = bus.DefaultRequestTimeout
	}
	return &Service{bus: b, llm: llm, cfg: cfg}
}

// Start subscribes to the request topics.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.subs = []*bus.Subscription{
		s.bus.Subscribe(bus.TopicThinkRequest, s.spawn(s.handleThink)),
		s.bus.Subscribe(bus.TopicPlanRequest, s.spawn(s.handlePlan)),
		s.bus.Subscribe(bus.TopicFeedbackRequest, s.spawn(s.handleFeedback)),
	}
	slog.Info("Inference service started", "model", s.model())
}

// Stop unsubscribes, cancels in-flight LLM calls and waits for them.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) spawn(fn func(ctx context.Context, evt bus.Event)) bus.Handler {
	return func(_ context.Context, evt bus.Event) error {
		s.mu.Lock()
		ctx := s.ctx
		running := s.cancel != nil
		if running {
			s.wg.Add(1)
		}
		s.mu.Unlock()
		if !running {
			return nil
		}
		go func() {
			defer s.wg.Done()
			ctx, cancel := s.callContext(ctx, evt)
			defer cancel()
			fn(ctx, evt)
		}()
		return nil
	}
}

// callContext ends the LLM call when the requester stops waiting.
func (s *Service) callContext(ctx context.Context, evt bus.Event) (context.Context, context.CancelFunc) {
	if !evt.Deadline.IsZero() {
		return context.WithDeadline(ctx, evt.Deadline)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *Service) handleThink(ctx context.Context, evt bus.Event) {
	req, ok := evt.Payload.(ThinkRequest)
	if !ok {
		s.respond(evt, bus.TopicThinkResponse, ThinkResponse{Error: "malformed think request"})
		return
	}
	content, err := s.complete(ctx, thinkMessages(req), false)
	if err != nil {
		slog.Warn("Think call failed", "channel", req.Channel, "turn", req.TurnID, "error", err)
		s.respond(evt, bus.TopicThinkResponse, ThinkResponse{Error: err.Error()})
		return
	}
	s.respond(evt, bus.TopicThinkResponse, ThinkResponse{Reasoning: Reasoning{Text: strings.TrimSpace(content)}})
}

func (s *Service) handlePlan(ctx context.Context, evt bus.Event) {
	req, ok := evt.Payload.(PlanRequest)
	if !ok {
		s.respond(evt, bus.TopicPlanResponse, PlanResponse{Error: "malformed plan request"})
		return
	}
	content, err := s.complete(ctx, planMessages(req), true)
	if err != nil {
		slog.Warn("Plan call failed", "channel", req.Channel, "turn", req.TurnID, "error", err)
		s.respond(evt, bus.TopicPlanResponse, PlanResponse{Error: err.Error()})
		return
	}
	plan, err := ParsePlan(content, CapabilityNames(req.Capabilities), req.Channel)
	if err != nil {
		var schemaErr *SchemaError
		slog.Warn("Plan rejected", "channel", req.Channel, "turn", req.TurnID, "error", err)
		s.respond(evt, bus.TopicPlanResponse, PlanResponse{Error: reason(err), SchemaInvalid: errors.As(err, &schemaErr)})
		return
	}
	s.respond(evt, bus.TopicPlanResponse, PlanResponse{Plan: plan})
}

func (s *Service) handleFeedback(ctx context.Context, evt bus.Event) {
	req, ok := evt.Payload.(FeedbackRequest)
	if !ok {
		s.respond(evt, bus.TopicFeedbackResponse, FeedbackResponse{Error: "malformed feedback request"})
		return
	}
	content, err := s.complete(ctx, feedbackMessages(req), true)
	if err != nil {
		slog.Warn("Feedback call failed", "channel", req.Channel, "turn", req.TurnID, "error", err)
		s.respond(evt, bus.TopicFeedbackResponse, FeedbackResponse{Error: err.Error()})
		return
	}
	fb, err := ParseFeedback(content)
	if err != nil {
		s.respond(evt, bus.TopicFeedbackResponse, FeedbackResponse{Error: reason(err), SchemaInvalid: true})
		return
	}
	s.respond(evt, bus.TopicFeedbackResponse, FeedbackResponse{Feedback: fb})
}

func (s *Service) complete(ctx context.Context, msgs []chatMessage, jsonMode bool) (string, error) {
	req := &provider.ChatRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		JSONMode:    jsonMode,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	resp, err := s.llm.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *Service) respond(req bus.Event, topic string, payload any) {
	if err := s.bus.Respond(req, topic, payload); err != nil && !errors.Is(err, bus.ErrClosed) {
		slog.Warn("Inference response not published", "topic", topic, "error", err)
	}
}

func (s *Service) model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return s.llm.DefaultModel()
}

func reason(err error) string {
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return schemaErr.Reason
	}
	return err.Error()
}
