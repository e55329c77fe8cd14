package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/provider"
)

// Guard modes.
const (
	ModeWarn   = "warn"
	ModeRedact = "redact"
	ModeBlock  = "block"
)

// PromptGuard scans user messages for deny keywords, PII and credentials
// before they reach the model. Conversation text from third parties flows
// into every think and plan prompt, so this is where leaks are cut off.
type PromptGuard struct {
	mode         string
	detector     *Detector
	denyKeywords []string
}

// NewPromptGuard builds a guard from config.
func NewPromptGuard(cfg config.GuardConfig) *PromptGuard {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeWarn
	}
	return &PromptGuard{
		mode:         mode,
		detector:     NewDetector(cfg.Detect),
		denyKeywords: cfg.DenyKeywords,
	}
}

func (g *PromptGuard) Name() string { return "prompt-guard" }

func (g *PromptGuard) ProcessRequest(_ context.Context, req *provider.ChatRequest, meta *RequestMeta) error {
	for i, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		if found := ContainsKeywords(msg.Content, g.denyKeywords); len(found) > 0 {
			meta.Blocked = true
			meta.BlockReason = "denied keyword(s): " + strings.Join(found, ", ")
			return nil
		}
		matches := g.detector.Scan(msg.Content)
		if len(matches) == 0 {
			continue
		}
		switch g.mode {
		case ModeBlock:
			meta.Blocked = true
			meta.BlockReason = fmt.Sprintf("detected %s in message", strings.Join(matchTypes(matches), ", "))
			return nil
		case ModeRedact:
			req.Messages[i].Content = g.detector.Redact(msg.Content)
			meta.Tags["prompt_guard"] = "redacted"
		default:
			meta.Tags["prompt_guard"] = "detected"
		}
	}
	return nil
}

func (g *PromptGuard) ProcessResponse(context.Context, *provider.ChatRequest, *provider.ChatResponse, *RequestMeta) error {
	return nil
}
