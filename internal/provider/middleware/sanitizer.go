package middleware

import (
	"context"
	"strings"

	"github.com/KafClaw/SocialClaw/internal/provider"
)

// OutputSanitizer redacts credentials from model output before the planner
// turns it into actions. Only patterns that keep JSON intact are applied.
type OutputSanitizer struct {
	detector *Detector
}

// NewOutputSanitizer returns a sanitizer for API keys, bearer tokens and
// private key headers.
func NewOutputSanitizer() *OutputSanitizer {
	return &OutputSanitizer{detector: NewDetector(secretTypes)}
}

func (s *OutputSanitizer) Name() string { return "output-sanitizer" }

func (s *OutputSanitizer) ProcessRequest(context.Context, *provider.ChatRequest, *RequestMeta) error {
	return nil
}

func (s *OutputSanitizer) ProcessResponse(_ context.Context, _ *provider.ChatRequest, resp *provider.ChatResponse, meta *RequestMeta) error {
	if resp == nil {
		return nil
	}
	if redacted := s.detector.Redact(resp.Content); redacted != resp.Content {
		resp.Content = redacted
		meta.Tags["output_sanitized"] = "redacted"
	}
	return nil
}

// MaskSecret shows only the first and last four characters of a credential.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
