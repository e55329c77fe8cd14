package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/provider"
)

const summarySystemPrompt = `You maintain a rolling summary of a chat channel for an assistant.
Merge the previous summary with the recent entries. Keep names, open questions,
promises the assistant made and actions it took. Reply with plain text, at most
200 words.`

// Summarizer answers memory.summary_requested events by asking the LLM for a
// new rolling summary of the channel.
type Summarizer struct {
	bus     *bus.Bus
	llm     provider.LLMProvider
	memory  *ShortTerm
	store   Persister
	timeout time.Duration

	sub *bus.Subscription
}

// NewSummarizer creates a summarizer. store receives the summaries; it is
// usually the same Persister the ShortTerm memory uses.
func NewSummarizer(b *bus.Bus, llm provider.LLMProvider, mem *ShortTerm, store Persister) *Summarizer {
	return &Summarizer{
		bus:     b,
		llm:     llm,
		memory:  mem,
		store:   store,
		timeout: 60 * time.Second,
	}
}

// Start subscribes to summary requests.
func (s *Summarizer) Start() {
	s.sub = s.bus.Subscribe(bus.TopicSummaryRequested, s.handle)
}

// Stop releases the subscription.
func (s *Summarizer) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *Summarizer) handle(ctx context.Context, evt bus.Event) error {
	req, ok := evt.Payload.(SummaryRequest)
	if !ok {
		return fmt.Errorf("unexpected summary payload %T", evt.Payload)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.Summarize(ctx, req.Channel)
	return err
}

// Summarize builds and stores a fresh summary for channel.
func (s *Summarizer) Summarize(ctx context.Context, channel string) (string, error) {
	entries := s.memory.Entries(channel)
	if len(entries) == 0 {
		return "", nil
	}
	previous := s.memory.Summary(ctx, channel)

	resp, err := s.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: renderForSummary(previous, entries)},
		},
		MaxTokens:   400,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", channel, err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", nil
	}
	if err := s.store.SaveSummary(ctx, channel, summary); err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	slog.Info("Channel summary updated", "channel", channel, "entries", len(entries))
	return summary, nil
}

func renderForSummary(previous string, entries []Entry) string {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Recent entries:\n")
	for _, e := range entries {
		sb.WriteString(FormatEntry(e))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FormatEntry renders an entry as a single transcript line.
func FormatEntry(e Entry) string {
	who := e.Role
	if e.Sender != "" {
		who = e.Sender
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.UTC().Format(time.RFC3339), who, e.Content)
}
