package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedLLM answers based on the system prompt of the request.
type scriptedLLM struct {
	mu       sync.Mutex
	think    string
	plan     string
	feedback string
	err      error
	calls    []*provider.ChatRequest
}

func (s *scriptedLLM) DefaultModel() string { return "scripted" }

func (s *scriptedLLM) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	switch req.Messages[0].Content {
	case thinkSystemPrompt:
		return &provider.ChatResponse{Content: s.think}, nil
	case planSystemPrompt:
		return &provider.ChatResponse{Content: s.plan}, nil
	default:
		return &provider.ChatResponse{Content: s.feedback}, nil
	}
}

func startService(t *testing.T, llm provider.LLMProvider) (*bus.Bus, *Client) {
	t.Helper()
	b := bus.New()
	svc := NewService(b, llm, ServiceConfig{})
	svc.Start(context.Background())
	t.Cleanup(func() {
		svc.Stop()
		_ = b.Shutdown(context.Background())
	})
	return b, NewClient(b, 2*time.Second)
}

var replyCapability = []map[string]any{{
	"type":     "function",
	"function": map[string]any{"name": "reply_text", "parameters": map[string]any{}},
}}

func TestParsePlanFillsChannel(t *testing.T) {
	plan, err := ParsePlan("```json\n{\"actions\":[{\"capability\":\"reply_text\",\"parameters\":{\"text\":\"Hello!\"}}]}\n```",
		[]string{"reply_text"}, "slack:C1")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, "slack:C1", plan.Actions[0].Channel)
	require.Equal(t, "Hello!", plan.Actions[0].Parameters["text"])
	require.Len(t, plan.ForChannel("slack:C1"), 1)
	require.Empty(t, plan.ForChannel("slack:C2"))
}

func TestParsePlanRejectsInvalidOutput(t *testing.T) {
	cases := map[string]string{
		"not json":          "I think we should reply",
		"empty":             "  ",
		"disallowed":        `{"actions":[{"capability":"delete_channel","parameters":{}}]}`,
		"missing name":      `{"actions":[{"parameters":{}}]}`,
		"params not object": `{"actions":[{"capability":"reply_text","parameters":"hi"}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan(content, []string{"reply_text"}, "c")
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
		})
	}
}

func TestCapabilityNames(t *testing.T) {
	require.Equal(t, []string{"reply_text", "plain"},
		CapabilityNames(append(replyCapability, map[string]any{"name": "plain"})))
}

func TestClientRoundTrips(t *testing.T) {
	llm := &scriptedLLM{
		think:    "  Greet them back.  ",
		plan:     `{"actions":[{"capability":"reply_text","parameters":{"text":"Hello!"}}]}`,
		feedback: `{"follow_up_needed":true,"notes":"check delivery"}`,
	}
	_, client := startService(t, llm)
	ctx := context.Background()

	r, err := client.Think(ctx, ThinkRequest{
		Channel:  "slack:C1",
		Messages: []bus.InboundMessage{{Channel: "slack", ChatID: "C1", SenderName: "alice", Content: "Hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Greet them back.", r.Text)

	plan, err := client.Plan(ctx, PlanRequest{Channel: "slack:C1", Reasoning: r, Capabilities: replyCapability})
	require.NoError(t, err)
	require.Len(t, plan.ForChannel("slack:C1"), 1)

	fb, err := client.Analyze(ctx, FeedbackRequest{Channel: "slack:C1", Reasoning: r})
	require.NoError(t, err)
	require.True(t, fb.FollowUpNeeded)
	require.Equal(t, "check delivery", fb.Notes)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.calls, 3)
	require.False(t, llm.calls[0].JSONMode)
	require.True(t, llm.calls[1].JSONMode)
	require.True(t, strings.Contains(llm.calls[0].Messages[1].Content, "alice"))
}

func TestClientSurfacesSchemaError(t *testing.T) {
	_, client := startService(t, &scriptedLLM{plan: `{"actions":[{"capability":"rm_rf","parameters":{}}]}`})
	_, err := client.Plan(context.Background(), PlanRequest{Channel: "c", Capabilities: replyCapability})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Contains(t, schemaErr.Reason, "rm_rf")
}

func TestClientSurfacesCallError(t *testing.T) {
	_, client := startService(t, &scriptedLLM{err: errors.New("upstream 502")})
	_, err := client.Think(context.Background(), ThinkRequest{Channel: "c"})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, PhaseThink, callErr.Phase)
}

func TestClientTimesOutWithoutService(t *testing.T) {
	b := bus.New()
	defer b.Shutdown(context.Background())
	client := NewClient(b, 50*time.Millisecond)

	_, err := client.Think(context.Background(), ThinkRequest{Channel: "c"})
	require.ErrorIs(t, err, bus.ErrTimeout)
	require.Zero(t, b.SubscriberCount(bus.TopicThinkResponse))
}

// blockingLLM holds every call until its context ends.
type blockingLLM struct {
	ended chan error
}

func (b *blockingLLM) DefaultModel() string { return "blocking" }

func (b *blockingLLM) Chat(ctx context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	<-ctx.Done()
	b.ended <- ctx.Err()
	return nil, ctx.Err()
}

func TestCallEndsWhenRequesterStopsWaiting(t *testing.T) {
	llm := &blockingLLM{ended: make(chan error, 1)}
	b := bus.New()
	svc := NewService(b, llm, ServiceConfig{Timeout: time.Minute})
	svc.Start(context.Background())
	t.Cleanup(func() {
		svc.Stop()
		_ = b.Shutdown(context.Background())
	})

	client := NewClient(b, 50*time.Millisecond)
	_, err := client.Think(context.Background(), ThinkRequest{Channel: "c"})
	require.ErrorIs(t, err, bus.ErrTimeout)

	select {
	case err := <-llm.ended:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("LLM call kept running after the request timed out")
	}
}

func TestCallWithoutDeadlineUsesServiceTimeout(t *testing.T) {
	llm := &blockingLLM{ended: make(chan error, 1)}
	b := bus.New()
	svc := NewService(b, llm, ServiceConfig{Timeout: 30 * time.Millisecond})
	svc.Start(context.Background())
	t.Cleanup(func() {
		svc.Stop()
		_ = b.Shutdown(context.Background())
	})

	require.NoError(t, b.Publish(bus.Event{Topic: bus.TopicThinkRequest, CorrelationID: "r1", Payload: ThinkRequest{Channel: "c"}}))
	select {
	case err := <-llm.ended:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("LLM call was not bounded")
	}
}
