package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/KafClaw/SocialClaw/internal/provider"
	"github.com/KafClaw/SocialClaw/internal/tools"
	"github.com/stretchr/testify/require"
)

// scriptedLLM answers each inference phase with a fixed response, chosen by
// the system prompt.
type scriptedLLM struct {
	mu     sync.Mutex
	phases []string
}

func (l *scriptedLLM) DefaultModel() string { return "test-model" }

func (l *scriptedLLM) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	system := req.Messages[0].Content
	var phase, content string
	switch {
	case strings.HasPrefix(system, "You are SocialClaw"):
		phase, content = "think", "The sender says hello. A short friendly reply is enough."
	case strings.HasPrefix(system, "You turn reasoning"):
		phase, content = "plan", `{"actions":[{"capability":"reply_text","parameters":{"text":"Hello back"}}]}`
	case strings.HasPrefix(system, "You review"):
		phase, content = "feedback", `{"follow_up_needed":false}`
	default:
		phase, content = "summary", "They said hello."
	}
	l.mu.Lock()
	l.phases = append(l.phases, phase)
	l.mu.Unlock()
	return &provider.ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func (l *scriptedLLM) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.phases...)
}

func testGatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths.DataDir = dir
	cfg.Paths.HistoryDB = filepath.Join(dir, "history.db")
	cfg.Orchestrator.Debounce = 20 * time.Millisecond
	cfg.Orchestrator.RetryDelay = 20 * time.Millisecond
	cfg.Scheduler.TickInterval = 50 * time.Millisecond
	return cfg
}

// startGateway runs the gateway until the test ends and returns a channel of
// outbound messages.
func startGateway(t *testing.T, cfg *config.Config, llm *scriptedLLM, prepare func(g *gateway)) (*gateway, <-chan bus.OutboundMessage, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, err := newGateway(ctx, cfg, llm)
	require.NoError(t, err)

	out := make(chan bus.OutboundMessage, 8)
	g.bus.Subscribe(bus.TopicOutbound, func(_ context.Context, evt bus.Event) error {
		out <- evt.Payload.(bus.OutboundMessage)
		return nil
	})
	if prepare != nil {
		prepare(g)
	}

	done := make(chan error, 1)
	go func() { done <- g.run(ctx) }()
	require.Eventually(t, func() bool {
		return g.bus.SubscriberCount(bus.TopicInbound) > 0
	}, 2*time.Second, 5*time.Millisecond)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("gateway did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return g, out, stop
}

func awaitOutbound(t *testing.T, out <-chan bus.OutboundMessage) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
	return bus.OutboundMessage{}
}

func TestGatewayAnswersInboundMessage(t *testing.T) {
	cfg := testGatewayConfig(t)
	llm := &scriptedLLM{}
	g, out, stop := startGateway(t, cfg, llm, nil)

	require.NoError(t, g.bus.Publish(bus.Event{Topic: bus.TopicInbound, Payload: bus.InboundMessage{
		Channel: "kafka", ChatID: "room-1", SenderID: "u1", MessageID: "m1", Content: "hi there", Timestamp: time.Now(),
	}}))

	msg := awaitOutbound(t, out)
	require.Equal(t, "kafka", msg.Channel)
	require.Equal(t, "room-1", msg.ChatID)
	require.Equal(t, "Hello back", msg.Content)
	require.NotEmpty(t, msg.ActionID)

	stop()
	require.Subset(t, llm.seen(), []string{"think", "plan"})
	require.Equal(t, "think", llm.seen()[0])

	store, err := history.Open(cfg.Paths.HistoryDB)
	require.NoError(t, err)
	defer store.Close()
	recs, err := store.ListActions(context.Background(), history.ActionFilter{Channel: "kafka:room-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "reply_text", recs[0].Capability)
	require.Equal(t, history.StatusSuccess, recs[0].Status)
	require.Equal(t, msg.ActionID, recs[0].ActionID)

	var buf bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &buf, cfg))
	require.Contains(t, buf.String(), "Gateway: stopped at")
	require.Contains(t, buf.String(), "success=1")
}

func TestGatewayRunsOverdueScheduledAction(t *testing.T) {
	cfg := testGatewayConfig(t)
	runAt := time.Now().Add(-time.Minute)
	actx, err := json.Marshal(tools.ActionContext{ActionID: "sched-1", Channel: "kafka:room-2", Platform: "kafka", ChatID: "room-2"})
	require.NoError(t, err)

	_, out, stop := startGateway(t, cfg, &scriptedLLM{}, func(g *gateway) {
		require.NoError(t, g.store.RecordAction(context.Background(), &history.ActionRecord{
			ActionID:   "sched-1",
			Capability: "reply_text",
			Parameters: map[string]any{"text": "reminder"},
			Status:     history.StatusScheduled,
			Channel:    "kafka:room-2",
			Context:    actx,
			RunAt:      &runAt,
		}))
	})

	msg := awaitOutbound(t, out)
	require.Equal(t, "room-2", msg.ChatID)
	require.Equal(t, "reminder", msg.Content)
	require.Equal(t, "sched-1", msg.ActionID)
	stop()

	store, err := history.Open(cfg.Paths.HistoryDB)
	require.NoError(t, err)
	defer store.Close()
	rec, err := store.GetAction(context.Background(), "sched-1")
	require.NoError(t, err)
	require.Equal(t, history.StatusSuccess, rec.Status)
}

func TestGatewayRegistersCapabilitiesForEnabledChannels(t *testing.T) {
	cfg := testGatewayConfig(t)
	cfg.Channels.Slack.Enabled = true
	cfg.Channels.Slack.BotToken = "xoxb-test"
	cfg.Channels.WhatsApp.Enabled = true

	g, err := newGateway(context.Background(), cfg, &scriptedLLM{})
	require.NoError(t, err)
	defer g.close(context.Background())

	require.ElementsMatch(t,
		[]string{"reply_text", "schedule_action", "slack_reply", "slack_react", "whatsapp_send"},
		g.registry.Names())
	require.Equal(t, []string{"slack", "whatsapp"}, channelNames(g.channels))
}

func TestGatewayRejectsSlackWithoutToken(t *testing.T) {
	cfg := testGatewayConfig(t)
	cfg.Channels.Slack.Enabled = true
	_, err := newGateway(context.Background(), cfg, &scriptedLLM{})
	require.ErrorContains(t, err, "slack")
}

func TestNewPolicyEngine(t *testing.T) {
	engine := newPolicyEngine(config.PolicyConfig{MaxAutoTier: 2, ExternalMaxTier: 1, AllowedSenders: []string{"U1"}})
	require.Equal(t, 2, engine.MaxAutoTier)
	require.Equal(t, 1, engine.ExternalMaxTier)
	require.True(t, engine.AllowedSenders["U1"])

	engine = newPolicyEngine(config.PolicyConfig{})
	require.Equal(t, tools.TierWrite, engine.MaxAutoTier)
	require.Nil(t, engine.AllowedSenders)
}
