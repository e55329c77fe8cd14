package tools

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/dedup"
	"github.com/KafClaw/SocialClaw/internal/history"
)

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (p *recordingPublisher) Publish(evt bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func slackContext(actionID string) ActionContext {
	return ActionContext{
		ActionID:  actionID,
		Channel:   "slack:C1",
		Platform:  "slack",
		ChatID:    "C1",
		MessageID: "1700000000.000100",
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	r.Register(NewReplyTextTool(&recordingPublisher{}, nil))
	r.Register(NewScheduleActionTool(nil, r))

	got, ok := r.Get("reply_text")
	if !ok {
		t.Fatal("expected to find reply_text tool")
	}
	if got.Name() != "reply_text" {
		t.Errorf("expected name 'reply_text', got '%s'", got.Name())
	}

	if _, ok := r.Get("nonexistent"); ok {
		t.Error("expected not to find nonexistent tool")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "reply_text" || names[1] != "schedule_action" {
		t.Errorf("unexpected names %v", names)
	}

	if defs := r.Definitions(); len(defs) != 2 {
		t.Errorf("expected 2 definitions, got %d", len(defs))
	}
	defs := r.Definitions("reply_text")
	if len(defs) != 1 {
		t.Fatalf("expected 1 filtered definition, got %d", len(defs))
	}
	fn := defs[0]["function"].(map[string]any)
	if fn["name"] != "reply_text" {
		t.Errorf("unexpected definition %v", fn)
	}
}

func TestToolTier(t *testing.T) {
	if ToolTier(NewReplyTextTool(nil, nil)) != TierWrite {
		t.Error("reply_text should be a write tool")
	}
	if ToolTier(NewScheduleActionTool(nil, nil)) != TierHighRisk {
		t.Error("schedule_action should be high risk")
	}
}

func TestMissingParams(t *testing.T) {
	tool := NewSlackReactTool(nil, nil)
	if got := MissingParams(tool, map[string]any{}); len(got) != 1 || got[0] != "emoji" {
		t.Errorf("expected emoji missing, got %v", got)
	}
	if got := MissingParams(tool, map[string]any{"emoji": "  "}); len(got) != 1 {
		t.Errorf("blank string should count as missing, got %v", got)
	}
	if got := MissingParams(tool, map[string]any{"emoji": "eyes"}); len(got) != 0 {
		t.Errorf("expected nothing missing, got %v", got)
	}
}

func TestGetHelpers(t *testing.T) {
	params := map[string]any{
		"str":   "hello",
		"int":   42,
		"float": 3.14,
		"bool":  true,
		"map":   map[string]any{"k": "v"},
	}

	if GetString(params, "str", "") != "hello" {
		t.Error("GetString failed")
	}
	if GetString(params, "missing", "default") != "default" {
		t.Error("GetString default failed")
	}

	if GetInt(params, "int", 0) != 42 {
		t.Error("GetInt failed for int")
	}
	if GetInt(params, "float", 0) != 3 {
		t.Error("GetInt failed for float")
	}
	if GetInt(params, "missing", 99) != 99 {
		t.Error("GetInt default failed")
	}

	if GetBool(params, "bool", false) != true {
		t.Error("GetBool failed")
	}
	if GetBool(params, "missing", true) != true {
		t.Error("GetBool default failed")
	}

	if GetMap(params, "map")["k"] != "v" {
		t.Error("GetMap failed")
	}
	if GetMap(params, "str") != nil {
		t.Error("GetMap should ignore non-objects")
	}
}

func TestReplyTextPublishesOutbound(t *testing.T) {
	pub := &recordingPublisher{}
	tool := NewReplyTextTool(pub, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"text": " Hi! "}, slackContext("a1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res := out.(*Result); res.Status != StatusSuccess {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	evt := pub.events[0]
	msg := evt.Payload.(bus.OutboundMessage)
	if evt.Topic != bus.TopicOutbound || msg.Channel != "slack" || msg.ChatID != "C1" || msg.Content != "Hi!" {
		t.Fatalf("unexpected outbound %+v", msg)
	}
	if evt.CorrelationID != "a1" || msg.ActionID != "a1" {
		t.Fatalf("action id not propagated: %+v", evt)
	}
}

func TestReplyTextSecondReplySkipped(t *testing.T) {
	pub := &recordingPublisher{}
	tool := NewReplyTextTool(pub, dedup.New(newTestStore(t)))
	params := map[string]any{"text": "hello", "reply_to": "1700000000.000100"}

	if _, err := tool.Execute(context.Background(), params, slackContext("a1")); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	out, err := tool.Execute(context.Background(), params, slackContext("a2"))
	if err != nil {
		t.Fatalf("second reply: %v", err)
	}
	res := out.(*Result)
	if res.Status != StatusSkipped || res.Message != "already replied" {
		t.Fatalf("expected skip, got %+v", res)
	}
	if len(pub.events) != 1 {
		t.Fatalf("second reply must not be published, got %d events", len(pub.events))
	}
}

func TestReplyTextPublishFailure(t *testing.T) {
	tool := NewReplyTextTool(&recordingPublisher{err: bus.ErrClosed}, nil)
	_, err := tool.Execute(context.Background(), map[string]any{"text": "x"}, slackContext("a1"))
	var ext *ExternalCallError
	if !errors.As(err, &ext) || !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected wrapped ErrClosed, got %v", err)
	}
}

func TestReplyTextNeedsConversation(t *testing.T) {
	tool := NewReplyTextTool(&recordingPublisher{}, nil)
	if _, err := tool.Execute(context.Background(), map[string]any{"text": "x"}, ActionContext{}); err == nil {
		t.Fatal("expected error without a conversation")
	}
}

func TestScheduleActionRecordsDeferredAction(t *testing.T) {
	store := newTestStore(t)
	r := NewRegistry()
	r.Register(NewReplyTextTool(&recordingPublisher{}, nil))
	tool := NewScheduleActionTool(store, r)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tool.now = func() time.Time { return now }

	out, err := tool.Execute(context.Background(), map[string]any{
		"capability":    "reply_text",
		"parameters":    map[string]any{"text": "reminder"},
		"delay_seconds": float64(90),
	}, slackContext("a1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res := out.(*Result)
	if res.Status != StatusScheduled {
		t.Fatalf("expected scheduled, got %+v", res)
	}
	id := res.Data["scheduled_action_id"].(string)

	rec, err := store.GetAction(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("get action: %v %v", rec, err)
	}
	if rec.Status != history.StatusScheduled || rec.Capability != "reply_text" || rec.Channel != "slack:C1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.RunAt == nil || !rec.RunAt.Equal(now.Add(90*time.Second)) {
		t.Fatalf("unexpected run_at %v", rec.RunAt)
	}
	if rec.Parameters["text"] != "reminder" {
		t.Fatalf("unexpected parameters %v", rec.Parameters)
	}

	due, err := store.ListDue(context.Background(), now.Add(2*time.Minute), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due action, got %d (%v)", len(due), err)
	}
}

func TestScheduleActionRejects(t *testing.T) {
	r := NewRegistry()
	tool := NewScheduleActionTool(newTestStore(t), r)
	r.Register(tool)
	ctx := context.Background()

	out, err := tool.Execute(ctx, map[string]any{"capability": "schedule_action", "delay_seconds": 1}, slackContext("a1"))
	if err != nil || out.(*Result).Status != StatusFailure {
		t.Fatalf("self scheduling should fail, got %v %v", out, err)
	}

	_, err = tool.Execute(ctx, map[string]any{"capability": "nope", "delay_seconds": 1}, slackContext("a1"))
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}

	r.Register(NewReplyTextTool(&recordingPublisher{}, nil))
	out, _ = tool.Execute(ctx, map[string]any{"capability": "reply_text", "run_at": "tomorrow"}, slackContext("a1"))
	if out.(*Result).Status != StatusFailure {
		t.Fatal("invalid run_at should fail")
	}
	out, _ = tool.Execute(ctx, map[string]any{"capability": "reply_text"}, slackContext("a1"))
	if out.(*Result).Status != StatusFailure {
		t.Fatal("missing time should fail")
	}
	out, _ = tool.Execute(ctx, map[string]any{"capability": "reply_text", "delay_seconds": float64(60 * 24 * 3600)}, slackContext("a1"))
	if out.(*Result).Status != StatusFailure {
		t.Fatal("delay beyond the limit should fail")
	}
	out, _ = tool.Execute(ctx, map[string]any{"capability": "reply_text", "cron": "61 * * * *"}, slackContext("a1"))
	if out.(*Result).Status != StatusFailure {
		t.Fatal("invalid cron should fail")
	}
}

func TestScheduleActionCron(t *testing.T) {
	store := newTestStore(t)
	r := NewRegistry()
	r.Register(NewReplyTextTool(&recordingPublisher{}, nil))
	tool := NewScheduleActionTool(store, r)
	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	tool.now = func() time.Time { return now }

	out, err := tool.Execute(context.Background(), map[string]any{
		"capability": "reply_text",
		"parameters": map[string]any{"text": "standup"},
		"cron":       "30 9 * * 1-5",
	}, slackContext("a1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res := out.(*Result)
	// 2026-03-01 is a Sunday.
	if res.Status != StatusScheduled || res.Data["run_at"] != "2026-03-02T09:30:00Z" {
		t.Fatalf("unexpected result %+v", res)
	}

	out, _ = tool.Execute(context.Background(), map[string]any{"capability": "reply_text", "cron": "0 0 1 1 *"}, slackContext("a2"))
	if out.(*Result).Status != StatusFailure {
		t.Fatal("next match beyond the limit should fail")
	}
}
