package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/dedup"
)

// Publisher delivers bus events. *bus.Bus implements it.
type Publisher interface {
	Publish(evt bus.Event) error
}

// EffectGuard decides whether a visible effect may be performed and records
// it afterwards. *dedup.Guard implements it.
type EffectGuard interface {
	Check(ctx context.Context, key dedup.Key, remote dedup.RemoteCheck) dedup.Decision
	Record(ctx context.Context, key dedup.Key, actionID string)
}

// ReplyTextTool answers in the conversation the turn belongs to by publishing
// an outbound message for the owning platform channel.
type ReplyTextTool struct {
	bus   Publisher
	guard EffectGuard
}

// NewReplyTextTool creates a reply_text capability. guard may be nil.
func NewReplyTextTool(pub Publisher, guard EffectGuard) *ReplyTextTool {
	return &ReplyTextTool{bus: pub, guard: guard}
}

func (t *ReplyTextTool) Name() string { return "reply_text" }
func (t *ReplyTextTool) Tier() int    { return TierWrite }

func (t *ReplyTextTool) Description() string {
	return "Send a text reply in the current conversation. Set reply_to to answer a specific message; a message is only answered once."
}

func (t *ReplyTextTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The reply text",
			},
			"reply_to": map[string]any{
				"type":        "string",
				"description": "Optional id of the message being answered",
			},
		},
		"required": []string{"text"},
	}
}

func (t *ReplyTextTool) Execute(ctx context.Context, params map[string]any, actx ActionContext) (any, error) {
	if actx.Platform == "" || actx.ChatID == "" {
		return nil, fmt.Errorf("no conversation for channel %q", actx.Channel)
	}
	text := strings.TrimSpace(GetString(params, "text", ""))
	replyTo := GetString(params, "reply_to", "")

	var key dedup.Key
	if replyTo != "" && t.guard != nil {
		key = dedup.Key{Action: "reply", Target: actx.Channel + ":" + replyTo}
		if d := t.guard.Check(ctx, key, nil); !d.Proceed {
			return Skipped(d.Reason), nil
		}
	}

	err := t.bus.Publish(bus.Event{
		Topic:         bus.TopicOutbound,
		CorrelationID: actx.ActionID,
		Payload: bus.OutboundMessage{
			Channel:  actx.Platform,
			ChatID:   actx.ChatID,
			ThreadID: actx.ThreadID,
			ReplyTo:  replyTo,
			TraceID:  actx.TraceID,
			ActionID: actx.ActionID,
			Content:  text,
		},
	})
	if err != nil {
		return nil, &ExternalCallError{Tool: t.Name(), Err: err}
	}
	if key.Action != "" {
		t.guard.Record(ctx, key, actx.ActionID)
	}
	return Succeeded("reply queued", map[string]any{"channel": actx.Channel}), nil
}
