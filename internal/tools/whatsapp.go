package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/KafClaw/SocialClaw/internal/dedup"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// WhatsAppSender is the subset of *whatsmeow.Client used for sending.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// WhatsAppSendTool sends a text message to a WhatsApp chat, optionally
// quoting the message it answers. WhatsApp offers no query for past sends,
// so duplicates are caught by the local ledger only.
type WhatsAppSendTool struct {
	client WhatsAppSender
	guard  EffectGuard
}

func NewWhatsAppSendTool(client WhatsAppSender, guard EffectGuard) *WhatsAppSendTool {
	return &WhatsAppSendTool{client: client, guard: guard}
}

func (t *WhatsAppSendTool) Name() string { return "whatsapp_send" }
func (t *WhatsAppSendTool) Tier() int    { return TierWrite }

func (t *WhatsAppSendTool) Description() string {
	return "Send a WhatsApp text message. Defaults to the current chat; set reply_to to quote the message being answered."
}

func (t *WhatsAppSendTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Message text",
			},
			"to": map[string]any{
				"type":        "string",
				"description": "Recipient JID, defaults to the current chat",
			},
			"reply_to": map[string]any{
				"type":        "string",
				"description": "Id of the message being answered",
			},
		},
		"required": []string{"text"},
	}
}

func (t *WhatsAppSendTool) Execute(ctx context.Context, params map[string]any, actx ActionContext) (any, error) {
	if t.client == nil {
		return nil, errors.New("whatsapp client not connected")
	}
	to := GetString(params, "to", "")
	if to == "" && actx.Platform == "whatsapp" {
		to = actx.ChatID
	}
	if to == "" {
		return nil, fmt.Errorf("no whatsapp chat for %q", actx.Channel)
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return nil, fmt.Errorf("invalid JID %q: %w", to, err)
	}
	text := GetString(params, "text", "")
	replyTo := GetString(params, "reply_to", "")

	var key dedup.Key
	if replyTo != "" {
		key = dedup.Key{Action: "reply", Target: "whatsapp:" + jid.String() + ":" + replyTo}
	} else if actx.ActionID != "" {
		key = dedup.Key{Action: "send", Target: "whatsapp:" + jid.String() + ":" + actx.ActionID}
	}
	if t.guard != nil && key.Action != "" {
		if d := t.guard.Check(ctx, key, nil); !d.Proceed {
			return Skipped(d.Reason), nil
		}
	}

	resp, err := t.client.SendMessage(ctx, jid, textMessage(text, replyTo))
	if err != nil {
		return nil, &ExternalCallError{Tool: t.Name(), Err: err}
	}
	if t.guard != nil && key.Action != "" {
		t.guard.Record(ctx, key, actx.ActionID)
	}
	return Succeeded("sent", map[string]any{"to": jid.String(), "message_id": resp.ID}), nil
}

func textMessage(text, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String(replyTo)},
		},
	}
}
