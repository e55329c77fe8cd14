package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/KafClaw/SocialClaw/internal/dedup"
	"github.com/slack-go/slack"
)

// SlackAPI is the subset of *slack.Client the Slack capabilities use.
type SlackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
}

// slackIdentity resolves and caches the bot's own user id, which the remote
// duplicate checks compare against.
type slackIdentity struct {
	api SlackAPI

	mu     sync.Mutex
	userID string
	botID  string
}

func (s *slackIdentity) resolve(ctx context.Context) (userID, botID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != "" {
		return s.userID, s.botID, nil
	}
	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return "", "", fmt.Errorf("slack auth.test: %w", err)
	}
	s.userID, s.botID = resp.UserID, resp.BotID
	return s.userID, s.botID, nil
}

func (s *slackIdentity) isSelf(ctx context.Context, m slack.Message) (bool, error) {
	userID, botID, err := s.resolve(ctx)
	if err != nil {
		return false, err
	}
	return (userID != "" && m.User == userID) || (botID != "" && m.BotID == botID), nil
}

func slackChannelID(params map[string]any, actx ActionContext) (string, error) {
	if id := GetString(params, "channel", ""); id != "" {
		return id, nil
	}
	if actx.Platform == "slack" && actx.ChatID != "" {
		return actx.ChatID, nil
	}
	return "", fmt.Errorf("no slack channel for %q", actx.Channel)
}

func slackTarget(channelID, ts string) string {
	return "slack:" + channelID + ":" + ts
}

// SlackReplyTool posts a threaded reply to a Slack message.
type SlackReplyTool struct {
	api   SlackAPI
	guard EffectGuard
	self  *slackIdentity
}

func NewSlackReplyTool(api SlackAPI, guard EffectGuard) *SlackReplyTool {
	return &SlackReplyTool{api: api, guard: guard, self: &slackIdentity{api: api}}
}

func (t *SlackReplyTool) Name() string { return "slack_reply" }
func (t *SlackReplyTool) Tier() int    { return TierWrite }

func (t *SlackReplyTool) Description() string {
	return "Reply in the Slack thread of a message. Defaults to the latest message of the conversation. A message is only answered once."
}

func (t *SlackReplyTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The reply text (Slack mrkdwn)",
			},
			"message_id": map[string]any{
				"type":        "string",
				"description": "Timestamp of the message to answer",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Slack channel id, defaults to the current conversation",
			},
		},
		"required": []string{"text"},
	}
}

func (t *SlackReplyTool) Execute(ctx context.Context, params map[string]any, actx ActionContext) (any, error) {
	channelID, err := slackChannelID(params, actx)
	if err != nil {
		return nil, err
	}
	ts := GetString(params, "message_id", actx.MessageID)
	if ts == "" {
		return nil, errors.New("no message to reply to")
	}
	threadTS := ts
	if actx.ThreadID != "" && ts == actx.MessageID {
		threadTS = actx.ThreadID
	}

	key := dedup.Key{Action: "reply", Target: slackTarget(channelID, ts)}
	if t.guard != nil {
		d := t.guard.Check(ctx, key, func(ctx context.Context) (bool, error) {
			return t.alreadyReplied(ctx, channelID, threadTS, ts)
		})
		if !d.Proceed {
			return Skipped(d.Reason), nil
		}
	}

	_, postedTS, err := t.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(GetString(params, "text", ""), false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return nil, &ExternalCallError{Tool: t.Name(), Err: err}
	}
	if t.guard != nil {
		t.guard.Record(ctx, key, actx.ActionID)
	}
	return Succeeded("replied", map[string]any{"channel": channelID, "ts": postedTS, "thread_ts": threadTS}), nil
}

// alreadyReplied reports whether the bot posted in the thread after ts.
func (t *SlackReplyTool) alreadyReplied(ctx context.Context, channelID, threadTS, ts string) (bool, error) {
	msgs, _, _, err := t.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Oldest:    ts,
		Limit:     100,
	})
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Timestamp <= ts {
			continue
		}
		self, err := t.self.isSelf(ctx, m)
		if err != nil {
			return false, err
		}
		if self {
			return true, nil
		}
	}
	return false, nil
}

// SlackReactTool adds an emoji reaction to a Slack message.
type SlackReactTool struct {
	api   SlackAPI
	guard EffectGuard
	self  *slackIdentity
}

func NewSlackReactTool(api SlackAPI, guard EffectGuard) *SlackReactTool {
	return &SlackReactTool{api: api, guard: guard, self: &slackIdentity{api: api}}
}

func (t *SlackReactTool) Name() string { return "slack_react" }
func (t *SlackReactTool) Tier() int    { return TierWrite }

func (t *SlackReactTool) Description() string {
	return "Add an emoji reaction (name without colons, e.g. thumbsup) to a Slack message. Defaults to the latest message of the conversation."
}

func (t *SlackReactTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"emoji": map[string]any{
				"type":        "string",
				"description": "Reaction name without colons",
			},
			"message_id": map[string]any{
				"type":        "string",
				"description": "Timestamp of the message to react to",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Slack channel id, defaults to the current conversation",
			},
		},
		"required": []string{"emoji"},
	}
}

func (t *SlackReactTool) Execute(ctx context.Context, params map[string]any, actx ActionContext) (any, error) {
	channelID, err := slackChannelID(params, actx)
	if err != nil {
		return nil, err
	}
	ts := GetString(params, "message_id", actx.MessageID)
	if ts == "" {
		return nil, errors.New("no message to react to")
	}
	emoji := strings.Trim(strings.TrimSpace(GetString(params, "emoji", "")), ":")

	key := dedup.Key{Action: "react", Target: slackTarget(channelID, ts) + ":" + emoji}
	if t.guard != nil {
		d := t.guard.Check(ctx, key, func(ctx context.Context) (bool, error) {
			return t.alreadyReacted(ctx, channelID, ts, emoji)
		})
		if !d.Proceed {
			return Skipped(d.Reason), nil
		}
	}

	err = t.api.AddReactionContext(ctx, emoji, slack.ItemRef{Channel: channelID, Timestamp: ts})
	if err != nil && strings.Contains(err.Error(), "already_reacted") {
		if t.guard != nil {
			t.guard.Record(ctx, key, actx.ActionID)
		}
		return Skipped(dedup.SkipReason("react")), nil
	}
	if err != nil {
		return nil, &ExternalCallError{Tool: t.Name(), Err: err}
	}
	if t.guard != nil {
		t.guard.Record(ctx, key, actx.ActionID)
	}
	return Succeeded("reacted :"+emoji+":", map[string]any{"channel": channelID, "ts": ts}), nil
}

func (t *SlackReactTool) alreadyReacted(ctx context.Context, channelID, ts, emoji string) (bool, error) {
	msgs, _, _, err := t.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: ts,
		Latest:    ts,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return false, err
	}
	userID, _, err := t.self.resolve(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Timestamp != ts {
			continue
		}
		for _, r := range m.Reactions {
			if r.Name != emoji {
				continue
			}
			for _, u := range r.Users {
				if u == userID {
					return true, nil
				}
			}
		}
	}
	return false, nil
}
