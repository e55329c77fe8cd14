package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// NewSlackClient builds a Web API client from config. The app-level token is
// attached when present so the same client can open a Socket Mode
// connection.
func NewSlackClient(cfg config.SlackConfig, httpClient *http.Client) (*slack.Client, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	opts := []slack.Option{slack.OptionAPIURL(base)}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	if app := strings.TrimSpace(cfg.AppToken); app != "" {
		opts = append(opts, slack.OptionAppLevelToken(app))
	}
	return slack.New(token, opts...), nil
}

// slackPoster is the subset of *slack.Client the channel uses directly.
type slackPoster interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel receives messages over Socket Mode and delivers outbound
// replies with chat.postMessage.
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig
	api    slackPoster
	client *slack.Client
	seen   *recentIDs

	mu        sync.Mutex
	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSlackChannel creates a Slack channel. client may be nil when the channel
// is disabled.
func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.Bus, client *slack.Client) *SlackChannel {
	c := &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		client:      client,
		seen:        newRecentIDs(512),
	}
	if client != nil {
		c.api = client
	}
	return c
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if c.client == nil {
		return errors.New("slack: client not configured")
	}
	if strings.TrimSpace(c.config.AppToken) == "" {
		return errors.New("slack: socket mode needs an app-level token")
	}
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.botUserID = auth.UserID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.subscribeOutbound(c.Name(), c.Send)

	socket := socketmode.New(c.client)
	go c.runSocketMode(runCtx, socket, done)
	slog.Info("Slack channel started", "team", auth.Team, "bot_user", auth.UserID)
	return nil
}

func (c *SlackChannel) Stop() error {
	c.unsubscribeOutbound()
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *SlackChannel) runSocketMode(ctx context.Context, client *socketmode.Client, done chan struct{}) {
	defer close(done)
	go func() {
		if err := client.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				slog.Info("Slack socket mode connected")
			case socketmode.EventTypeConnectionError:
				slog.Warn("Slack socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					c.handleEventsAPI(ev)
				}
			}
		}
	}
}

// handleEventsAPI converts message and app_mention callbacks into inbound
// messages. Bot messages, edits and other subtypes are ignored.
func (c *SlackChannel) handleEventsAPI(ev slackevents.EventsAPIEvent) {
	if ev.Type != slackevents.CallbackEvent {
		return
	}
	switch in := ev.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if in == nil || in.BotID != "" || in.SubType != "" {
			return
		}
		c.handleMessage(in.User, in.Channel, in.ThreadTimeStamp, in.TimeStamp, in.Text)
	case *slackevents.AppMentionEvent:
		if in == nil || in.BotID != "" {
			return
		}
		c.handleMessage(in.User, in.Channel, in.ThreadTimeStamp, in.TimeStamp, in.Text)
	}
}

func (c *SlackChannel) handleMessage(senderID, channelID, threadTS, ts, text string) {
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()
	if senderID == "" || senderID == self || strings.TrimSpace(text) == "" {
		return
	}
	if !c.seen.add(channelID + ":" + ts) {
		return
	}
	if !allowed(c.config.AllowFrom, senderID) {
		slog.Info("Slack sender not allowed", "sender", senderID, "channel_id", channelID)
		return
	}
	msgType := bus.MessageTypeExternal
	if containsString(c.config.InternalUsers, senderID) {
		msgType = bus.MessageTypeInternal
	}
	c.PublishInbound(bus.InboundMessage{
		Channel:   c.Name(),
		ChatID:    channelID,
		SenderID:  senderID,
		MessageID: ts,
		ThreadID:  threadTS,
		TraceID:   "slack-" + channelID + "-" + ts,
		Content:   text,
		Timestamp: slackTime(ts),
		Metadata:  map[string]any{bus.MetaKeyMessageType: msgType},
	})
}

// Send posts msg to its chat, threading under ThreadID or ReplyTo. Rate
// limited calls are retried.
func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.api == nil {
		return errors.New("slack: client not configured")
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if ts := firstNonEmpty(msg.ThreadID, msg.ReplyTo); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	return withRetry(ctx, 3, 200*time.Millisecond, func() (bool, error) {
		_, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...)
		return slackRetryDecision(ctx, err)
	})
}

func slackRetryDecision(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if rle.RetryAfter > 0 {
			select {
			case <-time.After(rle.RetryAfter):
			case <-ctx.Done():
				return false, err
			}
		}
		return true, err
	}
	return false, err
}

func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		select {
		case <-time.After(baseDelay * time.Duration(1<<i)):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// slackTime parses a message timestamp such as "1700000000.000100".
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	us, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, us*int64(time.Microsecond))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
