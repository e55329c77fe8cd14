package bus

import (
	"strings"
	"time"
)

// Well-known metadata keys and message type constants.
const (
	MetaKeyMessageType  = "message_type"
	MetaKeyIsFromMe     = "is_from_me"
	MessageTypeInternal = "internal"
	MessageTypeExternal = "external"
)

// InboundMessage is published on TopicInbound by every platform channel.
type InboundMessage struct {
	Channel    string         `json:"channel"`
	ChatID     string         `json:"chat_id"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// MessageType returns the message type from metadata, defaulting to external.
func (m *InboundMessage) MessageType() string {
	if m.Metadata != nil {
		if v, ok := m.Metadata[MetaKeyMessageType].(string); ok && v != "" {
			return v
		}
	}
	return MessageTypeExternal
}

// ChannelKey identifies the conversation surface the message belongs to.
func (m *InboundMessage) ChannelKey() string {
	return ChannelKey(m.Channel, m.ChatID)
}

// OutboundMessage is published on TopicOutbound and delivered by the
// channel whose name matches Channel.
type OutboundMessage struct {
	Channel  string `json:"channel"`
	ChatID   string `json:"chat_id"`
	ThreadID string `json:"thread_id,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Content  string `json:"content"`
}

// ChannelKey joins a platform name and chat id into a conversation key.
func ChannelKey(platform, chatID string) string {
	return platform + ":" + chatID
}

// SplitChannelKey is the inverse of ChannelKey. Chat ids may contain colons.
func SplitChannelKey(key string) (platform, chatID string) {
	platform, chatID, ok := strings.Cut(key, ":")
	if !ok {
		return "", key
	}
	return platform, chatID
}

// TypingEvent is published on TopicTypingChanged when a channel's turn starts
// or ends.
type TypingEvent struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Typing  bool   `json:"typing"`
}

// Turn completion statuses.
const (
	TurnStatusCompleted      = "completed"
	TurnStatusFailed         = "failed"
	TurnStatusFollowUpFailed = "follow_up_failed"
)

// TurnCompletedEvent is published on TopicTurnCompleted when a turn leaves
// its channel's in-flight slot.
type TurnCompletedEvent struct {
	Channel   string        `json:"channel"`
	TurnID    string        `json:"turn_id"`
	Status    string        `json:"status"`
	Messages  int           `json:"messages"`
	Actions   int           `json:"actions"`
	FollowUps int           `json:"follow_ups"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}
