// Package channels connects chat platforms to the event bus: inbound
// platform messages become bus.InboundMessage events and outbound bus
// messages addressed to a platform are delivered by its channel.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
)

// Channel defines the interface for chat platforms (Slack, WhatsApp).
type Channel interface {
	// Name returns the channel name (e.g. "slack"). It is the platform part
	// of every channel key the channel produces.
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send sends a message to a specific chat.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// sendTimeout bounds a single outbound delivery.
const sendTimeout = 30 * time.Second

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.Bus

	mu  sync.Mutex
	sub *bus.Subscription
}

// PublishInbound hands a platform message to the orchestrator.
func (b *BaseChannel) PublishInbound(msg bus.InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	err := b.Bus.Publish(bus.Event{Topic: bus.TopicInbound, Payload: msg})
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		slog.Warn("Inbound message dropped", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}

// subscribeOutbound delivers outbound messages whose Channel equals name
// through send.
func (b *BaseChannel) subscribeOutbound(name string, send func(ctx context.Context, msg *bus.OutboundMessage) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return
	}
	b.sub = b.Bus.Subscribe(bus.TopicOutbound, func(ctx context.Context, evt bus.Event) error {
		msg, ok := outboundPayload(evt.Payload)
		if !ok || msg.Channel != name {
			return nil
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := send(sendCtx, msg); err != nil {
			slog.Warn("Outbound delivery failed", "channel", name, "chat_id", msg.ChatID, "action_id", msg.ActionID, "error", err)
			return nil
		}
		slog.Debug("Outbound delivered", "channel", name, "chat_id", msg.ChatID, "action_id", msg.ActionID)
		return nil
	})
}

func (b *BaseChannel) unsubscribeOutbound() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func outboundPayload(p any) (*bus.OutboundMessage, bool) {
	switch m := p.(type) {
	case bus.OutboundMessage:
		return &m, true
	case *bus.OutboundMessage:
		return m, m != nil
	}
	return nil, false
}

// allowed reports whether sender passes an allowlist. An empty list allows
// everyone.
func allowed(list []string, sender string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == sender {
			return true
		}
	}
	return false
}

// recentIDs remembers the last n message ids so a platform that delivers the
// same message through two event types only produces one inbound message.
type recentIDs struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{seen: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add returns false when id was already seen.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	r.seen[id] = struct{}{}
	return true
}
