package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

// inbox collects inbound messages published on the bus.
type inbox struct {
	ch chan bus.InboundMessage
}

func collectInbound(t *testing.T, b *bus.Bus) *inbox {
	t.Helper()
	in := &inbox{ch: make(chan bus.InboundMessage, 16)}
	b.Subscribe(bus.TopicInbound, func(_ context.Context, evt bus.Event) error {
		in.ch <- evt.Payload.(bus.InboundMessage)
		return nil
	})
	return in
}

func (in *inbox) next(t *testing.T) bus.InboundMessage {
	t.Helper()
	select {
	case msg := <-in.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
	return bus.InboundMessage{}
}

func (in *inbox) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-in.ch:
		t.Fatalf("unexpected inbound message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutboundFilteredByChannelName(t *testing.T) {
	b := newTestBus(t)
	base := &BaseChannel{Bus: b}

	var mu sync.Mutex
	var got []string
	delivered := make(chan struct{}, 4)
	base.subscribeOutbound("slack", func(ctx context.Context, msg *bus.OutboundMessage) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("send must run with a deadline")
		}
		mu.Lock()
		got = append(got, msg.ChatID)
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	})
	// A second subscribe is a no-op.
	base.subscribeOutbound("slack", func(context.Context, *bus.OutboundMessage) error {
		t.Error("duplicate subscription delivered")
		return nil
	})

	_ = b.Publish(bus.Event{Topic: bus.TopicOutbound, Payload: bus.OutboundMessage{Channel: "whatsapp", ChatID: "W1"}})
	_ = b.Publish(bus.Event{Topic: bus.TopicOutbound, Payload: &bus.OutboundMessage{Channel: "slack", ChatID: "C1"}})
	_ = b.Publish(bus.Event{Topic: bus.TopicOutbound, Payload: "not a message"})
	_ = b.Publish(bus.Event{Topic: bus.TopicOutbound, Payload: bus.OutboundMessage{Channel: "slack", ChatID: "C2"}})

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	base.unsubscribeOutbound()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "C1" || got[1] != "C2" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestPublishInboundStampsTimestamp(t *testing.T) {
	b := newTestBus(t)
	in := collectInbound(t, b)
	base := &BaseChannel{Bus: b}

	base.PublishInbound(bus.InboundMessage{Channel: "kafka", ChatID: "c1", Content: "hi"})
	msg := in.next(t)
	if msg.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestAllowed(t *testing.T) {
	if !allowed(nil, "anyone") {
		t.Error("empty allowlist should allow everyone")
	}
	if allowed([]string{"U1"}, "U2") {
		t.Error("U2 must be rejected")
	}
	if !allowed([]string{"U1", "U2"}, "U2") {
		t.Error("U2 must be allowed")
	}
}

func TestRecentIDsEvictsOldest(t *testing.T) {
	r := newRecentIDs(3)
	for i := 0; i < 3; i++ {
		if !r.add(fmt.Sprint(i)) {
			t.Fatalf("id %d reported as seen", i)
		}
	}
	if r.add("1") {
		t.Fatal("id 1 should be remembered")
	}
	r.add("3")
	if !r.add("0") {
		t.Fatal("id 0 should have been evicted")
	}
}
