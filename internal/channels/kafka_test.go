package channels

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	records   chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{records: make(chan kafka.Message, 8)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.records:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	written chan kafka.Message
	err     error
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	for _, m := range msgs {
		w.written <- m
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) next(t *testing.T) (kafka.Message, KafkaEnvelope) {
	t.Helper()
	select {
	case m := <-w.written:
		var env KafkaEnvelope
		require.NoError(t, json.Unmarshal(m.Value, &env))
		return m, env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kafka write")
	}
	return kafka.Message{}, KafkaEnvelope{}
}

func startBridge(t *testing.T) (*bus.Bus, *fakeReader, *fakeWriter, *KafkaBridge) {
	t.Helper()
	b := newTestBus(t)
	r := newFakeReader()
	w := &fakeWriter{written: make(chan kafka.Message, 8)}
	bridge := NewKafkaBridgeWith(config.KafkaConfig{Enabled: true, InboundTopic: "in", EventsTopic: "events"}, b, r, w)
	require.NoError(t, bridge.Start(context.Background()))
	t.Cleanup(func() { _ = bridge.Stop() })
	return b, r, w, bridge
}

func TestKafkaBridgeConsumesInbound(t *testing.T) {
	b, r, _, _ := startBridge(t)
	in := collectInbound(t, b)

	r.records <- kafka.Message{Offset: 7, Value: []byte(`{"chat_id":"room-1","sender_id":"u1","content":"hello"}`)}
	r.records <- kafka.Message{Offset: 8, Value: []byte(`{"chat_id":"room-1"}`)}
	r.records <- kafka.Message{Offset: 9, Value: []byte(`{"channel":"slack","chat_id":"C1","content":"bridged"}`)}

	msg := in.next(t)
	require.Equal(t, "kafka", msg.Channel)
	require.Equal(t, "room-1", msg.ChatID)
	require.Equal(t, "hello", msg.Content)
	require.False(t, msg.Timestamp.IsZero())

	msg = in.next(t)
	require.Equal(t, "slack", msg.Channel)
	in.none(t)

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, 2*time.Second, 10*time.Millisecond,
		"invalid records are committed too")
}

func TestKafkaBridgeForwardsEvents(t *testing.T) {
	b, _, w, _ := startBridge(t)

	require.NoError(t, b.Publish(bus.Event{Topic: bus.TopicTurnCompleted, Payload: bus.TurnCompletedEvent{
		Channel: "slack:C1", TurnID: "t1", Status: bus.TurnStatusCompleted, Messages: 2,
	}}))
	m, env := w.next(t)
	require.Equal(t, "slack:C1", string(m.Key))
	require.Equal(t, []kafka.Header{{Key: "type", Value: []byte(bus.TopicTurnCompleted)}}, m.Headers)
	require.Equal(t, bus.TopicTurnCompleted, env.Type)
	require.Equal(t, "slack:C1", env.Channel)
	var turn bus.TurnCompletedEvent
	require.NoError(t, json.Unmarshal(env.Payload, &turn))
	require.Equal(t, "t1", turn.TurnID)
	require.Equal(t, 2, turn.Messages)

	require.NoError(t, b.Publish(bus.Event{Topic: bus.TopicTypingChanged, Payload: bus.TypingEvent{Channel: "whatsapp", ChatID: "491@s.whatsapp.net", Typing: true}}))
	_, env = w.next(t)
	require.Equal(t, bus.TopicTypingChanged, env.Type)
	require.Equal(t, "whatsapp:491@s.whatsapp.net", env.Channel)

	require.NoError(t, b.Publish(bus.Event{Topic: bus.TopicActionExecuted, Payload: map[string]any{"channel": "kafka:room-1", "tool": "reply_text"}}))
	_, env = w.next(t)
	require.Equal(t, "kafka:room-1", env.Channel)
}

func TestKafkaBridgeSendsOwnReplies(t *testing.T) {
	b, _, w, _ := startBridge(t)

	require.NoError(t, b.Publish(bus.Event{Topic: bus.TopicOutbound, Payload: bus.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "not ours"}}))
	require.NoError(t, b.Publish(bus.Event{Topic: bus.TopicOutbound, Payload: bus.OutboundMessage{Channel: "kafka", ChatID: "room-1", Content: "hi back", ActionID: "a1"}}))

	m, env := w.next(t)
	require.Equal(t, "kafka:room-1", string(m.Key))
	require.Equal(t, bus.TopicOutbound, env.Type)
	var out bus.OutboundMessage
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	require.Equal(t, "hi back", out.Content)
	require.Equal(t, "a1", out.ActionID)

	select {
	case extra := <-w.written:
		t.Fatalf("unexpected write %s", extra.Value)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestKafkaBridgeSendError(t *testing.T) {
	w := &fakeWriter{written: make(chan kafka.Message, 1), err: errors.New("broker down")}
	bridge := NewKafkaBridgeWith(config.KafkaConfig{}, newTestBus(t), newFakeReader(), w)
	err := bridge.Send(context.Background(), &bus.OutboundMessage{Channel: "kafka", ChatID: "room-1", Content: "x"})
	require.ErrorContains(t, err, "broker down")
}

func TestKafkaBridgeStopClosesClients(t *testing.T) {
	b := newTestBus(t)
	r := newFakeReader()
	w := &fakeWriter{written: make(chan kafka.Message, 1)}
	bridge := NewKafkaBridgeWith(config.KafkaConfig{Enabled: true}, b, r, w)
	require.NoError(t, bridge.Start(context.Background()))
	require.NoError(t, bridge.Stop())
	require.True(t, r.closed)
	require.True(t, w.closed)
	require.Zero(t, b.SubscriberCount(bus.TopicTurnCompleted))
	require.NoError(t, bridge.Stop(), "second stop is a no-op")
}

func TestKafkaBridgeDisabled(t *testing.T) {
	bridge, err := NewKafkaBridge(config.KafkaConfig{Enabled: false}, newTestBus(t))
	require.NoError(t, err)
	require.NoError(t, bridge.Start(context.Background()))
	require.NoError(t, bridge.Stop())

	bridge = NewKafkaBridgeWith(config.KafkaConfig{Enabled: true}, newTestBus(t), nil, nil)
	require.Error(t, bridge.Start(context.Background()))
}

func TestDecodeInbound(t *testing.T) {
	_, err := decodeInbound([]byte(`not json`))
	require.Error(t, err)
	_, err = decodeInbound([]byte(`{"content":"x"}`))
	require.ErrorContains(t, err, "chat_id")
	_, err = decodeInbound([]byte(`{"chat_id":"c","content":"  "}`))
	require.ErrorContains(t, err, "content")

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in, err := decodeInbound([]byte(`{"chat_id":"c","content":"x","timestamp":"2026-01-02T03:04:05Z","metadata":{"message_type":"internal"}}`))
	require.NoError(t, err)
	require.True(t, ts.Equal(in.Timestamp))
	require.Equal(t, bus.MessageTypeInternal, in.MessageType())
}
