package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/segmentio/kafka-go"
)

// KafkaReader is the subset of *kafka.Reader the bridge consumes with.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter is the subset of *kafka.Writer the bridge produces with.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEnvelope is the record written to the events topic.
type KafkaEnvelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// bridgedTopics are forwarded from the bus to the events topic.
var bridgedTopics = []string{bus.TopicTurnCompleted, bus.TopicActionExecuted, bus.TopicTypingChanged}

// KafkaBridge consumes inbound messages from a Kafka topic and mirrors turn,
// action and typing events plus its own outbound replies to an events topic.
// It is also the "kafka" platform channel: conversations that arrive over
// Kafka are answered over Kafka.
type KafkaBridge struct {
	BaseChannel
	config config.KafkaConfig
	reader KafkaReader
	writer KafkaWriter

	mu     sync.Mutex
	subs   []*bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBridge creates a bridge backed by kafka-go readers and writers.
func NewKafkaBridge(cfg config.KafkaConfig, messageBus *bus.Bus) (*KafkaBridge, error) {
	b := &KafkaBridge{BaseChannel: BaseChannel{Bus: messageBus}, config: cfg}
	if !cfg.Enabled {
		return b, nil
	}
	dialer, transport, err := kafkaClients(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka security: %w", err)
	}
	brokers := strings.Split(cfg.Brokers, ",")
	b.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.InboundTopic,
		GroupID:  cfg.GroupID,
		Dialer:   dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.EventsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              transport,
	}
	return b, nil
}

// NewKafkaBridgeWith creates a bridge over the given reader and writer.
func NewKafkaBridgeWith(cfg config.KafkaConfig, messageBus *bus.Bus, r KafkaReader, w KafkaWriter) *KafkaBridge {
	return &KafkaBridge{BaseChannel: BaseChannel{Bus: messageBus}, config: cfg, reader: r, writer: w}
}

func (b *KafkaBridge) Name() string { return "kafka" }

func (b *KafkaBridge) Start(ctx context.Context) error {
	if !b.config.Enabled {
		return nil
	}
	if b.reader == nil || b.writer == nil {
		return errors.New("kafka bridge: reader and writer are required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel, b.done = cancel, done
	for _, topic := range bridgedTopics {
		b.subs = append(b.subs, b.Bus.Subscribe(topic, b.forward))
	}
	b.mu.Unlock()
	b.subscribeOutbound(b.Name(), b.Send)

	go b.consume(runCtx, done)
	slog.Info("Kafka bridge started", "brokers", b.config.Brokers, "inbound", b.config.InboundTopic, "events", b.config.EventsTopic)
	return nil
}

func (b *KafkaBridge) Stop() error {
	b.unsubscribeOutbound()
	b.mu.Lock()
	subs, cancel, done := b.subs, b.cancel, b.done
	b.subs, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	var errs []error
	if err := b.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

func (b *KafkaBridge) consume(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Kafka bridge: read error", "topic", b.config.InboundTopic, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if in, err := decodeInbound(msg.Value); err != nil {
			slog.Warn("Kafka bridge: invalid inbound record", "offset", msg.Offset, "error", err)
		} else {
			b.PublishInbound(in)
		}
		if err := b.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Warn("Kafka bridge: commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// decodeInbound parses an inbound record. Channel defaults to "kafka" and the
// message type to external.
func decodeInbound(value []byte) (bus.InboundMessage, error) {
	var in bus.InboundMessage
	if err := json.Unmarshal(value, &in); err != nil {
		return in, err
	}
	if strings.TrimSpace(in.ChatID) == "" {
		return in, errors.New("chat_id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return in, errors.New("content is required")
	}
	if in.Channel == "" {
		in.Channel = "kafka"
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	return in, nil
}

func (b *KafkaBridge) forward(ctx context.Context, evt bus.Event) error {
	return b.write(ctx, evt.Topic, channelOf(evt.Payload), evt.Payload)
}

// Send writes an outbound reply for a Kafka-originated conversation.
func (b *KafkaBridge) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	return b.write(ctx, bus.TopicOutbound, bus.ChannelKey(msg.Channel, msg.ChatID), msg)
}

func (b *KafkaBridge) write(ctx context.Context, typ, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	value, err := json.Marshal(KafkaEnvelope{Type: typ, Channel: channel, Timestamp: time.Now().UTC(), Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := b.writer.WriteMessages(writeCtx, kafka.Message{
		Key:     []byte(channel),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(typ)}},
	}); err != nil {
		return fmt.Errorf("kafka write %s: %w", typ, err)
	}
	return nil
}

// channelOf returns the conversation key an event belongs to.
func channelOf(p any) string {
	switch v := p.(type) {
	case bus.TurnCompletedEvent:
		return v.Channel
	case bus.TypingEvent:
		return bus.ChannelKey(v.Channel, v.ChatID)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	var envelope struct {
		Channel string `json:"channel"`
	}
	_ = json.Unmarshal(data, &envelope)
	return envelope.Channel
}
