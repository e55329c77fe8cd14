// Package bus provides the topic-based event bus that decouples channels,
// the turn orchestrator, the action executor and the inference service.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known topics.
const (
	TopicInbound          = "message.inbound"
	TopicOutbound         = "message.outbound"
	TopicTurnCompleted    = "turn.completed"
	TopicActionExecuted   = "action.executed"
	TopicTypingChanged    = "typing.changed"
	TopicSummaryRequested = "memory.summary_requested"

	TopicThinkRequest     = "ai.think.request"
	TopicThinkResponse    = "ai.think.response"
	TopicPlanRequest      = "ai.plan.request"
	TopicPlanResponse     = "ai.plan.response"
	TopicFeedbackRequest  = "ai.feedback.request"
	TopicFeedbackResponse = "ai.feedback.response"
)

// DefaultRequestTimeout bounds a Request round-trip when the caller sets none.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrClosed is returned by Publish and Request after Shutdown.
	ErrClosed = errors.New("bus: closed")
	// ErrTimeout is returned when no correlated response arrives in time.
	ErrTimeout = errors.New("bus: request timed out")
)

// Event is a single published message. Events are treated as immutable once
// published; handlers must not mutate the payload.
type Event struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	// Deadline is set on requests; responders should stop working on the
	// request once it passes.
	Deadline      time.Time `json:"deadline,omitempty"`
}

// Handler consumes events for a topic. A returned error is logged and never
// reaches the publisher or other handlers.
type Handler func(ctx context.Context, evt Event) error

// Bus is an in-process publish/subscribe bus. Every subscription owns an
// unbounded queue and a delivery goroutine, so Publish never waits for
// handlers and delivery order per subscription follows publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a running bus.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[string][]*Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers handler for topic and returns the subscription handle.
// Subscribing after Shutdown returns an inert subscription.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	s := &Subscription{
		topic:   topic,
		handler: handler,
		bus:     b,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s.id = b.nextID
	if b.closed {
		s.stop()
		return s
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	go s.run(b.ctx)
	return s
}

// Unsubscribe removes a subscription. Events still queued for it are dropped.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	b.mu.Unlock()
	sub.stop()
}

// Publish schedules evt for delivery to every current subscriber of its topic.
func (b *Bus) Publish(evt Event) error {
	if evt.Topic == "" {
		return errors.New("bus: event topic is required")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := append([]*Subscription(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(evt)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// RequestSpec describes a correlated request/response round-trip.
type RequestSpec struct {
	RequestTopic  string
	ResponseTopic string
	// CorrelationID is generated when empty.
	CorrelationID string
	Payload       any
	// Timeout defaults to DefaultRequestTimeout.
	Timeout time.Duration
}

// Request publishes a request and waits for the first response on
// ResponseTopic that carries the same correlation id. The temporary response
// subscription is always removed before Request returns.
func (b *Bus) Request(ctx context.Context, req RequestSpec) (Event, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	resp := make(chan Event, 1)
	sub := b.Subscribe(req.ResponseTopic, func(_ context.Context, evt Event) error {
		if evt.CorrelationID != req.CorrelationID {
			return nil
		}
		select {
		case resp <- evt:
		default:
		}
		return nil
	})
	defer b.Unsubscribe(sub)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := b.Publish(Event{
		Topic:         req.RequestTopic,
		CorrelationID: req.CorrelationID,
		Payload:       req.Payload,
		Deadline:      deadline,
	}); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-resp:
		return evt, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("%w: %s after %s", ErrTimeout, req.RequestTopic, timeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-b.ctx.Done():
		return Event{}, ErrClosed
	}
}

// Respond publishes payload on topic correlated with the request event.
func (b *Bus) Respond(req Event, topic string, payload any) error {
	return b.Publish(Event{
		Topic:         topic,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	})
}

// Shutdown stops delivery, drops queued events and releases every
// subscription. It waits for in-flight handlers until ctx is done.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, list := range b.subs {
		for _, s := range list {
			s.stop()
		}
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscription is a handle to a registered handler.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	bus     *Bus

	mu       sync.Mutex
	pending  []Event
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes this subscription from its bus.
func (s *Subscription) Unsubscribe() { s.bus.Unsubscribe(s) }

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	})
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.pending = append(s.pending, evt)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Event{}, false
	}
	evt := s.pending[0]
	s.pending[0] = Event{}
	s.pending = s.pending[1:]
	return evt, true
}

func (s *Subscription) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			default:
			}
			evt, ok := s.next()
			if !ok {
				break
			}
			s.deliver(ctx, evt)
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus handler panicked", "topic", evt.Topic, "subscription", s.id, "panic", r)
		}
	}()
	if err := s.handler(ctx, evt); err != nil {
		slog.Warn("Bus handler failed", "topic", evt.Topic, "subscription", s.id, "error", err)
	}
}
