// Package orchestrator drives each chat channel through batching, reasoning,
// planning, execution and bounded follow-up, with at most one turn in flight
// per channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/executor"
	"github.com/KafClaw/SocialClaw/internal/inference"
	"github.com/KafClaw/SocialClaw/internal/memory"
	"github.com/KafClaw/SocialClaw/internal/policy"
	"github.com/KafClaw/SocialClaw/internal/tools"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// Config holds the turn timing and follow-up settings.
type Config struct {
	Debounce          time.Duration
	RetryDelay        time.Duration
	PhaseTimeout      time.Duration
	// ActionTimeout is the per-action budget; the executing phase gets one
	// more than the number of planned actions.
	ActionTimeout     time.Duration
	MaxFollowUpPhases int
	FollowUpEnabled   bool
}

func DefaultConfig() Config {
	return Config{
		Debounce:          3 * time.Second,
		RetryDelay:        2 * time.Second,
		PhaseTimeout:      30 * time.Second,
		ActionTimeout:     executor.DefaultActionTimeout,
		MaxFollowUpPhases: 3,
		FollowUpEnabled:   true,
	}
}

// ActionRunner executes a channel's portion of a plan. *executor.Executor
// implements it.
type ActionRunner interface {
	ExecuteAll(ctx context.Context, actions []executor.Action, actx tools.ActionContext) []executor.Result
}

// Memory is the short-term memory the orchestrator reads before thinking and
// appends to on finalize. *memory.ShortTerm implements it.
type Memory interface {
	Entries(channel string) []memory.Entry
	Summary(ctx context.Context, channel string) string
	CompleteTurn(ctx context.Context, channel string, entries ...memory.Entry) bool
}

// Options wires the orchestrator. Analyzer may be nil, which disables
// follow-up phases. Policy may be nil, which offers every registered
// capability to the planner.
type Options struct {
	Config   Config
	Bus      *bus.Bus
	Thinker  inference.Thinker
	Planner  inference.Planner
	Analyzer inference.FeedbackAnalyzer
	Executor ActionRunner
	Memory   Memory
	Registry *tools.Registry
	Policy   policy.Engine
	Meter    metric.Meter
}

// Orchestrator owns all per-channel turn state through a single actor
// goroutine started by Start.
type Orchestrator struct {
	cfg      Config
	bus      *bus.Bus
	thinker  inference.Thinker
	planner  inference.Planner
	analyzer inference.FeedbackAnalyzer
	exec     ActionRunner
	memory   Memory
	registry *tools.Registry
	policy   policy.Engine
	metrics  *instruments
	newID    func() string

	mu  sync.Mutex
	act *actor
	sub *bus.Subscription
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Bus == nil || opts.Thinker == nil || opts.Planner == nil || opts.Executor == nil || opts.Memory == nil {
		return nil, errors.New("orchestrator: bus, thinker, planner, executor and memory are required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = def.PhaseTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.MaxFollowUpPhases < 0 {
		return nil, fmt.Errorf("orchestrator: negative max follow-up phases %d", cfg.MaxFollowUpPhases)
	}
	return &Orchestrator{
		cfg:      cfg,
		bus:      opts.Bus,
		thinker:  opts.Thinker,
		planner:  opts.Planner,
		analyzer: opts.Analyzer,
		exec:     opts.Executor,
		memory:   opts.Memory,
		registry: opts.Registry,
		policy:   opts.Policy,
		metrics:  newInstruments(opts.Meter),
		newID:    uuid.NewString,
	}, nil
}

// Start clears every channel context and timer, then begins consuming
// inbound messages. Calling Start on a running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.act != nil {
		return nil
	}
	o.act = newActor(ctx, o)
	go o.act.loop()
	o.sub = o.bus.Subscribe(bus.TopicInbound, o.onInbound)
	slog.Info("Turn orchestrator started",
		"debounce", o.cfg.Debounce,
		"retry_delay", o.cfg.RetryDelay,
		"max_follow_ups", o.cfg.MaxFollowUpPhases,
		"follow_up", o.cfg.FollowUpEnabled && o.analyzer != nil)
	return nil
}

// Stop cancels all timers and in-flight turns, clears the channel map and
// waits for turn goroutines to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	a, sub := o.act, o.sub
	o.act, o.sub = nil, nil
	o.mu.Unlock()
	if a == nil {
		return
	}
	sub.Unsubscribe()
	a.cancel()
	<-a.loopDone
	a.workers.Wait()
	slog.Info("Turn orchestrator stopped")
}

// HandleInbound feeds a message to the orchestrator directly, bypassing the
// bus subscription.
func (o *Orchestrator) HandleInbound(msg bus.InboundMessage) {
	if a := o.current(); a != nil {
		a.post(inboundEvent{msg: msg})
	}
}

// Status reports every known channel, sorted by key. It returns nil when the
// orchestrator is not running.
func (o *Orchestrator) Status() []ChannelStatus {
	a := o.current()
	if a == nil {
		return nil
	}
	reply := make(chan []ChannelStatus, 1)
	if !a.post(statusQuery{reply: reply}) {
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-a.loopDone:
		return nil
	}
}

func (o *Orchestrator) current() *actor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.act
}

func (o *Orchestrator) onInbound(_ context.Context, evt bus.Event) error {
	switch msg := evt.Payload.(type) {
	case bus.InboundMessage:
		o.HandleInbound(msg)
	case *bus.InboundMessage:
		if msg != nil {
			o.HandleInbound(*msg)
		}
	default:
		return fmt.Errorf("unexpected inbound payload %T", evt.Payload)
	}
	return nil
}

// capabilities renders the planning schema for a batch: the registry
// filtered by policy. A batch counts as external when any message is.
func (o *Orchestrator) capabilities(batch []bus.InboundMessage) []map[string]any {
	if o.registry == nil {
		return []map[string]any{}
	}
	if o.policy == nil {
		return o.registry.Definitions()
	}
	base := policy.Context{MessageType: bus.MessageTypeInternal}
	for i := range batch {
		m := &batch[i]
		if m.MessageType() == bus.MessageTypeExternal {
			base.MessageType = bus.MessageTypeExternal
		}
		base.Sender = m.SenderID
		base.Channel = m.Channel
	}
	names := policy.AllowedTools(o.policy, o.registry, base)
	if len(names) == 0 {
		return []map[string]any{}
	}
	return o.registry.Definitions(names...)
}

func (o *Orchestrator) publish(topic string, payload any) {
	if err := o.bus.Publish(bus.Event{Topic: topic, Payload: payload}); err != nil && !errors.Is(err, bus.ErrClosed) {
		slog.Warn("Orchestrator event not published", "topic", topic, "error", err)
	}
}
