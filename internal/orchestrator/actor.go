package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/executor"
	"github.com/KafClaw/SocialClaw/internal/inference"
	"github.com/KafClaw/SocialClaw/internal/memory"
	"github.com/KafClaw/SocialClaw/internal/tools"
)

// Mailbox events. Results carry the channel key and the request id they
// answer; the actor re-validates both on arrival.
type (
	inboundEvent struct {
		msg bus.InboundMessage
	}
	timerFired struct {
		channel string
		gen     uint64
	}
	thinkDone struct {
		channel, requestID string
		reasoning          inference.Reasoning
		err                error
	}
	planDone struct {
		channel, requestID string
		plan               inference.Plan
		err                error
	}
	execDone struct {
		channel, requestID string
		results            []executor.Result
	}
	feedbackDone struct {
		channel, requestID string
		feedback           inference.Feedback
		err                error
	}
	statusQuery struct {
		reply chan []ChannelStatus
	}
)

// actor is one Start/Stop lifetime of the orchestrator. Only the loop
// goroutine reads or writes channels.
type actor struct {
	o        *Orchestrator
	ctx      context.Context
	cancel   context.CancelFunc
	mailbox  chan any
	channels map[string]*channelState
	loopDone chan struct{}
	workers  sync.WaitGroup
}

func newActor(parent context.Context, o *Orchestrator) *actor {
	ctx, cancel := context.WithCancel(parent)
	return &actor{
		o:        o,
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan any, 256),
		channels: make(map[string]*channelState),
		loopDone: make(chan struct{}),
	}
}

// post delivers ev to the loop. It gives up once the actor is stopping.
func (a *actor) post(ev any) bool {
	select {
	case a.mailbox <- ev:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *actor) loop() {
	defer close(a.loopDone)
	for {
		select {
		case <-a.ctx.Done():
			a.clear()
			return
		case ev := <-a.mailbox:
			a.dispatch(ev)
		}
	}
}

func (a *actor) dispatch(ev any) {
	switch ev := ev.(type) {
	case inboundEvent:
		a.onInbound(ev.msg)
	case timerFired:
		a.onTimer(ev)
	case thinkDone:
		a.onThinkDone(ev)
	case planDone:
		a.onPlanDone(ev)
	case execDone:
		a.onExecDone(ev)
	case feedbackDone:
		a.onFeedbackDone(ev)
	case statusQuery:
		ev.reply <- a.status()
	default:
		slog.Error("Orchestrator received unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// clear drops every timer and in-flight turn.
func (a *actor) clear() {
	for _, cs := range a.channels {
		if cs.timer != nil {
			cs.timer.Stop()
			cs.timer = nil
		}
		if cs.turn != nil {
			cs.turn.cancel()
			a.typing(cs.key, false)
			slog.Info("Turn abandoned on stop", "channel", cs.key, "turn", cs.turn.id, "phase", cs.phase)
		}
	}
	a.channels = make(map[string]*channelState)
}

func (a *actor) channel(key string) *channelState {
	cs, ok := a.channels[key]
	if !ok {
		cs = &channelState{key: key}
		a.channels[key] = cs
	}
	return cs
}

func (a *actor) transition(cs *channelState, to Phase) bool {
	if !canTransition(cs.phase, to) {
		slog.Error("Illegal turn transition refused", "channel", cs.key, "from", cs.phase, "to", to)
		return false
	}
	slog.Debug("Turn transition", "channel", cs.key, "from", cs.phase, "to", to)
	cs.phase = to
	return true
}

// arm (re)starts the channel's timer. Older timers are invalidated by the
// generation counter even if they already fired.
func (a *actor) arm(cs *channelState, d time.Duration) {
	if cs.timer != nil {
		cs.timer.Stop()
	}
	cs.timerGen++
	key, gen := cs.key, cs.timerGen
	cs.timer = time.AfterFunc(d, func() {
		a.post(timerFired{channel: key, gen: gen})
	})
}

// spawn runs blocking work for a turn off the loop and posts its result.
// A positive timeout bounds the work.
func (a *actor) spawn(t *turn, timeout time.Duration, work func(ctx context.Context) any) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		ctx, cancel := t.ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(t.ctx, timeout)
		}
		ev := work(ctx)
		cancel()
		a.post(ev)
	}()
}

func (a *actor) onInbound(msg bus.InboundMessage) {
	cs := a.channel(msg.ChannelKey())
	cs.pending = append(cs.pending, msg)
	if cs.phase == PhaseIdle {
		a.transition(cs, PhaseBatching)
	}
	a.arm(cs, a.o.cfg.Debounce)
	slog.Debug("Inbound message batched", "channel", cs.key, "pending", len(cs.pending), "phase", cs.phase)
}

func (a *actor) onTimer(ev timerFired) {
	cs, ok := a.channels[ev.channel]
	if !ok || ev.gen != cs.timerGen {
		return
	}
	cs.timer = nil
	if len(cs.pending) == 0 {
		return
	}
	if cs.turn != nil {
		slog.Debug("Turn in flight, deferring batch", "channel", cs.key, "turn", cs.turn.id, "pending", len(cs.pending))
		a.arm(cs, a.o.cfg.RetryDelay)
		return
	}
	a.startTurn(cs)
}

func (a *actor) startTurn(cs *channelState) {
	if !a.transition(cs, PhaseAwaitingThinking) {
		return
	}
	ctx, cancel := context.WithCancel(a.ctx)
	t := &turn{
		id:        a.o.newID(),
		ctx:       ctx,
		cancel:    cancel,
		batch:     cs.pending,
		startedAt: time.Now(),
	}
	cs.pending = nil
	cs.turn = t
	a.typing(cs.key, true)

	req := inference.ThinkRequest{
		Channel:  cs.key,
		TurnID:   t.id,
		Messages: t.batch,
		Memory:   a.o.memory.Entries(cs.key),
	}
	t.requestID = a.o.newID()
	key, reqID := cs.key, t.requestID
	a.spawn(t, a.o.cfg.PhaseTimeout, func(ctx context.Context) any {
		req.Summary = a.o.memory.Summary(ctx, key)
		r, err := a.o.thinker.Think(ctx, req)
		return thinkDone{channel: key, requestID: reqID, reasoning: r, err: err}
	})
	slog.Info("Turn started", "channel", cs.key, "turn", t.id, "messages", len(t.batch))
}

// accept matches a result to the channel's current turn and phase and
// consumes the outstanding request id.
func (a *actor) accept(channel, requestID string, phases ...Phase) (*channelState, *turn, bool) {
	cs, ok := a.channels[channel]
	if !ok || cs.turn == nil || cs.turn.requestID == "" || cs.turn.requestID != requestID {
		slog.Warn("Dropping response for unknown turn", "channel", channel, "request", requestID)
		return nil, nil, false
	}
	for _, p := range phases {
		if cs.phase == p {
			cs.turn.requestID = ""
			return cs, cs.turn, true
		}
	}
	slog.Warn("Dropping response in unexpected phase", "channel", channel, "request", requestID, "phase", cs.phase)
	return nil, nil, false
}

func (a *actor) onThinkDone(ev thinkDone) {
	cs, t, ok := a.accept(ev.channel, ev.requestID, PhaseAwaitingThinking)
	if !ok {
		return
	}
	if ev.err != nil {
		a.reset(cs, inference.PhaseThink, ev.err)
		return
	}
	if !t.cacheReasoning(ev.reasoning) {
		a.reset(cs, inference.PhaseThink, fmt.Errorf("reasoning already cached for turn %s", t.id))
		return
	}
	a.requestPlan(cs, false)
}

func (a *actor) requestPlan(cs *channelState, followUp bool) {
	next := PhaseAwaitingPlanning
	if followUp {
		next = PhaseAwaitingFollowUpPlanning
	}
	if !a.transition(cs, next) {
		return
	}
	t := cs.turn
	req := inference.PlanRequest{
		Channel:      cs.key,
		TurnID:       t.id,
		Reasoning:    *t.reasoning,
		Capabilities: a.o.capabilities(t.batch),
		FollowUp:     followUp,
		Phase:        t.followUps,
	}
	if followUp {
		req.Outcomes = outcomes(t.last)
		req.Notes = t.notes
	}
	t.requestID = a.o.newID()
	key, reqID := cs.key, t.requestID
	a.spawn(t, a.o.cfg.PhaseTimeout, func(ctx context.Context) any {
		plan, err := a.o.planner.Plan(ctx, req)
		return planDone{channel: key, requestID: reqID, plan: plan, err: err}
	})
}

func (a *actor) onPlanDone(ev planDone) {
	cs, t, ok := a.accept(ev.channel, ev.requestID, PhaseAwaitingPlanning, PhaseAwaitingFollowUpPlanning)
	if !ok {
		return
	}
	if ev.err != nil {
		if cs.phase == PhaseAwaitingFollowUpPlanning {
			slog.Warn("Follow-up planning failed, finalizing turn", "channel", cs.key, "turn", t.id, "error", ev.err)
			a.finalize(cs, bus.TurnStatusFollowUpFailed, ev.err)
			return
		}
		a.reset(cs, inference.PhasePlan, ev.err)
		return
	}
	if !a.transition(cs, PhaseExecuting) {
		return
	}

	planned := ev.plan.ForChannel(cs.key)
	if len(planned) == 0 {
		a.afterExecution(cs, nil)
		return
	}
	actions := make([]executor.Action, 0, len(planned))
	for _, p := range planned {
		actions = append(actions, executor.Action{Capability: p.Capability, Parameters: p.Parameters})
	}
	actx := actionContext(cs.key, t)
	t.requestID = a.o.newID()
	key, reqID := cs.key, t.requestID
	budget := a.o.cfg.ActionTimeout * time.Duration(len(actions)+1)
	a.spawn(t, budget, func(ctx context.Context) any {
		return execDone{channel: key, requestID: reqID, results: a.o.exec.ExecuteAll(ctx, actions, actx)}
	})
}

func (a *actor) onExecDone(ev execDone) {
	cs, _, ok := a.accept(ev.channel, ev.requestID, PhaseExecuting)
	if !ok {
		return
	}
	a.afterExecution(cs, ev.results)
}

func (a *actor) afterExecution(cs *channelState, results []executor.Result) {
	t := cs.turn
	t.results = append(t.results, results...)
	t.last = results

	cfg := a.o.cfg
	if !cfg.FollowUpEnabled || a.o.analyzer == nil || len(results) == 0 || t.followUps >= cfg.MaxFollowUpPhases {
		a.finalize(cs, bus.TurnStatusCompleted, nil)
		return
	}
	if !a.transition(cs, PhaseAwaitingFeedback) {
		return
	}
	req := inference.FeedbackRequest{
		Channel:   cs.key,
		TurnID:    t.id,
		Reasoning: *t.reasoning,
		Outcomes:  outcomes(results),
		Phase:     t.followUps,
	}
	t.requestID = a.o.newID()
	key, reqID := cs.key, t.requestID
	a.spawn(t, cfg.PhaseTimeout, func(ctx context.Context) any {
		fb, err := a.o.analyzer.Analyze(ctx, req)
		return feedbackDone{channel: key, requestID: reqID, feedback: fb, err: err}
	})
}

func (a *actor) onFeedbackDone(ev feedbackDone) {
	cs, t, ok := a.accept(ev.channel, ev.requestID, PhaseAwaitingFeedback)
	if !ok {
		return
	}
	if ev.err != nil {
		slog.Warn("Feedback analysis failed, finalizing turn", "channel", cs.key, "turn", t.id, "error", ev.err)
		a.finalize(cs, bus.TurnStatusCompleted, nil)
		return
	}
	if !ev.feedback.FollowUpNeeded {
		a.finalize(cs, bus.TurnStatusCompleted, nil)
		return
	}
	t.followUps++
	t.notes = ev.feedback.Notes
	slog.Info("Follow-up phase", "channel", cs.key, "turn", t.id, "phase", t.followUps)
	a.requestPlan(cs, true)
}

// finalize records the turn in memory and frees the channel.
func (a *actor) finalize(cs *channelState, status string, cause error) {
	t := cs.turn
	entries := make([]memory.Entry, 0, len(t.batch)+1)
	for _, m := range t.batch {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = t.startedAt
		}
		entries = append(entries, memory.Entry{Role: memory.RoleUser, Sender: sender, Content: m.Content, Timestamp: ts})
	}
	entries = append(entries, memory.Entry{Role: memory.RoleOutcome, Content: outcomeText(t.results), Timestamp: time.Now()})

	if a.o.memory.CompleteTurn(a.ctx, cs.key, entries...) {
		a.o.publish(bus.TopicSummaryRequested, memory.SummaryRequest{Channel: cs.key})
	}
	a.endTurn(cs, status, cause)
}

// reset abandons a turn whose thinking or planning failed. Nothing is
// written to memory and nothing is said to the chat.
func (a *actor) reset(cs *channelState, phase string, cause error) {
	slog.Warn("Turn reset after failure", "channel", cs.key, "turn", cs.turn.id, "phase", phase, "error", cause)
	a.endTurn(cs, bus.TurnStatusFailed, cause)
}

func (a *actor) endTurn(cs *channelState, status string, cause error) {
	t := cs.turn
	t.cancel()
	cs.turn = nil
	a.transition(cs, PhaseIdle)
	if len(cs.pending) > 0 {
		a.transition(cs, PhaseBatching)
		if cs.timer == nil {
			a.arm(cs, a.o.cfg.Debounce)
		}
	}
	a.typing(cs.key, false)

	evt := bus.TurnCompletedEvent{
		Channel:   cs.key,
		TurnID:    t.id,
		Status:    status,
		Messages:  len(t.batch),
		Actions:   len(t.results),
		FollowUps: t.followUps,
		Duration:  time.Since(t.startedAt),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	a.o.metrics.record(a.ctx, evt)
	a.o.publish(bus.TopicTurnCompleted, evt)
	slog.Info("Turn finished", "channel", cs.key, "turn", t.id, "status", status,
		"actions", evt.Actions, "follow_ups", evt.FollowUps, "duration", evt.Duration)
}

func (a *actor) typing(key string, on bool) {
	platform, chatID := bus.SplitChannelKey(key)
	a.o.publish(bus.TopicTypingChanged, bus.TypingEvent{Channel: platform, ChatID: chatID, Typing: on})
}

func (a *actor) status() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(a.channels))
	for _, cs := range a.channels {
		s := ChannelStatus{Channel: cs.key, Phase: cs.phase.String(), Pending: len(cs.pending)}
		if cs.turn != nil {
			s.TurnID = cs.turn.id
			s.FollowUps = cs.turn.followUps
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func actionContext(key string, t *turn) tools.ActionContext {
	platform, chatID := bus.SplitChannelKey(key)
	actx := tools.ActionContext{TurnID: t.id, Channel: key, Platform: platform, ChatID: chatID}
	if n := len(t.batch); n > 0 {
		last := t.batch[n-1]
		actx.ThreadID = last.ThreadID
		actx.MessageID = last.MessageID
		actx.TraceID = last.TraceID
	}
	return actx
}

func outcomes(results []executor.Result) []inference.ActionOutcome {
	out := make([]inference.ActionOutcome, 0, len(results))
	for _, r := range results {
		out = append(out, inference.ActionOutcome{
			Capability: r.Capability,
			Parameters: r.Parameters,
			Status:     string(r.Status),
			Message:    r.Message,
			Error:      r.Error,
		})
	}
	return out
}

// outcomeText is the synthesized memory entry for a turn.
func outcomeText(results []executor.Result) string {
	if len(results) == 0 {
		return "no actions taken"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		detail := r.Message
		if r.Error != "" {
			detail = r.Error
		}
		if detail != "" {
			parts = append(parts, fmt.Sprintf("%s %s (%s)", r.Capability, r.Status, detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s", r.Capability, r.Status))
		}
	}
	return "actions: " + strings.Join(parts, "; ")
}
