package orchestrator

import (
	"context"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/executor"
	"github.com/KafClaw/SocialClaw/internal/inference"
)

// Phase is the state of a channel's turn machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBatching
	PhaseAwaitingThinking
	PhaseAwaitingPlanning
	PhaseExecuting
	PhaseAwaitingFeedback
	PhaseAwaitingFollowUpPlanning
)

var phaseNames = [...]string{
	PhaseIdle:                     "idle",
	PhaseBatching:                 "batching",
	PhaseAwaitingThinking:         "awaiting_thinking",
	PhaseAwaitingPlanning:         "awaiting_planning",
	PhaseExecuting:                "executing",
	PhaseAwaitingFeedback:         "awaiting_feedback",
	PhaseAwaitingFollowUpPlanning: "awaiting_follow_up_planning",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// InFlight reports whether the phase belongs to an active turn.
func (p Phase) InFlight() bool {
	return p >= PhaseAwaitingThinking
}

// transitions lists the legal successors of every phase. Every in-flight
// phase may fall back to Idle (failure reset or finalize).
var transitions = map[Phase][]Phase{
	PhaseIdle:                     {PhaseBatching},
	PhaseBatching:                 {PhaseAwaitingThinking, PhaseIdle},
	PhaseAwaitingThinking:         {PhaseAwaitingPlanning, PhaseIdle},
	PhaseAwaitingPlanning:         {PhaseExecuting, PhaseIdle},
	PhaseExecuting:                {PhaseAwaitingFeedback, PhaseIdle},
	PhaseAwaitingFeedback:         {PhaseAwaitingFollowUpPlanning, PhaseIdle},
	PhaseAwaitingFollowUpPlanning: {PhaseExecuting, PhaseIdle},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// channelState is owned by the actor goroutine; nothing else touches it.
type channelState struct {
	key      string
	phase    Phase
	pending  []bus.InboundMessage
	timer    *time.Timer
	timerGen uint64
	turn     *turn
}

// turn is the in-flight context of a channel. requestID names the one
// outstanding AI or execution request; any result carrying another id is
// stale.
type turn struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	batch     []bus.InboundMessage
	requestID string
	reasoning *inference.Reasoning
	followUps int
	notes     string
	results   []executor.Result
	last      []executor.Result
	startedAt time.Time
}

// cacheReasoning stores the thinking output. It is write-once: follow-up
// planning can only ever see the original reasoning.
func (t *turn) cacheReasoning(r inference.Reasoning) bool {
	if t.reasoning != nil {
		return false
	}
	t.reasoning = &r
	return true
}

// ChannelStatus is a read-only view of one channel for status reporting.
type ChannelStatus struct {
	Channel   string `json:"channel"`
	Phase     string `json:"phase"`
	Pending   int    `json:"pending"`
	TurnID    string `json:"turn_id,omitempty"`
	FollowUps int    `json:"follow_ups"`
}
