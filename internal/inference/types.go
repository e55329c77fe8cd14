// Package inference is the AI boundary of a turn: reasoning, planning and
// follow-up analysis, exchanged as correlated request/response pairs on the
// bus.
package inference

import (
	"context"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/memory"
)

// Thinker produces the reasoning for a batch of inbound messages.
type Thinker interface {
	Think(ctx context.Context, req ThinkRequest) (Reasoning, error)
}

// Planner turns reasoning into a structured action plan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
}

// FeedbackAnalyzer decides whether executed actions need a follow-up phase.
type FeedbackAnalyzer interface {
	Analyze(ctx context.Context, req FeedbackRequest) (Feedback, error)
}

// ThinkRequest is the context of a new turn.
type ThinkRequest struct {
	Channel  string               `json:"channel"`
	TurnID   string               `json:"turn_id"`
	Messages []bus.InboundMessage `json:"messages"`
	Memory   []memory.Entry       `json:"memory,omitempty"`
	Summary  string               `json:"summary,omitempty"`
}

// Reasoning is the output of the thinking phase. A turn caches exactly one.
type Reasoning struct {
	Text string `json:"text"`
}

// PlanRequest asks for actions given the turn's reasoning. Follow-up plans
// carry the outcomes of the previous phase.
type PlanRequest struct {
	Channel      string           `json:"channel"`
	TurnID       string           `json:"turn_id"`
	Reasoning    Reasoning        `json:"reasoning"`
	Capabilities []map[string]any `json:"capabilities"`
	FollowUp     bool             `json:"follow_up,omitempty"`
	Phase        int              `json:"phase,omitempty"`
	Outcomes     []ActionOutcome  `json:"outcomes,omitempty"`
	Notes        string           `json:"notes,omitempty"`
}

// PlannedAction is one capability invocation of a plan.
type PlannedAction struct {
	Channel    string         `json:"channel"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters"`
}

// Plan is the planning phase output, possibly spanning channels.
type Plan struct {
	Actions []PlannedAction `json:"actions"`
}

// ForChannel returns the ordered actions addressed to channel.
func (p Plan) ForChannel(channel string) []PlannedAction {
	var out []PlannedAction
	for _, a := range p.Actions {
		if a.Channel == channel {
			out = append(out, a)
		}
	}
	return out
}

// ActionOutcome summarizes an executed action for the model.
type ActionOutcome struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// FeedbackRequest asks whether the outcomes call for another phase.
type FeedbackRequest struct {
	Channel   string          `json:"channel"`
	TurnID    string          `json:"turn_id"`
	Reasoning Reasoning       `json:"reasoning"`
	Outcomes  []ActionOutcome `json:"outcomes"`
	Phase     int             `json:"phase"`
}

// Feedback is the analysis result.
type Feedback struct {
	FollowUpNeeded bool   `json:"follow_up_needed"`
	Notes          string `json:"notes,omitempty"`
}

// Response payloads carried on the ai.*.response topics. Error is set when
// the service failed; SchemaInvalid marks planning output that did not
// validate.
type ThinkResponse struct {
	Reasoning Reasoning
	Error     string
}

type PlanResponse struct {
	Plan          Plan
	Error         string
	SchemaInvalid bool
}

type FeedbackResponse struct {
	Feedback      Feedback
	Error         string
	SchemaInvalid bool
}
