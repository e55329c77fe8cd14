package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/SocialClaw/internal/bus"
)

// Client implements Thinker, Planner and FeedbackAnalyzer as correlated
// requests on the bus. Every call is bounded by Timeout.
type Client struct {
	bus     *bus.Bus
	timeout time.Duration
}

// NewClient creates a bus-backed client. A zero timeout uses
// bus.DefaultRequestTimeout.
func NewClient(b *bus.Bus, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = bus.DefaultRequestTimeout
	}
	return &Client{bus: b, timeout: timeout}
}

func (c *Client) Think(ctx context.Context, req ThinkRequest) (Reasoning, error) {
	evt, err := c.request(ctx, bus.TopicThinkRequest, bus.TopicThinkResponse, req)
	if err != nil {
		return Reasoning{}, &CallError{Phase: PhaseThink, Err: err}
	}
	resp, ok := evt.Payload.(ThinkResponse)
	if !ok {
		return Reasoning{}, &CallError{Phase: PhaseThink, Err: fmt.Errorf("unexpected response payload %T", evt.Payload)}
	}
	if resp.Error != "" {
		return Reasoning{}, &CallError{Phase: PhaseThink, Err: errors.New(resp.Error)}
	}
	return resp.Reasoning, nil
}

func (c *Client) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	evt, err := c.request(ctx, bus.TopicPlanRequest, bus.TopicPlanResponse, req)
	if err != nil {
		return Plan{}, &CallError{Phase: PhasePlan, Err: err}
	}
	resp, ok := evt.Payload.(PlanResponse)
	if !ok {
		return Plan{}, &CallError{Phase: PhasePlan, Err: fmt.Errorf("unexpected response payload %T", evt.Payload)}
	}
	if resp.SchemaInvalid {
		return Plan{}, &SchemaError{Reason: resp.Error}
	}
	if resp.Error != "" {
		return Plan{}, &CallError{Phase: PhasePlan, Err: errors.New(resp.Error)}
	}
	return resp.Plan, nil
}

func (c *Client) Analyze(ctx context.Context, req FeedbackRequest) (Feedback, error) {
	evt, err := c.request(ctx, bus.TopicFeedbackRequest, bus.TopicFeedbackResponse, req)
	if err != nil {
		return Feedback{}, &CallError{Phase: PhaseFeedback, Err: err}
	}
	resp, ok := evt.Payload.(FeedbackResponse)
	if !ok {
		return Feedback{}, &CallError{Phase: PhaseFeedback, Err: fmt.Errorf("unexpected response payload %T", evt.Payload)}
	}
	if resp.SchemaInvalid {
		return Feedback{}, &SchemaError{Reason: resp.Error}
	}
	if resp.Error != "" {
		return Feedback{}, &CallError{Phase: PhaseFeedback, Err: errors.New(resp.Error)}
	}
	return resp.Feedback, nil
}

func (c *Client) request(ctx context.Context, reqTopic, respTopic string, payload any) (bus.Event, error) {
	return c.bus.Request(ctx, bus.RequestSpec{
		RequestTopic:  reqTopic,
		ResponseTopic: respTopic,
		Payload:       payload,
		Timeout:       c.timeout,
	})
}
