package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/KafClaw/SocialClaw/internal/scheduler"
	"github.com/google/uuid"
)

// MaxScheduleDelay bounds how far ahead an action may be deferred.
const MaxScheduleDelay = 30 * 24 * time.Hour

// ActionRecorder stores scheduled action records. *history.Store implements it.
type ActionRecorder interface {
	RecordAction(ctx context.Context, rec *history.ActionRecord) error
}

// ScheduleActionTool defers another capability. The record it writes is
// picked up by the scheduler once run_at has passed.
type ScheduleActionTool struct {
	store    ActionRecorder
	registry *Registry
	now      func() time.Time
}

func NewScheduleActionTool(store ActionRecorder, registry *Registry) *ScheduleActionTool {
	return &ScheduleActionTool{store: store, registry: registry, now: time.Now}
}

func (t *ScheduleActionTool) Name() string { return "schedule_action" }
func (t *ScheduleActionTool) Tier() int    { return TierHighRisk }

func (t *ScheduleActionTool) Description() string {
	return "Run another capability later in this conversation. Give run_at (RFC3339), delay_seconds, or a cron expression for the next matching minute."
}

func (t *ScheduleActionTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"capability": map[string]any{
				"type":        "string",
				"description": "Capability to run",
			},
			"parameters": map[string]any{
				"type":        "object",
				"description": "Parameters for the capability",
			},
			"run_at": map[string]any{
				"type":        "string",
				"description": "RFC3339 time to run at",
			},
			"delay_seconds": map[string]any{
				"type":        "integer",
				"description": "Seconds from now to run at",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "5-field cron expression; runs at its next match",
			},
		},
		"required": []string{"capability"},
	}
}

func (t *ScheduleActionTool) Execute(ctx context.Context, params map[string]any, actx ActionContext) (any, error) {
	capability := GetString(params, "capability", "")
	if capability == t.Name() {
		return &Result{Status: StatusFailure, Message: "schedule_action cannot schedule itself"}, nil
	}
	if _, ok := t.registry.Get(capability); !ok {
		return nil, &UnknownToolError{Name: capability}
	}

	now := t.now()
	var runAt time.Time
	if raw := GetString(params, "run_at", ""); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return &Result{Status: StatusFailure, Message: fmt.Sprintf("invalid run_at %q: expected RFC3339", raw)}, nil
		}
		runAt = parsed
	} else if delay := GetInt(params, "delay_seconds", -1); delay >= 0 {
		runAt = now.Add(time.Duration(delay) * time.Second)
	} else if expr := GetString(params, "cron", ""); expr != "" {
		cron, err := scheduler.ParseCron(expr)
		if err != nil {
			return &Result{Status: StatusFailure, Message: err.Error()}, nil
		}
		if runAt = cron.Next(now); runAt.IsZero() {
			return &Result{Status: StatusFailure, Message: fmt.Sprintf("cron %q never matches", expr)}, nil
		}
	} else {
		return &Result{Status: StatusFailure, Message: "run_at, delay_seconds or cron is required"}, nil
	}
	if runAt.Sub(now) > MaxScheduleDelay {
		return &Result{Status: StatusFailure, Message: "run_at is more than 30 days ahead"}, nil
	}

	deferred := actx
	deferred.ActionID = uuid.NewString()
	ctxJSON, err := json.Marshal(deferred)
	if err != nil {
		return nil, fmt.Errorf("marshal action context: %w", err)
	}
	inner := GetMap(params, "parameters")
	if inner == nil {
		inner = map[string]any{}
	}

	rec := &history.ActionRecord{
		ActionID:   deferred.ActionID,
		Capability: capability,
		Parameters: inner,
		Status:     history.StatusScheduled,
		Message:    "scheduled by " + actx.ActionID,
		Channel:    actx.Channel,
		TurnID:     actx.TurnID,
		TraceID:    actx.TraceID,
		Context:    ctxJSON,
		RunAt:      &runAt,
		StartedAt:  now,
	}
	if err := t.store.RecordAction(ctx, rec); err != nil {
		return nil, &ExternalCallError{Tool: t.Name(), Err: err}
	}
	return &Result{
		Status:  StatusScheduled,
		Message: fmt.Sprintf("%s scheduled for %s", capability, runAt.UTC().Format(time.RFC3339)),
		Data:    map[string]any{"scheduled_action_id": deferred.ActionID, "run_at": runAt.UTC().Format(time.RFC3339)},
	}, nil
}
