// Package executor runs planned actions against the capability registry with
// validation, circuit breaking, history recording and metrics.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/breaker"
	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/KafClaw/SocialClaw/internal/tools"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// Error kinds attached to failed results.
const (
	KindUnknownCapability = "unknown_capability"
	KindValidation        = "validation"
	KindCircuitOpen       = "circuit_open"
	KindExternalCall      = "external_call"
)

const (
	// DefaultActionTimeout bounds a single capability call.
	DefaultActionTimeout = 30 * time.Second

	// recordTimeout bounds history writes made after an action finished.
	recordTimeout = 5 * time.Second

	abandonGrace = 2 * time.Second
)

// Action is one planned capability invocation.
type Action struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters"`
}

// Result is the normalized outcome of an action.
type Result struct {
	ActionID   string         `json:"action_id"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	TurnID     string         `json:"turn_id,omitempty"`
	Status     tools.Status   `json:"status"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// OK reports whether the action succeeded.
func (r Result) OK() bool { return r.Status == tools.StatusSuccess }

// Recorder persists action records.
type Recorder interface {
	RecordAction(ctx context.Context, rec *history.ActionRecord) error
	CompleteScheduled(ctx context.Context, rec *history.ActionRecord) error
}

// Publisher receives action.executed events.
type Publisher interface {
	Publish(evt bus.Event) error
}

// Options configures an Executor. Registry is required. ActionTimeout
// defaults to DefaultActionTimeout.
type Options struct {
	Registry      *tools.Registry
	Breaker       *breaker.Tracker
	Recorder      Recorder
	Publisher     Publisher
	Meter         metric.Meter
	ActionTimeout time.Duration
}

// Executor is safe for concurrent use.
type Executor struct {
	registry  *tools.Registry
	breaker   *breaker.Tracker
	recorder  Recorder
	publisher Publisher
	metrics   *instruments
	timeout   time.Duration
	grace     time.Duration
	newID     func() string
	now       func() time.Time

	mu       sync.Mutex
	count    int64
	total    time.Duration
	byStatus map[tools.Status]int64
}

func New(opts Options) *Executor {
	if opts.Breaker == nil {
		opts.Breaker = breaker.New(breaker.DefaultConfig())
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	return &Executor{
		registry:  opts.Registry,
		breaker:   opts.Breaker,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		metrics:   newInstruments(opts.Meter),
		timeout:   opts.ActionTimeout,
		grace:     abandonGrace,
		newID:     uuid.NewString,
		now:       time.Now,
		byStatus:  make(map[tools.Status]int64),
	}
}

// Execute runs one action. Every outcome, including lookup and validation
// failures, is returned as a Result; Execute never returns an error.
func (e *Executor) Execute(ctx context.Context, action Action, actx tools.ActionContext) Result {
	if actx.ActionID == "" {
		actx.ActionID = e.newID()
	}
	res := e.run(ctx, action, actx)
	e.finish(ctx, res, actx, false)
	return res
}

// ExecuteAll runs actions in order. It stops early when ctx is cancelled.
func (e *Executor) ExecuteAll(ctx context.Context, actions []Action, actx tools.ActionContext) []Result {
	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		step := actx
		step.ActionID = ""
		results = append(results, e.Execute(ctx, a, step))
	}
	return results
}

// ExecuteScheduled runs a deferred action under its original action id and
// completes its scheduled record.
func (e *Executor) ExecuteScheduled(ctx context.Context, rec history.ActionRecord) Result {
	var actx tools.ActionContext
	if len(rec.Context) > 0 {
		if err := json.Unmarshal(rec.Context, &actx); err != nil {
			slog.Warn("Scheduled action context unreadable", "action_id", rec.ActionID, "error", err)
		}
	}
	actx.ActionID = rec.ActionID
	if actx.Channel == "" {
		actx.Channel = rec.Channel
	}
	res := e.run(ctx, Action{Capability: rec.Capability, Parameters: rec.Parameters}, actx)
	e.finish(ctx, res, actx, true)
	return res
}

func (e *Executor) run(ctx context.Context, action Action, actx tools.ActionContext) Result {
	res := Result{
		ActionID:   actx.ActionID,
		Capability: action.Capability,
		Parameters: action.Parameters,
		Channel:    actx.Channel,
		TurnID:     actx.TurnID,
		StartedAt:  e.now(),
	}
	params := action.Parameters
	if params == nil {
		params = map[string]any{}
	}

	tool, ok := e.registry.Get(action.Capability)
	if !ok {
		return e.fail(res, KindUnknownCapability, &tools.UnknownToolError{Name: action.Capability})
	}

	if missing := tools.MissingParams(tool, params); len(missing) > 0 {
		return e.fail(res, KindValidation, &tools.ValidationError{Tool: tool.Name(), Missing: missing})
	}

	if err := e.breaker.Check(tool.Name(), params); err != nil {
		return e.fail(res, KindCircuitOpen, err)
	}

	out, err := e.invoke(ctx, tool, params, actx)
	if err != nil {
		e.breaker.RecordFailure(tool.Name(), params)
		var ext *tools.ExternalCallError
		if !errors.As(err, &ext) {
			err = &tools.ExternalCallError{Tool: tool.Name(), Err: err}
		}
		return e.fail(res, KindExternalCall, err)
	}

	normalized := normalize(out)
	res.Status = normalized.Status
	res.Message = normalized.Message
	res.Data = normalized.Data
	res.Duration = e.now().Sub(res.StartedAt)
	if res.Status == tools.StatusFailure {
		e.breaker.RecordFailure(tool.Name(), params)
		res.ErrorKind = KindExternalCall
		res.Error = normalized.Message
	}
	return res
}

type invokeResult struct {
	out any
	err error
}

// invoke runs the tool under the action timeout. Once ctx is done the tool
// gets a short grace period to return; after that it is abandoned.
func (e *Executor) invoke(ctx context.Context, tool tools.Tool, params map[string]any, actx tools.ActionContext) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		var r invokeResult
		defer func() {
			if p := recover(); p != nil {
				r.err = &tools.ExternalCallError{Tool: tool.Name(), Err: fmt.Errorf("panic: %v", p)}
			}
			done <- r
		}()
		r.out, r.err = tool.Execute(ctx, params, actx)
	}()

	select {
	case r := <-done:
		return e.settle(ctx, tool.Name(), r)
	case <-ctx.Done():
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case r := <-done:
		return e.settle(ctx, tool.Name(), r)
	case <-grace.C:
		slog.Warn("Capability ignored cancellation, abandoning", "capability", tool.Name(), "action_id", actx.ActionID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(tool.Name(), e.timeout)
		}
		return nil, &tools.ExternalCallError{Tool: tool.Name(), Err: ctx.Err()}
	}
}

func (e *Executor) settle(ctx context.Context, tool string, r invokeResult) (any, error) {
	if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.out, timeoutError(tool, e.timeout)
	}
	return r.out, r.err
}

func timeoutError(tool string, d time.Duration) error {
	return &tools.ExternalCallError{Tool: tool, Err: fmt.Errorf("timed out after %s: %w", d, context.DeadlineExceeded)}
}

func (e *Executor) fail(res Result, kind string, err error) Result {
	res.Status = tools.StatusFailure
	res.ErrorKind = kind
	res.Error = err.Error()
	res.Message = err.Error()
	res.Duration = e.now().Sub(res.StartedAt)
	return res
}

// normalize wraps bare return values into a Result.
func normalize(out any) *tools.Result {
	switch v := out.(type) {
	case nil:
		return tools.Succeeded("", nil)
	case *tools.Result:
		if v == nil {
			return tools.Succeeded("", nil)
		}
		r := *v
		if r.Status == "" {
			r.Status = tools.StatusSuccess
		}
		return &r
	case tools.Result:
		if v.Status == "" {
			v.Status = tools.StatusSuccess
		}
		return &v
	case string:
		return tools.Succeeded(v, nil)
	case map[string]any:
		return tools.Succeeded("", v)
	default:
		return tools.Succeeded(fmt.Sprint(v), map[string]any{"value": v})
	}
}

func (e *Executor) finish(ctx context.Context, res Result, actx tools.ActionContext, scheduled bool) {
	e.mu.Lock()
	e.count++
	e.total += res.Duration
	e.byStatus[res.Status]++
	e.mu.Unlock()

	e.metrics.record(ctx, res)

	level := slog.LevelInfo
	if res.Status == tools.StatusFailure {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "Action executed",
		"action_id", res.ActionID,
		"capability", res.Capability,
		"channel", res.Channel,
		"status", res.Status,
		"error_kind", res.ErrorKind,
		"duration", res.Duration)

	if e.recorder != nil {
		// The action already ran; its record must land even when ctx is gone.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		rec := toRecord(res, actx)
		var err error
		if scheduled {
			if rec.Status == history.StatusSkipped {
				// Deferred actions only ever finish as success or failure.
				rec.Status = history.StatusSuccess
				rec.Message = "skipped: " + rec.Message
			}
			err = e.recorder.CompleteScheduled(wctx, rec)
		} else {
			err = e.recorder.RecordAction(wctx, rec)
		}
		if err != nil {
			slog.Warn("Action history recording failed", "action_id", res.ActionID, "error", err)
		}
	}

	if e.publisher != nil {
		if err := e.publisher.Publish(bus.Event{
			Topic:         bus.TopicActionExecuted,
			CorrelationID: res.ActionID,
			Payload:       res,
		}); err != nil {
			slog.Debug("Action event not published", "action_id", res.ActionID, "error", err)
		}
	}
}

func toRecord(res Result, actx tools.ActionContext) *history.ActionRecord {
	finished := res.StartedAt.Add(res.Duration)
	ctxJSON, _ := json.Marshal(actx)
	return &history.ActionRecord{
		ActionID:   res.ActionID,
		Capability: res.Capability,
		Parameters: res.Parameters,
		Status:     string(res.Status),
		Message:    res.Message,
		ErrorKind:  res.ErrorKind,
		ErrorText:  res.Error,
		Channel:    res.Channel,
		TurnID:     res.TurnID,
		TraceID:    actx.TraceID,
		Context:    ctxJSON,
		StartedAt:  res.StartedAt,
		FinishedAt: &finished,
		DurationMs: res.Duration.Milliseconds(),
	}
}

// Stats is a snapshot of executor counters and breaker state.
type Stats struct {
	Executions    int64            `json:"executions"`
	TotalDuration time.Duration    `json:"total_duration"`
	AvgDuration   time.Duration    `json:"avg_duration"`
	ByStatus      map[string]int64 `json:"by_status"`
	Breakers      []breaker.State  `json:"breakers"`
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		Executions:    e.count,
		TotalDuration: e.total,
		ByStatus:      make(map[string]int64, len(e.byStatus)),
	}
	for k, v := range e.byStatus {
		s.ByStatus[string(k)] = v
	}
	e.mu.Unlock()
	if s.Executions > 0 {
		s.AvgDuration = s.TotalDuration / time.Duration(s.Executions)
	}
	s.Breakers = e.breaker.Snapshot()
	return s
}
