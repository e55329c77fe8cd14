// Package dedup prevents externally visible actions (replies, reactions,
// sends) from being performed twice for the same target.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/KafClaw/SocialClaw/internal/history"
)

// Ledger is the local record of effects already performed.
type Ledger interface {
	HasEffect(ctx context.Context, action, target string) (bool, error)
	RecordEffect(ctx context.Context, e history.Effect) error
}

// RemoteCheck asks the authoritative platform whether the effect already
// happened. It may be nil when the platform offers no such query.
type RemoteCheck func(ctx context.Context) (bool, error)

// Key names a semantic action and the target it applies to, for example
// ("reply", "slack:C123:1700000000.000100").
type Key struct {
	Action string
	Target string
}

// Decision is the result of a guard check.
type Decision struct {
	Proceed bool
	Reason  string
	// Source is "local" or "remote" when the effect was found.
	Source string
}

// recordTimeout bounds ledger writes made after an effect was performed.
const recordTimeout = 5 * time.Second

// Guard is safe for concurrent use when its Ledger is.
type Guard struct {
	ledger Ledger
}

func New(ledger Ledger) *Guard {
	return &Guard{ledger: ledger}
}

// Check decides whether the effect may be performed. The local ledger is
// consulted first and short-circuits without calling remote. When remote
// reports the effect as done the ledger is backfilled. A failing remote
// check fails open: the effect proceeds and the failure is logged.
func (g *Guard) Check(ctx context.Context, key Key, remote RemoteCheck) Decision {
	done, err := g.ledger.HasEffect(ctx, key.Action, key.Target)
	if err != nil {
		slog.Warn("Dedup ledger lookup failed", "action", key.Action, "target", key.Target, "error", err)
	}
	if done {
		slog.Info("Duplicate action skipped", "action", key.Action, "target", key.Target, "source", history.EffectSourceLocal)
		return Decision{Reason: SkipReason(key.Action), Source: history.EffectSourceLocal}
	}

	if remote == nil {
		return Decision{Proceed: true}
	}
	done, err = remote(ctx)
	if err != nil {
		slog.Warn("Dedup remote check failed, proceeding", "action", key.Action, "target", key.Target, "error", err)
		return Decision{Proceed: true}
	}
	if !done {
		return Decision{Proceed: true}
	}

	if err := g.ledger.RecordEffect(ctx, history.Effect{
		Action: key.Action,
		Target: key.Target,
		Source: history.EffectSourceRemote,
	}); err != nil {
		slog.Warn("Dedup backfill failed", "action", key.Action, "target", key.Target, "error", err)
	}
	slog.Info("Duplicate action skipped", "action", key.Action, "target", key.Target, "source", history.EffectSourceRemote)
	return Decision{Reason: SkipReason(key.Action), Source: history.EffectSourceRemote}
}

// Record notes that the effect was performed by actionID. The effect already
// happened, so the write outlives cancellation of ctx.
func (g *Guard) Record(ctx context.Context, key Key, actionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := g.ledger.RecordEffect(ctx, history.Effect{
		Action:   key.Action,
		Target:   key.Target,
		ActionID: actionID,
		Source:   history.EffectSourceLocal,
	}); err != nil {
		slog.Warn("Dedup record failed", "action", key.Action, "target", key.Target, "error", err)
	}
}

// SkipReason is the user-facing reason attached to a skipped action.
func SkipReason(action string) string {
	switch action {
	case "reply":
		return "already replied"
	case "react":
		return "already reacted"
	case "send":
		return "already sent"
	default:
		return "already done: " + action
	}
}
