// Package policy decides which capabilities the planner may use for a turn.
package policy

import (
	"fmt"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/tools"
)

// Context describes the turn a capability would run in.
type Context struct {
	Sender      string
	Channel     string
	Tool        string
	Tier        int
	MessageType string // "internal" or "external"
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
	Tier   int
}

// Engine evaluates whether a capability may be offered to the planner.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine checks the tool tier against the configured maximum for the
// message type and, optionally, the sender allowlist.
type DefaultEngine struct {
	// MaxAutoTier is the highest tier allowed for internal messages (default: 1).
	MaxAutoTier int
	// ExternalMaxTier is the highest tier allowed for external messages
	// (default: 1, replies and reactions).
	ExternalMaxTier int
	// AllowedSenders is the set of senders permitted to trigger tier > 0
	// capabilities. If empty, all senders are allowed.
	AllowedSenders map[string]bool
}

// NewDefaultEngine creates a policy engine with sensible defaults.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		MaxAutoTier:     tools.TierWrite,
		ExternalMaxTier: tools.TierWrite,
	}
}

// Evaluate checks tool tier and sender authorization.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{Tier: ctx.Tier}

	if ctx.Tier == tools.TierReadOnly {
		d.Allow = true
		d.Reason = "tier_0_always_allowed"
		return d
	}

	if len(e.AllowedSenders) > 0 && ctx.Sender != "" {
		if !e.AllowedSenders[ctx.Sender] {
			d.Reason = fmt.Sprintf("sender_not_authorized: %s", ctx.Sender)
			return d
		}
	}

	maxTier := e.MaxAutoTier
	if ctx.MessageType == bus.MessageTypeExternal {
		maxTier = e.ExternalMaxTier
	}
	if ctx.Tier > maxTier {
		d.Reason = fmt.Sprintf("tier_%d_denied_for_%s_message", ctx.Tier, messageTypeLabel(ctx.MessageType))
		return d
	}

	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_allowed", ctx.Tier)
	return d
}

func messageTypeLabel(t string) string {
	if t == "" {
		return bus.MessageTypeInternal
	}
	return t
}

// AllowedTools returns the names of registered tools the engine allows for
// base, in registry order. base.Tool and base.Tier are filled per tool.
func AllowedTools(engine Engine, reg *tools.Registry, base Context) []string {
	var names []string
	for _, t := range reg.List() {
		c := base
		c.Tool = t.Name()
		c.Tier = tools.ToolTier(t)
		if engine.Evaluate(c).Allow {
			names = append(names, t.Name())
		}
	}
	return names
}
