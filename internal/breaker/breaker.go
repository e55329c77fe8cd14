// Package breaker tracks recent failures per (capability, parameters) key and
// blocks keys that fail repeatedly within a sliding window.
package breaker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultFailureThreshold = 3
	DefaultTimeWindow       = 300 * time.Second
	DefaultResetTimeout     = 600 * time.Second
)

// Config holds breaker settings.
type Config struct {
	FailureThreshold int           `json:"failureThreshold"`
	TimeWindow       time.Duration `json:"timeWindow"`
	ResetTimeout     time.Duration `json:"resetTimeout"`
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		TimeWindow:       DefaultTimeWindow,
		ResetTimeout:     DefaultResetTimeout,
	}
}

// CircuitOpenError is returned for a key that is currently tripped.
type CircuitOpenError struct {
	Key        string
	Capability string
	Remaining  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Capability, e.Remaining.Round(time.Second))
}

type entry struct {
	capability string
	failures   []time.Time
	trippedAt  time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker. Zero-valued config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	t := &Tracker{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective settings.
func (t *Tracker) Config() Config { return t.cfg }

// Key derives the breaker key from the capability name and a hash of the
// canonical JSON encoding of params. encoding/json sorts map keys, so equal
// parameter sets always hash the same.
func Key(capability string, params map[string]any) string {
	if len(params) == 0 {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return capability + ":" + hex.EncodeToString(sum[:8])
}

// ShouldAllow reports whether capability may run with params now, and a
// human-readable reason when it may not.
func (t *Tracker) ShouldAllow(capability string, params map[string]any) (bool, string) {
	if err := t.Check(capability, params); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Check returns a *CircuitOpenError when the key is tripped. A key whose
// reset timeout has elapsed is cleared and allowed.
func (t *Tracker) Check(capability string, params map[string]any) error {
	key := Key(capability, params)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	t.prune(e, now)
	if !e.trippedAt.IsZero() {
		elapsed := now.Sub(e.trippedAt)
		if elapsed < t.cfg.ResetTimeout {
			return &CircuitOpenError{
				Key:        key,
				Capability: capability,
				Remaining:  t.cfg.ResetTimeout - elapsed,
			}
		}
		delete(t.entries, key)
		slog.Info("Circuit breaker reset", "capability", capability, "key", key)
		return nil
	}
	if len(e.failures) == 0 {
		delete(t.entries, key)
	}
	return nil
}

// RecordFailure notes a failure for the key and reports whether the key is
// tripped afterwards.
func (t *Tracker) RecordFailure(capability string, params map[string]any) bool {
	key := Key(capability, params)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{capability: capability}
		t.entries[key] = e
	}
	e.failures = append(e.failures, now)
	t.prune(e, now)
	if e.trippedAt.IsZero() && len(e.failures) >= t.cfg.FailureThreshold {
		e.trippedAt = now
		slog.Warn("Circuit breaker tripped",
			"capability", capability,
			"key", key,
			"failures", len(e.failures),
			"reset_in", t.cfg.ResetTimeout)
	}
	return !e.trippedAt.IsZero()
}

// Reset clears the key for capability and params.
func (t *Tracker) Reset(capability string, params map[string]any) {
	t.mu.Lock()
	delete(t.entries, Key(capability, params))
	t.mu.Unlock()
}

func (t *Tracker) prune(e *entry, now time.Time) {
	cutoff := now.Add(-t.cfg.TimeWindow)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept
}

// State is a point-in-time view of one key.
type State struct {
	Key        string        `json:"key"`
	Capability string        `json:"capability"`
	Failures   int           `json:"failures"`
	Open       bool          `json:"open"`
	TrippedAt  time.Time     `json:"tripped_at,omitempty"`
	Remaining  time.Duration `json:"remaining,omitempty"`
}

// Snapshot returns the state of every tracked key, sorted by key.
func (t *Tracker) Snapshot() []State {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.entries))
	for key, e := range t.entries {
		t.prune(e, now)
		s := State{Key: key, Capability: e.capability, Failures: len(e.failures)}
		if !e.trippedAt.IsZero() {
			if elapsed := now.Sub(e.trippedAt); elapsed < t.cfg.ResetTimeout {
				s.Open = true
				s.TrippedAt = e.trippedAt
				s.Remaining = t.cfg.ResetTimeout - elapsed
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
