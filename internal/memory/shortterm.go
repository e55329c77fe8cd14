// Package memory keeps bounded per-channel conversation memory and the
// rolling summaries that compress it.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/SocialClaw/internal/history"
)

const (
	DefaultCapacity         = 20
	DefaultSummaryThreshold = 10
)

// Entry roles.
const (
	RoleUser    = "user"
	RoleOutcome = "outcome"
)

// Entry is one remembered message or turn outcome.
type Entry struct {
	Role      string    `json:"role"`
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SummaryRequest is the payload of bus.TopicSummaryRequested.
type SummaryRequest struct {
	Channel string `json:"channel"`
}

// Persister stores snapshots and summaries. *history.Store implements it.
type Persister interface {
	SaveMemorySnapshot(ctx context.Context, snap history.MemorySnapshot) error
	LoadMemorySnapshots(ctx context.Context) ([]history.MemorySnapshot, error)
	GetSummary(ctx context.Context, channel string) (string, error)
	SaveSummary(ctx context.Context, channel, summary string) error
}

type channelMemory struct {
	entries           []Entry
	turnsSinceSummary int
}

// ShortTerm holds a ring buffer of the most recent entries per channel.
type ShortTerm struct {
	capacity  int
	threshold int
	persist   Persister

	mu       sync.Mutex
	channels map[string]*channelMemory
}

// NewShortTerm creates the memory. persist may be nil.
func NewShortTerm(capacity, summaryThreshold int, persist Persister) *ShortTerm {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if summaryThreshold <= 0 {
		summaryThreshold = DefaultSummaryThreshold
	}
	return &ShortTerm{
		capacity:  capacity,
		threshold: summaryThreshold,
		persist:   persist,
		channels:  make(map[string]*channelMemory),
	}
}

// Restore loads persisted snapshots, replacing in-memory state.
func (m *ShortTerm) Restore(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	snaps, err := m.persist.LoadMemorySnapshots(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = make(map[string]*channelMemory, len(snaps))
	for _, snap := range snaps {
		var entries []Entry
		if err := json.Unmarshal(snap.Entries, &entries); err != nil {
			slog.Warn("Skipping unreadable memory snapshot", "channel", snap.Channel, "error", err)
			continue
		}
		cm := &channelMemory{turnsSinceSummary: snap.TurnsSinceSummary}
		cm.entries = trim(entries, m.capacity)
		m.channels[snap.Channel] = cm
	}
	slog.Info("Short-term memory restored", "channels", len(m.channels))
	return nil
}

// Entries returns a copy of the channel's entries, oldest first.
func (m *ShortTerm) Entries(channel string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.channels[channel]
	if !ok {
		return nil
	}
	return append([]Entry(nil), cm.entries...)
}

// TurnsSinceSummary returns the channel's summarization counter.
func (m *ShortTerm) TurnsSinceSummary(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cm, ok := m.channels[channel]; ok {
		return cm.turnsSinceSummary
	}
	return 0
}

// CompleteTurn appends the turn's entries, trims the buffer to capacity and
// bumps the summarization counter. It reports whether a summary is due; the
// counter restarts when it is.
func (m *ShortTerm) CompleteTurn(ctx context.Context, channel string, entries ...Entry) bool {
	m.mu.Lock()
	cm, ok := m.channels[channel]
	if !ok {
		cm = &channelMemory{}
		m.channels[channel] = cm
	}
	cm.entries = trim(append(cm.entries, entries...), m.capacity)
	cm.turnsSinceSummary++
	due := cm.turnsSinceSummary >= m.threshold
	if due {
		cm.turnsSinceSummary = 0
	}
	snap := history.MemorySnapshot{Channel: channel, TurnsSinceSummary: cm.turnsSinceSummary}
	data, err := json.Marshal(cm.entries)
	m.mu.Unlock()

	if m.persist != nil && err == nil {
		snap.Entries = data
		if err := m.persist.SaveMemorySnapshot(ctx, snap); err != nil {
			slog.Warn("Memory snapshot not saved", "channel", channel, "error", err)
		}
	}
	return due
}

// Summary returns the channel's latest rolling summary, or "".
func (m *ShortTerm) Summary(ctx context.Context, channel string) string {
	if m.persist == nil {
		return ""
	}
	s, err := m.persist.GetSummary(ctx, channel)
	if err != nil {
		slog.Warn("Summary lookup failed", "channel", channel, "error", err)
		return ""
	}
	return s
}

// Clear drops the channel's entries and counter.
func (m *ShortTerm) Clear(channel string) {
	m.mu.Lock()
	delete(m.channels, channel)
	m.mu.Unlock()
}

func trim(entries []Entry, capacity int) []Entry {
	if len(entries) <= capacity {
		return entries
	}
	out := make([]Entry, capacity)
	copy(out, entries[len(entries)-capacity:])
	return out
}
