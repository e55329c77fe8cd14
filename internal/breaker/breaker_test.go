package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(DefaultConfig(), WithClock(clock.now)), clock
}

func TestThreeFailuresTripTheKey(t *testing.T) {
	tr, clock := newTestTracker()
	params := map[string]any{"text": "hi", "chat": "C1"}

	for i := 0; i < 2; i++ {
		require.False(t, tr.RecordFailure("reply_text", params))
		clock.advance(30 * time.Second)
	}
	ok, _ := tr.ShouldAllow("reply_text", params)
	require.True(t, ok, "two failures must not trip")

	require.True(t, tr.RecordFailure("reply_text", params))

	clock.advance(10 * time.Second)
	ok, reason := tr.ShouldAllow("reply_text", params)
	require.False(t, ok)
	require.Contains(t, reason, "circuit open")

	var open *CircuitOpenError
	require.True(t, errors.As(tr.Check("reply_text", params), &open))
	require.Equal(t, 590*time.Second, open.Remaining)
}

func TestTrippedKeyResetsAfterTimeout(t *testing.T) {
	tr, clock := newTestTracker()
	params := map[string]any{"id": 1}

	for i := 0; i < 3; i++ {
		tr.RecordFailure("react", params)
	}
	require.Error(t, tr.Check("react", params))

	clock.advance(599 * time.Second)
	require.Error(t, tr.Check("react", params))

	clock.advance(time.Second)
	require.NoError(t, tr.Check("react", params))
	require.Empty(t, tr.Snapshot(), "reset must clear window and trip state")

	// The window restarted: one more failure does not trip again.
	require.False(t, tr.RecordFailure("react", params))
}

func TestFailuresOutsideWindowArePruned(t *testing.T) {
	tr, clock := newTestTracker()
	params := map[string]any{"id": 1}

	tr.RecordFailure("react", params)
	tr.RecordFailure("react", params)
	clock.advance(301 * time.Second)

	require.False(t, tr.RecordFailure("react", params))
	require.NoError(t, tr.Check("react", params))

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].Failures)
}

func TestKeysAreScopedToParameters(t *testing.T) {
	tr, _ := newTestTracker()
	bad := map[string]any{"target": "x"}
	good := map[string]any{"target": "y"}

	for i := 0; i < 3; i++ {
		tr.RecordFailure("reply_text", bad)
	}
	require.Error(t, tr.Check("reply_text", bad))
	require.NoError(t, tr.Check("reply_text", good))
	require.NoError(t, tr.Check("react", bad))
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := map[string]any{"a": 1, "b": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"b": map[string]any{"y": 2, "x": 1}, "a": 1}
	require.Equal(t, Key("c", a), Key("c", b))
	require.Equal(t, Key("c", nil), Key("c", map[string]any{}))
	require.NotEqual(t, Key("c", a), Key("d", a))
}
