package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open history store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	})
	return store
}

func TestRecordAndListActions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{StatusSuccess, StatusFailure, StatusSkipped} {
		err := store.RecordAction(ctx, &ActionRecord{
			ActionID:   "act-" + status,
			Capability: "reply_text",
			Parameters: map[string]any{"text": "hi", "n": float64(i)},
			Status:     status,
			Channel:    "slack:C1",
			DurationMs: int64(i * 10),
		})
		if err != nil {
			t.Fatalf("record %s: %v", status, err)
		}
	}

	all, err := store.ListActions(ctx, ActionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ActionID != "act-skipped" {
		t.Fatalf("expected newest first, got %s", all[0].ActionID)
	}
	if all[2].Parameters["text"] != "hi" {
		t.Fatalf("parameters not round-tripped: %v", all[2].Parameters)
	}

	failed, err := store.ListActions(ctx, ActionFilter{Status: StatusFailure})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ActionID != "act-failure" {
		t.Fatalf("unexpected filter result: %+v", failed)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusSuccess] != 1 || counts[StatusSkipped] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestActionIDIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &ActionRecord{ActionID: "dup", Capability: "reply_text", Status: StatusSuccess}
	if err := store.RecordAction(ctx, rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.RecordAction(ctx, &ActionRecord{ActionID: "dup", Capability: "x", Status: StatusSuccess}); err == nil {
		t.Fatal("expected duplicate action id to be rejected")
	}
}

func TestScheduledLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	actx, _ := json.Marshal(map[string]string{"channel": "slack:C1"})

	for id, runAt := range map[string]time.Time{"due": past, "later": future} {
		runAt := runAt
		if err := store.RecordAction(ctx, &ActionRecord{
			ActionID:   id,
			Capability: "reply_text",
			Status:     StatusScheduled,
			RunAt:      &runAt,
			Context:    actx,
		}); err != nil {
			t.Fatalf("schedule %s: %v", id, err)
		}
	}

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ActionID != "due" {
		t.Fatalf("expected only the due action, got %+v", due)
	}
	if string(due[0].Context) != string(actx) {
		t.Fatalf("context not preserved: %s", due[0].Context)
	}

	if err := store.CompleteScheduled(ctx, &ActionRecord{ActionID: "due", Status: StatusSuccess, Message: "sent"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.CompleteScheduled(ctx, &ActionRecord{ActionID: "due", Status: StatusSkipped}); err == nil {
		t.Fatal("expected skipped to be rejected as a completion status")
	}
	err = store.CompleteScheduled(ctx, &ActionRecord{ActionID: "due", Status: StatusFailure})
	if !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("expected ErrNotScheduled on second transition, got %v", err)
	}

	got, err := store.GetAction(ctx, "due")
	if err != nil || got == nil {
		t.Fatalf("get action: %v", err)
	}
	if got.Status != StatusSuccess || got.Message != "sent" || got.FinishedAt == nil {
		t.Fatalf("unexpected completed record: %+v", got)
	}

	missing, err := store.GetAction(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing action, got %+v %v", missing, err)
	}
}

func TestEffectsLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.HasEffect(ctx, "reply", "slack:C1:1700.1")
	if err != nil || ok {
		t.Fatalf("expected no effect yet: %v %v", ok, err)
	}
	for i := 0; i < 2; i++ {
		if err := store.RecordEffect(ctx, Effect{Action: "reply", Target: "slack:C1:1700.1", ActionID: "a1"}); err != nil {
			t.Fatalf("record effect: %v", err)
		}
	}
	ok, err = store.HasEffect(ctx, "reply", "slack:C1:1700.1")
	if err != nil || !ok {
		t.Fatalf("expected effect recorded: %v %v", ok, err)
	}
	ok, _ = store.HasEffect(ctx, "react", "slack:C1:1700.1")
	if ok {
		t.Fatal("effects must be scoped by action")
	}
}

func TestSummariesAndSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if s, err := store.GetSummary(ctx, "wa:1"); err != nil || s != "" {
		t.Fatalf("expected empty summary, got %q %v", s, err)
	}
	_ = store.SaveSummary(ctx, "wa:1", "first")
	_ = store.SaveSummary(ctx, "wa:1", "second")
	if s, _ := store.GetSummary(ctx, "wa:1"); s != "second" {
		t.Fatalf("expected upserted summary, got %q", s)
	}

	err := store.SaveMemorySnapshot(ctx, MemorySnapshot{
		Channel:           "wa:1",
		Entries:           json.RawMessage(`[{"role":"user","content":"hi"}]`),
		TurnsSinceSummary: 4,
	})
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	snaps, err := store.LoadMemorySnapshots(ctx)
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].TurnsSinceSummary != 4 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetSetting("silent_mode", "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := store.GetSetting("silent_mode"); err != nil || v != "true" {
		t.Fatalf("get: %q %v", v, err)
	}
}
